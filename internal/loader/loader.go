// Package loader moves staged change batches into the warehouse table.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"cdc-loader/internal/config"
	"cdc-loader/internal/staging"
	"cdc-loader/internal/warehouse"
)

// LoadEvent describes one data artifact that reached the warehouse
type LoadEvent struct {
	Key         string    `json:"key"`
	Location    string    `json:"location"`
	StatementID string    `json:"statement_id"`
	LoadedAt    time.Time `json:"loaded_at"`
}

// Notifier is told about every successful load
type Notifier interface {
	Loaded(ctx context.Context, event LoadEvent) error
}

// Report summarises one run
type Report struct {
	Listed    int // artifacts found in the unprocessed partition
	Loaded    int // data artifacts copied into the warehouse
	Markers   int // empty markers retired
	Skipped   int // artifacts claimed by a concurrent run
	Recovered int // abandoned in-progress artifacts returned to unprocessed or retired
}

// Deps are the collaborators of a Loader
type Deps struct {
	Store     staging.Store
	Layout    staging.Layout
	Claimer   *staging.Claimer
	Warehouse warehouse.Warehouse
	Table     warehouse.Table
	Region    string
	IAMRole   string
	Poll      config.PollConfig
	Notifier  Notifier // optional
	Logger    *logrus.Logger
}

// Loader discovers unprocessed artifacts and loads them in listing order
type Loader struct {
	deps Deps
}

// New creates a Loader; only Deps.Notifier is optional
func New(deps Deps) *Loader {
	return &Loader{deps: deps}
}

// Run performs one load pass. It aborts at the first failure, leaving the failed
// artifact and everything after it in the unprocessed partition.
func (l *Loader) Run(ctx context.Context) (Report, error) {
	d := l.deps
	var report Report

	recovered, err := d.Claimer.Recover(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to recover in-progress artifacts: %w", err)
	}
	report.Recovered = recovered

	prefix := d.Layout.Prefix(staging.StateUnprocessed)
	keys, err := d.Store.List(ctx, prefix)
	if err != nil {
		return report, fmt.Errorf("failed to list staging artifacts: %w", err)
	}
	report.Listed = len(keys)
	if len(keys) == 0 {
		d.Logger.Infof("No staging artifacts in %s", d.Store.Location(prefix))
		return report, nil
	}

	// every name is checked before any statement runs
	artifacts := make([]staging.Artifact, 0, len(keys))
	for _, key := range keys {
		a, err := d.Layout.Parse(key, staging.StateUnprocessed)
		if err != nil {
			return report, err
		}
		artifacts = append(artifacts, a)
	}

	if err := l.ensureTable(ctx); err != nil {
		return report, err
	}

	for _, a := range artifacts {
		claim, err := d.Claimer.Claim(ctx, a)
		if errors.Is(err, staging.ErrAlreadyClaimed) {
			d.Logger.WithField("key", a.Key).Info("Artifact claimed by another run, skipping")
			report.Skipped++
			continue
		}
		if err != nil {
			return report, err
		}

		switch a.Kind {
		case staging.KindData:
			if err := l.load(ctx, claim); err != nil {
				return report, err
			}
			report.Loaded++
		case staging.KindMarker:
			if err := claim.Complete(ctx); err != nil {
				return report, err
			}
			d.Logger.WithField("key", a.Key).Debug("Retired empty marker")
			report.Markers++
		}
	}

	d.Logger.Infof("Load run finished: %d listed, %d loaded, %d markers, %d skipped",
		report.Listed, report.Loaded, report.Markers, report.Skipped)
	return report, nil
}

func (l *Loader) ensureTable(ctx context.Context) error {
	d := l.deps
	for _, sql := range []string{d.Table.CreateSchemaSQL(), d.Table.CreateTableSQL()} {
		if _, err := warehouse.Execute(ctx, d.Warehouse, sql, d.Poll); err != nil {
			return fmt.Errorf("failed to create target table %s: %w", d.Table.Qualified(), err)
		}
	}
	return nil
}

func (l *Loader) load(ctx context.Context, claim *staging.Claim) error {
	d := l.deps
	location := claim.Location()
	logger := d.Logger.WithField("key", claim.Artifact.Key)

	id, err := warehouse.Execute(ctx, d.Warehouse, d.Table.CopySQL(location, d.Region, d.IAMRole), d.Poll)
	if err != nil {
		// the caller's context may be gone already; the artifact must still go back
		if rerr := claim.Release(context.WithoutCancel(ctx)); rerr != nil {
			logger.Errorf("Failed to release artifact after load failure: %v", rerr)
		}
		return fmt.Errorf("failed to load %s: %w", claim.Artifact.Key, err)
	}

	if err := claim.Complete(ctx); err != nil {
		return err
	}
	logger.WithField("statement_id", id).Infof("Loaded %s into %s", location, d.Table.Qualified())

	if d.Notifier != nil {
		event := LoadEvent{Key: claim.Artifact.Key, Location: location, StatementID: id, LoadedAt: time.Now().UTC()}
		if err := d.Notifier.Loaded(ctx, event); err != nil {
			logger.Warnf("Failed to publish load notification: %v", err)
		}
	}
	return nil
}
