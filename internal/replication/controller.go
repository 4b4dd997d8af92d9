// Package replication keeps the bulk replication task from the relational source running.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"cdc-loader/internal/config"
	"cdc-loader/internal/warehouse"
)

// Status is a replication task status, lower case
type Status string

const (
	StatusReady   Status = "ready"
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// ErrUnexpectedReplicationStatus is matched by errors for task states the controller does not handle
var ErrUnexpectedReplicationStatus = errors.New("unexpected replication status")

// UnexpectedStatusError carries the task and the status it reported
type UnexpectedStatusError struct {
	TaskARN string
	Status  string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected replication status %q for task %s", e.Status, e.TaskARN)
}

func (e *UnexpectedStatusError) Is(target error) bool {
	return target == ErrUnexpectedReplicationStatus
}

// Task is the part of a replication task the controller reads
type Task struct {
	ARN    string
	Status string
}

// Ack is the service's answer to a start request
type Ack struct {
	TaskARN string
	Status  string
}

// TaskService looks up and starts replication tasks
type TaskService interface {
	Describe(ctx context.Context, taskARN string) ([]Task, error)
	Start(ctx context.Context, taskARN string) (Ack, error)
}

// Checker verifies the source is able to feed change data capture
type Checker interface {
	Check(ctx context.Context) error
}

// Outcome is the result of one Ensure call
type Outcome struct {
	Status  Status
	Started bool
	Ack     *Ack
}

// Deps are the collaborators of a Controller. Source, Warehouse and Preflight are optional.
type Deps struct {
	Tasks       TaskService
	TaskARN     string
	Source      SourceCounter
	Warehouse   warehouse.Warehouse
	TargetTable string
	Poll        config.PollConfig
	RowCounts   bool
	Preflight   Checker
	Logger      *logrus.Logger
}

// Controller keeps the replication task running
type Controller struct {
	deps Deps
}

// NewController creates a controller; Source, Warehouse and Preflight may be nil when unused
func NewController(deps Deps) *Controller {
	return &Controller{deps: deps}
}

// Ensure starts the task when it is ready or stopped and leaves a running task alone
func (c *Controller) Ensure(ctx context.Context) (Outcome, error) {
	d := c.deps

	tasks, err := d.Tasks.Describe(ctx, d.TaskARN)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to describe replication task %s: %w", d.TaskARN, err)
	}
	if len(tasks) != 1 {
		return Outcome{}, fmt.Errorf("expected exactly 1 replication task for %s, found %d", d.TaskARN, len(tasks))
	}

	status := Status(strings.ToLower(tasks[0].Status))
	logger := d.Logger.WithField("task", d.TaskARN)

	switch status {
	case StatusReady, StatusStopped:
		if d.Preflight != nil {
			if err := d.Preflight.Check(ctx); err != nil {
				logger.Warnf("Source preflight failed: %v", err)
			}
		}

		ack, err := d.Tasks.Start(ctx, d.TaskARN)
		if err != nil {
			return Outcome{Status: status}, fmt.Errorf("failed to start replication task %s: %w", d.TaskARN, err)
		}
		logger.Infof("Started replication task, status now %s", ack.Status)
		return Outcome{Status: status, Started: true, Ack: &ack}, nil

	case StatusRunning:
		logger.Info("Replication task is already running, nothing to do")
		if d.RowCounts {
			c.reportRowCounts(ctx, logger)
		}
		return Outcome{Status: status}, nil
	}

	return Outcome{Status: status}, &UnexpectedStatusError{TaskARN: d.TaskARN, Status: tasks[0].Status}
}

// reportRowCounts logs both ends of the replication; failures are only logged
func (c *Controller) reportRowCounts(ctx context.Context, logger *logrus.Entry) {
	d := c.deps

	if d.Source != nil {
		stats, err := d.Source.Count(ctx)
		if err != nil {
			logger.Warnf("Failed to count source rows: %v", err)
		} else {
			logger.Infof("Source table `%s` has %d rows (binlog position %s)", stats.Table, stats.Rows, stats.Position)
		}
	}

	if d.Warehouse != nil && d.TargetTable != "" {
		n, err := warehouse.QueryCount(ctx, d.Warehouse, warehouse.CountSQL(d.TargetTable), d.Poll)
		if err != nil {
			logger.Warnf("Failed to count warehouse rows: %v", err)
		} else {
			logger.Infof("Warehouse table `%s` has %d rows", d.TargetTable, n)
		}
	}
}
