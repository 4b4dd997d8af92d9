package staging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Locker grants exclusive ownership of an artifact name across loader runs.
// Acquire returns ErrAlreadyClaimed when the name is held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(context.Context) error, err error)
}

// LocalLocker is an in-process Locker. It cannot see claims of other processes;
// across processes the in-progress partition and Recover's age check keep runs apart.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an empty in-process lock table
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, name string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, ErrAlreadyClaimed
	}
	l.held[name] = struct{}{}
	return func(context.Context) error {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
		return nil
	}, nil
}

// Claimer moves artifacts through the in-progress partition under a lock
type Claimer struct {
	store         Store
	layout        Layout
	locker        Locker
	deleteMarkers bool
	staleAfter    time.Duration
	logger        *logrus.Logger
}

// NewClaimer creates a claimer. deleteMarkers retires empty markers by deletion instead of a move;
// staleAfter is how long an artifact may sit in progress before Recover treats it as abandoned.
func NewClaimer(store Store, layout Layout, locker Locker, deleteMarkers bool, staleAfter time.Duration, logger *logrus.Logger) *Claimer {
	return &Claimer{
		store:         store,
		layout:        layout,
		locker:        locker,
		deleteMarkers: deleteMarkers,
		staleAfter:    staleAfter,
		logger:        logger,
	}
}

// Claim is an artifact owned by the current run, parked in the in-progress partition
type Claim struct {
	Artifact Artifact
	Key      string // in-progress key

	claimer *Claimer
	release func(context.Context) error
	done    bool
}

// Claim locks a and moves it from unprocessed to in-progress.
// It returns ErrAlreadyClaimed when another run holds the lock or has already moved the artifact.
func (c *Claimer) Claim(ctx context.Context, a Artifact) (*Claim, error) {
	release, err := c.locker.Acquire(ctx, a.Name)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to lock %s: %w", a.Name, err)
	}

	exists, err := c.store.Exists(ctx, a.Key)
	if err != nil {
		c.unlock(ctx, a.Name, release)
		return nil, err
	}
	if !exists {
		c.unlock(ctx, a.Name, release)
		return nil, ErrAlreadyClaimed
	}

	inProgress := c.layout.Key(StateInProgress, a.Name)
	if err := Move(ctx, c.store, a.Key, inProgress); err != nil {
		c.unlock(ctx, a.Name, release)
		return nil, fmt.Errorf("failed to claim %s: %w", a.Key, err)
	}

	c.logger.WithField("key", a.Key).Debug("Claimed staging artifact")
	return &Claim{Artifact: a, Key: inProgress, claimer: c, release: release}, nil
}

// Location returns the warehouse-readable URI of the claimed artifact
func (cl *Claim) Location() string {
	return cl.claimer.store.Location(cl.Key)
}

// Complete retires the artifact: markers may be deleted, everything else moves to processed.
// The claim ends even when retirement fails; Recover finishes the job on a later run.
func (cl *Claim) Complete(ctx context.Context) error {
	if cl.done {
		return nil
	}
	c := cl.claimer
	var err error
	if cl.Artifact.Kind == KindMarker && c.deleteMarkers {
		if derr := c.store.Delete(ctx, cl.Key); derr != nil {
			err = fmt.Errorf("failed to retire %s: %w", cl.Key, derr)
		}
	} else {
		processed := c.layout.Key(StateProcessed, cl.Artifact.Name)
		if merr := Move(ctx, c.store, cl.Key, processed); merr != nil {
			err = fmt.Errorf("failed to retire %s: %w", cl.Key, merr)
		}
	}
	cl.done = true
	c.unlock(ctx, cl.Artifact.Name, cl.release)
	return err
}

// Release returns the artifact to unprocessed so a later run sees it again
func (cl *Claim) Release(ctx context.Context) error {
	if cl.done {
		return nil
	}
	c := cl.claimer
	unprocessed := c.layout.Key(StateUnprocessed, cl.Artifact.Name)
	if err := Move(ctx, c.store, cl.Key, unprocessed); err != nil {
		return fmt.Errorf("failed to release %s: %w", cl.Key, err)
	}
	cl.done = true
	c.unlock(ctx, cl.Artifact.Name, cl.release)
	return nil
}

// Recover cleans up in-progress artifacts left behind by runs that died between claim and retirement.
// An artifact already copied to processed is retired; any other is moved back to unprocessed,
// but only once it is older than staleAfter and its lock is free. Younger artifacts may belong
// to a live run in another process.
func (c *Claimer) Recover(ctx context.Context) (int, error) {
	keys, err := c.store.List(ctx, c.layout.Prefix(StateInProgress))
	if err != nil {
		return 0, err
	}

	now := time.Now()
	recovered := 0
	for _, key := range keys {
		a, err := c.layout.Parse(key, StateInProgress)
		if err != nil {
			return recovered, err
		}

		processed := c.layout.Key(StateProcessed, a.Name)
		loaded, err := c.store.Exists(ctx, processed)
		if err != nil {
			return recovered, err
		}
		if !loaded {
			modified, err := c.store.LastModified(ctx, key)
			if errors.Is(err, ErrObjectNotFound) {
				continue // retired since the listing
			}
			if err != nil {
				return recovered, err
			}
			if now.Sub(modified) < c.staleAfter {
				continue
			}
		}

		release, err := c.locker.Acquire(ctx, a.Name)
		if errors.Is(err, ErrAlreadyClaimed) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to lock %s: %w", a.Name, err)
		}

		logger := c.logger.WithField("key", key)
		if loaded {
			err = c.store.Delete(ctx, key)
			if err == nil {
				logger.Warn("Retired in-progress artifact already copied to processed")
			}
		} else {
			err = Move(ctx, c.store, key, c.layout.Key(StateUnprocessed, a.Name))
			if err == nil {
				logger.Warn("Recovered abandoned in-progress artifact")
			}
		}
		c.unlock(ctx, a.Name, release)
		if err != nil {
			return recovered, fmt.Errorf("failed to recover %s: %w", key, err)
		}
		recovered++
	}
	return recovered, nil
}

func (c *Claimer) unlock(ctx context.Context, name string, release func(context.Context) error) {
	if release == nil {
		return
	}
	if err := release(ctx); err != nil {
		c.logger.Warnf("Failed to release claim lock for %s: %v", name, err)
	}
}
