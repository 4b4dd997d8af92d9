package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cdc-loader/internal/config"
)

var errPending = errors.New("statement pending")

// Execute submits sql and waits until it finishes
func Execute(ctx context.Context, wh Warehouse, sql string, poll config.PollConfig) (string, error) {
	id, err := wh.ExecuteStatement(ctx, sql)
	if err != nil {
		return "", fmt.Errorf("failed to submit statement: %w", err)
	}
	return id, Wait(ctx, wh, id, sql, poll)
}

// Wait polls statement id with exponential backoff until it reaches a terminal status.
// Polling stops after poll.MaxWait or when ctx is done.
func Wait(ctx context.Context, wh Warehouse, id, sql string, poll config.PollConfig) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = poll.InitialInterval
	b.MaxInterval = poll.MaxInterval
	b.Multiplier = poll.Multiplier
	b.MaxElapsedTime = poll.MaxWait

	start := time.Now()
	last := StatusSubmitted

	op := func() error {
		desc, err := wh.DescribeStatement(ctx, id)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to describe statement %s: %w", id, err))
		}
		last = desc.Status
		switch {
		case desc.Status == StatusFinished:
			return nil
		case desc.Status == StatusFailed || desc.Status == StatusAborted:
			return backoff.Permanent(&ExecutionFailedError{SQL: sql, StatementID: id, Status: desc.Status, Detail: desc.Error})
		case desc.Status.Pending():
			return errPending
		}
		return backoff.Permanent(&UnexpectedStatusError{SQL: sql, StatementID: id, Status: desc.Status})
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errPending):
		return &TimedOutError{SQL: sql, StatementID: id, LastStatus: last, Waited: time.Since(start)}
	case errors.Is(err, context.DeadlineExceeded):
		return &TimedOutError{SQL: sql, StatementID: id, LastStatus: last, Waited: time.Since(start), Err: err}
	}
	return err
}

// QueryCount runs a single-value count query and returns its first column as an integer
func QueryCount(ctx context.Context, wh Warehouse, sql string, poll config.PollConfig) (int64, error) {
	id, err := Execute(ctx, wh, sql, poll)
	if err != nil {
		return 0, err
	}
	result, err := wh.GetResult(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to get result of statement %s: %w", id, err)
	}
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return 0, fmt.Errorf("statement %s returned no rows", id)
	}
	switch v := result.Rows[0][0].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("statement %s returned %T, expected a number", id, result.Rows[0][0])
}
