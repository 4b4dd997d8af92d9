// Package warehouse submits SQL statements to the analytical warehouse and tracks them to completion.
package warehouse

import (
	"context"
	"strings"
)

// Status is the lifecycle state of a submitted statement
type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusPicked    Status = "PICKED"
	StatusStarted   Status = "STARTED"
	StatusFinished  Status = "FINISHED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

// Pending reports whether the statement may still change state
func (s Status) Pending() bool {
	switch s {
	case StatusSubmitted, StatusPicked, StatusStarted:
		return true
	}
	return false
}

// Description is the outcome of a status query
type Description struct {
	Status Status
	Error  string // set by the warehouse when the statement failed
}

// Result holds the rows returned by a finished query. Values are int64, float64, string, bool or nil.
type Result struct {
	Rows [][]any
}

// Warehouse executes statements asynchronously
type Warehouse interface {
	// ExecuteStatement submits sql and returns the statement id without waiting for it
	ExecuteStatement(ctx context.Context, sql string) (string, error)
	DescribeStatement(ctx context.Context, id string) (Description, error)
	GetResult(ctx context.Context, id string) (Result, error)
}

func normalizeStatus(s string) Status {
	return Status(strings.ToUpper(s))
}
