package warehouse

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrLoadExecutionFailed is matched by errors for statements the warehouse rejected or reported oddly
	ErrLoadExecutionFailed = errors.New("warehouse statement failed")

	// ErrLoadTimedOut is matched by errors for statements still pending when polling gave up
	ErrLoadTimedOut = errors.New("warehouse statement timed out")
)

// ExecutionFailedError reports a statement that reached FAILED or ABORTED
type ExecutionFailedError struct {
	SQL         string
	StatementID string
	Status      Status
	Detail      string
}

func (e *ExecutionFailedError) Error() string {
	msg := fmt.Sprintf("statement %s %s (%s)", e.StatementID, e.Status, snippet(e.SQL))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ExecutionFailedError) Is(target error) bool {
	return target == ErrLoadExecutionFailed
}

// UnexpectedStatusError reports a status outside the statement lifecycle
type UnexpectedStatusError struct {
	SQL         string
	StatementID string
	Status      Status
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("statement %s reported unexpected status %q (%s)", e.StatementID, string(e.Status), snippet(e.SQL))
}

func (e *UnexpectedStatusError) Is(target error) bool {
	return target == ErrLoadExecutionFailed
}

// TimedOutError reports a statement that did not finish within the polling budget
type TimedOutError struct {
	SQL         string
	StatementID string
	LastStatus  Status
	Waited      time.Duration
	Err         error // context error, if the deadline came from the caller
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("statement %s still %s after %s", e.StatementID, e.LastStatus, e.Waited.Round(time.Millisecond))
}

func (e *TimedOutError) Is(target error) bool {
	return target == ErrLoadTimedOut
}

func (e *TimedOutError) Unwrap() error {
	return e.Err
}

const maxSnippet = 120

// snippet shortens sql to one line of at most maxSnippet characters
func snippet(sql string) string {
	s := []rune(strings.Join(strings.Fields(sql), " "))
	if len(s) <= maxSnippet {
		return string(s)
	}
	return string(s[:maxSnippet-3]) + "..."
}
