// Package warehousetest provides a scripted warehouse for tests.
package warehousetest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cdc-loader/internal/warehouse"
)

// Warehouse records submitted statements and answers status queries from a script.
// Statements finish on their first status query unless a rule matches them.
type Warehouse struct {
	mu         sync.Mutex
	statements []string
	rules      []rule
	submitErr  error
	progress   map[string][]warehouse.Description
	results    map[string]warehouse.Result
	nextResult *warehouse.Result
	onDescribe func(id, sql string)
}

type rule struct {
	match    func(sql string) bool
	statuses []warehouse.Description
}

// New creates a warehouse whose statements finish immediately
func New() *Warehouse {
	return &Warehouse{
		progress: make(map[string][]warehouse.Description),
		results:  make(map[string]warehouse.Result),
	}
}

// On makes statements accepted by match report statuses in order; the last one repeats
func (w *Warehouse) On(match func(sql string) bool, statuses ...warehouse.Description) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rules = append(w.rules, rule{match: match, statuses: statuses})
}

// OnDescribe calls fn with the statement id and text before each status query is answered
func (w *Warehouse) OnDescribe(fn func(id, sql string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDescribe = fn
}

// FailSubmit makes every ExecuteStatement call return err
func (w *Warehouse) FailSubmit(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.submitErr = err
}

// ReturnRows sets the result of the next submitted statement
func (w *Warehouse) ReturnRows(rows ...[]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextResult = &warehouse.Result{Rows: rows}
}

func (w *Warehouse) ExecuteStatement(_ context.Context, sql string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.submitErr != nil {
		return "", w.submitErr
	}
	id := fmt.Sprintf("stmt-%d", len(w.statements)+1)
	w.statements = append(w.statements, sql)

	statuses := []warehouse.Description{{Status: warehouse.StatusFinished}}
	for _, r := range w.rules {
		if r.match(sql) {
			statuses = r.statuses
			break
		}
	}
	w.progress[id] = append([]warehouse.Description(nil), statuses...)
	if w.nextResult != nil {
		w.results[id] = *w.nextResult
		w.nextResult = nil
	}
	return id, nil
}

func (w *Warehouse) DescribeStatement(_ context.Context, id string) (warehouse.Description, error) {
	w.mu.Lock()
	hook := w.onDescribe
	var sql string
	if n, err := strconv.Atoi(strings.TrimPrefix(id, "stmt-")); err == nil && n >= 1 && n <= len(w.statements) {
		sql = w.statements[n-1]
	}
	w.mu.Unlock()
	if hook != nil {
		hook(id, sql)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	statuses, ok := w.progress[id]
	if !ok {
		return warehouse.Description{}, fmt.Errorf("unknown statement id %s", id)
	}
	desc := statuses[0]
	if len(statuses) > 1 {
		w.progress[id] = statuses[1:]
	}
	return desc, nil
}

func (w *Warehouse) GetResult(_ context.Context, id string) (warehouse.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.results[id], nil
}

// Submitted returns a copy of the statements submitted so far
func (w *Warehouse) Submitted() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.statements...)
}
