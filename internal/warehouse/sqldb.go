package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// SQL runs statements over a Postgres-protocol connection (Redshift endpoint or a local Postgres).
// Each statement executes in its own goroutine so callers poll it like a Data API statement.
type SQL struct {
	db     *sql.DB
	logger *logrus.Logger

	mu         sync.Mutex
	statements map[string]*statement
}

type statement struct {
	sql    string
	status Status
	err    error
	rows   [][]any
}

// OpenSQL connects with the lib/pq driver
func OpenSQL(dsn string, logger *logrus.Logger) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse connection: %w", err)
	}
	return NewSQL(db, logger), nil
}

// NewSQL runs statements on an open database handle
func NewSQL(db *sql.DB, logger *logrus.Logger) *SQL {
	return &SQL{db: db, logger: logger, statements: make(map[string]*statement)}
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) ExecuteStatement(ctx context.Context, query string) (string, error) {
	id := uuid.NewString()
	st := &statement{sql: query, status: StatusSubmitted}

	s.mu.Lock()
	s.statements[id] = st
	s.mu.Unlock()

	// detached from ctx: like a Data API statement it keeps running if the caller gives up
	go s.run(context.WithoutCancel(ctx), id, st)
	return id, nil
}

func (s *SQL) run(ctx context.Context, id string, st *statement) {
	s.setStatus(st, StatusStarted, nil, nil)

	if !returnsRows(st.sql) {
		if _, err := s.db.ExecContext(ctx, st.sql); err != nil {
			s.logger.WithField("statement_id", id).Debugf("Statement failed: %v", err)
			s.setStatus(st, StatusFailed, err, nil)
			return
		}
		s.setStatus(st, StatusFinished, nil, nil)
		return
	}

	rows, err := s.db.QueryContext(ctx, st.sql)
	if err != nil {
		s.setStatus(st, StatusFailed, err, nil)
		return
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		s.setStatus(st, StatusFailed, err, nil)
		return
	}
	var result [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			s.setStatus(st, StatusFailed, err, nil)
			return
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result = append(result, values)
	}
	if err := rows.Err(); err != nil {
		s.setStatus(st, StatusFailed, err, nil)
		return
	}
	s.setStatus(st, StatusFinished, nil, result)
}

func (s *SQL) setStatus(st *statement, status Status, err error, rows [][]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.status = status
	st.err = err
	st.rows = rows
}

func (s *SQL) DescribeStatement(_ context.Context, id string) (Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statements[id]
	if !ok {
		return Description{}, fmt.Errorf("unknown statement id %s", id)
	}
	desc := Description{Status: st.status}
	if st.err != nil {
		desc.Error = st.err.Error()
	}
	// results are kept until GetResult collects them
	if st.status == StatusFailed || (st.status == StatusFinished && !returnsRows(st.sql)) {
		delete(s.statements, id)
	}
	return desc, nil
}

func (s *SQL) GetResult(_ context.Context, id string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statements[id]
	if !ok {
		return Result{}, fmt.Errorf("unknown statement id %s", id)
	}
	if st.status != StatusFinished {
		return Result{}, fmt.Errorf("statement %s is %s", id, st.status)
	}
	delete(s.statements, id)
	return Result{Rows: st.rows}, nil
}

func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "WITH")
}
