package warehouse_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"cdc-loader/internal/config"
	"cdc-loader/internal/warehouse"
	"cdc-loader/internal/warehouse/warehousetest"
)

var fastPoll = config.PollConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	Multiplier:      2,
	MaxWait:         time.Second,
}

func all(string) bool { return true }

func TestExecuteFinishesAfterPending(t *testing.T) {
	c := qt.New(t)

	wh := warehousetest.New()
	wh.On(all,
		warehouse.Description{Status: warehouse.StatusSubmitted},
		warehouse.Description{Status: warehouse.StatusPicked},
		warehouse.Description{Status: warehouse.StatusStarted},
		warehouse.Description{Status: warehouse.StatusFinished},
	)

	id, err := warehouse.Execute(context.Background(), wh, "SELECT 1;", fastPoll)
	c.Assert(err, qt.IsNil)
	c.Assert(id, qt.Equals, "stmt-1")
	c.Assert(wh.Submitted(), qt.DeepEquals, []string{"SELECT 1;"})
}

func TestExecuteFailed(t *testing.T) {
	c := qt.New(t)

	for _, status := range []warehouse.Status{warehouse.StatusFailed, warehouse.StatusAborted} {
		wh := warehousetest.New()
		wh.On(all,
			warehouse.Description{Status: warehouse.StatusStarted},
			warehouse.Description{Status: status, Error: "S3ServiceException: Access Denied"},
		)

		_, err := warehouse.Execute(context.Background(), wh, "COPY x;", fastPoll)
		c.Assert(errors.Is(err, warehouse.ErrLoadExecutionFailed), qt.IsTrue)
		c.Assert(errors.Is(err, warehouse.ErrLoadTimedOut), qt.IsFalse)

		var failed *warehouse.ExecutionFailedError
		c.Assert(errors.As(err, &failed), qt.IsTrue)
		c.Assert(failed.Status, qt.Equals, status)
		c.Assert(failed.SQL, qt.Equals, "COPY x;")
		c.Assert(failed.StatementID, qt.Equals, "stmt-1")
		c.Assert(failed.Detail, qt.Equals, "S3ServiceException: Access Denied")
		c.Assert(err, qt.ErrorMatches, `statement stmt-1 `+string(status)+` \(COPY x;\): S3ServiceException: Access Denied`)
	}
}

func TestExecuteFailedShowsShortenedStatement(t *testing.T) {
	c := qt.New(t)

	wh := warehousetest.New()
	wh.On(all, warehouse.Description{Status: warehouse.StatusFailed})

	sql := "COPY dev.cdc.stocks\n  FROM 's3://bucket/in-progress/" + strings.Repeat("x", 200) + "__data.json'"
	_, err := warehouse.Execute(context.Background(), wh, sql, fastPoll)
	c.Assert(err, qt.ErrorMatches, `statement stmt-1 FAILED \(COPY dev\.cdc\.stocks FROM 's3://bucket/in-progress/x+\.\.\.\)`)
	c.Assert(len(err.Error()), qt.Equals, len("statement stmt-1 FAILED ()")+120)
}

func TestExecuteUnexpectedStatus(t *testing.T) {
	c := qt.New(t)

	wh := warehousetest.New()
	wh.On(all, warehouse.Description{Status: "PAUSED"})

	_, err := warehouse.Execute(context.Background(), wh, "COPY x;", fastPoll)
	c.Assert(errors.Is(err, warehouse.ErrLoadExecutionFailed), qt.IsTrue)

	var unexpected *warehouse.UnexpectedStatusError
	c.Assert(errors.As(err, &unexpected), qt.IsTrue)
	c.Assert(unexpected.Status, qt.Equals, warehouse.Status("PAUSED"))
}

func TestExecuteTimesOut(t *testing.T) {
	c := qt.New(t)

	wh := warehousetest.New()
	wh.On(all, warehouse.Description{Status: warehouse.StatusStarted})

	poll := fastPoll
	poll.MaxWait = 20 * time.Millisecond

	_, err := warehouse.Execute(context.Background(), wh, "COPY x;", poll)
	c.Assert(errors.Is(err, warehouse.ErrLoadTimedOut), qt.IsTrue)
	c.Assert(errors.Is(err, warehouse.ErrLoadExecutionFailed), qt.IsFalse)

	var timedOut *warehouse.TimedOutError
	c.Assert(errors.As(err, &timedOut), qt.IsTrue)
	c.Assert(timedOut.LastStatus, qt.Equals, warehouse.StatusStarted)
	c.Assert(timedOut.StatementID, qt.Equals, "stmt-1")
}

func TestExecuteContextDeadline(t *testing.T) {
	c := qt.New(t)

	wh := warehousetest.New()
	wh.On(all, warehouse.Description{Status: warehouse.StatusSubmitted})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	poll := fastPoll
	poll.MaxWait = time.Hour
	_, err := warehouse.Execute(ctx, wh, "COPY x;", poll)
	c.Assert(errors.Is(err, warehouse.ErrLoadTimedOut), qt.IsTrue)
	c.Assert(errors.Is(err, context.DeadlineExceeded), qt.IsTrue)
}

func TestExecuteSubmitError(t *testing.T) {
	c := qt.New(t)

	wh := warehousetest.New()
	wh.FailSubmit(errors.New("throttled"))

	_, err := warehouse.Execute(context.Background(), wh, "COPY x;", fastPoll)
	c.Assert(err, qt.ErrorMatches, "failed to submit statement: throttled")
}

func TestQueryCount(t *testing.T) {
	c := qt.New(t)

	wh := warehousetest.New()
	wh.ReturnRows([]any{int64(42)})

	n, err := warehouse.QueryCount(context.Background(), wh, warehouse.CountSQL("dev.public.stocks"), fastPoll)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(42))
	c.Assert(wh.Submitted(), qt.DeepEquals, []string{"SELECT COUNT(*) FROM dev.public.stocks;"})

	_, err = warehouse.QueryCount(context.Background(), wh, "SELECT COUNT(*) FROM t;", fastPoll)
	c.Assert(err, qt.ErrorMatches, "statement stmt-2 returned no rows")
}

func TestTableStatements(t *testing.T) {
	c := qt.New(t)

	table := warehouse.TableFromConfig(config.WarehouseConfig{
		Database: "dev",
		Schema:   "dynamodb_cdc",
		Table:    "stocks",
		Columns:  []config.ColumnConfig{{Name: "id", Type: "varchar(30) UNIQUE NOT NULL"}, {Name: "details", Type: "super"}},
	})

	c.Assert(table.Qualified(), qt.Equals, "dev.dynamodb_cdc.stocks")
	c.Assert(table.CreateSchemaSQL(), qt.Equals, "CREATE SCHEMA IF NOT EXISTS dynamodb_cdc;")
	c.Assert(table.CreateTableSQL(), qt.Equals,
		"CREATE TABLE IF NOT EXISTS dynamodb_cdc.stocks (id varchar(30) UNIQUE NOT NULL, details super);")

	copySQL := table.CopySQL("s3://bucket/in-progress/x__data.json", "eu-west-1", "arn:aws:iam::1:role/it's")
	c.Assert(copySQL, qt.Equals,
		"COPY dev.dynamodb_cdc.stocks FROM 's3://bucket/in-progress/x__data.json' REGION 'eu-west-1' "+
			"IAM_ROLE 'arn:aws:iam::1:role/it''s' FORMAT AS JSON 'auto';")
	c.Assert(strings.Count(copySQL, "COPY"), qt.Equals, 1)
}
