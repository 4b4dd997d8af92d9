package seed

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/frankban/quicktest"

	"cdc-loader/internal/logging"
)

const stocksCSV = `Ticker Symbol,Company Name,Price
AMZN,Amazon,135.20
MSFT,Microsoft,330.11
`

func TestColumns(t *testing.T) {
	c := quicktest.New(t)
	c.Assert(Columns([]string{"Ticker Symbol", " Price ", "ID"}), quicktest.DeepEquals, []string{"ticker_symbol", "price", "id"})
}

func TestStatements(t *testing.T) {
	c := quicktest.New(t)
	columns := []string{"ticker_symbol", "price"}

	c.Assert(CreateTableSQL("stocks", columns), quicktest.Equals,
		"CREATE TABLE IF NOT EXISTS `stocks` (`ticker_symbol` varchar(40), `price` varchar(40))")
	c.Assert(InsertSQL("stocks", columns), quicktest.Equals,
		"INSERT INTO `stocks` (`ticker_symbol`, `price`) VALUES (?, ?)")
}

func TestImport(t *testing.T) {
	c := quicktest.New(t)
	dbMock, mock, err := sqlmock.New()
	c.Assert(err, quicktest.IsNil)
	defer dbMock.Close()

	columns := []string{"ticker_symbol", "company_name", "price"}
	mock.ExpectExec(regexp.QuoteMeta(CreateTableSQL("stocks", columns))).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(InsertSQL("stocks", columns)))
	prep.ExpectExec().WithArgs("AMZN", "Amazon", "135.20").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("MSFT", "Microsoft", "330.11").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	n, err := Import(context.Background(), dbMock, "stocks", strings.NewReader(stocksCSV), logging.Discard())
	c.Assert(err, quicktest.IsNil)
	c.Assert(n, quicktest.Equals, 2)
	c.Assert(mock.ExpectationsWereMet(), quicktest.IsNil)
}

func TestImportRollsBackOnInsertFailure(t *testing.T) {
	c := quicktest.New(t)
	dbMock, mock, err := sqlmock.New()
	c.Assert(err, quicktest.IsNil)
	defer dbMock.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errors.New("Data too long for column 'company_name'"))
	mock.ExpectRollback()

	_, err = Import(context.Background(), dbMock, "stocks", strings.NewReader(stocksCSV), logging.Discard())
	c.Assert(err, quicktest.ErrorMatches, "failed to insert CSV record 2: Data too long.*")
	c.Assert(mock.ExpectationsWereMet(), quicktest.IsNil)
}

func TestImportEmptyFile(t *testing.T) {
	c := quicktest.New(t)
	dbMock, mock, err := sqlmock.New()
	c.Assert(err, quicktest.IsNil)
	defer dbMock.Close()

	_, err = Import(context.Background(), dbMock, "stocks", strings.NewReader(""), logging.Discard())
	c.Assert(err, quicktest.ErrorMatches, "CSV file is empty")
	c.Assert(mock.ExpectationsWereMet(), quicktest.IsNil)
}
