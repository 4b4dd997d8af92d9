package warehouse

import (
	"fmt"
	"strings"

	"cdc-loader/internal/config"
)

// Table identifies the load target
type Table struct {
	Database string
	Schema   string
	Name     string
	Columns  []config.ColumnConfig
}

// TableFromConfig builds the load target from the warehouse section
func TableFromConfig(cfg config.WarehouseConfig) Table {
	return Table{
		Database: cfg.Database,
		Schema:   cfg.Schema,
		Name:     cfg.Table,
		Columns:  cfg.Columns,
	}
}

// Qualified returns database.schema.table, omitting an empty database
func (t Table) Qualified() string {
	if t.Database == "" {
		return t.Schema + "." + t.Name
	}
	return t.Database + "." + t.Schema + "." + t.Name
}

// CreateSchemaSQL returns the idempotent schema creation statement
func (t Table) CreateSchemaSQL() string {
	return fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", t.Schema)
}

// CreateTableSQL returns the idempotent table creation statement
func (t Table) CreateTableSQL() string {
	cols := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		cols[i] = col.Name + " " + col.Type
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (%s);", t.Schema, t.Name, strings.Join(cols, ", "))
}

// CopySQL returns the bulk load statement reading newline-delimited JSON from location
func (t Table) CopySQL(location, region, iamRole string) string {
	return fmt.Sprintf("COPY %s FROM %s REGION %s IAM_ROLE %s FORMAT AS JSON 'auto';",
		t.Qualified(), quote(location), quote(region), quote(iamRole))
}

// CountSQL returns a row count query for a qualified table name
func CountSQL(qualified string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s;", qualified)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
