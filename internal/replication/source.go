package replication

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"

	"cdc-loader/internal/config"
)

// SourceStats is a snapshot of the replicated source table
type SourceStats struct {
	Table    string
	Rows     int64
	Position mysql.Position // zero when binary logging is off
}

// SourceCounter reads row counts from the replication source
type SourceCounter interface {
	Count(ctx context.Context) (SourceStats, error)
}

// MySQLSource counts rows over the MySQL protocol
type MySQLSource struct {
	cfg config.MySQLConfig
}

// NewMySQLSource counts rows of the table named by cfg
func NewMySQLSource(cfg config.MySQLConfig) *MySQLSource {
	return &MySQLSource{cfg: cfg}
}

// Count returns the source row count and the current binlog position
func (s *MySQLSource) Count(ctx context.Context) (SourceStats, error) {
	stats := SourceStats{Table: s.cfg.Database + "." + s.cfg.Table}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	conn, err := client.Connect(addr, s.cfg.User, s.cfg.Password, s.cfg.Database)
	if err != nil {
		return stats, fmt.Errorf("failed to connect to MySQL at %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return stats, err
		}
	}

	res, err := conn.Execute(CountSQL(s.cfg.Table))
	if err != nil {
		return stats, fmt.Errorf("failed to count rows of %s: %w", stats.Table, err)
	}
	if stats.Rows, err = res.GetInt(0, 0); err != nil {
		return stats, err
	}

	res, err = conn.Execute("SHOW MASTER STATUS")
	if err != nil {
		return stats, fmt.Errorf("failed to read binlog position: %w", err)
	}
	if res.RowNumber() > 0 {
		name, _ := res.GetString(0, 0)
		pos, _ := res.GetUint(0, 1)
		stats.Position = mysql.Position{Name: name, Pos: uint32(pos)}
	}
	return stats, nil
}

// CountSQL counts the rows of a MySQL table
func CountSQL(table string) string {
	return "SELECT COUNT(*) FROM " + quoteIdentifier(table)
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
