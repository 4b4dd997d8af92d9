package replication

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"cdc-loader/internal/config"
)

var requiredPrivileges = []string{
	"REPLICATION SLAVE",
	"REPLICATION CLIENT",
	"SELECT",
}

// Preflight checks that a MySQL source can serve binlog based replication
type Preflight struct {
	db     *sql.DB
	logger *logrus.Logger
}

// OpenPreflight opens a connection pool to the source; the caller closes it
func OpenPreflight(cfg config.MySQLConfig, logger *logrus.Logger) (*Preflight, error) {
	dsn := mysql.NewConfig()
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = cfg.Host + ":" + strconv.Itoa(cfg.Port)

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return NewPreflight(db, logger), nil
}

// NewPreflight checks the source through db
func NewPreflight(db *sql.DB, logger *logrus.Logger) *Preflight {
	return &Preflight{db: db, logger: logger}
}

func (p *Preflight) Close() error {
	return p.db.Close()
}

// Check verifies grants, log_bin and binlog_format
func (p *Preflight) Check(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}

	grants, err := p.grants(ctx)
	if err != nil {
		return err
	}
	upper := strings.ToUpper(grants)
	var missing []string
	for _, priv := range requiredPrivileges {
		// ALL PRIVILEGES covers every one of them
		if !strings.Contains(upper, priv) && !strings.Contains(upper, "ALL PRIVILEGES") {
			missing = append(missing, priv)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missing, ", "), grants)
	}

	logBin, err := p.variable(ctx, "log_bin")
	if err != nil {
		return err
	}
	if logBin != "ON" && logBin != "1" {
		return fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s", logBin)
	}

	format, err := p.variable(ctx, "binlog_format")
	if err != nil {
		return err
	}
	if format != "ROW" {
		return fmt.Errorf("binlog_format is %s, replication requires ROW", format)
	}

	p.logger.Info("MySQL source is ready for replication")
	return nil
}

func (p *Preflight) grants(ctx context.Context) (string, error) {
	rows, err := p.db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		return "", fmt.Errorf("failed to check grants: %w", err)
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return "", fmt.Errorf("failed to scan grant: %w", err)
		}
		all = append(all, grant)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error iterating grants: %w", err)
	}
	return strings.Join(all, "; "), nil
}

func (p *Preflight) variable(ctx context.Context, name string) (string, error) {
	var variable, value string
	err := p.db.QueryRowContext(ctx, "SHOW VARIABLES LIKE '"+name+"'").Scan(&variable, &value)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return strings.ToUpper(value), nil
}
