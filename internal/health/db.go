package health

import (
	"context"
	"database/sql"
	"fmt"
)

// banTableQuery fails when the schema was never applied or the role lost
// access to the ban table, both of which a bare ping would miss.
const banTableQuery = "SELECT 1 FROM bans LIMIT 1"

// sqlConn is the part of *sql.DB the readiness check uses.
type sqlConn interface {
	PingContext(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DBChecker reports whether the Postgres ban store can serve lookups.
type DBChecker struct {
	conn sqlConn
}

// NewDBChecker returns a checker for the ban store connection.
func NewDBChecker(conn *sql.DB) *DBChecker {
	return &DBChecker{conn: conn}
}

// HealthCheck pings the server, then reads from the ban table.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := d.conn.ExecContext(ctx, banTableQuery); err != nil {
		return fmt.Errorf("ban table: %w", err)
	}
	return nil
}
