package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the "snowflake" database/sql driver.
	_ "github.com/snowflakedb/gosnowflake"
)

// SnowflakeReports reads buyer-remitted totals from the shared warehouse.
// Buyers upload remittance files that land in BUYER_REMITTANCES; this is
// the source of truth for "what the buyer says they owe".
type SnowflakeReports struct {
	db *sql.DB
}

// OpenSnowflakeReports connects to the warehouse with a gosnowflake DSN.
func OpenSnowflakeReports(dsn string) (*SnowflakeReports, error) {
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snowflake: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &SnowflakeReports{db: db}, nil
}

// NewSnowflakeReports wraps an existing handle, used by tests.
func NewSnowflakeReports(db *sql.DB) *SnowflakeReports {
	return &SnowflakeReports{db: db}
}

// ReportedTotal sums the buyer's remitted amounts for one platform window.
func (s *SnowflakeReports) ReportedTotal(ctx context.Context, platformCode string, start, end time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(remitted_amount), 0)
		FROM buyer_remittances
		WHERE platform_code = ?
		  AND lead_delivered_at >= ? AND lead_delivered_at < ?`,
		platformCode, start.UTC(), end.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("snowflake remittance query: %w", err)
	}
	return total, nil
}

// Close releases the warehouse connection pool.
func (s *SnowflakeReports) Close() error { return s.db.Close() }
