package metering

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS cost_events (
	id         BIGSERIAL PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	actor      TEXT NOT NULL,
	operation  TEXT NOT NULL,
	cost_usd   DOUBLE PRECISION NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_cost_events_actor ON cost_events (actor, recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_cost_events_operation ON cost_events (operation, recorded_at DESC);
`

// PostgresArchive copies cost events into a Postgres table for
// long-term reporting. Enabled by AGENTHUB_METERING_PG_DSN.
type PostgresArchive struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresArchive connects, verifies the connection, and ensures
// the cost_events table exists.
func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metering archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping metering archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare cost_events table: %w", err)
	}

	a := &PostgresArchive{
		db:     db,
		logger: log.New(log.Writer(), "[Metering] ", log.LstdFlags),
	}
	a.logger.Printf("✅ Cost archive connected to postgres")
	return a, nil
}

// Append stores one event row.
func (a *PostgresArchive) Append(event Event) error {
	recordedAt, err := time.Parse(timestampLayout, event.Timestamp)
	if err != nil {
		recordedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(event.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	_, err = a.db.Exec(
		`INSERT INTO cost_events (recorded_at, actor, operation, cost_usd, metadata) VALUES ($1, $2, $3, $4, $5)`,
		recordedAt, event.Actor, event.Operation, event.CostUSD, meta,
	)
	if err != nil {
		return fmt.Errorf("insert cost event: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (a *PostgresArchive) Close() error {
	return a.db.Close()
}
