// Package database implements the group and webhook repositories on
// Postgres via database/sql and lib/pq.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

const schema = `
CREATE TABLE IF NOT EXISTS instance_groups (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	alias       TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	instances   JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS external_webhooks (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL UNIQUE,
	url                   TEXT NOT NULL,
	enabled               BOOLEAN NOT NULL DEFAULT TRUE,
	description           TEXT NOT NULL DEFAULT '',
	events                JSONB NOT NULL DEFAULT '[]',
	headers               JSONB NOT NULL DEFAULT '{}',
	authentication        JSONB NOT NULL DEFAULT '{}',
	retry_config          JSONB NOT NULL DEFAULT '{}',
	filter_config         JSONB NOT NULL DEFAULT '{}',
	security_config       JSONB NOT NULL DEFAULT '{}',
	timeout               INTEGER NOT NULL DEFAULT 30000,
	last_execution_at     TIMESTAMPTZ,
	last_execution_status TEXT NOT NULL DEFAULT '',
	last_execution_error  TEXT NOT NULL DEFAULT '',
	total_executions      BIGINT NOT NULL DEFAULT 0,
	successful_executions BIGINT NOT NULL DEFAULT 0,
	failed_executions     BIGINT NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_external_webhooks_enabled
	ON external_webhooks (enabled);
CREATE INDEX IF NOT EXISTS idx_external_webhooks_last_execution_at
	ON external_webhooks (last_execution_at);
`

// Open connects to Postgres, verifies connectivity and bootstraps the
// schema.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	log.Printf("[DB] postgres connected, schema ready")
	return db, nil
}
