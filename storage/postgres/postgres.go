// Package postgres implements the durable storage interfaces using
// PostgreSQL. It covers the long-lived data: principal identities and the
// hash-chained audit ledger. Hot session, lockout, and rate-counter state
// belongs in the memory or valkey backends where TTL expiry is native.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/skylens/trustcore/storage"
)

const connectTimeout = 5 * time.Second

// DB wraps a *sql.DB and implements the storage repository interfaces.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.PrincipalStore = (*DB)(nil)
	_ storage.AuditStore     = (*DB)(nil)
)

// Open connects to PostgreSQL, pings, and runs migrations.
func Open(connStr string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	s.SetMaxOpenConns(10)
	s.SetMaxIdleConns(5)
	s.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := s.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	d := &DB{sql: s, logger: logger}
	if err := d.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Info("Connected to PostgreSQL storage")
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS principals (id TEXT PRIMARY KEY, ref TEXT UNIQUE NOT NULL, credential_hash TEXT NOT NULL, disabled BOOLEAN NOT NULL DEFAULT FALSE, last_success_at TIMESTAMPTZ, created_at TIMESTAMPTZ NOT NULL);",
		"CREATE TABLE IF NOT EXISTS audit_log (seq BIGINT PRIMARY KEY, ts TIMESTAMPTZ NOT NULL, actor_id TEXT NOT NULL DEFAULT '', kind TEXT NOT NULL, payload TEXT NOT NULL DEFAULT '', prev_hash TEXT NOT NULL DEFAULT '', hash TEXT NOT NULL);",
		"CREATE INDEX IF NOT EXISTS idx_audit_log_actor_id ON audit_log(actor_id);",
		"CREATE INDEX IF NOT EXISTS idx_audit_log_kind ON audit_log(kind);",
	}

	for _, stmt := range stmts {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
