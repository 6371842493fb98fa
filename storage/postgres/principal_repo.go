package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skylens/trustcore/storage"
)

// SavePrincipal creates or updates a principal.
func (d *DB) SavePrincipal(ctx context.Context, p *storage.Principal) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("invalid principal")
	}

	var lastSuccess sql.NullTime
	if !p.LastSuccessAt.IsZero() {
		lastSuccess = sql.NullTime{Time: p.LastSuccessAt, Valid: true}
	}

	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO principals (id, ref, credential_hash, disabled, last_success_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   ref = EXCLUDED.ref,
		   credential_hash = EXCLUDED.credential_hash,
		   disabled = EXCLUDED.disabled,
		   last_success_at = EXCLUDED.last_success_at`,
		p.ID, p.Ref, p.CredentialHash, p.Disabled, lastSuccess, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save principal: %w", err)
	}
	return nil
}

// GetPrincipal retrieves a principal by stable ID.
func (d *DB) GetPrincipal(ctx context.Context, id string) (*storage.Principal, error) {
	return d.scanPrincipal(d.sql.QueryRowContext(ctx,
		"SELECT id, ref, credential_hash, disabled, last_success_at, created_at FROM principals WHERE id = $1",
		id,
	))
}

// GetPrincipalByRef retrieves a principal by login identifier.
func (d *DB) GetPrincipalByRef(ctx context.Context, ref string) (*storage.Principal, error) {
	return d.scanPrincipal(d.sql.QueryRowContext(ctx,
		"SELECT id, ref, credential_hash, disabled, last_success_at, created_at FROM principals WHERE ref = $1",
		ref,
	))
}

func (d *DB) scanPrincipal(row *sql.Row) (*storage.Principal, error) {
	var p storage.Principal
	var lastSuccess sql.NullTime
	err := row.Scan(&p.ID, &p.Ref, &p.CredentialHash, &p.Disabled, &lastSuccess, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	if lastSuccess.Valid {
		p.LastSuccessAt = lastSuccess.Time
	}
	return &p, nil
}
