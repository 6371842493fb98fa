package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skylens/trustcore/storage"
)

// AppendAudit commits a fully computed audit record. The head comparison
// and the insert run inside one transaction with the head row locked, so
// two concurrent appends can never link to the same predecessor. The
// primary key on seq is a second line of defense against forks.
func (d *DB) AppendAudit(ctx context.Context, record *storage.AuditRecord, expectPrevHash string) error {
	if record == nil || record.Hash == "" {
		return fmt.Errorf("invalid audit record")
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var headHash string
	err = tx.QueryRowContext(ctx,
		"SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1 FOR UPDATE",
	).Scan(&headHash)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("append audit: read head: %w", err)
	}

	if headHash != expectPrevHash {
		return storage.ErrAuditConflict
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO audit_log (seq, ts, actor_id, kind, payload, prev_hash, hash) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		int64(record.Seq), record.Timestamp, record.ActorID, record.Kind, record.Payload, record.PrevHash, record.Hash,
	)
	if err != nil {
		return fmt.Errorf("append audit: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append audit: commit: %w", err)
	}
	return nil
}

// GetAuditHead returns the sequence number and hash of the newest record.
// An empty chain yields (0, "", nil).
func (d *DB) GetAuditHead(ctx context.Context) (uint64, string, error) {
	var seq int64
	var hash string
	err := d.sql.QueryRowContext(ctx,
		"SELECT seq, hash FROM audit_log ORDER BY seq DESC LIMIT 1",
	).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("get audit head: %w", err)
	}
	return uint64(seq), hash, nil
}

// GetAuditRange retrieves records with fromSeq <= Seq <= toSeq in ascending
// sequence order.
func (d *DB) GetAuditRange(ctx context.Context, fromSeq, toSeq uint64) ([]*storage.AuditRecord, error) {
	if fromSeq == 0 || toSeq < fromSeq {
		return nil, fmt.Errorf("invalid audit range [%d, %d]", fromSeq, toSeq)
	}

	rows, err := d.sql.QueryContext(ctx,
		"SELECT seq, ts, actor_id, kind, payload, prev_hash, hash FROM audit_log WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC",
		int64(fromSeq), int64(toSeq),
	)
	if err != nil {
		return nil, fmt.Errorf("get audit range: %w", err)
	}
	defer rows.Close()

	var records []*storage.AuditRecord
	for rows.Next() {
		var r storage.AuditRecord
		var seq int64
		if err := rows.Scan(&seq, &r.Timestamp, &r.ActorID, &r.Kind, &r.Payload, &r.PrevHash, &r.Hash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Seq = uint64(seq)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get audit range: %w", err)
	}
	return records, nil
}
