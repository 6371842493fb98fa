package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/skylens/trustcore/storage"
)

// ============================================================
// AuditStore Implementation
// ============================================================

// AppendAudit commits a fully computed record. expectPrevHash is the chain
// head hash the caller observed when computing record.Hash; the append is
// rejected with ErrAuditConflict when the head moved, so the caller can
// recompute against the new head.
//
// SECURITY: the head comparison and the append run as one Lua script. Two
// concurrent appends can never both link to the same predecessor, even
// across service instances sharing the same Valkey.
func (s *Store) AppendAudit(ctx context.Context, record *storage.AuditRecord, expectPrevHash string) error {
	if record == nil || record.Hash == "" {
		return fmt.Errorf("invalid audit record")
	}

	data, err := json.Marshal(toAuditRecordJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAppendAudit).
			Numkeys(2).
			Key(s.auditHeadKey(), s.auditLogKey()).
			Arg(expectPrevHash).
			Arg(string(data)).
			Arg(record.Hash).
			Arg(strconv.FormatUint(record.Seq, 10)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	if result == "CONFLICT" {
		return storage.ErrAuditConflict
	}

	s.logger.Debug("Appended audit record",
		"seq", record.Seq,
		"kind", record.Kind)
	return nil
}

// GetAuditHead returns the sequence number and hash of the newest record.
// An empty chain yields (0, "", nil).
func (s *Store) GetAuditHead(ctx context.Context) (uint64, string, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.auditHeadKey()).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("failed to get audit head: %w", err)
	}

	var head struct {
		Seq  uint64 `json:"seq"`
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal([]byte(data), &head); err != nil {
		return 0, "", fmt.Errorf("failed to unmarshal audit head: %w", err)
	}

	return head.Seq, head.Hash, nil
}

// GetAuditRange retrieves records with fromSeq <= Seq <= toSeq in ascending
// sequence order. The list index is seq-1; sequence numbers start at 1.
func (s *Store) GetAuditRange(ctx context.Context, fromSeq, toSeq uint64) ([]*storage.AuditRecord, error) {
	if fromSeq == 0 || toSeq < fromSeq {
		return nil, fmt.Errorf("invalid audit range [%d, %d]", fromSeq, toSeq)
	}

	entries, err := s.client.Do(ctx,
		s.client.B().Lrange().
			Key(s.auditLogKey()).
			Start(int64(fromSeq - 1)).
			Stop(int64(toSeq - 1)).
			Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit range: %w", err)
	}

	records := make([]*storage.AuditRecord, 0, len(entries))
	for _, entry := range entries {
		var j auditRecordJSON
		if err := json.Unmarshal([]byte(entry), &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit record: %w", err)
		}
		records = append(records, fromAuditRecordJSON(&j))
	}

	return records, nil
}
