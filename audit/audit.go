package audit

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skylens/trustcore/security"
	"github.com/skylens/trustcore/storage"
)

// appendRetries is how many times Append retries after a chain head
// conflict before giving up. Conflicts only occur when several instances
// share one backend; within one process the mutex already serializes.
const appendRetries = 5

// IntegrityError reports the first sequence number at which chain
// verification failed.
type IntegrityError struct {
	AtSeq  uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain integrity violation at seq %d: %s", e.AtSeq, e.Reason)
}

// Log is the hash-chained audit ledger. Appends are serialized: a mutex
// orders writers within the process and a compare-and-swap against the
// stored head protects against concurrent instances, so prev_hash linkage
// holds under any interleaving.
type Log struct {
	store  storage.AuditStore
	sealer *security.Sealer // optional payload sealing
	fwd    *Forwarder       // optional non-blocking external sink
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithSealer enables payload sealing. Payloads are encrypted before hashing
// so the chain verifies without access to key material.
func WithSealer(sealer *security.Sealer) Option {
	return func(l *Log) { l.sealer = sealer }
}

// WithForwarder attaches a fire-and-forget external sink. Forwarding never
// blocks or fails an append.
func WithForwarder(fwd *Forwarder) Option {
	return func(l *Log) { l.fwd = fwd }
}

// WithNowFunc overrides the ledger clock. Intended for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog creates an audit ledger over the given store.
func NewLog(store storage.AuditStore, logger *slog.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Forwarder returns the configured forwarder, or nil when none was set.
func (l *Log) Forwarder() *Forwarder {
	return l.fwd
}

// Append commits one entry to the chain and returns it. The entry hash is
// computed before anything is persisted and the entry is never updated
// afterwards. An append failure is returned to the caller: an unrecorded
// security event must fail the operation that produced it, so Append is
// never retried past head conflicts and never silently dropped.
func (l *Log) Append(ctx context.Context, actorID, kind, payload string) (*storage.AuditRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt < appendRetries; attempt++ {
		headSeq, headHash, err := l.store.GetAuditHead(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit head: %w", err)
		}

		record := &storage.AuditRecord{
			Seq: headSeq + 1,
			// Truncated to microseconds so the timestamp survives a round
			// trip through every backend and the hash stays recomputable.
			Timestamp: l.now().UTC().Truncate(time.Microsecond),
			ActorID:   actorID,
			Kind:      kind,
			Payload:   payload,
			PrevHash:  headHash,
		}

		if l.sealer != nil {
			sealed, err := l.sealer.SealString(payload, payloadAAD(record.Seq, actorID))
			if err != nil {
				return nil, fmt.Errorf("failed to seal audit payload: %w", err)
			}
			record.Payload = sealed
		}

		record.Hash = RecordHash(record)

		err = l.store.AppendAudit(ctx, record, headHash)
		if errors.Is(err, storage.ErrAuditConflict) {
			continue // another instance advanced the head; recompute
		}
		if err != nil {
			return nil, fmt.Errorf("failed to append audit record: %w", err)
		}

		if l.fwd != nil {
			l.fwd.Forward(record)
		}

		l.logger.Debug("audit record appended",
			"seq", record.Seq,
			"kind", record.Kind)
		return record, nil
	}

	return nil, fmt.Errorf("failed to append audit record: %w", storage.ErrAuditConflict)
}

// Verify recomputes the hash of every entry in [fromSeq, toSeq] and checks
// prev_hash linkage. It returns an *IntegrityError carrying the first
// mismatched sequence number; deletion, reordering, and edits all surface
// this way. fromSeq must be >= 1.
func (l *Log) Verify(ctx context.Context, fromSeq, toSeq uint64) error {
	if fromSeq == 0 || toSeq < fromSeq {
		return fmt.Errorf("invalid verification range [%d, %d]", fromSeq, toSeq)
	}

	records, err := l.store.GetAuditRange(ctx, fromSeq, toSeq)
	if err != nil {
		return fmt.Errorf("failed to read audit range: %w", err)
	}

	expectSeq := fromSeq
	var prevHash string
	for i, record := range records {
		if record.Seq != expectSeq {
			return &IntegrityError{AtSeq: expectSeq, Reason: "missing or reordered entry"}
		}
		if i > 0 && record.PrevHash != prevHash {
			return &IntegrityError{AtSeq: record.Seq, Reason: "prev_hash does not match predecessor"}
		}
		if RecordHash(record) != record.Hash {
			return &IntegrityError{AtSeq: record.Seq, Reason: "stored hash does not match entry fields"}
		}
		prevHash = record.Hash
		expectSeq++
	}

	if expectSeq != toSeq+1 {
		return &IntegrityError{AtSeq: expectSeq, Reason: "entry absent from store"}
	}
	return nil
}

// OpenPayload decrypts a sealed payload of a committed record. Returns the
// payload unchanged when the ledger has no sealer.
func (l *Log) OpenPayload(record *storage.AuditRecord) (string, error) {
	if l.sealer == nil {
		return record.Payload, nil
	}
	plain, err := l.sealer.OpenString(record.Payload, payloadAAD(record.Seq, record.ActorID))
	if err != nil {
		return "", fmt.Errorf("failed to open audit payload at seq %d: %w", record.Seq, err)
	}
	return plain, nil
}

// payloadAAD binds a sealed payload to its position and actor so a sealed
// value cannot be transplanted onto another entry.
func payloadAAD(seq uint64, actorID string) []byte {
	return fmt.Appendf(nil, "audit:%d:%s", seq, actorID)
}

// RecordHash computes the SHA-256 digest of an entry over
// seq ‖ timestamp ‖ actor ‖ kind ‖ payload ‖ prev_hash with unambiguous
// length-prefixed field encoding.
func RecordHash(record *storage.AuditRecord) string {
	h := sha256.New()

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], record.Seq)
	h.Write(seqBuf[:])

	fields := []string{
		record.Timestamp.UTC().Format(time.RFC3339Nano),
		record.ActorID,
		record.Kind,
		record.Payload,
		record.PrevHash,
	}
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		h.Write(lenBuf[:])
		h.Write([]byte(f))
	}

	return hex.EncodeToString(h.Sum(nil))
}
