package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/skylens/trustcore/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if VALKEY_TEST_ADDR is not set or connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("trusttest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("New() with empty address should fail")
	}
}

// ============================================================
// Helper Tests (no server required)
// ============================================================

func TestKeyHelpers(t *testing.T) {
	s := &Store{prefix: "trust:"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"principal", s.principalKey("p1"), "trust:principal:p1"},
		{"principal ref", s.principalRefKey("a@b.com"), "trust:principal:ref:a@b.com"},
		{"session", s.sessionKey("t1"), "trust:session:t1"},
		{"session secret", s.sessionSecretKey("abc"), "trust:session:secret:abc"},
		{"sessions index", s.principalSessionsKey("p1"), "trust:principal:sessions:p1"},
		{"revoked", s.revokedKey("t1"), "trust:revoked:t1"},
		{"lockout", s.lockoutKey("p1"), "trust:lockout:p1"},
		{"audit head", s.auditHeadKey(), "trust:audit:head"},
		{"audit log", s.auditLogKey(), "trust:audit:log"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("key = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestCounterKeyEncodesWindowStart(t *testing.T) {
	s := &Store{prefix: "trust:"}
	start := time.Unix(1700000000, 0)

	got := s.counterKey("10.0.0.1", "login", start)
	want := "trust:counter:login:10.0.0.1:1700000000"
	if got != want {
		t.Errorf("counterKey() = %q, want %q", got, want)
	}

	// A different window must produce a different key
	next := s.counterKey("10.0.0.1", "login", start.Add(time.Minute))
	if next == got {
		t.Error("counterKey() identical across windows")
	}
}

func TestLockoutRecordFromFields(t *testing.T) {
	tests := []struct {
		name       string
		fields     map[string]string
		wantCount  int
		wantLocked bool
		wantErr    bool
	}{
		{
			name:      "unlocked",
			fields:    map[string]string{"count": "3", "window_start": "1700000000"},
			wantCount: 3,
		},
		{
			name:       "locked",
			fields:     map[string]string{"count": "5", "window_start": "1700000000", "lock_until": "1700000900"},
			wantCount:  5,
			wantLocked: true,
		},
		{
			name:    "corrupt count",
			fields:  map[string]string{"count": "nope"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := lockoutRecordFromFields(tt.fields)
			if (err != nil) != tt.wantErr {
				t.Fatalf("lockoutRecordFromFields() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if record.FailureCount != tt.wantCount {
				t.Errorf("FailureCount = %d, want %d", record.FailureCount, tt.wantCount)
			}
			if (record.LockUntil != nil) != tt.wantLocked {
				t.Errorf("LockUntil = %v, want locked %v", record.LockUntil, tt.wantLocked)
			}
		})
	}
}

func TestValidateIDLength(t *testing.T) {
	if err := validateIDLength("ok", "field"); err != nil {
		t.Errorf("validateIDLength(short) error = %v", err)
	}

	long := make([]byte, MaxIDLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := validateIDLength(string(long), "field"); !errors.Is(err, errInputTooLarge) {
		t.Errorf("validateIDLength(long) error = %v, want errInputTooLarge", err)
	}
}

// ============================================================
// Integration Tests (require a Valkey server)
// ============================================================

func TestPrincipalRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p := &storage.Principal{
		ID:             "p1",
		Ref:            "carol@example.com",
		CredentialHash: "$2a$10$abcdefghijklmnopqrstuv",
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.SavePrincipal(ctx, p); err != nil {
		t.Fatalf("SavePrincipal() error = %v", err)
	}

	byRef, err := s.GetPrincipalByRef(ctx, "carol@example.com")
	if err != nil {
		t.Fatalf("GetPrincipalByRef() error = %v", err)
	}
	if byRef.ID != "p1" || byRef.CredentialHash != p.CredentialHash {
		t.Errorf("GetPrincipalByRef() = %+v, want saved principal", byRef)
	}

	if _, err := s.GetPrincipal(ctx, "absent"); !errors.Is(err, storage.ErrPrincipalNotFound) {
		t.Errorf("GetPrincipal(absent) error = %v, want ErrPrincipalNotFound", err)
	}
}

func TestSessionTokenLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := &storage.SessionToken{
		ID:          "t1",
		PrincipalID: "p1",
		SecretHash:  "hash-1",
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Hour).UTC(),
		Status:      storage.TokenActive,
	}
	if err := s.SaveSessionToken(ctx, token); err != nil {
		t.Fatalf("SaveSessionToken() error = %v", err)
	}

	bySecret, err := s.GetSessionTokenBySecretHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetSessionTokenBySecretHash() error = %v", err)
	}
	if bySecret.ID != "t1" {
		t.Errorf("GetSessionTokenBySecretHash().ID = %q, want t1", bySecret.ID)
	}

	if err := s.MarkRevoked(ctx, "t1", token.ExpiresAt); err != nil {
		t.Fatalf("MarkRevoked() error = %v", err)
	}
	revoked, err := s.IsRevoked(ctx, "t1")
	if err != nil {
		t.Fatalf("IsRevoked() error = %v", err)
	}
	if !revoked {
		t.Error("IsRevoked() = false after MarkRevoked")
	}

	got, err := s.GetSessionToken(ctx, "t1")
	if err != nil {
		t.Fatalf("GetSessionToken() error = %v", err)
	}
	if got.Status != storage.TokenRevoked {
		t.Errorf("Status = %q, want revoked", got.Status)
	}
}

func TestRevokeAllForPrincipal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour).UTC()

	for i := 1; i <= 3; i++ {
		token := &storage.SessionToken{
			ID:          fmt.Sprintf("t%d", i),
			PrincipalID: "p1",
			SecretHash:  fmt.Sprintf("h%d", i),
			ExpiresAt:   future,
			Status:      storage.TokenActive,
		}
		if err := s.SaveSessionToken(ctx, token); err != nil {
			t.Fatalf("SaveSessionToken() error = %v", err)
		}
	}

	n, err := s.RevokeAllForPrincipal(ctx, "p1")
	if err != nil {
		t.Fatalf("RevokeAllForPrincipal() error = %v", err)
	}
	if n != 3 {
		t.Errorf("RevokeAllForPrincipal() = %d, want 3", n)
	}

	// Second pass finds nothing live
	n, err = s.RevokeAllForPrincipal(ctx, "p1")
	if err != nil {
		t.Fatalf("RevokeAllForPrincipal() second pass error = %v", err)
	}
	if n != 0 {
		t.Errorf("RevokeAllForPrincipal() second pass = %d, want 0", n)
	}
}

func TestRecordFailureLocksAtThreshold(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	var record *storage.LockoutRecord
	var err error
	for i := 1; i <= 5; i++ {
		record, err = s.RecordFailure(ctx, "p1", now, 5, 5*time.Minute, 15*time.Minute)
		if err != nil {
			t.Fatalf("RecordFailure() #%d error = %v", i, err)
		}
		if record.FailureCount != i {
			t.Fatalf("FailureCount = %d, want %d", record.FailureCount, i)
		}
	}

	if record.LockUntil == nil {
		t.Fatal("not locked at threshold")
	}

	got, err := s.GetLockout(ctx, "p1")
	if err != nil {
		t.Fatalf("GetLockout() error = %v", err)
	}
	if got.LockUntil == nil {
		t.Error("GetLockout() lost the armed lock")
	}

	if err := s.ClearLockout(ctx, "p1"); err != nil {
		t.Fatalf("ClearLockout() error = %v", err)
	}
	got, _ = s.GetLockout(ctx, "p1")
	if got.FailureCount != 0 {
		t.Errorf("FailureCount after clear = %d, want 0", got.FailureCount)
	}
}

func TestIncrementWindowCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := int64(1); i <= 3; i++ {
		count, _, err := s.IncrementWindow(ctx, "10.0.0.1", "login", now, time.Minute)
		if err != nil {
			t.Fatalf("IncrementWindow() error = %v", err)
		}
		if count != i {
			t.Errorf("count = %d, want %d", count, i)
		}
	}

	// Different identity counts independently
	count, _, err := s.IncrementWindow(ctx, "10.0.0.2", "login", now, time.Minute)
	if err != nil {
		t.Fatalf("IncrementWindow() error = %v", err)
	}
	if count != 1 {
		t.Errorf("count for second identity = %d, want 1", count)
	}
}

func TestAuditAppendAndConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r1 := &storage.AuditRecord{
		Seq:       1,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Kind:      "login_failure",
		Hash:      "h1",
	}
	if err := s.AppendAudit(ctx, r1, ""); err != nil {
		t.Fatalf("AppendAudit() #1 error = %v", err)
	}

	// Stale head must conflict
	r2 := &storage.AuditRecord{Seq: 2, Timestamp: r1.Timestamp, Kind: "login_failure", Hash: "h2"}
	if err := s.AppendAudit(ctx, r2, ""); !errors.Is(err, storage.ErrAuditConflict) {
		t.Fatalf("AppendAudit() with stale head error = %v, want ErrAuditConflict", err)
	}

	r2.PrevHash = "h1"
	if err := s.AppendAudit(ctx, r2, "h1"); err != nil {
		t.Fatalf("AppendAudit() #2 error = %v", err)
	}

	seq, hash, err := s.GetAuditHead(ctx)
	if err != nil {
		t.Fatalf("GetAuditHead() error = %v", err)
	}
	if seq != 2 || hash != "h2" {
		t.Errorf("GetAuditHead() = (%d, %q), want (2, h2)", seq, hash)
	}

	records, err := s.GetAuditRange(ctx, 1, 2)
	if err != nil {
		t.Fatalf("GetAuditRange() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("GetAuditRange() returned %d records, want 2", len(records))
	}
	if !records[0].Timestamp.Equal(r1.Timestamp) {
		t.Errorf("timestamp did not round-trip: got %v, want %v", records[0].Timestamp, r1.Timestamp)
	}
}
