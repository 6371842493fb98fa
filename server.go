package trustcore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/skylens/trustcore/audit"
	"github.com/skylens/trustcore/instrumentation"
	"github.com/skylens/trustcore/internal/util"
	"github.com/skylens/trustcore/security"
	"github.com/skylens/trustcore/storage"
)

// tokenSecretBytes is the entropy of a session token secret (256 bits).
const tokenSecretBytes = 32

const (
	readRetryAttempts = 3
	readRetryBackoff  = 25 * time.Millisecond
)

// IssuedToken is a freshly minted session token. Secret is the opaque bearer
// string handed to the client; it is shown exactly once and only its
// SHA-256 hash is stored.
type IssuedToken struct {
	ID        string
	Secret    string
	ExpiresAt time.Time
}

// ClientInfo identifies the calling client at the transport layer. The
// fingerprint binding derives from it.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Fingerprint returns the client binding captured into issued tokens.
func (c ClientInfo) Fingerprint() string {
	return security.Fingerprint(c.IP, c.UserAgent)
}

// Server implements the credential and session management logic. It
// coordinates the storage backends, the rate limiter, the threat detector,
// and the audit ledger. Every security-relevant operation appends exactly
// one audit record; a failed append fails the operation.
type Server struct {
	principals storage.PrincipalStore
	tokens     storage.TokenStore
	lockouts   storage.LockoutStore

	hasher   *security.Hasher
	limiter  *security.Limiter
	detector *security.Detector
	auditLog *audit.Log

	inst   *instrumentation.Instrumentation
	logger *slog.Logger
	config *Config
	now    func() time.Time
}

// NewServer creates a new trust core server.
func NewServer(
	principals storage.PrincipalStore,
	tokens storage.TokenStore,
	lockouts storage.LockoutStore,
	limiter *security.Limiter,
	auditLog *audit.Log,
	config *Config,
) (*Server, error) {
	if principals == nil {
		return nil, fmt.Errorf("principal store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if lockouts == nil {
		return nil, fmt.Errorf("lockout store is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("audit log is required")
	}
	if config == nil {
		config = &Config{}
	}
	config = applyDefaults(config)

	return &Server{
		principals: principals,
		tokens:     tokens,
		lockouts:   lockouts,
		hasher:     security.NewHasher(config.BcryptCost),
		limiter:    limiter,
		auditLog:   auditLog,
		logger:     config.Logger,
		config:     config,
		now:        time.Now,
	}, nil
}

// SetDetector sets the threat detector. Without one, threat inspection is
// skipped.
func (s *Server) SetDetector(d *security.Detector) {
	s.detector = d
}

// SetInstrumentation sets the OpenTelemetry instrumentation and hooks the
// audit forwarder's drop path into the forward_dropped counter.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst == nil {
		return
	}
	if fwd := s.auditLog.Forwarder(); fwd != nil {
		dropped := inst.Metrics().AuditForwardDropped
		fwd.OnDrop(func() {
			dropped.Add(context.Background(), 1)
		})
	}
}

// SetNowFunc overrides the server clock. Intended for tests.
func (s *Server) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Config returns the resolved server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Register creates a new principal with a bcrypt-hashed credential.
func (s *Server) Register(ctx context.Context, ref, credential string) (*storage.Principal, error) {
	if ref == "" {
		return nil, NewAuthError(ErrorCodeInvalidRequest, "ref is required", 400)
	}
	if err := security.ValidateCredentialStrength(credential); err != nil {
		return nil, ErrWeakCredential
	}

	_, err := withReadRetry(ctx, func() (*storage.Principal, error) {
		return s.principals.GetPrincipalByRef(ctx, ref)
	})
	if err == nil {
		return nil, ErrRefUnavailable
	} else if !errors.Is(err, storage.ErrPrincipalNotFound) {
		return nil, s.serverError("lookup principal ref", err)
	}

	hash, err := s.hasher.Hash(credential)
	if err != nil {
		return nil, s.serverError("hash credential", err)
	}

	p := &storage.Principal{
		ID:             uuid.NewString(),
		Ref:            ref,
		CredentialHash: hash,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.principals.SavePrincipal(ctx, p); err != nil {
		return nil, s.serverError("save principal", err)
	}

	if err := s.audit(ctx, p.ID, security.EventPrincipalRegistered, auditPayload(map[string]string{
		"ref_hash": util.HashForLogging(ref),
	})); err != nil {
		return nil, err
	}

	s.logger.Info("Principal registered", "principal_id", p.ID)
	return p, nil
}

// Authenticate verifies a credential and issues a session token bound to the
// caller's fingerprint. The decision sequence is: rate limit, threat
// inspection, lockout, credential. Throttled attempts never touch the
// lockout counter, and an unknown principal is indistinguishable from a
// wrong credential.
func (s *Server) Authenticate(ctx context.Context, ref, credential string, client ClientInfo) (*IssuedToken, error) {
	start := s.now()
	outcome := "failure"
	defer func() {
		s.recordAuthAttempt(ctx, outcome, start)
	}()

	decision, err := s.limiter.CheckAndIncrement(ctx, client.IP, security.ClassLogin)
	if err != nil {
		return nil, s.serverError("rate limit check", err)
	}
	if !decision.Allowed {
		outcome = "throttled"
		s.recordRateLimitExceeded(ctx, security.ClassLogin)
		if err := s.audit(ctx, "", security.EventRateLimitExceeded, auditPayload(map[string]string{
			"class":   security.ClassLogin,
			"ip_hash": util.HashForLogging(client.IP),
		})); err != nil {
			return nil, err
		}
		return nil, ErrRateLimitExceeded.WithRetryAfter(decision.RetryAfter)
	}

	if s.detector != nil {
		assessment := s.detector.Inspect(ctx, map[string]string{
			"ref":        ref,
			"user_agent": client.UserAgent,
		}, client.IP)
		if assessment.Score >= s.config.Threat.ScoreThreshold {
			outcome = "threat_blocked"
			s.recordThreatDetection(ctx)
			if err := s.audit(ctx, "", security.EventThreatDetected, auditPayload(map[string]string{
				"score":    fmt.Sprintf("%.2f", assessment.Score),
				"patterns": fmt.Sprint(assessment.Patterns),
				"ip_hash":  util.HashForLogging(client.IP),
			})); err != nil {
				return nil, err
			}
			return nil, ErrThreatBlocked
		}
	}

	principal, lookupErr := withReadRetry(ctx, func() (*storage.Principal, error) {
		return s.principals.GetPrincipalByRef(ctx, ref)
	})
	if lookupErr != nil {
		if !errors.Is(lookupErr, storage.ErrPrincipalNotFound) {
			return nil, s.serverError("lookup principal", lookupErr)
		}
		// Burn a bcrypt comparison so an unknown ref takes as long as a
		// wrong credential.
		s.hasher.CompareDummy(credential)
		if err := s.audit(ctx, "", security.EventLoginFailure, auditPayload(map[string]string{
			"reason":   "unknown_ref",
			"ref_hash": util.HashForLogging(ref),
		})); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}

	lockout, err := withReadRetry(ctx, func() (*storage.LockoutRecord, error) {
		return s.lockouts.GetLockout(ctx, principal.ID)
	})
	if err != nil {
		return nil, s.serverError("lockout check", err)
	}
	if security.IsLockActive(lockout.LockUntil, s.now()) {
		outcome = "locked"
		if err := s.audit(ctx, principal.ID, security.EventLoginFailure, auditPayload(map[string]string{
			"reason": "account_locked",
		})); err != nil {
			return nil, err
		}
		return nil, ErrAccountLocked
	}

	if principal.Disabled {
		s.hasher.CompareDummy(credential)
		if err := s.audit(ctx, principal.ID, security.EventLoginFailure, auditPayload(map[string]string{
			"reason": "disabled",
		})); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.hasher.Compare(principal.CredentialHash, credential); err != nil {
		return s.handleCredentialFailure(ctx, principal, &outcome)
	}

	// Success: reset the failure counter and mint a token.
	if err := s.lockouts.ClearLockout(ctx, principal.ID); err != nil {
		return nil, s.serverError("clear lockout", err)
	}

	principal.LastSuccessAt = s.now().UTC()
	if err := s.principals.SavePrincipal(ctx, principal); err != nil {
		s.logger.Warn("Failed to record last success time",
			"principal_id", principal.ID, "error", err)
	}

	token, err := s.mintToken(ctx, principal.ID, client.Fingerprint())
	if err != nil {
		return nil, err
	}

	if err := s.audit(ctx, principal.ID, security.EventLoginSuccess, auditPayload(map[string]string{
		"token_id": token.ID,
	})); err != nil {
		return nil, err
	}

	outcome = "success"
	s.recordTokenIssued(ctx)
	s.logger.Info("Authentication succeeded", "principal_id", principal.ID)
	return token, nil
}

// handleCredentialFailure records the failed attempt and decides between a
// generic credential error and a lockout.
func (s *Server) handleCredentialFailure(ctx context.Context, principal *storage.Principal, outcome *string) (*IssuedToken, error) {
	record, err := s.lockouts.RecordFailure(ctx, principal.ID, s.now(),
		s.config.Lockout.Threshold, s.config.Lockout.Window, s.config.Lockout.Duration)
	if err != nil {
		return nil, s.serverError("record failure", err)
	}

	if record.LockUntil != nil && record.FailureCount >= s.config.Lockout.Threshold {
		// This attempt armed the lock. An active lock never reaches this
		// point, so any in-window count at or past the threshold means the
		// lock was set (or re-armed after expiry) just now.
		*outcome = "locked"
		s.recordLockout(ctx)
		if err := s.audit(ctx, principal.ID, security.EventAccountLocked, auditPayload(map[string]string{
			"failure_count": fmt.Sprint(record.FailureCount),
		})); err != nil {
			return nil, err
		}
		s.logger.Warn("Account locked after repeated failures",
			"principal_id", principal.ID,
			"failure_count", record.FailureCount)
		return nil, ErrAccountLocked
	}

	if err := s.audit(ctx, principal.ID, security.EventLoginFailure, auditPayload(map[string]string{
		"reason":        "bad_credential",
		"failure_count": fmt.Sprint(record.FailureCount),
	})); err != nil {
		return nil, err
	}
	return nil, ErrInvalidCredentials
}

// Validate checks a presented bearer secret and returns the owning
// principal. A fingerprint mismatch is a hard reject and is audited as
// probable token theft; plain validation traffic is not audited.
func (s *Server) Validate(ctx context.Context, tokenSecret string, client ClientInfo) (*storage.Principal, error) {
	token, err := s.lookupToken(ctx, tokenSecret)
	if err != nil {
		return nil, err
	}

	if security.IsTokenExpiredWithGracePeriod(token.ExpiresAt, s.config.Token.ClockSkewGracePeriod, s.now()) {
		return nil, ErrTokenExpired
	}

	revoked, err := withReadRetry(ctx, func() (bool, error) {
		return s.tokens.IsRevoked(ctx, token.ID)
	})
	if err != nil {
		return nil, s.serverError("revocation check", err)
	}
	if revoked || token.Status == storage.TokenRevoked {
		return nil, ErrTokenRevoked
	}

	if subtle.ConstantTimeCompare([]byte(token.Fingerprint), []byte(client.Fingerprint())) != 1 {
		s.recordFingerprintMismatch(ctx)
		if err := s.audit(ctx, token.PrincipalID, security.EventFingerprintMismatch, auditPayload(map[string]string{
			"token_id": token.ID,
			"ip_hash":  util.HashForLogging(client.IP),
		})); err != nil {
			return nil, err
		}
		s.logger.Warn("Fingerprint mismatch on token validation",
			"token_id", util.SafeTruncate(token.ID, 8),
			"principal_id", token.PrincipalID)
		return nil, ErrFingerprintMismatch
	}

	principal, err := withReadRetry(ctx, func() (*storage.Principal, error) {
		return s.principals.GetPrincipal(ctx, token.PrincipalID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrPrincipalNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, s.serverError("lookup principal", err)
	}
	if principal.Disabled {
		return nil, ErrTokenRevoked
	}

	return principal, nil
}

// Revoke adds a token to the revocation set. Revoking an unknown or
// already-revoked token succeeds: revocation is idempotent and always
// audited.
func (s *Server) Revoke(ctx context.Context, tokenID string) error {
	expiresAt := s.now()
	if token, err := s.tokens.GetSessionToken(ctx, tokenID); err == nil {
		expiresAt = token.ExpiresAt
	}

	if err := s.tokens.MarkRevoked(ctx, tokenID, expiresAt); err != nil {
		return s.serverError("mark revoked", err)
	}

	if err := s.audit(ctx, "", security.EventTokenRevoked, auditPayload(map[string]string{
		"token_id": tokenID,
	})); err != nil {
		return err
	}

	s.recordTokenRevoked(ctx)
	return nil
}

// Refresh rotates a session token: the presented token is validated, then
// revoked, and a new token is minted with the same principal and a
// fingerprint binding taken from the current client. A revoked or expired
// input never refreshes.
func (s *Server) Refresh(ctx context.Context, tokenSecret string, client ClientInfo) (*IssuedToken, error) {
	decision, err := s.limiter.CheckAndIncrement(ctx, client.IP, security.ClassRefresh)
	if err != nil {
		return nil, s.serverError("rate limit check", err)
	}
	if !decision.Allowed {
		s.recordRateLimitExceeded(ctx, security.ClassRefresh)
		if err := s.audit(ctx, "", security.EventRateLimitExceeded, auditPayload(map[string]string{
			"class":   security.ClassRefresh,
			"ip_hash": util.HashForLogging(client.IP),
		})); err != nil {
			return nil, err
		}
		return nil, ErrRateLimitExceeded.WithRetryAfter(decision.RetryAfter)
	}

	token, err := s.lookupToken(ctx, tokenSecret)
	if err != nil {
		return nil, err
	}

	if security.IsTokenExpiredWithGracePeriod(token.ExpiresAt, s.config.Token.ClockSkewGracePeriod, s.now()) {
		return nil, ErrTokenExpired
	}

	revoked, err := withReadRetry(ctx, func() (bool, error) {
		return s.tokens.IsRevoked(ctx, token.ID)
	})
	if err != nil {
		return nil, s.serverError("revocation check", err)
	}
	if revoked || token.Status == storage.TokenRevoked {
		return nil, ErrTokenRevoked
	}

	if subtle.ConstantTimeCompare([]byte(token.Fingerprint), []byte(client.Fingerprint())) != 1 {
		s.recordFingerprintMismatch(ctx)
		if err := s.audit(ctx, token.PrincipalID, security.EventFingerprintMismatch, auditPayload(map[string]string{
			"token_id": token.ID,
			"ip_hash":  util.HashForLogging(client.IP),
		})); err != nil {
			return nil, err
		}
		return nil, ErrFingerprintMismatch
	}

	if err := s.tokens.MarkRevoked(ctx, token.ID, token.ExpiresAt); err != nil {
		return nil, s.serverError("revoke old token", err)
	}

	fresh, err := s.mintToken(ctx, token.PrincipalID, token.Fingerprint)
	if err != nil {
		return nil, err
	}

	if err := s.audit(ctx, token.PrincipalID, security.EventTokenRefreshed, auditPayload(map[string]string{
		"old_token_id": token.ID,
		"new_token_id": fresh.ID,
	})); err != nil {
		return nil, err
	}

	s.recordTokenRefreshed(ctx)
	return fresh, nil
}

// Logout revokes the bearer token presented by the client. Logging out with
// an unknown or aged-out token succeeds with revoked=false: the session is
// gone either way.
func (s *Server) Logout(ctx context.Context, tokenSecret string) (bool, error) {
	token, err := s.lookupToken(ctx, tokenSecret)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return false, nil
		}
		return false, err
	}
	if err := s.Revoke(ctx, token.ID); err != nil {
		return false, err
	}
	return true, nil
}

// CheckAPIBudget counts one validated API call against the principal's
// api-class ceiling. Unlike login and refresh throttles it does not append
// to the ledger: validated traffic is high-volume and plain validation is
// not audited either.
func (s *Server) CheckAPIBudget(ctx context.Context, principalID string) error {
	decision, err := s.limiter.CheckAndIncrement(ctx, principalID, security.ClassAPI)
	if err != nil {
		return s.serverError("rate limit check", err)
	}
	if !decision.Allowed {
		s.recordRateLimitExceeded(ctx, security.ClassAPI)
		return ErrRateLimitExceeded.WithRetryAfter(decision.RetryAfter)
	}
	return nil
}

// RevokeAllForPrincipal revokes every live token of one principal at once.
// Intended for password changes and detected compromise.
func (s *Server) RevokeAllForPrincipal(ctx context.Context, principalID string) (int, error) {
	count, err := s.tokens.RevokeAllForPrincipal(ctx, principalID)
	if err != nil {
		return 0, s.serverError("revoke all", err)
	}

	if err := s.audit(ctx, principalID, security.EventAllTokensRevoked, auditPayload(map[string]string{
		"revoked_count": fmt.Sprint(count),
	})); err != nil {
		return 0, err
	}

	s.logger.Info("All sessions revoked for principal",
		"principal_id", principalID,
		"revoked_count", count)
	return count, nil
}

// lookupToken resolves a presented bearer secret to its stored token.
// Unknown and aged-out tokens both yield ErrTokenExpired; storage cannot
// tell them apart and neither should the caller.
func (s *Server) lookupToken(ctx context.Context, tokenSecret string) (*storage.SessionToken, error) {
	if tokenSecret == "" {
		return nil, ErrTokenExpired
	}
	token, err := withReadRetry(ctx, func() (*storage.SessionToken, error) {
		return s.tokens.GetSessionTokenBySecretHash(ctx, hashTokenSecret(tokenSecret))
	})
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrTokenExpired
		}
		return nil, s.serverError("lookup token", err)
	}
	return token, nil
}

// mintToken creates and persists a fresh session token.
func (s *Server) mintToken(ctx context.Context, principalID, fingerprint string) (*IssuedToken, error) {
	secret, err := generateTokenSecret()
	if err != nil {
		return nil, s.serverError("generate token secret", err)
	}

	now := s.now().UTC()
	token := &storage.SessionToken{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		SecretHash:  hashTokenSecret(secret),
		Fingerprint: fingerprint,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.config.Token.TTL),
		Status:      storage.TokenActive,
	}
	if err := s.tokens.SaveSessionToken(ctx, token); err != nil {
		return nil, s.serverError("save token", err)
	}

	return &IssuedToken{
		ID:        token.ID,
		Secret:    secret,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// audit appends one record to the ledger. An append failure is a hard
// failure of the calling operation: the ledger must never silently miss a
// security event.
func (s *Server) audit(ctx context.Context, actorID, kind, payload string) error {
	if _, err := s.auditLog.Append(ctx, actorID, kind, payload); err != nil {
		s.logger.Error("Audit append failed; failing operation",
			"kind", kind, "error", err)
		return ErrServerError
	}
	s.recordAuditAppend(ctx)
	return nil
}

// serverError logs an internal failure and returns the generic 5xx error.
// Internal detail never reaches the caller; tamper detection keeps its own
// code so alerting can key on it.
func (s *Server) serverError(op string, err error) error {
	s.logger.Error("Internal error", "op", op, "error", err)
	if errors.Is(err, security.ErrTamperDetected) {
		return ErrTamperDetected
	}
	return ErrServerError
}

// withReadRetry retries transient storage failures on read-only checks with
// linear backoff. Not-found sentinels are terminal. Writes and audit appends
// go through without retry: an append must never be silently repeated.
func withReadRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var result T
	var err error
	for attempt := 0; attempt < readRetryAttempts; attempt++ {
		result, err = fn()
		if err == nil || isTerminalReadError(err) {
			return result, err
		}
		select {
		case <-ctx.Done():
			return result, err
		case <-time.After(time.Duration(attempt+1) * readRetryBackoff):
		}
	}
	return result, err
}

func isTerminalReadError(err error) bool {
	return errors.Is(err, storage.ErrPrincipalNotFound) ||
		errors.Is(err, storage.ErrTokenNotFound)
}

// auditPayload serializes structured payload fields. Map marshalling sorts
// keys, so the encoding is deterministic.
func auditPayload(fields map[string]string) string {
	data, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(data)
}

// generateTokenSecret returns a fresh CSPRNG bearer secret.
func generateTokenSecret() (string, error) {
	buf := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashTokenSecret returns the stored form of a bearer secret.
func hashTokenSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ============================================================
// Metric helpers (no-ops without instrumentation)
// ============================================================

func (s *Server) recordAuthAttempt(ctx context.Context, outcome string, start time.Time) {
	if s.inst == nil {
		return
	}
	m := s.inst.Metrics()
	m.AuthAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.AuthDuration.Record(ctx, float64(s.now().Sub(start).Milliseconds()),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (s *Server) recordLockout(ctx context.Context) {
	if s.inst != nil {
		s.inst.Metrics().LockoutsTriggered.Add(ctx, 1)
	}
}

func (s *Server) recordTokenIssued(ctx context.Context) {
	if s.inst != nil {
		s.inst.Metrics().TokensIssued.Add(ctx, 1)
	}
}

func (s *Server) recordTokenRevoked(ctx context.Context) {
	if s.inst != nil {
		s.inst.Metrics().TokensRevoked.Add(ctx, 1)
	}
}

func (s *Server) recordTokenRefreshed(ctx context.Context) {
	if s.inst != nil {
		s.inst.Metrics().TokensRefreshed.Add(ctx, 1)
	}
}

func (s *Server) recordRateLimitExceeded(ctx context.Context, class string) {
	if s.inst != nil {
		s.inst.Metrics().RateLimitExceeded.Add(ctx, 1,
			metric.WithAttributes(attribute.String("class", class)))
	}
}

func (s *Server) recordThreatDetection(ctx context.Context) {
	if s.inst != nil {
		s.inst.Metrics().ThreatDetections.Add(ctx, 1)
	}
}

func (s *Server) recordFingerprintMismatch(ctx context.Context) {
	if s.inst != nil {
		s.inst.Metrics().FingerprintMismatches.Add(ctx, 1)
	}
}

func (s *Server) recordAuditAppend(ctx context.Context) {
	if s.inst != nil {
		s.inst.Metrics().AuditAppends.Add(ctx, 1)
	}
}
