package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the trust core.
type Metrics struct {
	// Authentication metrics
	AuthAttempts      metric.Int64Counter
	AuthDuration      metric.Float64Histogram
	LockoutsTriggered metric.Int64Counter

	// Token lifecycle metrics
	TokensIssued    metric.Int64Counter
	TokensRevoked   metric.Int64Counter
	TokensRefreshed metric.Int64Counter

	// Security metrics
	RateLimitExceeded     metric.Int64Counter
	ThreatDetections      metric.Int64Counter
	FingerprintMismatches metric.Int64Counter

	// Audit metrics
	AuditAppends        metric.Int64Counter
	AuditForwardDropped metric.Int64Counter
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	auditMeter := inst.Meter("audit")

	m := &Metrics{}
	var err error

	m.AuthAttempts, err = serverMeter.Int64Counter(
		"trustcore.auth.attempts",
		metric.WithDescription("Authentication attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.attempts counter: %w", err)
	}

	m.AuthDuration, err = serverMeter.Float64Histogram(
		"trustcore.auth.duration",
		metric.WithDescription("Authentication duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.duration histogram: %w", err)
	}

	m.LockoutsTriggered, err = serverMeter.Int64Counter(
		"trustcore.auth.lockouts",
		metric.WithDescription("Accounts locked after repeated failures"),
		metric.WithUnit("{lockout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.lockouts counter: %w", err)
	}

	m.TokensIssued, err = serverMeter.Int64Counter(
		"trustcore.token.issued",
		metric.WithDescription("Session tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokensRevoked, err = serverMeter.Int64Counter(
		"trustcore.token.revoked",
		metric.WithDescription("Session tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.TokensRefreshed, err = serverMeter.Int64Counter(
		"trustcore.token.refreshed",
		metric.WithDescription("Session tokens rotated via refresh"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"trustcore.ratelimit.exceeded",
		metric.WithDescription("Requests rejected by rate limiting"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	m.ThreatDetections, err = securityMeter.Int64Counter(
		"trustcore.threat.detections",
		metric.WithDescription("Requests with threat score above threshold"),
		metric.WithUnit("{detection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threat.detections counter: %w", err)
	}

	m.FingerprintMismatches, err = securityMeter.Int64Counter(
		"trustcore.token.fingerprint_mismatches",
		metric.WithDescription("Token validations rejected for fingerprint mismatch"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fingerprint_mismatches counter: %w", err)
	}

	m.AuditAppends, err = auditMeter.Int64Counter(
		"trustcore.audit.appends",
		metric.WithDescription("Audit records committed to the chain"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.appends counter: %w", err)
	}

	m.AuditForwardDropped, err = auditMeter.Int64Counter(
		"trustcore.audit.forward_dropped",
		metric.WithDescription("Audit records dropped by the external forwarder"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.forward_dropped counter: %w", err)
	}

	return m, nil
}
