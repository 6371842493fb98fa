package security

import (
	"context"
	"log/slog"
	"regexp"
	"time"
)

// Pattern names reported by the detector.
const (
	PatternSQLInjection  = "sql_injection"
	PatternScriptTag     = "script_tag"
	PatternPathTraversal = "path_traversal"
	PatternShellMeta     = "shell_metacharacters"
)

// signature is one compiled attack matcher.
type signature struct {
	name string
	re   *regexp.Regexp
}

// signatures is the fixed matcher set run against every inspected field.
// The expressions are deliberately coarse: the detector scores suspicion, it
// does not sanitize input, so a false positive costs one extra auth factor
// rather than a broken request.
var signatures = []signature{
	{PatternSQLInjection, regexp.MustCompile(`(?i)('\s*(or|and)\s+[\w'"]+\s*=|union\s+select|;\s*(drop|delete|insert|update)\s|--\s*$|/\*.*\*/)`)},
	{PatternScriptTag, regexp.MustCompile(`(?i)(<\s*script|javascript\s*:|on(load|error|click)\s*=)`)},
	{PatternPathTraversal, regexp.MustCompile(`(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f)`)},
	{PatternShellMeta, regexp.MustCompile("(\\$\\(|`|\\|\\s*(sh|bash|cmd)\\b|&&\\s*\\w|;\\s*(rm|curl|wget|nc)\\b)")},
}

// Per-component weights of the final score. Signature hits dominate because
// they are near-certain hostile intent; behavior only nudges.
const (
	signatureWeight  = 0.6
	velocityWeight   = 0.25
	reputationWeight = 0.15
)

// Assessment is the outcome of inspecting one request.
type Assessment struct {
	// Patterns lists the matched signature names; empty means clean input
	Patterns []string

	// Score is the combined threat score in [0,1]
	Score float64
}

// Clean reports whether no signature matched.
func (a Assessment) Clean() bool {
	return len(a.Patterns) == 0
}

// ReputationFeed looks up the reputation of a client IP. Implementations
// call an external feed; Score is in [0,1] where 1 is known-hostile.
type ReputationFeed interface {
	ReputationScore(ctx context.Context, ip string) (float64, error)
}

// NeutralFeed is a ReputationFeed that knows nothing. Used when no external
// feed is configured.
type NeutralFeed struct{}

// ReputationScore always returns a neutral score.
func (NeutralFeed) ReputationScore(context.Context, string) (float64, error) {
	return 0, nil
}

// Detector inspects structured input and behavioral signals for known
// attack patterns. It advises the session manager; it never blocks on its
// own and it degrades to signature-only scoring when the reputation feed is
// slow or absent.
type Detector struct {
	limiter     *Limiter
	feed        ReputationFeed
	feedTimeout time.Duration
	logger      *slog.Logger
}

// NewDetector creates a detector. limiter may be nil (no velocity signal);
// feed may be nil (neutral reputation). feedTimeout bounds the reputation
// lookup, defaulting to 500ms.
func NewDetector(limiter *Limiter, feed ReputationFeed, feedTimeout time.Duration, logger *slog.Logger) *Detector {
	if feed == nil {
		feed = NeutralFeed{}
	}
	if feedTimeout <= 0 {
		feedTimeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		limiter:     limiter,
		feed:        feed,
		feedTimeout: feedTimeout,
		logger:      logger,
	}
}

// Inspect runs the signature matchers over every string field and combines
// the result with per-IP attempt velocity and IP reputation into a score in
// [0,1]. clientIP may be empty, in which case the behavioral terms are zero.
func (d *Detector) Inspect(ctx context.Context, fields map[string]string, clientIP string) Assessment {
	matched := make(map[string]bool)
	for _, value := range fields {
		for _, sig := range signatures {
			if !matched[sig.name] && sig.re.MatchString(value) {
				matched[sig.name] = true
			}
		}
	}

	patterns := make([]string, 0, len(matched))
	for _, sig := range signatures {
		if matched[sig.name] {
			patterns = append(patterns, sig.name)
		}
	}

	var sigScore float64
	if len(patterns) > 0 {
		// One hit is already suspicious; additional distinct patterns
		// saturate the signature term.
		sigScore = float64(len(patterns)) / float64(len(signatures))
		if sigScore < 0.5 {
			sigScore = 0.5
		}
	}

	score := signatureWeight*sigScore +
		velocityWeight*d.velocityScore(ctx, clientIP) +
		reputationWeight*d.reputationScore(ctx, clientIP)
	if score > 1 {
		score = 1
	}

	return Assessment{Patterns: patterns, Score: score}
}

// velocityScore converts how fast an IP is presenting requests for
// inspection into [0,1], normalized against the login ceiling. The detector
// counts every inspection under its own window class rather than reading
// the login counter: it runs before the credential check, so failures are
// not known yet, and an attacker probing quickly scores high whether or
// not the attempts succeed.
func (d *Detector) velocityScore(ctx context.Context, clientIP string) float64 {
	if d.limiter == nil || clientIP == "" {
		return 0
	}

	cfg, ok := d.limiter.classes[ClassLogin]
	if !ok || cfg.Ceiling <= 0 {
		return 0
	}

	count, _, err := d.limiter.counters.IncrementWindow(ctx, clientIP, "threat_velocity", d.limiter.now(), cfg.Window)
	if err != nil {
		d.logger.Warn("velocity lookup failed, scoring neutral", "error", err)
		return 0
	}

	v := float64(count) / float64(cfg.Ceiling)
	if v > 1 {
		v = 1
	}
	return v
}

// reputationScore queries the external feed with a bounded timeout,
// defaulting to neutral on timeout or error rather than blocking the
// request.
func (d *Detector) reputationScore(ctx context.Context, clientIP string) float64 {
	if clientIP == "" {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, d.feedTimeout)
	defer cancel()

	score, err := d.feed.ReputationScore(ctx, clientIP)
	if err != nil {
		d.logger.Debug("reputation lookup failed, scoring neutral", "error", err)
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
