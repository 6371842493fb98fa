package trustcore

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skylens/trustcore/security"
)

// Config holds the trust core configuration.
// Structured using composition for better organization and maintainability.
type Config struct {
	// Lockout is the brute-force lockout policy
	Lockout LockoutConfig

	// Token is the session token policy
	Token TokenConfig

	// RateLimit is the rate limiting configuration
	RateLimit RateLimitConfig

	// Encryption is the at-rest sealing configuration
	Encryption EncryptionConfig

	// Threat is the threat detection configuration
	Threat ThreatConfig

	// BcryptCost is the bcrypt work factor for credential hashing.
	// Default: 12
	BcryptCost int

	// CleanupInterval is how often the in-memory backend sweeps expired
	// entries. Default: 1 minute
	CleanupInterval time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// LockoutConfig holds the brute-force lockout policy.
type LockoutConfig struct {
	// Threshold is the number of consecutive failures that locks the
	// account. Default: 5
	Threshold int

	// Window is how far apart failures may be and still count together.
	// Default: 5 minutes
	Window time.Duration

	// Duration is how long a locked account stays locked.
	// Default: 15 minutes
	Duration time.Duration
}

// TokenConfig holds the session token policy.
type TokenConfig struct {
	// TTL is how long issued session tokens remain valid.
	// Default: 30 minutes
	TTL time.Duration

	// ClockSkewGracePeriod is the grace period for expiry checks, covering
	// clock drift between instances. Default: 5 seconds
	ClockSkewGracePeriod time.Duration
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// LoginCeiling is accepted login attempts per identity per window.
	// Zero disables limiting for the class. Default: 10
	LoginCeiling int64

	// RefreshCeiling is accepted refresh calls per identity per window.
	// Default: 30
	RefreshCeiling int64

	// APICeiling is accepted validated API calls per identity per window.
	// Default: 120
	APICeiling int64

	// Window is the fixed counting window shared by all classes.
	// Default: 1 minute
	Window time.Duration

	// IPRate is requests per second allowed per IP at the transport layer.
	// Zero disables the token-bucket guard.
	IPRate int

	// IPBurst is the maximum burst size allowed per IP.
	IPBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. Default: 1
	TrustedProxyCount int
}

// EncryptionConfig holds the at-rest sealing configuration.
type EncryptionConfig struct {
	// Keys maps key version to 32-byte AES-256 key material. Empty disables
	// payload sealing. Generate keys with security.GenerateKey().
	Keys map[uint8][]byte

	// CurrentVersion selects the key used for new seals. Older versions stay
	// in the map so previously sealed payloads remain openable.
	CurrentVersion uint8
}

// ThreatConfig holds threat detection configuration.
type ThreatConfig struct {
	// ScoreThreshold is the score at or above which a request is blocked.
	// Default: 0.7
	ScoreThreshold float64

	// FeedTimeout bounds the reputation feed lookup. Default: 500ms
	FeedTimeout time.Duration
}

// applyDefaults fills zero-valued fields with conventional defaults.
func applyDefaults(cfg *Config) *Config {
	if cfg.Lockout.Threshold == 0 {
		cfg.Lockout.Threshold = 5
	}
	if cfg.Lockout.Window == 0 {
		cfg.Lockout.Window = 5 * time.Minute
	}
	if cfg.Lockout.Duration == 0 {
		cfg.Lockout.Duration = 15 * time.Minute
	}
	if cfg.Token.TTL == 0 {
		cfg.Token.TTL = 30 * time.Minute
	}
	if cfg.Token.ClockSkewGracePeriod == 0 {
		cfg.Token.ClockSkewGracePeriod = security.DefaultClockSkewGracePeriod
	}
	if cfg.RateLimit.LoginCeiling == 0 {
		cfg.RateLimit.LoginCeiling = 10
	}
	if cfg.RateLimit.RefreshCeiling == 0 {
		cfg.RateLimit.RefreshCeiling = 30
	}
	if cfg.RateLimit.APICeiling == 0 {
		cfg.RateLimit.APICeiling = 120
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}
	if cfg.RateLimit.TrustedProxyCount == 0 {
		cfg.RateLimit.TrustedProxyCount = 1
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Threat.ScoreThreshold == 0 {
		cfg.Threat.ScoreThreshold = 0.7
	}
	if cfg.Threat.FeedTimeout == 0 {
		cfg.Threat.FeedTimeout = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// RateLimitClasses builds the per-class limiter configuration.
func (c *Config) RateLimitClasses() map[string]security.ClassConfig {
	return map[string]security.ClassConfig{
		security.ClassLogin:   {Ceiling: c.RateLimit.LoginCeiling, Window: c.RateLimit.Window},
		security.ClassRefresh: {Ceiling: c.RateLimit.RefreshCeiling, Window: c.RateLimit.Window},
		security.ClassAPI:     {Ceiling: c.RateLimit.APICeiling, Window: c.RateLimit.Window},
	}
}

// configFile mirrors the YAML schema. It is intentionally separate from
// Config so runtime-only fields stay internal.
type configFile struct {
	Lockout struct {
		Threshold int    `yaml:"threshold"`
		Window    string `yaml:"window"`
		Duration  string `yaml:"duration"`
	} `yaml:"lockout"`
	Token struct {
		TTL string `yaml:"ttl"`
	} `yaml:"token"`
	RateLimit struct {
		LoginCeiling   int64  `yaml:"login_ceiling"`
		RefreshCeiling int64  `yaml:"refresh_ceiling"`
		APICeiling     int64  `yaml:"api_ceiling"`
		Window         string `yaml:"window"`
		IPRate         int    `yaml:"ip_rate"`
		IPBurst        int    `yaml:"ip_burst"`
		TrustProxy     bool   `yaml:"trust_proxy"`
	} `yaml:"rate_limit"`
	Threat struct {
		ScoreThreshold float64 `yaml:"score_threshold"`
	} `yaml:"threat"`
	BcryptCost int `yaml:"bcrypt_cost"`
}

// LoadConfig resolves configuration in priority order: defaults -> file ->
// env. A missing file is not an error; env vars always win.
func LoadConfig(path string) (*Config, error) {
	cfg := applyDefaults(&Config{})

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			var f configFile
			if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
				return nil, fmt.Errorf("parse config file: %w", unmarshalErr)
			}
			if f.Lockout.Threshold > 0 {
				cfg.Lockout.Threshold = f.Lockout.Threshold
			}
			if d, ok := parseDuration(f.Lockout.Window); ok {
				cfg.Lockout.Window = d
			}
			if d, ok := parseDuration(f.Lockout.Duration); ok {
				cfg.Lockout.Duration = d
			}
			if d, ok := parseDuration(f.Token.TTL); ok {
				cfg.Token.TTL = d
			}
			if f.RateLimit.LoginCeiling > 0 {
				cfg.RateLimit.LoginCeiling = f.RateLimit.LoginCeiling
			}
			if f.RateLimit.RefreshCeiling > 0 {
				cfg.RateLimit.RefreshCeiling = f.RateLimit.RefreshCeiling
			}
			if f.RateLimit.APICeiling > 0 {
				cfg.RateLimit.APICeiling = f.RateLimit.APICeiling
			}
			if d, ok := parseDuration(f.RateLimit.Window); ok {
				cfg.RateLimit.Window = d
			}
			if f.RateLimit.IPRate > 0 {
				cfg.RateLimit.IPRate = f.RateLimit.IPRate
			}
			if f.RateLimit.IPBurst > 0 {
				cfg.RateLimit.IPBurst = f.RateLimit.IPBurst
			}
			if f.RateLimit.TrustProxy {
				cfg.RateLimit.TrustProxy = true
			}
			if f.Threat.ScoreThreshold > 0 {
				cfg.Threat.ScoreThreshold = f.Threat.ScoreThreshold
			}
			if f.BcryptCost > 0 {
				cfg.BcryptCost = f.BcryptCost
			}
		}
	}

	cfg.Lockout.Threshold = envInt("LOCKOUT_THRESHOLD", cfg.Lockout.Threshold)
	cfg.Lockout.Window = envDuration("LOCKOUT_WINDOW", cfg.Lockout.Window)
	cfg.Lockout.Duration = envDuration("LOCKOUT_DURATION", cfg.Lockout.Duration)
	cfg.Token.TTL = envDuration("TOKEN_TTL", cfg.Token.TTL)
	cfg.RateLimit.LoginCeiling = int64(envInt("RATE_LIMIT_CEILING_LOGIN", int(cfg.RateLimit.LoginCeiling)))
	cfg.RateLimit.RefreshCeiling = int64(envInt("RATE_LIMIT_CEILING_REFRESH", int(cfg.RateLimit.RefreshCeiling)))
	cfg.RateLimit.APICeiling = int64(envInt("RATE_LIMIT_CEILING_API", int(cfg.RateLimit.APICeiling)))
	cfg.RateLimit.Window = envDuration("RATE_LIMIT_WINDOW", cfg.RateLimit.Window)
	cfg.Threat.ScoreThreshold = envFloat("THREAT_SCORE_THRESHOLD", cfg.Threat.ScoreThreshold)

	if raw := os.Getenv("ENCRYPTION_KEYS"); raw != "" {
		keys, err := parseKeyring(raw)
		if err != nil {
			return nil, fmt.Errorf("parse ENCRYPTION_KEYS: %w", err)
		}
		cfg.Encryption.Keys = keys

		version := envInt("ENCRYPTION_KEY_VERSION", 0)
		if version <= 0 || version > 255 {
			return nil, fmt.Errorf("ENCRYPTION_KEY_VERSION must be set to 1-255 when ENCRYPTION_KEYS is set")
		}
		cfg.Encryption.CurrentVersion = uint8(version)
		if _, ok := cfg.Encryption.Keys[cfg.Encryption.CurrentVersion]; !ok {
			return nil, fmt.Errorf("ENCRYPTION_KEY_VERSION %d has no key in ENCRYPTION_KEYS", version)
		}
	}

	return cfg, nil
}

// parseKeyring parses "version:base64key" pairs separated by commas,
// e.g. "1:abc...,2:def...".
func parseKeyring(raw string) (map[uint8][]byte, error) {
	keys := make(map[uint8][]byte)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		version, encoded, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("malformed key entry %q", safeKeyEntry(pair))
		}
		v, err := strconv.Atoi(version)
		if err != nil || v <= 0 || v > 255 {
			return nil, fmt.Errorf("invalid key version %q", version)
		}
		key, err := security.KeyFromBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", v, err)
		}
		keys[uint8(v)] = key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no key entries")
	}
	return keys, nil
}

// safeKeyEntry redacts the key material from an error message, keeping only
// the version part.
func safeKeyEntry(pair string) string {
	if version, _, ok := strings.Cut(pair, ":"); ok {
		return version + ":<redacted>"
	}
	return "<redacted>"
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// envFloat parses float env vars with safe fallback on empty/invalid values.
func envFloat(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

// envDuration parses duration env vars ("15m", "24h") with safe fallback.
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// parseDuration parses an optional duration string from the config file.
func parseDuration(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
