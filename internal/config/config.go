// config.go
//
// Environment variable loading and validation. Every rate-limit policy and
// security window has a hard-coded fallback default so a misconfigured
// environment degrades safely instead of silently disabling protection.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all env configuration for the service.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// SMTP configuration for outbound email. All optional -- empty Host disables sending.
	SMTPHost           string
	SMTPPort           int
	SMTPUsername       string
	SMTPPassword       string
	SMTPFromAddress    string
	SMTPVerifyURLBase  string
	SMTPCancelURLBase  string

	// CaptchaSecret enables Turnstile verification on register/login when set.
	CaptchaSecret string

	// Rate limit policies. See RateLimits for the per-endpoint defaults.
	RateLimits RateLimits

	// SensitiveGrace is the per-session window after a successful 2FA check
	// during which sensitive actions skip re-verification. Default 10m.
	SensitiveGrace time.Duration

	// Session TTLs. Defaults: 24h standard, 720h (30d) remember-me.
	SessionTTL        time.Duration
	SessionRememberMe time.Duration
}

// RateLimits carries one policy per rate-limited endpoint.
// Authentication-adjacent policies fail closed: a limiter storage error is
// treated as "limited" rather than letting brute force through.
type RateLimits struct {
	LoginIP           Policy // per source IP on password attempts
	RegisterEmail     Policy // per target email on signup
	TwoFactorUser     Policy // per user id on 2FA code attempts (permissive; typos expected)
	EmailChangeUser   Policy // per user id on email-change initiation
	EmailChangeIP     Policy // per source IP on verify/cancel token submission
}

// Policy mirrors store.RateLimit without importing it -- config stays leaf.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
	FailClosed  bool
}

// MaxWindow returns the largest window across all policies; the attempt-log
// garbage collector keeps rows at least this long.
func (r RateLimits) MaxWindow() time.Duration {
	maxW := time.Duration(0)
	for _, p := range []Policy{r.LoginIP, r.RegisterEmail, r.TwoFactorUser, r.EmailChangeUser, r.EmailChangeIP} {
		if p.Window > maxW {
			maxW = p.Window
		}
	}
	return maxW
}

// LoadConfig reads environment variables and returns a validated Config.
// A .env file in the working directory is loaded first if present (local dev).
// Returns an error if required variables (DATABASE_URL, REDIS_URL) are missing.
func LoadConfig() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7910"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	// SMTP -- all optional; empty Host means no email sending (NopMailer).
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = envInt("SMTP_PORT", 587)
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFromAddress = os.Getenv("SMTP_FROM")
	cfg.SMTPVerifyURLBase = os.Getenv("SMTP_VERIFY_URL")
	cfg.SMTPCancelURLBase = os.Getenv("SMTP_CANCEL_URL")

	// When SMTP is configured, URL bases must be present and use HTTPS.
	// Tokens in verify/cancel links must not travel over plain HTTP.
	if cfg.SMTPHost != "" {
		if !strings.HasPrefix(cfg.SMTPVerifyURLBase, "https://") {
			return nil, fmt.Errorf("SMTP_VERIFY_URL must be set and start with https://")
		}
		if !strings.HasPrefix(cfg.SMTPCancelURLBase, "https://") {
			return nil, fmt.Errorf("SMTP_CANCEL_URL must be set and start with https://")
		}
	}

	cfg.CaptchaSecret = os.Getenv("CAPTCHA_SECRET")

	cfg.RateLimits = RateLimits{
		LoginIP: Policy{
			MaxAttempts: envInt("RATE_LOGIN_IP_MAX", 10),
			Window:      envDuration("RATE_LOGIN_IP_WINDOW", 10*time.Minute),
			FailClosed:  true,
		},
		RegisterEmail: Policy{
			MaxAttempts: envInt("RATE_REGISTER_MAX", 5),
			Window:      envDuration("RATE_REGISTER_WINDOW", 1*time.Hour),
		},
		// More permissive than login -- typing mistakes during authenticator
		// setup are expected, not attacks.
		TwoFactorUser: Policy{
			MaxAttempts: envInt("RATE_2FA_MAX", 10),
			Window:      envDuration("RATE_2FA_WINDOW", 5*time.Minute),
			FailClosed:  true,
		},
		EmailChangeUser: Policy{
			MaxAttempts: envInt("RATE_EMAIL_CHANGE_MAX", 3),
			Window:      envDuration("RATE_EMAIL_CHANGE_WINDOW", 1*time.Hour),
		},
		EmailChangeIP: Policy{
			MaxAttempts: envInt("RATE_EMAIL_TOKEN_MAX", 10),
			Window:      envDuration("RATE_EMAIL_TOKEN_WINDOW", 15*time.Minute),
			FailClosed:  true,
		},
	}

	cfg.SensitiveGrace = envDuration("SENSITIVE_GRACE", 10*time.Minute)

	cfg.SessionTTL = envDuration("SESSION_TTL", 24*time.Hour)
	cfg.SessionRememberMe = envDuration("SESSION_REMEMBER_ME_TTL", 720*time.Hour)

	return cfg, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
