package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// setBaseEnv pins the required variables and clears the optional ones so a
// developer's shell environment cannot leak into the test.
func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/aegis")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "CAPTCHA_SECRET",
		"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD",
		"SMTP_FROM", "SMTP_VERIFY_URL", "SMTP_CANCEL_URL",
		"RATE_LOGIN_IP_MAX", "RATE_LOGIN_IP_WINDOW",
		"RATE_REGISTER_MAX", "RATE_REGISTER_WINDOW",
		"RATE_2FA_MAX", "RATE_2FA_WINDOW",
		"RATE_EMAIL_CHANGE_MAX", "RATE_EMAIL_CHANGE_WINDOW",
		"RATE_EMAIL_TOKEN_MAX", "RATE_EMAIL_TOKEN_WINDOW",
		"SENSITIVE_GRACE", "SESSION_TTL", "SESSION_REMEMBER_ME_TTL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigRequired(t *testing.T) {
	t.Run("missing DATABASE_URL", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("DATABASE_URL", "")
		_, err := LoadConfig()
		require.ErrorContains(t, err, "DATABASE_URL")
	})

	t.Run("missing REDIS_URL", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("REDIS_URL", "")
		_, err := LoadConfig()
		require.ErrorContains(t, err, "REDIS_URL")
	})
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "7910", cfg.Port)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Empty(t, cfg.SMTPHost)
	require.Empty(t, cfg.CaptchaSecret)

	require.Equal(t, Policy{MaxAttempts: 10, Window: 10 * time.Minute, FailClosed: true}, cfg.RateLimits.LoginIP)
	require.Equal(t, Policy{MaxAttempts: 5, Window: time.Hour}, cfg.RateLimits.RegisterEmail)
	require.Equal(t, Policy{MaxAttempts: 10, Window: 5 * time.Minute, FailClosed: true}, cfg.RateLimits.TwoFactorUser)
	require.Equal(t, Policy{MaxAttempts: 3, Window: time.Hour}, cfg.RateLimits.EmailChangeUser)
	require.Equal(t, Policy{MaxAttempts: 10, Window: 15 * time.Minute, FailClosed: true}, cfg.RateLimits.EmailChangeIP)

	require.Equal(t, 10*time.Minute, cfg.SensitiveGrace)
	require.Equal(t, 24*time.Hour, cfg.SessionTTL)
	require.Equal(t, 720*time.Hour, cfg.SessionRememberMe)
}

func TestLoadConfigOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("RATE_LOGIN_IP_MAX", "3")
	t.Setenv("RATE_LOGIN_IP_WINDOW", "30m")
	t.Setenv("SENSITIVE_GRACE", "5m")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, 3, cfg.RateLimits.LoginIP.MaxAttempts)
	require.Equal(t, 30*time.Minute, cfg.RateLimits.LoginIP.Window)
	require.Equal(t, 5*time.Minute, cfg.SensitiveGrace)
}

func TestLoadConfigSMTPValidation(t *testing.T) {
	t.Run("http verify URL rejected", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("SMTP_HOST", "smtp.example.com")
		t.Setenv("SMTP_VERIFY_URL", "http://example.com/verify")
		t.Setenv("SMTP_CANCEL_URL", "https://example.com/cancel")
		_, err := LoadConfig()
		require.ErrorContains(t, err, "SMTP_VERIFY_URL")
	})

	t.Run("missing cancel URL rejected", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("SMTP_HOST", "smtp.example.com")
		t.Setenv("SMTP_VERIFY_URL", "https://example.com/verify")
		_, err := LoadConfig()
		require.ErrorContains(t, err, "SMTP_CANCEL_URL")
	})

	t.Run("https URLs accepted", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("SMTP_HOST", "smtp.example.com")
		t.Setenv("SMTP_VERIFY_URL", "https://example.com/verify")
		t.Setenv("SMTP_CANCEL_URL", "https://example.com/cancel")
		cfg, err := LoadConfig()
		require.NoError(t, err)
		require.Equal(t, "smtp.example.com", cfg.SMTPHost)
		require.Equal(t, 587, cfg.SMTPPort)
	})
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("AEGIS_TEST_INT", "not-a-number")
	require.Equal(t, 7, envInt("AEGIS_TEST_INT", 7))
	t.Setenv("AEGIS_TEST_INT", "-2")
	require.Equal(t, 7, envInt("AEGIS_TEST_INT", 7))
	t.Setenv("AEGIS_TEST_INT", "42")
	require.Equal(t, 42, envInt("AEGIS_TEST_INT", 7))

	t.Setenv("AEGIS_TEST_DUR", "soon")
	require.Equal(t, time.Minute, envDuration("AEGIS_TEST_DUR", time.Minute))
	t.Setenv("AEGIS_TEST_DUR", "-5s")
	require.Equal(t, time.Minute, envDuration("AEGIS_TEST_DUR", time.Minute))
	t.Setenv("AEGIS_TEST_DUR", "90s")
	require.Equal(t, 90*time.Second, envDuration("AEGIS_TEST_DUR", time.Minute))
}

func TestMaxWindow(t *testing.T) {
	r := RateLimits{
		LoginIP:         Policy{Window: 10 * time.Minute},
		RegisterEmail:   Policy{Window: time.Hour},
		TwoFactorUser:   Policy{Window: 5 * time.Minute},
		EmailChangeUser: Policy{Window: 2 * time.Hour},
		EmailChangeIP:   Policy{Window: 15 * time.Minute},
	}
	require.Equal(t, 2*time.Hour, r.MaxWindow())
	require.Zero(t, RateLimits{}.MaxWindow())
}
