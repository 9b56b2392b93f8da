package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/averyk-dev/aegis/internal/auth"
	"github.com/averyk-dev/aegis/internal/captcha"
	"github.com/averyk-dev/aegis/internal/config"
	"github.com/averyk-dev/aegis/internal/mail"
	"github.com/averyk-dev/aegis/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() returns instead of exiting so deferred closes always execute.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// storePolicy converts a config policy to the store's rate-limit shape.
func storePolicy(p config.Policy) store.RateLimit {
	return store.RateLimit{MaxAttempts: p.MaxAttempts, Window: p.Window, FailClosed: p.FailClosed}
}

// run holds all server logic. Shuts down when ctx is cancelled; signal
// handling is the caller's concern. If ready is non-nil, the server's base
// URL is sent on it once the listener is bound (used by tests).
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// One shared Redis pool for the session cache and the mail queue.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()
	rs := store.NewRedisStore(rdb)

	// Outbound mail: direct SMTP wrapped in a Redis-backed queue so handler
	// latency never includes an SMTP round trip. Empty SMTP_HOST disables
	// sending entirely (local dev).
	var sender mail.Mailer = &mail.NopMailer{}
	if cfg.SMTPHost != "" {
		sender = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:          cfg.SMTPHost,
			Port:          cfg.SMTPPort,
			Username:      cfg.SMTPUsername,
			Password:      cfg.SMTPPassword,
			FromAddress:   cfg.SMTPFromAddress,
			VerifyURLBase: cfg.SMTPVerifyURLBase,
			CancelURLBase: cfg.SMTPCancelURLBase,
		})
	}
	ml := mail.NewQueuedMailer(sender, rdb, 10000)
	go ml.StartWorker(ctx)

	h := auth.AuthHandler{
		PS: ps,
		RS: rs,
		RL: ps,
		ML: ml,
		Policies: auth.RatePolicies{
			LoginIP:         storePolicy(cfg.RateLimits.LoginIP),
			RegisterEmail:   storePolicy(cfg.RateLimits.RegisterEmail),
			TwoFactorUser:   storePolicy(cfg.RateLimits.TwoFactorUser),
			EmailChangeUser: storePolicy(cfg.RateLimits.EmailChangeUser),
			EmailChangeIP:   storePolicy(cfg.RateLimits.EmailChangeIP),
		},
		Policy:            auth.DefaultPasswordPolicy,
		SensitiveGrace:    cfg.SensitiveGrace,
		SessionTTL:        cfg.SessionTTL,
		SessionRememberMe: cfg.SessionRememberMe,
	}
	if cfg.CaptchaSecret != "" {
		h.Captcha = captcha.NewTurnstileVerifier(cfg.CaptchaSecret)
	}

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &http.Server{Handler: buildRouter(&h)}

	// Housekeeping: expired sessions, old rate-limit attempts, and resolved
	// email changes are swept on timers. All best effort.
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go func() {
		const sessionRetention = 7 * 24 * time.Hour
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := ps.CleanupExpiredSessions(cleanupCtx, sessionRetention); err != nil {
					slog.Warn("session cleanup failed", "error", err)
				} else {
					slog.Info("session cleanup complete", "deleted", n)
				}
				if n, err := ps.CleanupEmailChanges(cleanupCtx, 30*24*time.Hour); err != nil {
					slog.Warn("email-change cleanup failed", "error", err)
				} else {
					slog.Info("email-change cleanup complete", "deleted", n)
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()
	go func() {
		// Attempt rows only matter inside the largest policy window; sweep
		// hourly with double that as the retention floor.
		maxWindow := 2 * cfg.RateLimits.MaxWindow()
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := ps.CleanupRateLimitAttempts(cleanupCtx, maxWindow); err != nil {
					slog.Warn("rate-limit cleanup failed", "error", err)
				} else {
					slog.Debug("rate-limit cleanup complete", "deleted", n)
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("aegis listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Separate from run() so tests can mount the full router over mocks.
func buildRouter(h *auth.AuthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	// Any safe request mints (or echoes) the CSRF cookie, so a client has a
	// token in hand before its first state-changing call.
	r.Use(h.EnsureCSRF)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Public endpoints. The token endpoints carry their own credential; the
	// login endpoints establish one.
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/login/2fa", h.LoginTwoFactor)
	r.Post("/logout", h.Logout)
	r.Post("/email/change/verify", h.VerifyEmailChange)
	r.Post("/email/change/cancel", h.CancelEmailChange)

	// Authenticated endpoints; the CSRF check needs the cookie minted above.
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Use(h.CSRFMiddleware)

		r.Get("/session", h.Session)
		r.Post("/logout-all", h.LogoutAll)
		r.Post("/2fa/setup", h.SetupTwoFactor)
		r.Post("/2fa/enable", h.EnableTwoFactor)
		r.Post("/2fa/reverify", h.ReverifyTwoFactor)

		// Sensitive actions additionally require a recent 2FA check.
		r.Group(func(r chi.Router) {
			r.Use(h.RequireRecentTwoFactor)
			r.Post("/password/change", h.ChangePassword)
			r.Post("/2fa/disable", h.DisableTwoFactor)
			r.Post("/email/change", h.InitiateEmailChange)
		})
	})

	return r
}
