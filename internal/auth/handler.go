// handler.go -- AuthHandler, its collaborator interfaces, and shared helpers.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/averyk-dev/aegis/internal/captcha"
	"github.com/averyk-dev/aegis/internal/mail"
	"github.com/averyk-dev/aegis/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Store defines database operations needed by auth handlers.
// Satisfied by *store.PostgresStore — defined here (at consumer) per Go convention.
type Store interface {
	// CreateUser inserts a new user with email and hashed password.
	CreateUser(ctx context.Context, id uuid.UUID, email, passwordHash string) error

	// GetUserByEmail fetches a user by email, case-insensitively.
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)

	// GetUserByID fetches a user by primary key.
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	// UpdateUserPassword replaces the stored Argon2id hash.
	UpdateUserPassword(ctx context.Context, id uuid.UUID, passwordHash string) error

	// EnableTwoFactor stores the TOTP secret and backup-code hashes atomically.
	EnableTwoFactor(ctx context.Context, userID uuid.UUID, totpSecret string, codeHashes [][]byte) error

	// DisableTwoFactor clears the TOTP secret and deletes backup codes atomically.
	DisableTwoFactor(ctx context.Context, userID uuid.UUID) error

	// ConsumeBackupCode atomically marks a backup code used; exactly one of two
	// concurrent calls with the same code succeeds.
	ConsumeBackupCode(ctx context.Context, userID uuid.UUID, codeHash []byte) error

	// CreateSession inserts a new session row (partial or full).
	CreateSession(ctx context.Context, sess *store.Session) error

	// GetSessionByTokenHash fetches a session, expired or not; pgx.ErrNoRows if absent.
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)

	// UpgradeSession promotes a partial session to full in place and removes
	// the user's other partial sessions.
	UpgradeSession(ctx context.Context, tokenHash []byte, now time.Time) (*store.Session, int64, error)

	// RefreshTwoFactorVerifiedAt moves the grace-window anchor for one session.
	RefreshTwoFactorVerifiedAt(ctx context.Context, tokenHash []byte, now time.Time) error

	// TouchSession updates last_active_at; best effort.
	TouchSession(ctx context.Context, tokenHash []byte, now time.Time) error

	// DeleteSession removes a single session row by token hash.
	DeleteSession(ctx context.Context, tokenHash []byte) error

	// DeleteAllUserSessions removes all sessions for a user.
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error

	// DeleteOtherUserSessions removes every session for the user except keepTokenHash.
	DeleteOtherUserSessions(ctx context.Context, userID uuid.UUID, keepTokenHash []byte) (int64, error)

	// CreatePendingEmailChange validates the target and inserts the pending
	// record, superseding the caller's prior active change, in one transaction.
	CreatePendingEmailChange(ctx context.Context, p *store.PendingEmailChange) error

	// FinalizeEmailChange consumes a verify token and commits the change in one
	// transaction (uniqueness re-check, email update, session purge).
	FinalizeEmailChange(ctx context.Context, verifyTokenHash, keepTokenHash []byte, now time.Time) (*store.PendingEmailChange, error)

	// CancelEmailChange consumes a cancel token and marks the record cancelled.
	CancelEmailChange(ctx context.Context, cancelTokenHash []byte, now time.Time) (*store.PendingEmailChange, error)

	// InsertAuditEntry records a security event; failures are non-fatal.
	InsertAuditEntry(ctx context.Context, e store.AuditEntry) error
}

// SessionCache defines session cache operations needed by auth handlers.
// Satisfied by *store.RedisStore.
type SessionCache interface {
	// GetSession retrieves a cached session by base64 token hash.
	GetSession(ctx context.Context, tokenHash string) (*store.CachedSession, error)

	// SetSession caches a session with the given TTL in seconds.
	SetSession(ctx context.Context, tokenHash string, sess store.Session, ttl int) error

	// DeleteSession removes a session and its entry in the user tracking set.
	DeleteSession(ctx context.Context, tokenHash string, userID uuid.UUID) error

	// DeleteAllUserSessions removes all cached sessions for a user.
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
}

// RateLimiter checks and records rate limit state against the persisted
// attempt log. Satisfied by *store.PostgresStore.
type RateLimiter interface {
	// CheckRateLimit counts attempts for (identifier, endpoint) in the policy
	// window and records one when allowed. Exactly one call per user-facing action.
	CheckRateLimit(ctx context.Context, identifier, endpoint string, policy store.RateLimit) (store.RateLimitResult, error)
}

// CaptchaVerifier validates a CAPTCHA response token.
// Satisfied by *captcha.TurnstileVerifier. nil disables CAPTCHA checks.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// RatePolicies carries one policy per rate-limited endpoint.
type RatePolicies struct {
	LoginIP         store.RateLimit
	RegisterEmail   store.RateLimit
	TwoFactorUser   store.RateLimit
	EmailChangeUser store.RateLimit
	EmailChangeIP   store.RateLimit
}

// AuthHandler holds dependencies for all auth HTTP handlers and middleware.
type AuthHandler struct {
	PS Store
	RS SessionCache
	RL RateLimiter
	ML mail.Mailer

	// Captcha is optional; nil skips CAPTCHA verification entirely.
	Captcha CaptchaVerifier

	Policies RatePolicies
	Policy   PasswordPolicy

	// SensitiveGrace is the per-session window after a 2FA check during which
	// sensitive actions skip re-verification.
	SensitiveGrace time.Duration

	SessionTTL        time.Duration
	SessionRememberMe time.Duration
}

// emailChangeTTL is how long a pending email change stays verifiable.
const emailChangeTTL = 24 * time.Hour

// clientIP returns the bare request IP. RemoteAddr includes a port outside
// tests; chi's RealIP middleware has already resolved proxy headers.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// rateLimit applies the policy keyed by identifier and writes the 429 response
// when the caller is limited. Returns true when the request may proceed.
// Storage errors honor policy.FailClosed: closed policies respond 429, open
// policies log and allow.
func (h *AuthHandler) rateLimit(w http.ResponseWriter, r *http.Request, identifier, endpoint string, policy store.RateLimit) bool {
	res, err := h.RL.CheckRateLimit(r.Context(), identifier, endpoint, policy)
	if err != nil {
		if policy.FailClosed {
			logError(r, "rate limiter unavailable, failing closed", "endpoint", endpoint, "error", err)
			TooManyRequests(w, res)
			return false
		}
		logError(r, "rate limiter unavailable, allowing", "endpoint", endpoint, "error", err)
		return true
	}
	if res.Limited {
		logInfo(r, "request rate limited", "endpoint", endpoint, "reset_at", res.ResetAt)
		TooManyRequests(w, res)
		return false
	}
	return true
}

// checkCaptcha verifies the CAPTCHA token when a verifier is configured.
// Only a rejected token blocks the request; verifier outages fail open so a
// Cloudflare incident never locks everyone out of login. Writes the 403
// response on rejection; returns true when the request may proceed.
func (h *AuthHandler) checkCaptcha(w http.ResponseWriter, r *http.Request, token string) bool {
	if h.Captcha == nil {
		return true
	}
	if err := h.Captcha.Verify(r.Context(), token, clientIP(r)); err != nil {
		if errors.Is(err, captcha.ErrTokenRejected) {
			logInfo(r, "captcha verification failed", "error", err)
			Forbidden(w)
			return false
		}
		logError(r, "captcha verifier unavailable, allowing", "error", err)
	}
	return true
}

// auditLog records a security event; never fails the enclosing request.
func (h *AuthHandler) auditLog(r *http.Request, userID *uuid.UUID, action string, metadata []byte) {
	ip := clientIP(r)
	ua := r.UserAgent()
	entry := store.AuditEntry{
		UserID:    userID,
		Action:    action,
		IPAddress: &ip,
		UserAgent: &ua,
		Metadata:  metadata,
	}
	if err := h.PS.InsertAuditEntry(r.Context(), entry); err != nil {
		logWarn(r, "failed to write audit entry", "action", action, "error", err)
	}
}

// marshalMeta renders audit metadata; nil on marshal failure (metadata is optional).
func marshalMeta(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
