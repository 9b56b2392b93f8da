// middleware.go

// Session authentication middleware.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/averyk-dev/aegis/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userIDKey contextKey = "user_id"
const tokenHashKey contextKey = "token_hash"
const sessionKey contextKey = "session"

// UserIDFromContext retrieves the authenticated user's ID from context.
// Returns zero UUID and false if RequireAuth hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// TokenHashFromContext retrieves the session token hash from context.
// Returns nil and false if RequireAuth hasn't run.
func TokenHashFromContext(ctx context.Context) ([]byte, bool) {
	hash, ok := ctx.Value(tokenHashKey).([]byte)
	return hash, ok
}

// SessionFromContext retrieves the validated session from context.
// Returns nil and false if RequireAuth hasn't run.
func SessionFromContext(ctx context.Context) (*store.CachedSession, bool) {
	sess, ok := ctx.Value(sessionKey).(*store.CachedSession)
	return sess, ok
}

// loadSession resolves the session cookie to a session record, checking Redis
// then Postgres as fallback. Returns the session (possibly partial or
// expired -- callers classify), its token hash, and an error:
// store.ErrSessionInvalid when the cookie is missing/malformed/unknown.
func (h *AuthHandler) loadSession(r *http.Request) (*store.CachedSession, []byte, error) {
	sessCookie, err := r.Cookie(SessionCookieName)
	if err != nil || sessCookie.Value == "" {
		return nil, nil, store.ErrSessionInvalid
	}

	tokenHash, ok := DecodeTokenHash(sessCookie.Value)
	if !ok {
		return nil, nil, store.ErrSessionInvalid
	}
	cacheKey := base64.RawURLEncoding.EncodeToString(tokenHash)

	// Redis fast path; TTL expiry already handles stale keys.
	sess, err := h.RS.GetSession(r.Context(), cacheKey)
	if err == nil {
		return sess, tokenHash, nil
	}
	if !errors.Is(err, store.ErrCacheMiss) {
		// Real Redis failure -- log it; Postgres is the fallback but this warrants attention.
		logError(r, "redis session lookup failed, falling back to postgres", "error", err)
	}

	pgSess, err := h.PS.GetSessionByTokenHash(r.Context(), tokenHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, store.ErrSessionInvalid
		}
		return nil, nil, err
	}

	// Repopulate cache, non-fatal on failure.
	// Skip if TTL <= 0 -- Redis SET with TTL=0 means no expiry, not immediate expiry.
	if ttl := int(time.Until(pgSess.ExpiresAt).Seconds()); ttl > 0 {
		if err := h.RS.SetSession(r.Context(), cacheKey, *pgSess, ttl); err != nil {
			logWarn(r, "failed to repopulate session cache", "error", err)
		}
	}

	// Cache hits skip the touch; the expiry sweep tolerates coarse last_active.
	if err := h.PS.TouchSession(r.Context(), tokenHash, time.Now()); err != nil {
		logWarn(r, "failed to touch session", "error", err)
	}

	return &store.CachedSession{
		ID:                  pgSess.ID,
		UserID:              pgSess.UserID,
		TwoFactorVerified:   pgSess.TwoFactorVerified,
		TwoFactorVerifiedAt: pgSess.TwoFactorVerifiedAt,
		ExpiresAt:           pgSess.ExpiresAt,
	}, tokenHash, nil
}

// RequireAuth validates the session cookie and injects user_id, token_hash,
// and the session into context. Only FULL sessions pass: a partial session
// (password checked, 2FA pending) must never reach a protected resource.
// Expired sessions get a distinct 401 body so UIs can redirect to login.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, tokenHash, err := h.loadSession(r)
		if err != nil {
			if errors.Is(err, store.ErrSessionInvalid) {
				logWarn(r, "require auth failed", "reason", "session_not_found")
				Unauthorized(w, r, "unauthorized")
			} else {
				logError(r, "require auth failed fetching session", "error", err)
				Unauthorized(w, r, "unauthorized")
			}
			return
		}

		if !time.Now().Before(sess.ExpiresAt) {
			logWarn(r, "require auth failed", "reason", "session_expired", "user_id", sess.UserID)
			SessionExpired(w)
			return
		}

		if !sess.TwoFactorVerified {
			logWarn(r, "require auth failed", "reason", "two_factor_pending", "user_id", sess.UserID)
			Unauthorized(w, r, "two-factor verification required")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, sess.UserID)
		ctx = context.WithValue(ctx, tokenHashKey, tokenHash)
		ctx = context.WithValue(ctx, sessionKey, sess)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
