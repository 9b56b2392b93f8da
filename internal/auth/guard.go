// guard.go -- sensitive-action re-verification guard.
//
// Accounts with 2FA enrolled must re-prove a code before sensitive mutations
// (password change, email change, 2FA disable) unless THIS session verified a
// code within the grace window. The window is per-session, not per-account: a
// second device must satisfy the guard independently no matter how recently
// the first device verified.
package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/averyk-dev/aegis/internal/store"
	"github.com/jackc/pgx/v5"
)

// requiresReverification applies the grace-window rule for one session.
// Accounts without 2FA enrolled bypass the guard entirely -- there is no code
// to check.
func requiresReverification(enrolled bool, sess *store.CachedSession, grace time.Duration, now time.Time) bool {
	if !enrolled {
		return false
	}
	if sess.TwoFactorVerifiedAt == nil {
		return true
	}
	return now.Sub(*sess.TwoFactorVerifiedAt) > grace
}

// RequireRecentTwoFactor gates sensitive mutations behind a fresh 2FA check.
// Must run after RequireAuth. Rejects with a structured 403 that tells the
// client to call the re-verification endpoint and retry.
func (h *AuthHandler) RequireRecentTwoFactor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			logError(r, "sensitive guard called without session in context")
			InternalServerError(w, r, errors.New("missing session context"))
			return
		}

		user, err := h.PS.GetUserByID(r.Context(), sess.UserID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Session outlived the account; treat as logged out.
				Unauthorized(w, r, "unauthorized")
				return
			}
			InternalServerError(w, r, err)
			return
		}

		if requiresReverification(user.TwoFactorEnrolled(), sess, h.SensitiveGrace, time.Now()) {
			logInfo(r, "sensitive action blocked pending re-verification", "user_id", sess.UserID)
			ReverificationRequired(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}
