// emailchange.go -- the dual-token email-change workflow.
//
// Initiate mints two independent tokens: a verify token mailed to the NEW
// address (proves the owner controls it) and a cancel token mailed to the OLD
// address (lets the real owner kill a change started from a hijacked session).
// Verify and cancel are public endpoints: the tokens themselves are the
// credential, so no session is required to use them.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/averyk-dev/aegis/internal/store"
	"github.com/gofrs/uuid/v5"
)

// InitiateEmailChange handles POST /email/change. Runs behind RequireAuth,
// the CSRF check, and the sensitive-action guard.
func (h *AuthHandler) InitiateEmailChange(w http.ResponseWriter, r *http.Request) {
	var input struct {
		NewEmail string `json:"new_email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}

	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	input.NewEmail = strings.TrimSpace(input.NewEmail)
	if msg := ValidateEmail(input.NewEmail); msg != "" {
		BadRequest(w, r, msg)
		return
	}

	if !h.rateLimit(w, r, userID.String(), "email_change", h.Policies.EmailChangeUser) {
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if strings.EqualFold(user.Email, input.NewEmail) {
		BadRequest(w, r, "new email matches the current email")
		return
	}

	verifyToken, verifyHash, err := GenerateToken()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	cancelToken, cancelHash, err := GenerateToken()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	pending := &store.PendingEmailChange{
		ID:              id,
		UserID:          userID,
		OldEmail:        user.Email,
		NewEmail:        input.NewEmail,
		VerifyTokenHash: verifyHash[:],
		CancelTokenHash: cancelHash[:],
		ExpiresAt:       time.Now().Add(emailChangeTTL),
	}
	if err := h.PS.CreatePendingEmailChange(r.Context(), pending); err != nil {
		if errors.Is(err, store.ErrEmailConflict) {
			Conflict(w, "email address is not available")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	// Both mails are best effort: the pending record exists either way and
	// expires on its own if the verify mail never lands.
	if err := h.ML.SendEmailChangeVerification(r.Context(), input.NewEmail, EncodeToken(*verifyToken), emailChangeTTL); err != nil {
		logError(r, "failed to send email-change verification", "error", err, "user_id", userID)
	}
	if err := h.ML.SendEmailChangeAlert(r.Context(), user.Email, EncodeToken(*cancelToken), input.NewEmail, emailChangeTTL); err != nil {
		logError(r, "failed to send email-change alert", "error", err, "user_id", userID)
	}

	h.auditLog(r, &userID, "user.email_change_initiated", nil)
	logInfo(r, "email change initiated", "user_id", userID)
	OK(w, "verification email sent")
}

// writeEmailChangeTokenError maps token-resolution failures to responses.
// Cancelled and already-finalized get distinct messages on purpose: a verifier
// told "cancelled" learns the owner intervened, and an owner whose cancel
// arrives too late must learn the change already went through.
func writeEmailChangeTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrChangeCancelled):
		Conflict(w, "this email change was cancelled")
	case errors.Is(err, store.ErrChangeAlreadyFinalized):
		Conflict(w, "this email change was already completed")
	case errors.Is(err, store.ErrEmailConflict):
		Conflict(w, "email address is no longer available")
	case errors.Is(err, store.ErrTokenInvalidOrExpired):
		Unauthorized(w, r, "invalid or expired token")
	default:
		InternalServerError(w, r, err)
	}
}

// VerifyEmailChange handles POST /email/change/verify. Public; the token is
// the credential. On success the change is committed atomically and every
// session for the user is revoked except the caller's own, if they hold one.
func (h *AuthHandler) VerifyEmailChange(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}

	// Unauthenticated token guessing is metered per IP and fails closed.
	if !h.rateLimit(w, r, clientIP(r), "email_token", h.Policies.EmailChangeIP) {
		return
	}

	verifyHash, ok := DecodeTokenHash(input.Token)
	if !ok {
		Unauthorized(w, r, "invalid or expired token")
		return
	}

	// If the verifier carries a session, keep it through the purge. Passing a
	// hash that belongs to someone else is harmless: the purge only deletes
	// rows owned by the pending change's user.
	var keepTokenHash []byte
	if _, th, err := h.loadSession(r); err == nil {
		keepTokenHash = th
	}

	pending, err := h.PS.FinalizeEmailChange(r.Context(), verifyHash, keepTokenHash, time.Now())
	if err != nil {
		logInfo(r, "email-change verify failed", "error", err)
		writeEmailChangeTokenError(w, r, err)
		return
	}

	// Cached copies of the purged sessions are now stale; drop them all. The
	// surviving session repopulates from Postgres on its next request.
	if err := h.RS.DeleteAllUserSessions(r.Context(), pending.UserID); err != nil {
		logWarn(r, "failed to evict cached sessions", "error", err, "user_id", pending.UserID)
	}
	if keepTokenHash != nil {
		if sess, err := h.PS.GetSessionByTokenHash(r.Context(), keepTokenHash); err == nil {
			if ttl := int(time.Until(sess.ExpiresAt).Seconds()); ttl > 0 {
				cacheKey := base64.RawURLEncoding.EncodeToString(keepTokenHash)
				if err := h.RS.SetSession(r.Context(), cacheKey, *sess, ttl); err != nil {
					logWarn(r, "failed to re-cache surviving session", "error", err)
				}
			}
		}
	}

	if err := h.ML.SendSecurityNotice(r.Context(), pending.OldEmail, "your account email was changed to "+pending.NewEmail); err != nil {
		logWarn(r, "failed to send email-change notice", "error", err, "user_id", pending.UserID)
	}

	h.auditLog(r, &pending.UserID, "user.email_changed", marshalMeta(struct {
		OldEmail string `json:"old_email"`
		NewEmail string `json:"new_email"`
	}{pending.OldEmail, pending.NewEmail}))
	logInfo(r, "email change finalized", "user_id", pending.UserID)
	OK(w, "email address updated")
}

// CancelEmailChange handles POST /email/change/cancel. Public; reachable from
// the alert mail sent to the old address. Cancelling never touches sessions:
// nothing was changed yet, and the legitimate owner may be mid-login.
func (h *AuthHandler) CancelEmailChange(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}

	if !h.rateLimit(w, r, clientIP(r), "email_token", h.Policies.EmailChangeIP) {
		return
	}

	cancelHash, ok := DecodeTokenHash(input.Token)
	if !ok {
		Unauthorized(w, r, "invalid or expired token")
		return
	}

	pending, err := h.PS.CancelEmailChange(r.Context(), cancelHash, time.Now())
	if err != nil {
		logInfo(r, "email-change cancel failed", "error", err)
		writeEmailChangeTokenError(w, r, err)
		return
	}

	h.auditLog(r, &pending.UserID, "user.email_change_cancelled", nil)
	logInfo(r, "email change cancelled", "user_id", pending.UserID)
	OK(w, "email change cancelled")
}
