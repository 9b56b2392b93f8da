// login_handler.go -- registration, the password stage of login, logout, and
// password change.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/averyk-dev/aegis/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// dummyHash is verified against when the email is unknown so that
// known-vs-unknown accounts are indistinguishable by response timing.
var dummyHash = sync.OnceValue(func() string {
	h, err := HashPassword("aegis-timing-equalization")
	if err != nil {
		panic(err)
	}
	return h
})

// Register handles POST /register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		CaptchaToken string `json:"captcha_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode register input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	if !h.checkCaptcha(w, r, input.CaptchaToken) {
		return
	}
	if !h.rateLimit(w, r, clientIP(r), "register", h.Policies.RegisterEmail) {
		return
	}

	input.Email = strings.TrimSpace(input.Email)
	if msg := ValidateEmail(input.Email); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if failures := h.Policy.Validate(input.Password); len(failures) > 0 {
		BadRequest(w, r, strings.Join(failures, "; "))
		return
	}

	hash, err := HashPassword(input.Password)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	if err := h.PS.CreateUser(r.Context(), id, input.Email, hash); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Duplicate email -- same 201 as a fresh registration so the
			// endpoint cannot be used to probe which addresses exist.
			logInfo(r, "registration attempted with existing email")
			Created(w, "account created")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	h.auditLog(r, &id, "user.registered", nil)
	logInfo(r, "user registered", "user_id", id)
	Created(w, "account created")
}

// Login handles POST /login -- the password stage of the login state machine.
// Accounts without 2FA get a full session; enrolled accounts get a partial
// session (two_factor_verified=false) that only /login/2fa accepts.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		RememberMe   bool   `json:"remember_me"`
		CaptchaToken string `json:"captcha_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	if !h.checkCaptcha(w, r, input.CaptchaToken) {
		return
	}
	// IP keyed and fail-closed: when the attempt log is unreachable the
	// password stage refuses rather than admitting unmetered guesses.
	if !h.rateLimit(w, r, clientIP(r), "login", h.Policies.LoginIP) {
		return
	}

	user, err := h.PS.GetUserByEmail(r.Context(), strings.TrimSpace(input.Email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Burn a hash verification anyway to keep timing uniform.
			VerifyPassword(input.Password, dummyHash())
			logInfo(r, "login failed: unknown email")
			h.auditLog(r, nil, "user.login_failed", nil)
			Unauthorized(w, r, "invalid email or password")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	match, err := VerifyPassword(input.Password, user.PasswordHash)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !match {
		logInfo(r, "login failed: wrong password", "user_id", user.ID)
		h.auditLog(r, &user.ID, "user.login_failed", nil)
		Unauthorized(w, r, "invalid email or password")
		return
	}

	ttl := h.SessionTTL
	if input.RememberMe {
		ttl = h.SessionRememberMe
	}

	sess, rawToken, err := h.createSession(r, user, ttl)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	SetSessionCookie(w, *rawToken, sess.ExpiresAt)

	if sess.TwoFactorVerified {
		h.auditLog(r, &user.ID, "user.login", nil)
		logInfo(r, "login successful", "user_id", user.ID)
	} else {
		h.auditLog(r, &user.ID, "user.login_partial", nil)
		logInfo(r, "password accepted, awaiting 2fa", "user_id", user.ID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		UserID            string `json:"user_id"`
		TwoFactorRequired bool   `json:"two_factor_required"`
	}{user.ID.String(), !sess.TwoFactorVerified})
}

// createSession mints a session row for the user and caches it. Enrolled
// accounts start partial; the 2FA stage upgrades the same row in place.
func (h *AuthHandler) createSession(r *http.Request, user *store.User, ttl time.Duration) (*store.Session, *[32]byte, error) {
	rawToken, tokenHash, err := GenerateToken()
	if err != nil {
		return nil, nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	ip := clientIP(r)
	ua := r.UserAgent()
	sess := &store.Session{
		ID:                id,
		UserID:            user.ID,
		TokenHash:         tokenHash[:],
		TwoFactorVerified: !user.TwoFactorEnrolled(),
		ExpiresAt:         now.Add(ttl),
		CreatedAt:         now,
		LastActiveAt:      now,
		IPAddress:         &ip,
		UserAgent:         &ua,
	}
	if err := h.PS.CreateSession(r.Context(), sess); err != nil {
		return nil, nil, err
	}

	// Cache is best effort; Postgres stays the source of truth.
	cacheKey := base64.RawURLEncoding.EncodeToString(tokenHash[:])
	if err := h.RS.SetSession(r.Context(), cacheKey, *sess, int(ttl.Seconds())); err != nil {
		logWarn(r, "failed to cache session", "error", err)
	}
	return sess, rawToken, nil
}

// Logout handles POST /logout. Works for partial sessions too, so a user
// stuck at the 2FA prompt can abandon the attempt. Always clears the cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, tokenHash, err := h.loadSession(r)
	if err == nil {
		if err := h.PS.DeleteSession(r.Context(), tokenHash); err != nil {
			logWarn(r, "failed to delete session", "error", err)
		}
		cacheKey := base64.RawURLEncoding.EncodeToString(tokenHash)
		if err := h.RS.DeleteSession(r.Context(), cacheKey, sess.UserID); err != nil {
			logWarn(r, "failed to evict cached session", "error", err)
		}
		h.auditLog(r, &sess.UserID, "user.logout", nil)
	} else if !errors.Is(err, store.ErrSessionInvalid) {
		InternalServerError(w, r, err)
		return
	}
	ClearSessionCookie(w)
	OK(w, "logged out")
}

// LogoutAll handles POST /logout-all -- revokes every session for the user,
// including this one.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	if err := h.PS.DeleteAllUserSessions(r.Context(), userID); err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.RS.DeleteAllUserSessions(r.Context(), userID); err != nil {
		logWarn(r, "failed to evict cached sessions", "error", err, "user_id", userID)
	}

	h.auditLog(r, &userID, "user.logout_all", nil)
	logInfo(r, "all sessions revoked", "user_id", userID)
	ClearSessionCookie(w)
	OK(w, "all sessions logged out")
}

// ChangePassword handles POST /password/change. Runs behind the sensitive-
// action guard; still re-checks the current password as proof of knowledge.
// Every OTHER session is revoked so a hijacked session cannot ride through
// a password rotation.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var input struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
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
	tokenHash, ok := TokenHashFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	match, err := VerifyPassword(input.CurrentPassword, user.PasswordHash)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !match {
		Unauthorized(w, r, "current password is incorrect")
		return
	}

	if failures := h.Policy.Validate(input.NewPassword); len(failures) > 0 {
		BadRequest(w, r, strings.Join(failures, "; "))
		return
	}

	hash, err := HashPassword(input.NewPassword)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if err := h.PS.UpdateUserPassword(r.Context(), userID, hash); err != nil {
		InternalServerError(w, r, err)
		return
	}

	revoked, err := h.PS.DeleteOtherUserSessions(r.Context(), userID, tokenHash)
	if err != nil {
		logError(r, "failed to revoke other sessions after password change", "error", err, "user_id", userID)
	}
	// Evict the whole cached set; the current session repopulates on next use.
	if err := h.RS.DeleteAllUserSessions(r.Context(), userID); err != nil {
		logWarn(r, "failed to evict cached sessions", "error", err, "user_id", userID)
	}

	if err := h.ML.SendSecurityNotice(r.Context(), user.Email, "your password was changed"); err != nil {
		logWarn(r, "failed to send password-change notice", "error", err, "user_id", userID)
	}

	h.auditLog(r, &userID, "user.password_changed", marshalMeta(struct {
		SessionsRevoked int64 `json:"sessions_revoked"`
	}{revoked}))
	logInfo(r, "password changed", "user_id", userID, "sessions_revoked", revoked)
	OK(w, "password changed")
}

// Session handles GET /session -- a lightweight whoami that doubles as the
// CSRF bootstrap endpoint (EnsureCSRF mints the cookie on safe requests).
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), sess.UserID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		UserID            string     `json:"user_id"`
		Email             string     `json:"email"`
		TwoFactorEnrolled bool       `json:"two_factor_enrolled"`
		TwoFactorLastSeen *time.Time `json:"two_factor_verified_at,omitempty"`
		ExpiresAt         time.Time  `json:"expires_at"`
	}{user.ID.String(), user.Email, user.TwoFactorEnrolled(), sess.TwoFactorVerifiedAt, sess.ExpiresAt})
}
