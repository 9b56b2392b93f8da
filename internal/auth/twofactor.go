// twofactor.go -- 2FA verification and lifecycle: the second stage of the
// login state machine (partial session -> full session), sensitive-action
// re-verification, and enrollment (setup/enable/disable).
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/averyk-dev/aegis/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpIssuer = "aegis"

	backupCodeCount = 10
	backupCodeBytes = 5 // 5 random bytes -> 8 base32 chars per code
)

// validateTOTP checks a 6-digit code against the secret, accepting one step
// of clock skew in either direction (authenticator clocks drift).
func validateTOTP(code, secret string) bool {
	valid, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// normalizeBackupCode strips separators users may type and uppercases,
// matching the format codes are issued in.
func normalizeBackupCode(code string) string {
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return strings.ToUpper(code)
}

// hashBackupCode returns the SHA-256 storage form of a normalized backup code.
func hashBackupCode(code string) []byte {
	sum := sha256.Sum256([]byte(normalizeBackupCode(code)))
	return sum[:]
}

// generateBackupCodes returns backupCodeCount single-use codes and their
// hashes. The plaintext codes are shown to the user exactly once.
func generateBackupCodes() ([]string, [][]byte, error) {
	codes := make([]string, 0, backupCodeCount)
	hashes := make([][]byte, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("generating backup code: %w", err)
		}
		code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

// verifyTwoFactorCode checks either a TOTP code or a backup code for the user.
// Exactly one of code/backupCode should be non-empty. Backup codes are
// consumed atomically -- under two concurrent requests with the same code,
// exactly one succeeds and the other sees ErrTwoFactorCodeReused.
func (h *AuthHandler) verifyTwoFactorCode(r *http.Request, user *store.User, code, backupCode string) error {
	if !user.TwoFactorEnrolled() {
		return store.ErrNotEnrolled
	}

	if backupCode != "" {
		return h.PS.ConsumeBackupCode(r.Context(), user.ID, hashBackupCode(backupCode))
	}

	if !validateTOTP(code, *user.TotpSecret) {
		return store.ErrTwoFactorCodeInvalid
	}
	return nil
}

// writeTwoFactorError maps verification failures to responses. Reused backup
// codes get their own message (the taxonomy treats reuse as a distinct class);
// everything else is a uniform "invalid code".
func writeTwoFactorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrTwoFactorCodeReused):
		Unauthorized(w, r, "backup code already used")
	case errors.Is(err, store.ErrTwoFactorCodeInvalid), errors.Is(err, store.ErrNotEnrolled):
		Unauthorized(w, r, "invalid code")
	default:
		InternalServerError(w, r, err)
	}
}

// LoginTwoFactor handles POST /login/2fa -- the second login stage.
// Requires a partial-session cookie from the password stage. On success the
// SAME session row is upgraded in place (never recreated) and the user's
// other partial sessions are deleted as stale.
func (h *AuthHandler) LoginTwoFactor(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Code       string `json:"code"`
		BackupCode string `json:"backup_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode 2fa input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if input.Code == "" && input.BackupCode == "" {
		BadRequest(w, r, "code or backup_code required")
		return
	}

	sess, tokenHash, err := h.loadSession(r)
	if err != nil {
		if errors.Is(err, store.ErrSessionInvalid) {
			logWarn(r, "2fa attempted without valid session")
			Unauthorized(w, r, "unauthorized")
		} else {
			InternalServerError(w, r, err)
		}
		return
	}

	// Expired parent session fails closed with its own signal; no new session
	// is created as a side effect.
	if !time.Now().Before(sess.ExpiresAt) {
		logInfo(r, "2fa attempted on expired session", "user_id", sess.UserID)
		SessionExpired(w)
		return
	}

	// Idempotent terminal state: retrying after a successful upgrade is fine.
	if sess.TwoFactorVerified {
		OK(w, "already verified")
		return
	}

	// Keyed by the partial session's owner, separate from (and more permissive
	// than) the password-stage IP limiter.
	if !h.rateLimit(w, r, sess.UserID.String(), "2fa", h.Policies.TwoFactorUser) {
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), sess.UserID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	if err := h.verifyTwoFactorCode(r, user, input.Code, input.BackupCode); err != nil {
		logInfo(r, "2fa verification failed", "user_id", user.ID, "error", err)
		h.auditLog(r, &user.ID, "user.two_factor_failed", nil)
		writeTwoFactorError(w, r, err)
		return
	}

	upgraded, stale, err := h.PS.UpgradeSession(r.Context(), tokenHash, time.Now())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Session vanished between load and upgrade (logout race).
			Unauthorized(w, r, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	// Refresh the cache so the upgrade is visible on the fast path immediately.
	cacheKey := base64.RawURLEncoding.EncodeToString(tokenHash)
	if ttl := int(time.Until(upgraded.ExpiresAt).Seconds()); ttl > 0 {
		if err := h.RS.SetSession(r.Context(), cacheKey, *upgraded, ttl); err != nil {
			logWarn(r, "failed to refresh session cache after upgrade", "error", err)
		}
	}

	h.auditLog(r, &user.ID, "user.two_factor_verified", marshalMeta(struct {
		StalePartialsDeleted int64 `json:"stale_partials_deleted"`
		UsedBackupCode       bool  `json:"used_backup_code"`
	}{stale, input.BackupCode != ""}))
	logInfo(r, "2fa verified, session upgraded", "user_id", user.ID, "stale_partials_deleted", stale)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		UserID string `json:"user_id"`
	}{user.ID.String()})
}

// ReverifyTwoFactor handles POST /2fa/reverify -- refreshes the sensitive-
// action grace window for THIS session only. Other devices are unaffected.
func (h *AuthHandler) ReverifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Code       string `json:"code"`
		BackupCode string `json:"backup_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	if input.Code == "" && input.BackupCode == "" {
		BadRequest(w, r, "code or backup_code required")
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

	if !h.rateLimit(w, r, userID.String(), "2fa", h.Policies.TwoFactorUser) {
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !user.TwoFactorEnrolled() {
		BadRequest(w, r, "two-factor authentication is not enabled")
		return
	}

	if err := h.verifyTwoFactorCode(r, user, input.Code, input.BackupCode); err != nil {
		logInfo(r, "2fa re-verification failed", "user_id", userID, "error", err)
		writeTwoFactorError(w, r, err)
		return
	}

	if err := h.PS.RefreshTwoFactorVerifiedAt(r.Context(), tokenHash, time.Now()); err != nil {
		InternalServerError(w, r, err)
		return
	}

	// Drop the cached copy; the next request reloads the fresh anchor.
	cacheKey := base64.RawURLEncoding.EncodeToString(tokenHash)
	if err := h.RS.DeleteSession(r.Context(), cacheKey, userID); err != nil {
		logWarn(r, "failed to invalidate session cache after reverify", "error", err)
	}

	h.auditLog(r, &userID, "user.two_factor_reverified", nil)
	OK(w, "re-verification successful")
}

// SetupTwoFactor handles POST /2fa/setup -- generates a TOTP secret and
// provisioning URL. Nothing is persisted; the secret only takes effect when
// the user proves possession via /2fa/enable.
func (h *AuthHandler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if user.TwoFactorEnrolled() {
		Conflict(w, "two-factor authentication is already enabled")
		return
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: user.Email,
	})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		Secret string `json:"secret"`
		URL    string `json:"url"`
	}{key.Secret(), key.URL()})
}

// EnableTwoFactor handles POST /2fa/enable -- the user echoes the secret from
// setup plus a live code proving their authenticator works, then the secret
// and a fresh batch of backup codes are persisted in one transaction.
// The backup codes are returned exactly once.
func (h *AuthHandler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Secret string `json:"secret"`
		Code   string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		BadRequest(w, r, "error decoding request body")
		return
	}
	if input.Secret == "" || input.Code == "" {
		BadRequest(w, r, "secret and code required")
		return
	}

	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if user.TwoFactorEnrolled() {
		Conflict(w, "two-factor authentication is already enabled")
		return
	}

	if !validateTOTP(input.Code, input.Secret) {
		Unauthorized(w, r, "invalid code")
		return
	}

	codes, hashes, err := generateBackupCodes()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	if err := h.PS.EnableTwoFactor(r.Context(), userID, input.Secret, hashes); err != nil {
		InternalServerError(w, r, err)
		return
	}

	// The user just proved a code; anchor this session's grace window so the
	// enable flow doesn't immediately demand re-verification.
	if tokenHash, ok := TokenHashFromContext(r.Context()); ok {
		if err := h.PS.RefreshTwoFactorVerifiedAt(r.Context(), tokenHash, time.Now()); err != nil {
			logWarn(r, "failed to anchor grace window after enable", "error", err)
		}
		cacheKey := base64.RawURLEncoding.EncodeToString(tokenHash)
		if err := h.RS.DeleteSession(r.Context(), cacheKey, userID); err != nil {
			logWarn(r, "failed to invalidate session cache after enable", "error", err)
		}
	}

	h.auditLog(r, &userID, "user.two_factor_enabled", nil)
	logInfo(r, "two-factor enabled", "user_id", userID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		BackupCodes []string `json:"backup_codes"`
	}{codes})
}

// DisableTwoFactor handles POST /2fa/disable. Runs behind the sensitive-action
// guard: a fresh code is required unless this session is within its grace window.
func (h *AuthHandler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}

	user, err := h.PS.GetUserByID(r.Context(), userID)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !user.TwoFactorEnrolled() {
		BadRequest(w, r, "two-factor authentication is not enabled")
		return
	}

	if err := h.PS.DisableTwoFactor(r.Context(), userID); err != nil {
		InternalServerError(w, r, err)
		return
	}

	// Best-effort notification; never fails the request.
	if err := h.ML.SendSecurityNotice(r.Context(), user.Email, "two-factor authentication was disabled"); err != nil {
		logWarn(r, "failed to send 2fa-disabled notice", "error", err, "user_id", userID)
	}

	h.auditLog(r, &userID, "user.two_factor_disabled", nil)
	logInfo(r, "two-factor disabled", "user_id", userID)
	OK(w, "two-factor authentication disabled")
}
