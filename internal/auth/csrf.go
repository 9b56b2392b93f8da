// csrf.go -- CSRF protection via the double-submit cookie pattern.
//
// The same random value must appear in both the __Host-csrf cookie and the
// X-CSRF-Token header for a mutating request to be accepted. Nothing is
// persisted server-side. EnsureCSRF reuses an existing cookie verbatim
// instead of minting on every read -- rotating per request invalidates the
// token a page already holds and fails its next legitimate submit.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
)

// CSRFCookieName is the double-submit cookie. HttpOnly: clients read the
// token from the X-CSRF-Token response header, not the cookie.
const CSRFCookieName = "__Host-csrf"

// CSRFHeaderName carries the token both directions: echoed on safe responses,
// required on mutating requests.
const CSRFHeaderName = "X-CSRF-Token"

// GenerateCSRFToken creates a 256-bit cryptographically random CSRF token.
func GenerateCSRFToken() (*[32]byte, error) {
	var token [32]byte
	if _, err := rand.Read(token[:]); err != nil {
		return nil, fmt.Errorf("generating token with rand: %w", err)
	}
	return &token, nil
}

// validCSRFValue reports whether a cookie value decodes to a full-size token.
// Anything else (truncated, wrong alphabet, empty) is treated as absent.
func validCSRFValue(value string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	return err == nil && len(raw) == 32
}

// isSafeMethod reports whether the method never mutates state (RFC 7231).
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// EnsureCSRF issues the double-submit token on safe requests.
//
// If a well-formed token cookie already exists it is reused verbatim and
// echoed in the response header; a new token is minted only when the cookie
// is absent or malformed. Mutating requests pass through untouched --
// validation is CSRFMiddleware's job.
func (h *AuthHandler) EnsureCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		if c, err := r.Cookie(CSRFCookieName); err == nil && validCSRFValue(c.Value) {
			w.Header().Set(CSRFHeaderName, c.Value)
			next.ServeHTTP(w, r)
			return
		}

		token, err := GenerateCSRFToken()
		if err != nil {
			InternalServerError(w, r, err)
			return
		}
		encoded := base64.RawURLEncoding.EncodeToString(token[:])

		http.SetCookie(w, &http.Cookie{
			Name:     CSRFCookieName,
			Value:    encoded,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		})
		w.Header().Set(CSRFHeaderName, encoded)
		next.ServeHTTP(w, r)
	})
}

// CSRFMiddleware enforces the double-submit check on mutating requests
// (everything but GET/HEAD/OPTIONS). The submitted X-CSRF-Token header must
// exactly equal the cookie value; mismatch or absence is rejected with 403.
// Comparison is constant-time to avoid leaking prefix matches.
func (h *AuthHandler) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(CSRFCookieName)
		if err != nil || !validCSRFValue(cookie.Value) {
			logWarn(r, "csrf check failed", "reason", "missing_or_malformed_cookie")
			Forbidden(w)
			return
		}

		submitted := r.Header.Get(CSRFHeaderName)
		if submitted == "" {
			logWarn(r, "csrf check failed", "reason", "missing_header")
			Forbidden(w)
			return
		}

		if subtle.ConstantTimeCompare([]byte(submitted), []byte(cookie.Value)) != 1 {
			logWarn(r, "csrf check failed", "reason", "token_mismatch")
			Forbidden(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}
