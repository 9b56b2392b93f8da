// session.go

// Session token generation and cookie management.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

// SessionCookieName is the session bearer cookie. The __Host- prefix pins it
// to this host, Secure, Path=/.
const SessionCookieName = "__Host-session"

// GenerateToken returns a 256-bit random token and its SHA-256 hash.
// The raw token goes to the client; only the hash goes in storage, so a
// database leak never exposes usable bearer tokens. Used for session,
// email-change verify, and email-change cancel tokens alike.
func GenerateToken() (*[32]byte, *[32]byte, error) {
	var token [32]byte
	if _, err := rand.Read(token[:]); err != nil {
		return nil, nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(token[:])
	return &token, &hash, nil
}

// EncodeToken renders a raw token the way it travels to clients: unpadded
// URL-safe base64, no semantic structure to decode.
func EncodeToken(token [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(token[:])
}

// DecodeTokenHash decodes a client-supplied token string and returns the
// SHA-256 hash used for storage lookups. Empty result means malformed input.
func DecodeTokenHash(encoded string) ([]byte, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	hash := sha256.Sum256(raw)
	return hash[:], true
}

// SetSessionCookie writes the session cookie with HttpOnly, Secure, SameSite=Lax.
func SetSessionCookie(w http.ResponseWriter, rawToken [32]byte, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    EncodeToken(rawToken),
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})
}

// ClearSessionCookie overwrites the session cookie with MaxAge=-1 to trigger browser deletion.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
