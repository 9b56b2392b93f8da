// handler_test.go
//
// Shared test helpers plus unit tests for the rateLimit and checkCaptcha
// helpers. Handler-specific tests live next to their handler files.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/averyk-dev/aegis/internal/captcha"
	"github.com/averyk-dev/aegis/internal/store"
	"github.com/averyk-dev/aegis/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

// errTest is a generic injected failure for error-path tests.
var errTest = errors.New("injected failure")

// --- Helper Functions ---

// assertStatusMessage checks status code, JSON content type, and exact body.
func assertStatusMessage(t *testing.T, w *httptest.ResponseRecorder, code int, expectedMsg string) {
	t.Helper()
	if w.Code != code {
		t.Errorf("status: expected %d, got %d", code, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	body, _ := io.ReadAll(w.Body)
	expected := fmt.Sprintf(`{"message":"%s"}`, expectedMsg)
	if strings.TrimSpace(string(body)) != expected {
		t.Errorf("body: expected %q, got %q", expected, string(body))
	}
}

func assertBadRequest(t *testing.T, w *httptest.ResponseRecorder, expectedMsg string) {
	t.Helper()
	assertStatusMessage(t, w, http.StatusBadRequest, expectedMsg)
}

func assertUnauthorized(t *testing.T, w *httptest.ResponseRecorder, expectedMsg string) {
	t.Helper()
	assertStatusMessage(t, w, http.StatusUnauthorized, expectedMsg)
}

func assertConflict(t *testing.T, w *httptest.ResponseRecorder, expectedMsg string) {
	t.Helper()
	assertStatusMessage(t, w, http.StatusConflict, expectedMsg)
}

func assertInternalServerError(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	assertStatusMessage(t, w, http.StatusInternalServerError, "internal server error")
}

func assertOK(t *testing.T, w *httptest.ResponseRecorder, expectedMsg string) {
	t.Helper()
	assertStatusMessage(t, w, http.StatusOK, expectedMsg)
}

func assertCreated(t *testing.T, w *httptest.ResponseRecorder, expectedMsg string) {
	t.Helper()
	assertStatusMessage(t, w, http.StatusCreated, expectedMsg)
}

func assertTooManyRequests(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing on 429")
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `"retry_after_seconds"`) {
		t.Errorf("body: expected retry_after_seconds field, got %q", string(body))
	}
}

// assertSessionExpired checks the distinct 401 body for expired sessions.
func assertSessionExpired(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status: expected 401, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `"reason":"session_expired"`) {
		t.Errorf("body: expected session_expired reason, got %q", string(body))
	}
}

// assertReverificationRequired checks the structured 403 from the guard.
func assertReverificationRequired(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	if w.Code != http.StatusForbidden {
		t.Errorf("status: expected 403, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `"reason":"reverification_required"`) {
		t.Errorf("body: expected reverification_required reason, got %q", string(body))
	}
}

// assertSessionCookie checks the __Host-session cookie's security attributes
// and returns it.
func assertSessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	var sessionCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName {
			sessionCookie = c
			break
		}
	}
	if sessionCookie == nil {
		t.Fatal("__Host-session cookie not found")
	}
	if !sessionCookie.HttpOnly {
		t.Error("cookie should be HttpOnly")
	}
	if !sessionCookie.Secure {
		t.Error("cookie should be Secure")
	}
	if sessionCookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie SameSite: expected Lax, got %v", sessionCookie.SameSite)
	}
	if sessionCookie.Path != "/" {
		t.Errorf("cookie Path: expected /, got %s", sessionCookie.Path)
	}
	if sessionCookie.Value == "" {
		t.Error("cookie Value should not be empty")
	}
	return sessionCookie
}

// assertClearedSessionCookie checks __Host-session has MaxAge=-1 and empty value.
func assertClearedSessionCookie(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName {
			if c.MaxAge != -1 {
				t.Errorf("cookie MaxAge: expected -1 (cleared), got %d", c.MaxAge)
			}
			if c.Value != "" {
				t.Errorf("cookie Value: expected empty, got %q", c.Value)
			}
			return
		}
	}
	t.Error("__Host-session cookie not found in response")
}

// requestWithAuthContext builds a request carrying the context values
// RequireAuth would have injected.
func requestWithAuthContext(method, target string, body io.Reader, sess *store.CachedSession, tokenHash []byte) *http.Request {
	r := httptest.NewRequest(method, target, body)
	ctx := context.WithValue(r.Context(), userIDKey, sess.UserID)
	ctx = context.WithValue(ctx, tokenHashKey, tokenHash)
	ctx = context.WithValue(ctx, sessionKey, sess)
	return r.WithContext(ctx)
}

// seedSessionCookie seeds a session into the mock store and attaches its
// cookie to the request. Returns the stored session.
func seedSessionCookie(t *testing.T, ms *testutil.MockStore, r *http.Request, userID uuid.UUID, verified bool, expiresAt time.Time) (*store.Session, *[32]byte) {
	t.Helper()
	rawToken, tokenHash, err := GenerateToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	sess := &store.Session{
		ID:                uuid.Must(uuid.NewV7()),
		UserID:            userID,
		TokenHash:         tokenHash[:],
		TwoFactorVerified: verified,
		ExpiresAt:         expiresAt,
		CreatedAt:         time.Now(),
		LastActiveAt:      time.Now(),
	}
	ms.SeedSession(sess)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: EncodeToken(*rawToken)})
	return sess, rawToken
}

// --- clientIP ---

func TestClientIP(t *testing.T) {
	t.Run("strips port from RemoteAddr", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "203.0.113.7:54321"
		if got := clientIP(r); got != "203.0.113.7" {
			t.Errorf("clientIP: expected 203.0.113.7, got %q", got)
		}
	})

	t.Run("returns bare address unchanged", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "203.0.113.7"
		if got := clientIP(r); got != "203.0.113.7" {
			t.Errorf("clientIP: expected 203.0.113.7, got %q", got)
		}
	})
}

// --- rateLimit helper ---

func TestRateLimitHelper(t *testing.T) {
	policy := store.RateLimit{MaxAttempts: 5, Window: time.Minute}

	t.Run("allowed request proceeds", func(t *testing.T) {
		rl := &testutil.MockRateLimiter{}
		h := AuthHandler{RL: rl}
		r := httptest.NewRequest(http.MethodPost, "/login", nil)
		w := httptest.NewRecorder()

		if !h.rateLimit(w, r, "1.2.3.4", "login", policy) {
			t.Error("expected rateLimit to allow")
		}
		if len(rl.Calls) != 1 || rl.Calls[0].Identifier != "1.2.3.4" || rl.Calls[0].Endpoint != "login" {
			t.Errorf("unexpected limiter calls: %+v", rl.Calls)
		}
	})

	t.Run("limited request gets 429 with reset time", func(t *testing.T) {
		rl := &testutil.MockRateLimiter{
			Result: store.RateLimitResult{Limited: true, ResetAt: time.Now().Add(90 * time.Second)},
		}
		h := AuthHandler{RL: rl}
		r := httptest.NewRequest(http.MethodPost, "/login", nil)
		w := httptest.NewRecorder()

		if h.rateLimit(w, r, "1.2.3.4", "login", policy) {
			t.Error("expected rateLimit to block")
		}
		assertTooManyRequests(t, w)
	})

	t.Run("storage error fails open for open policy", func(t *testing.T) {
		rl := &testutil.MockRateLimiter{Err: errors.New("db down")}
		h := AuthHandler{RL: rl}
		r := httptest.NewRequest(http.MethodPost, "/register", nil)
		w := httptest.NewRecorder()

		if !h.rateLimit(w, r, "1.2.3.4", "register", policy) {
			t.Error("open policy should allow on storage error")
		}
	})

	t.Run("storage error fails closed for closed policy", func(t *testing.T) {
		closed := store.RateLimit{MaxAttempts: 5, Window: time.Minute, FailClosed: true}
		rl := &testutil.MockRateLimiter{
			Result: store.RateLimitResult{Limited: true, ResetAt: time.Now().Add(time.Minute)},
			Err:    errors.New("db down"),
		}
		h := AuthHandler{RL: rl}
		r := httptest.NewRequest(http.MethodPost, "/login", nil)
		w := httptest.NewRecorder()

		if h.rateLimit(w, r, "1.2.3.4", "login", closed) {
			t.Error("closed policy should block on storage error")
		}
		assertTooManyRequests(t, w)
	})
}

// --- checkCaptcha ---

func TestCheckCaptcha(t *testing.T) {
	t.Run("nil verifier passes everything", func(t *testing.T) {
		h := AuthHandler{}
		r := httptest.NewRequest(http.MethodPost, "/login", nil)
		w := httptest.NewRecorder()

		if !h.checkCaptcha(w, r, "") {
			t.Error("nil verifier should pass")
		}
	})

	t.Run("rejected token returns 403", func(t *testing.T) {
		h := AuthHandler{Captcha: &testutil.MockCaptcha{Err: fmt.Errorf("%w: invalid-input-response", captcha.ErrTokenRejected)}}
		r := httptest.NewRequest(http.MethodPost, "/login", nil)
		w := httptest.NewRecorder()

		if h.checkCaptcha(w, r, "bad") {
			t.Error("rejected token should block")
		}
		if w.Code != http.StatusForbidden {
			t.Errorf("status: expected 403, got %d", w.Code)
		}
	})

	t.Run("verifier outage fails open", func(t *testing.T) {
		h := AuthHandler{Captcha: &testutil.MockCaptcha{Err: errors.New("siteverify returned 502")}}
		r := httptest.NewRequest(http.MethodPost, "/login", nil)
		w := httptest.NewRecorder()

		if !h.checkCaptcha(w, r, "token") {
			t.Error("transport failure should not block the request")
		}
	})

	t.Run("accepted token proceeds", func(t *testing.T) {
		cv := &testutil.MockCaptcha{}
		h := AuthHandler{Captcha: cv}
		r := httptest.NewRequest(http.MethodPost, "/login", nil)
		w := httptest.NewRecorder()

		if !h.checkCaptcha(w, r, "good") {
			t.Error("accepted token should pass")
		}
		if len(cv.Tokens) != 1 || cv.Tokens[0] != "good" {
			t.Errorf("verifier calls: %+v", cv.Tokens)
		}
	})
}
