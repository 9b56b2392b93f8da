// middleware_test.go -- unit tests for session loading and RequireAuth.
package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/averyk-dev/aegis/internal/store"
	"github.com/averyk-dev/aegis/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

func TestRequireAuth(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())

	newHandler := func() (*AuthHandler, *testutil.MockStore, *testutil.MockCache) {
		ms := testutil.NewMockStore()
		mc := testutil.NewMockCache()
		return &AuthHandler{PS: ms, RS: mc}, ms, mc
	}

	// contextProbe records whether the inner handler ran and what it saw.
	contextProbe := func(t *testing.T, wantUserID uuid.UUID) (http.Handler, *bool) {
		called := new(bool)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*called = true
			id, ok := UserIDFromContext(r.Context())
			if !ok || id != wantUserID {
				t.Errorf("context user id: expected %s, got %s (ok=%v)", wantUserID, id, ok)
			}
			if _, ok := TokenHashFromContext(r.Context()); !ok {
				t.Error("token hash missing from context")
			}
			if _, ok := SessionFromContext(r.Context()); !ok {
				t.Error("session missing from context")
			}
			w.WriteHeader(http.StatusOK)
		}), called
	}

	t.Run("missing cookie returns Unauthorized", func(t *testing.T) {
		h, _, _ := newHandler()
		r := httptest.NewRequest(http.MethodGet, "/session", nil)
		w := httptest.NewRecorder()

		h.RequireAuth(okHandler()).ServeHTTP(w, r)

		assertUnauthorized(t, w, "unauthorized")
	})

	t.Run("malformed cookie returns Unauthorized", func(t *testing.T) {
		h, _, _ := newHandler()
		r := httptest.NewRequest(http.MethodGet, "/session", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "%%%not-base64%%%"})
		w := httptest.NewRecorder()

		h.RequireAuth(okHandler()).ServeHTTP(w, r)

		assertUnauthorized(t, w, "unauthorized")
	})

	t.Run("unknown token returns Unauthorized", func(t *testing.T) {
		h, _, _ := newHandler()
		token, _, _ := GenerateToken()
		r := httptest.NewRequest(http.MethodGet, "/session", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: EncodeToken(*token)})
		w := httptest.NewRecorder()

		h.RequireAuth(okHandler()).ServeHTTP(w, r)

		assertUnauthorized(t, w, "unauthorized")
	})

	t.Run("expired session returns session_expired", func(t *testing.T) {
		h, ms, _ := newHandler()
		r := httptest.NewRequest(http.MethodGet, "/session", nil)
		seedSessionCookie(t, ms, r, userID, true, time.Now().Add(-time.Minute))
		w := httptest.NewRecorder()

		h.RequireAuth(okHandler()).ServeHTTP(w, r)

		assertSessionExpired(t, w)
	})

	t.Run("partial session is rejected", func(t *testing.T) {
		h, ms, _ := newHandler()
		r := httptest.NewRequest(http.MethodGet, "/session", nil)
		seedSessionCookie(t, ms, r, userID, false, time.Now().Add(time.Hour))
		w := httptest.NewRecorder()

		h.RequireAuth(okHandler()).ServeHTTP(w, r)

		assertUnauthorized(t, w, "two-factor verification required")
	})

	t.Run("full session passes and injects context", func(t *testing.T) {
		h, ms, _ := newHandler()
		r := httptest.NewRequest(http.MethodGet, "/session", nil)
		seedSessionCookie(t, ms, r, userID, true, time.Now().Add(time.Hour))
		w := httptest.NewRecorder()

		inner, called := contextProbe(t, userID)
		h.RequireAuth(inner).ServeHTTP(w, r)

		if !*called {
			t.Fatal("inner handler not called")
		}
	})

	t.Run("postgres fallback repopulates the cache", func(t *testing.T) {
		h, ms, mc := newHandler()
		r := httptest.NewRequest(http.MethodGet, "/session", nil)
		sess, rawToken := seedSessionCookie(t, ms, r, userID, true, time.Now().Add(time.Hour))
		w := httptest.NewRecorder()

		inner, called := contextProbe(t, userID)
		h.RequireAuth(inner).ServeHTTP(w, r)
		if !*called {
			t.Fatal("inner handler not called")
		}

		cacheKey := base64.RawURLEncoding.EncodeToString(sess.TokenHash)
		cached, ok := mc.Sessions[cacheKey]
		if !ok {
			t.Fatal("session not repopulated into cache")
		}
		if cached.UserID != userID || !cached.TwoFactorVerified {
			t.Errorf("cached session fields wrong: %+v", cached)
		}
		_ = rawToken
	})

	t.Run("cache hit skips postgres", func(t *testing.T) {
		mc := testutil.NewMockCache()
		// Store errors on any session fetch; only the cache can satisfy it.
		ms := &testutil.MockStore{GetSessionErr: errTest}
		h := &AuthHandler{PS: ms, RS: mc}

		token, tokenHash, _ := GenerateToken()
		cacheKey := base64.RawURLEncoding.EncodeToString(tokenHash[:])
		mc.Sessions[cacheKey] = &store.CachedSession{
			ID:                uuid.Must(uuid.NewV7()),
			UserID:            userID,
			TwoFactorVerified: true,
			ExpiresAt:         time.Now().Add(time.Hour),
		}

		r := httptest.NewRequest(http.MethodGet, "/session", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: EncodeToken(*token)})
		w := httptest.NewRecorder()

		inner, called := contextProbe(t, userID)
		h.RequireAuth(inner).ServeHTTP(w, r)
		if !*called {
			t.Fatal("cache hit should satisfy RequireAuth without postgres")
		}
	})
}
