package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// siteverifyStub returns a test server replaying the given status and body,
// recording the form fields of the last request.
func siteverifyStub(t *testing.T, status int, body string, gotForm *map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if gotForm != nil {
			form := make(map[string]string, len(r.PostForm))
			for k := range r.PostForm {
				form[k] = r.PostForm.Get(k)
			}
			*gotForm = form
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTurnstileVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("valid token passes", func(t *testing.T) {
		var form map[string]string
		srv := siteverifyStub(t, http.StatusOK, `{"success":true}`, &form)

		v := NewTurnstileVerifier("secret-key").WithEndpoint(srv.URL)
		require.NoError(t, v.Verify(ctx, "client-token", "203.0.113.9"))

		require.Equal(t, "secret-key", form["secret"])
		require.Equal(t, "client-token", form["response"])
		require.Equal(t, "203.0.113.9", form["remoteip"])
	})

	t.Run("rejected token returns ErrTokenRejected", func(t *testing.T) {
		srv := siteverifyStub(t, http.StatusOK,
			`{"success":false,"error-codes":["invalid-input-response"]}`, nil)

		v := NewTurnstileVerifier("secret-key").WithEndpoint(srv.URL)
		err := v.Verify(ctx, "bad-token", "")
		require.ErrorIs(t, err, ErrTokenRejected)
		require.Contains(t, err.Error(), "invalid-input-response")
	})

	t.Run("empty token fails without a network call", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		t.Cleanup(srv.Close)

		v := NewTurnstileVerifier("secret-key").WithEndpoint(srv.URL)
		err := v.Verify(ctx, "", "")
		require.ErrorIs(t, err, ErrTokenRejected)
		require.False(t, called, "empty token must short-circuit")
	})

	t.Run("non-200 is a transport failure, not a rejection", func(t *testing.T) {
		srv := siteverifyStub(t, http.StatusBadGateway, "upstream error", nil)

		v := NewTurnstileVerifier("secret-key").WithEndpoint(srv.URL)
		err := v.Verify(ctx, "client-token", "")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrTokenRejected)
	})

	t.Run("malformed body is a transport failure", func(t *testing.T) {
		srv := siteverifyStub(t, http.StatusOK, `{"success":`, nil)

		v := NewTurnstileVerifier("secret-key").WithEndpoint(srv.URL)
		err := v.Verify(ctx, "client-token", "")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrTokenRejected)
	})
}
