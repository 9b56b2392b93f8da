// logging.go -- request-scoped logging helpers.
//
// Thin wrappers over slog that attach request identity (request ID, IP,
// method, path) so handlers never repeat those fields.
package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// reqAttrs returns the standard request attributes. The request ID comes from
// chi's RequestID middleware and is empty when the middleware isn't mounted
// (unit tests).
func reqAttrs(r *http.Request) []any {
	attrs := []any{
		"ip", clientIP(r),
		"method", r.Method,
		"path", r.URL.Path,
	}
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		attrs = append(attrs, "request_id", reqID)
	}
	return attrs
}

func logDebug(r *http.Request, msg string, args ...any) {
	slog.Debug(msg, append(reqAttrs(r), args...)...)
}

func logInfo(r *http.Request, msg string, args ...any) {
	slog.Info(msg, append(reqAttrs(r), args...)...)
}

func logWarn(r *http.Request, msg string, args ...any) {
	slog.Warn(msg, append(reqAttrs(r), args...)...)
}

func logError(r *http.Request, msg string, args ...any) {
	slog.Error(msg, append(reqAttrs(r), args...)...)
}
