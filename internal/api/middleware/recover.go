package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// RecoverMiddleware recovers from a panic in any downstream handler, logs it
// with a stack trace, and responds 500 instead of tearing down the HTTP
// server's connection goroutine. A single node's malformed monitor payload
// or a bug in a filtered-snapshot handler must never take down the RPC
// surface for every other request.
func RecoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						"request_id", GetRequestID(r.Context()),
						"method", r.Method,
						"path", r.URL.Path,
						"panic", rec,
						"stack", string(debug.Stack()),
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
