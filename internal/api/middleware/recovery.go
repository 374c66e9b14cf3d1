package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/eliseuvideira/pkgscraper/internal/api/response"
)

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"trace_id", TraceIDFrom(r.Context()),
				)
				response.InternalError(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
