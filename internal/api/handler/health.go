package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/eliseuvideira/pkgscraper/internal/api/response"
)

const healthCheckTimeout = 3 * time.Second

// Pinger is any dependency that can report its own connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler checks every named dependency. A nil Pinger is reported as
// "disabled" and does not degrade the service.
func NewHealthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		services := make(map[string]string, len(checks))
		degraded := false
		for name, p := range checks {
			switch {
			case p == nil:
				services[name] = "disabled"
			case p.Ping(ctx) != nil:
				services[name] = "degraded"
				degraded = true
			default:
				services[name] = "ok"
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", services)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": services,
		})
	}
}
