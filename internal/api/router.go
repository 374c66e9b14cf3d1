package api

import (
	"net/http"

	mw "github.com/eliseuvideira/pkgscraper/internal/api/middleware"
	"github.com/eliseuvideira/pkgscraper/internal/api/response"
	"github.com/go-chi/chi/v5"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	// Instrument wraps every request; nil disables HTTP metrics.
	Instrument func(http.Handler) http.Handler

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	CreateJobHandler    http.HandlerFunc
	ListJobsHandler     http.HandlerFunc
	GetJobHandler       http.HandlerFunc
	ListPackagesHandler http.HandlerFunc
	GetPackageHandler   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.TraceID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	if deps.Instrument != nil {
		r.Use(deps.Instrument)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Not Found", nil)
	})

	r.Get("/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Get("/jobs", orNotImplemented(deps.ListJobsHandler))
	r.Get("/jobs/{id}", orNotImplemented(deps.GetJobHandler))
	r.Get("/packages", orNotImplemented(deps.ListPackagesHandler))
	r.Get("/packages/{id}", orNotImplemented(deps.GetPackageHandler))

	// Job submission is the only write path
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/jobs", orNotImplemented(deps.CreateJobHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
