package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eliseuvideira/pkgscraper/internal/api/middleware"
	"github.com/eliseuvideira/pkgscraper/internal/api/response"
	"github.com/eliseuvideira/pkgscraper/internal/ingest"
	"github.com/eliseuvideira/pkgscraper/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// parsePageParams reads limit, order and after from the query string.
// Absent values are left zero so the store applies its defaults.
func parsePageParams(r *http.Request) (store.PageParams, error) {
	q := r.URL.Query()
	var p store.PageParams

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return p, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
		p.Limit = limit
	}

	order, err := store.ParseOrder(q.Get("order"))
	if err != nil {
		return p, errors.New("order must be asc or desc")
	}
	p.Order = order

	if raw := q.Get("after"); raw != "" {
		after, err := uuid.Parse(raw)
		if err != nil {
			return p, fmt.Errorf("after must be a UUID, got %q", raw)
		}
		p.After = &after
	}
	return p, nil
}

func parseID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// writeServiceError maps domain errors to the HTTP error envelope.
// notFound is the message used for store.ErrNotFound.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	switch {
	case errors.Is(err, ingest.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, store.ErrInvalidPage):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", notFound, nil)
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", middleware.TraceIDFrom(r.Context()),
			"error", err,
		)
		response.InternalError(w)
	}
}
