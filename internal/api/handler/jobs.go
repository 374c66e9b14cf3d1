package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/eliseuvideira/pkgscraper/internal/api/middleware"
	"github.com/eliseuvideira/pkgscraper/internal/api/response"
	"github.com/eliseuvideira/pkgscraper/internal/ingest"
	"github.com/eliseuvideira/pkgscraper/internal/store"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/google/uuid"
)

const jobNotFound = "Job not found"

// JobService is what the job endpoints depend on. *ingest.Service satisfies it.
type JobService interface {
	CreateJob(ctx context.Context, req ingest.CreateJobRequest) (*models.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, params store.PageParams) (store.Page[*models.Job], error)
}

type createJobRequest struct {
	Registry    string `json:"registry"`
	PackageName string `json:"package_name"`
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /jobs.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.CreateJob(r.Context(), ingest.CreateJobRequest{
			Registry:    req.Registry,
			PackageName: req.PackageName,
			TraceID:     middleware.TraceIDFrom(r.Context()),
		})
		if err != nil {
			writeServiceError(w, r, err, jobNotFound)
			return
		}

		response.JSON(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := parsePageParams(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		page, err := svc.ListJobs(r.Context(), params)
		if err != nil {
			writeServiceError(w, r, err, jobNotFound)
			return
		}

		response.Page(w, page.Items, page.NextCursor)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /jobs/{id}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job ID", nil)
			return
		}

		job, err := svc.GetJob(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err, jobNotFound)
			return
		}

		response.JSON(w, job)
	}
}
