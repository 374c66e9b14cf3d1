// Package ingest validates scrape requests, records jobs and hands them to the broker.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/eliseuvideira/pkgscraper/internal/broker"
	"github.com/eliseuvideira/pkgscraper/internal/store"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/google/uuid"
)

var ErrInvalidInput = errors.New("invalid input")

// JobStore is the subset of store.Store ingestion needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, params store.PageParams) (store.Page[*models.Job], error)
}

// CreatedRecorder observes accepted jobs.
type CreatedRecorder interface {
	JobCreated(registry models.Registry)
}

// CreateJobRequest is a validated-on-use scrape request.
type CreateJobRequest struct {
	Registry    string
	PackageName string
	TraceID     string
}

type Service struct {
	store     JobStore
	publisher broker.Publisher
	recorder  CreatedRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithRecorder(r CreatedRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st JobStore, publisher broker.Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob persists a processing job and publishes its work message.
// The insert and the publish are separate effects: if publishing fails the
// job row remains in processing and the error is returned.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	registry, ok := models.ParseRegistry(strings.TrimSpace(req.Registry))
	if !ok {
		return nil, fmt.Errorf("%w: unsupported registry %q", ErrInvalidInput, req.Registry)
	}
	name := strings.TrimSpace(req.PackageName)
	if name == "" {
		return nil, fmt.Errorf("%w: package_name is required", ErrInvalidInput)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	job := &models.Job{
		ID:          id,
		Registry:    registry,
		PackageName: name,
		Status:      models.JobStatusProcessing,
		CreatedAt:   s.now(),
	}
	if req.TraceID != "" {
		traceID := req.TraceID
		job.TraceID = &traceID
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}

	msg := broker.Message{JobID: job.ID, Registry: registry, PackageName: name, TraceID: req.TraceID}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Error("job stored but not published",
			"job_id", job.ID,
			"registry", registry,
			"package_name", name,
			"trace_id", req.TraceID,
			"error", err,
		)
		return nil, fmt.Errorf("publish job: %w", err)
	}

	if s.recorder != nil {
		s.recorder.JobCreated(registry)
	}
	s.logger.Info("job created",
		"job_id", job.ID,
		"registry", registry,
		"package_name", name,
		"trace_id", req.TraceID,
	)
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, params store.PageParams) (store.Page[*models.Job], error) {
	return s.store.ListJobs(ctx, params)
}
