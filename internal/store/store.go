package store

import (
	"context"
	"errors"

	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrConstraint = errors.New("check constraint violation")
var ErrJobAlreadyCompleted = errors.New("job already completed")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, params PageParams) (Page[*models.Job], error)
	// CompleteJob upserts pkg by (registry, name) and marks the job completed
	// in one transaction. Returns ErrJobAlreadyCompleted without writing
	// anything if another delivery got there first.
	CompleteJob(ctx context.Context, jobID uuid.UUID, pkg *models.Package) (*models.Package, error)

	GetPackage(ctx context.Context, id uuid.UUID) (*models.Package, error)
	ListPackages(ctx context.Context, params PageParams) (Page[*models.Package], error)
}
