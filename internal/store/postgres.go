package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	jobColumns     = "id, registry, package_name, status, trace_id, created_at"
	packageColumns = "id, registry, name, version, downloads"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	qb   sq.StatementBuilderType
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		qb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, registry, package_name, status, trace_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		job.ID, job.Registry, job.PackageName, job.Status, job.TraceID, job.CreatedAt,
	).Scan(&job.CreatedAt)
	if err != nil {
		return classifyError("create job", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.Registry, &j.PackageName, &j.Status, &j.TraceID, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, params PageParams) (Page[*models.Job], error) {
	params, err := params.normalize(DefaultJobsLimit)
	if err != nil {
		return Page[*models.Job]{}, err
	}

	query, args, err := paginate(s.qb.Select(jobColumns).From("jobs"), params).ToSql()
	if err != nil {
		return Page[*models.Job]{}, fmt.Errorf("build list jobs query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return Page[*models.Job]{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.Registry, &j.PackageName, &j.Status, &j.TraceID, &j.CreatedAt); err != nil {
			return Page[*models.Job]{}, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return Page[*models.Job]{}, fmt.Errorf("list jobs: %w", err)
	}

	return newPage(jobs, params.Limit, func(j *models.Job) uuid.UUID { return j.ID }), nil
}

var validTransitions = map[string][]string{
	models.JobStatusProcessing: {models.JobStatusCompleted},
}

func canTransition(from, to string) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID uuid.UUID, pkg *models.Package) (*models.Package, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin complete job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// Lock the job row so concurrent deliveries of the same message serialize here.
	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	if current == models.JobStatusCompleted {
		return nil, ErrJobAlreadyCompleted
	}
	if !canTransition(current, models.JobStatusCompleted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, models.JobStatusCompleted)
	}

	id := pkg.ID
	if id == uuid.Nil {
		if id, err = uuid.NewV7(); err != nil {
			return nil, fmt.Errorf("generate package id: %w", err)
		}
	}

	var result models.Package
	err = tx.QueryRow(ctx,
		`INSERT INTO packages (id, registry, name, version, downloads, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 ON CONFLICT (registry, name) DO UPDATE SET
		   version = EXCLUDED.version,
		   downloads = EXCLUDED.downloads,
		   updated_at = NOW()
		 RETURNING `+packageColumns,
		id, pkg.Registry, pkg.Name, pkg.Version, pkg.Downloads,
	).Scan(&result.ID, &result.Registry, &result.Name, &result.Version, &result.Downloads)
	if err != nil {
		return nil, classifyError("upsert package", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $2, completed_at = NOW() WHERE id = $1`,
		jobID, models.JobStatusCompleted); err != nil {
		return nil, classifyError("complete job", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit complete job: %w", err)
	}
	return &result, nil
}

// --- Packages ---

func (s *PostgresStore) GetPackage(ctx context.Context, id uuid.UUID) (*models.Package, error) {
	var p models.Package
	err := s.pool.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = $1`, id,
	).Scan(&p.ID, &p.Registry, &p.Name, &p.Version, &p.Downloads)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPackages(ctx context.Context, params PageParams) (Page[*models.Package], error) {
	params, err := params.normalize(DefaultPackagesLimit)
	if err != nil {
		return Page[*models.Package]{}, err
	}

	query, args, err := paginate(s.qb.Select(packageColumns).From("packages"), params).ToSql()
	if err != nil {
		return Page[*models.Package]{}, fmt.Errorf("build list packages query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return Page[*models.Package]{}, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var packages []*models.Package
	for rows.Next() {
		var p models.Package
		if err := rows.Scan(&p.ID, &p.Registry, &p.Name, &p.Version, &p.Downloads); err != nil {
			return Page[*models.Package]{}, fmt.Errorf("scan package: %w", err)
		}
		packages = append(packages, &p)
	}
	if err := rows.Err(); err != nil {
		return Page[*models.Package]{}, fmt.Errorf("list packages: %w", err)
	}

	return newPage(packages, params.Limit, func(p *models.Package) uuid.UUID { return p.ID }), nil
}

// classifyError maps constraint violations to sentinel errors and wraps the rest.
func classifyError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%s: %w", op, ErrDuplicateKey)
		case pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
			return fmt.Errorf("%s: %w: %s", op, ErrConstraint, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
