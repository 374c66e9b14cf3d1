// Package worker consumes job messages, fetches package metadata from the
// registries and records the results.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eliseuvideira/pkgscraper/internal/blob"
	"github.com/eliseuvideira/pkgscraper/internal/broker"
	"github.com/eliseuvideira/pkgscraper/internal/cache"
	"github.com/eliseuvideira/pkgscraper/internal/metrics"
	"github.com/eliseuvideira/pkgscraper/internal/store"
	"github.com/eliseuvideira/pkgscraper/internal/upstream"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/google/uuid"
)

// Dead-letter reasons.
const (
	ReasonMalformed           = "malformed_message"
	ReasonUnsupportedRegistry = "unsupported_registry"
	ReasonJobNotFound         = "job_not_found"
	ReasonPackageNotFound     = "package_not_found"
	ReasonInvalidName         = "invalid_name"
	ReasonBadResponse         = "bad_response"
	ReasonInvalidMetadata     = "invalid_metadata"
	ReasonRetriesExhausted    = "retries_exhausted"
)

// JobStore is the subset of store.Store the worker needs.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	CompleteJob(ctx context.Context, jobID uuid.UUID, pkg *models.Package) (*models.Package, error)
}

// Recorder observes job outcomes.
type Recorder interface {
	JobProcessed(registry models.Registry, outcome string)
	JobDeadLettered(registry models.Registry, reason string)
	ObserveFetch(registry models.Registry, outcome string, d time.Duration)
}

// Handler processes one delivery at a time and is safe for concurrent use.
type Handler struct {
	store         JobStore
	adapters      map[models.Registry]models.RegistryAdapter
	logger        *slog.Logger
	cache         cache.Cache
	cacheTTL      time.Duration
	blobs         blob.Store
	recorder      Recorder
	fetchTimeout  time.Duration
	deliveryLimit int
}

// Option configures a Handler.
type Option func(*Handler)

// WithCache reuses fetch results for ttl across jobs for the same package.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(h *Handler) {
		h.cache = c
		h.cacheTTL = ttl
	}
}

// WithBlobStore archives every fresh upstream payload.
func WithBlobStore(b blob.Store) Option {
	return func(h *Handler) { h.blobs = b }
}

func WithRecorder(r Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(h *Handler) { h.fetchTimeout = d }
}

// WithDeliveryLimit matches the queue's x-delivery-limit so requeues that
// will be dead-lettered by the broker are counted as such.
func WithDeliveryLimit(n int) Option {
	return func(h *Handler) { h.deliveryLimit = n }
}

func NewHandler(st JobStore, adapters map[models.Registry]models.RegistryAdapter, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:        st,
		adapters:     adapters,
		logger:       logger,
		recorder:     nopRecorder{},
		fetchTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle settles d. The store commit always happens before the ack, so a
// crash in between causes one redelivery that the completed-job check absorbs.
// The returned error is only set when the delivery could not be settled.
func (h *Handler) Handle(ctx context.Context, d broker.Delivery) error {
	msg, err := broker.Decode(d.Body())
	if err != nil {
		h.logger.Error("rejecting malformed message", "error", err, "attempt", d.Attempt())
		return h.reject(d, "unknown", ReasonMalformed)
	}

	log := h.logger.With(
		"job_id", msg.JobID,
		"registry", msg.Registry,
		"package_name", msg.PackageName,
		"trace_id", msg.TraceID,
		"attempt", d.Attempt(),
	)

	adapter, ok := h.adapters[msg.Registry]
	if !ok {
		log.Error("no adapter for registry")
		return h.reject(d, msg.Registry, ReasonUnsupportedRegistry)
	}

	job, err := h.store.GetJob(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("job not found")
		return h.reject(d, msg.Registry, ReasonJobNotFound)
	}
	if err != nil {
		log.Warn("load job failed", "error", err)
		return h.requeue(d, msg.Registry, log)
	}
	if job.Completed() {
		log.Info("job already completed, skipping")
		h.recorder.JobProcessed(msg.Registry, metrics.OutcomeDuplicate)
		return d.Ack()
	}

	meta, err := h.fetch(ctx, adapter, msg, log)
	if err != nil {
		if isRetryable(err) {
			log.Warn("registry fetch failed", "error", err)
			return h.requeue(d, msg.Registry, log)
		}
		log.Error("registry fetch failed permanently", "error", err)
		return h.reject(d, msg.Registry, permanentReason(err))
	}

	pkg := &models.Package{
		Registry:  msg.Registry,
		Name:      meta.Name,
		Version:   meta.Version,
		Downloads: meta.Downloads,
	}
	if pkg.Name == "" {
		pkg.Name = msg.PackageName
	}

	saved, err := h.store.CompleteJob(ctx, job.ID, pkg)
	switch {
	case errors.Is(err, store.ErrJobAlreadyCompleted):
		log.Info("job completed by a concurrent delivery")
		h.recorder.JobProcessed(msg.Registry, metrics.OutcomeDuplicate)
		return d.Ack()
	case errors.Is(err, store.ErrConstraint):
		log.Error("package rejected by store", "error", err)
		return h.reject(d, msg.Registry, ReasonInvalidMetadata)
	case errors.Is(err, store.ErrNotFound):
		log.Error("job disappeared before completion")
		return h.reject(d, msg.Registry, ReasonJobNotFound)
	case err != nil:
		log.Warn("complete job failed", "error", err)
		return h.requeue(d, msg.Registry, log)
	}

	if err := d.Ack(); err != nil {
		return fmt.Errorf("ack job %s: %w", msg.JobID, err)
	}
	h.recorder.JobProcessed(msg.Registry, metrics.OutcomeCompleted)
	log.Info("job completed", "package_id", saved.ID, "version", saved.Version, "downloads", saved.Downloads)
	return nil
}

// fetch consults the cache, then the adapter under the fetch timeout. Fresh
// results are cached and archived; neither side effect can fail the job.
func (h *Handler) fetch(ctx context.Context, adapter models.RegistryAdapter, msg broker.Message, log *slog.Logger) (models.PackageMetadata, error) {
	if h.cache != nil {
		meta, found, err := h.cache.GetMetadata(ctx, msg.Registry, msg.PackageName)
		if err != nil {
			log.Warn("fetch cache read failed", "error", err)
		} else if found {
			h.recorder.ObserveFetch(msg.Registry, metrics.FetchOutcomeCacheHit, 0)
			return meta, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, h.fetchTimeout)
	defer cancel()

	start := time.Now()
	meta, err := adapter.Fetch(fetchCtx, msg.PackageName)
	if err != nil {
		h.recorder.ObserveFetch(msg.Registry, metrics.FetchOutcomeError, time.Since(start))
		return models.PackageMetadata{}, err
	}
	h.recorder.ObserveFetch(msg.Registry, metrics.FetchOutcomeSuccess, time.Since(start))

	if h.cache != nil {
		if err := h.cache.SetMetadata(ctx, msg.Registry, msg.PackageName, meta, h.cacheTTL); err != nil {
			log.Warn("fetch cache write failed", "error", err)
		}
	}
	if h.blobs != nil {
		h.archive(ctx, msg, meta, log)
	}
	return meta, nil
}

type archivedPayload struct {
	JobID     uuid.UUID       `json:"job_id"`
	Registry  models.Registry `json:"registry"`
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Downloads int64           `json:"downloads"`
	FetchedAt time.Time       `json:"fetched_at"`
	Raw       json.RawMessage `json:"raw"`
}

func (h *Handler) archive(ctx context.Context, msg broker.Message, meta models.PackageMetadata, log *slog.Logger) {
	raw := json.RawMessage(meta.Raw)
	if !json.Valid(raw) {
		raw = json.RawMessage("null")
	}
	doc, err := json.Marshal(archivedPayload{
		JobID:     msg.JobID,
		Registry:  msg.Registry,
		Name:      meta.Name,
		Version:   meta.Version,
		Downloads: meta.Downloads,
		FetchedAt: time.Now().UTC(),
		Raw:       raw,
	})
	if err != nil {
		log.Warn("encode archived payload failed", "error", err)
		return
	}
	key := blob.PayloadKey(msg.Registry, msg.PackageName)
	if err := h.blobs.Put(ctx, key, doc, "application/json"); err != nil {
		log.Warn("archive payload failed", "key", key, "error", err)
	}
}

func (h *Handler) requeue(d broker.Delivery, registry models.Registry, log *slog.Logger) error {
	if h.deliveryLimit > 0 && d.Attempt() > h.deliveryLimit {
		log.Error("delivery limit reached, message will be dead-lettered", "delivery_limit", h.deliveryLimit)
		h.recorder.JobDeadLettered(registry, ReasonRetriesExhausted)
		h.recorder.JobProcessed(registry, metrics.OutcomeDeadLettered)
	} else {
		h.recorder.JobProcessed(registry, metrics.OutcomeRequeued)
	}
	if err := d.Nack(true); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

func (h *Handler) reject(d broker.Delivery, registry models.Registry, reason string) error {
	h.recorder.JobDeadLettered(registry, reason)
	h.recorder.JobProcessed(registry, metrics.OutcomeDeadLettered)
	if err := d.Nack(false); err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	return upstream.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

func permanentReason(err error) string {
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		return ReasonPackageNotFound
	case errors.Is(err, upstream.ErrInvalidName):
		return ReasonInvalidName
	default:
		return ReasonBadResponse
	}
}

type nopRecorder struct{}

func (nopRecorder) JobProcessed(models.Registry, string)                {}
func (nopRecorder) JobDeadLettered(models.Registry, string)             {}
func (nopRecorder) ObserveFetch(models.Registry, string, time.Duration) {}
