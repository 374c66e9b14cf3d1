package worker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eliseuvideira/pkgscraper/internal/blob"
	"github.com/eliseuvideira/pkgscraper/internal/broker"
	"github.com/eliseuvideira/pkgscraper/internal/broker/brokertest"
	"github.com/eliseuvideira/pkgscraper/internal/metrics"
	"github.com/eliseuvideira/pkgscraper/internal/mocks"
	"github.com/eliseuvideira/pkgscraper/internal/store"
	"github.com/eliseuvideira/pkgscraper/internal/upstream"
	"github.com/eliseuvideira/pkgscraper/internal/worker"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// --- stubs ---

type pkgKey struct {
	registry models.Registry
	name     string
}

// memStore mirrors the PostgresStore completion semantics in memory.
type memStore struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*models.Job
	packages    map[pkgKey]*models.Package
	getErr      error
	completeErr error
	completions int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.Job), packages: make(map[pkgKey]*models.Package)}
}

func (s *memStore) addJob(registry models.Registry, name string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := &models.Job{ID: uuid.Must(uuid.NewV7()), Registry: registry, PackageName: name, Status: models.JobStatusProcessing}
	s.jobs[j.ID] = j
	return j
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) CompleteJob(_ context.Context, jobID uuid.UUID, pkg *models.Package) (*models.Package, error) {
	if s.completeErr != nil {
		return nil, s.completeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Completed() {
		return nil, store.ErrJobAlreadyCompleted
	}
	key := pkgKey{pkg.Registry, pkg.Name}
	existing, ok := s.packages[key]
	if !ok {
		existing = &models.Package{ID: uuid.Must(uuid.NewV7()), Registry: pkg.Registry, Name: pkg.Name}
		s.packages[key] = existing
	}
	existing.Version = pkg.Version
	existing.Downloads = pkg.Downloads
	j.Status = models.JobStatusCompleted
	s.completions++
	cp := *existing
	return &cp, nil
}

func (s *memStore) job(id uuid.UUID) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

type stubRecorder struct {
	mu           sync.Mutex
	processed    map[string]int
	deadLettered map[string]int
	fetches      map[string]int
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{processed: map[string]int{}, deadLettered: map[string]int{}, fetches: map[string]int{}}
}

func (r *stubRecorder) JobProcessed(_ models.Registry, outcome string) {
	r.mu.Lock()
	r.processed[outcome]++
	r.mu.Unlock()
}

func (r *stubRecorder) JobDeadLettered(_ models.Registry, reason string) {
	r.mu.Lock()
	r.deadLettered[reason]++
	r.mu.Unlock()
}

func (r *stubRecorder) ObserveFetch(_ models.Registry, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.fetches[outcome]++
	r.mu.Unlock()
}

type stubBlobs struct {
	mu     sync.Mutex
	puts   map[string][]byte
	putErr error
}

func (b *stubBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	if b.putErr != nil {
		return b.putErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.puts == nil {
		b.puts = make(map[string][]byte)
	}
	b.puts[key] = data
	return nil
}

func (b *stubBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.puts[key]
	if !ok {
		return nil, blob.ErrObjectNotFound
	}
	return data, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func messageFor(j *models.Job) broker.Message {
	return broker.Message{JobID: j.ID, Registry: j.Registry, PackageName: j.PackageName, TraceID: "trace-123"}
}

var tokioMeta = models.PackageMetadata{Name: "tokio", Version: "1.40.0", Downloads: 312000000, Raw: []byte(`{"crate":{"name":"tokio"}}`)}

// --- Handle: success paths ---

func TestHandle_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	rec := newStubRecorder()
	blobs := &stubBlobs{}
	job := st.addJob(models.RegistryCratesIO, "tokio")

	adapter.EXPECT().Fetch(gomock.Any(), "tokio").Return(tokioMeta, nil)

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger(),
		worker.WithRecorder(rec), worker.WithBlobStore(blobs))

	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Acked())
	assert.Equal(t, models.JobStatusCompleted, st.job(job.ID).Status)
	pkg := st.packages[pkgKey{models.RegistryCratesIO, "tokio"}]
	require.NotNil(t, pkg)
	assert.Equal(t, "1.40.0", pkg.Version)
	assert.Equal(t, int64(312000000), pkg.Downloads)
	assert.Equal(t, 1, rec.processed[metrics.OutcomeCompleted])
	assert.Equal(t, 1, rec.fetches[metrics.FetchOutcomeSuccess])

	archived, err := blobs.Get(context.Background(), "outputs/crates.io/tokio.json")
	require.NoError(t, err)
	assert.Contains(t, string(archived), `"raw":{"crate":{"name":"tokio"}}`)
	assert.Contains(t, string(archived), job.ID.String())
}

func TestHandle_AlreadyCompletedSkipsFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	rec := newStubRecorder()
	job := st.addJob(models.RegistryCratesIO, "tokio")
	st.jobs[job.ID].Status = models.JobStatusCompleted

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger(), worker.WithRecorder(rec))

	d := brokertest.NewDelivery(messageFor(job), 2)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Acked())
	assert.Equal(t, 0, st.completions)
	assert.Equal(t, 1, rec.processed[metrics.OutcomeDuplicate])
}

func TestHandle_RedeliveryIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	job := st.addJob(models.RegistryCratesIO, "tokio")

	adapter.EXPECT().Fetch(gomock.Any(), "tokio").Return(tokioMeta, nil).Times(1)

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger())

	first := brokertest.NewDelivery(messageFor(job), 1)
	second := brokertest.NewDelivery(messageFor(job), 2)
	require.NoError(t, h.Handle(context.Background(), first))
	require.NoError(t, h.Handle(context.Background(), second))

	assert.True(t, first.Acked())
	assert.True(t, second.Acked())
	assert.Len(t, st.packages, 1)
	assert.Equal(t, 1, st.completions)
}

func TestHandle_SamePackageTwoJobsUpdatesOneRow(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	first := st.addJob(models.RegistryCratesIO, "tokio")
	second := st.addJob(models.RegistryCratesIO, "tokio")

	gomock.InOrder(
		adapter.EXPECT().Fetch(gomock.Any(), "tokio").Return(tokioMeta, nil),
		adapter.EXPECT().Fetch(gomock.Any(), "tokio").Return(models.PackageMetadata{Name: "tokio", Version: "1.41.0", Downloads: 312000100}, nil),
	)

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger())
	require.NoError(t, h.Handle(context.Background(), brokertest.NewDelivery(messageFor(first), 1)))
	require.NoError(t, h.Handle(context.Background(), brokertest.NewDelivery(messageFor(second), 1)))

	require.Len(t, st.packages, 1)
	pkg := st.packages[pkgKey{models.RegistryCratesIO, "tokio"}]
	assert.Equal(t, "1.41.0", pkg.Version)
	assert.Equal(t, int64(312000100), pkg.Downloads)
}

func TestHandle_ConcurrentCompletionAcks(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	rec := newStubRecorder()
	job := st.addJob(models.RegistryJSR, "@std/path")
	st.completeErr = fmt.Errorf("complete: %w", store.ErrJobAlreadyCompleted)

	adapter.EXPECT().Fetch(gomock.Any(), "@std/path").Return(models.PackageMetadata{Name: "@std/path", Version: "1.0.8"}, nil)

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryJSR: adapter}, discardLogger(), worker.WithRecorder(rec))
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Acked())
	assert.Equal(t, 1, rec.processed[metrics.OutcomeDuplicate])
}

// --- Handle: failure paths ---

func TestHandle_RetryableFetchErrorRequeues(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	rec := newStubRecorder()
	job := st.addJob(models.RegistryCratesIO, "tokio")

	adapter.EXPECT().Fetch(gomock.Any(), "tokio").Return(models.PackageMetadata{}, fmt.Errorf("crates.io fetch tokio: %w", upstream.ErrUnavailable))

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger(),
		worker.WithRecorder(rec), worker.WithDeliveryLimit(5))
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Requeued())
	assert.Equal(t, models.JobStatusProcessing, st.job(job.ID).Status)
	assert.Equal(t, 1, rec.processed[metrics.OutcomeRequeued])
	assert.Equal(t, 1, rec.fetches[metrics.FetchOutcomeError])
}

func TestHandle_RetryableOnLastAttemptCountsDeadLetter(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	rec := newStubRecorder()
	job := st.addJob(models.RegistryCratesIO, "tokio")

	adapter.EXPECT().Fetch(gomock.Any(), "tokio").Return(models.PackageMetadata{}, upstream.ErrTimeout)

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger(),
		worker.WithRecorder(rec), worker.WithDeliveryLimit(2))
	d := brokertest.NewDelivery(messageFor(job), 3)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Requeued())
	assert.Equal(t, 1, rec.deadLettered[worker.ReasonRetriesExhausted])
}

func TestHandle_NotFoundDeadLetters(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	rec := newStubRecorder()
	job := st.addJob(models.RegistryCratesIO, "does-not-exist")

	adapter.EXPECT().Fetch(gomock.Any(), "does-not-exist").Return(models.PackageMetadata{}, fmt.Errorf("crates.io: %w", upstream.ErrNotFound))

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger(), worker.WithRecorder(rec))
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Rejected())
	assert.Equal(t, models.JobStatusProcessing, st.job(job.ID).Status)
	assert.Equal(t, 1, rec.deadLettered[worker.ReasonPackageNotFound])
	assert.Empty(t, st.packages)
}

func TestHandle_InvalidNameDeadLetters(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	rec := newStubRecorder()
	job := st.addJob(models.RegistryJSR, "no-scope")

	adapter.EXPECT().Fetch(gomock.Any(), "no-scope").Return(models.PackageMetadata{}, upstream.ErrInvalidName)

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryJSR: adapter}, discardLogger(), worker.WithRecorder(rec))
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Rejected())
	assert.Equal(t, 1, rec.deadLettered[worker.ReasonInvalidName])
}

func TestHandle_FetchTimeoutRequeues(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	job := st.addJob(models.RegistryCratesIO, "slow")

	adapter.EXPECT().Fetch(gomock.Any(), "slow").DoAndReturn(func(ctx context.Context, _ string) (models.PackageMetadata, error) {
		<-ctx.Done()
		return models.PackageMetadata{}, ctx.Err()
	})

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger(),
		worker.WithFetchTimeout(20*time.Millisecond))
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Requeued())
}

func TestHandle_MalformedMessageDeadLetters(t *testing.T) {
	rec := newStubRecorder()
	h := worker.NewHandler(newMemStore(), nil, discardLogger(), worker.WithRecorder(rec))

	d := brokertest.NewRawDelivery([]byte(`{"job_id":"nope"`))
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Rejected())
	assert.Equal(t, 1, rec.deadLettered[worker.ReasonMalformed])
}

func TestHandle_NoAdapterDeadLetters(t *testing.T) {
	st := newMemStore()
	rec := newStubRecorder()
	job := st.addJob(models.RegistryJSR, "@std/path")

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{}, discardLogger(), worker.WithRecorder(rec))
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Rejected())
	assert.Equal(t, 1, rec.deadLettered[worker.ReasonUnsupportedRegistry])
}

func TestHandle_UnknownJobDeadLetters(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	h := worker.NewHandler(newMemStore(), map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger())

	d := brokertest.NewDelivery(broker.Message{JobID: uuid.New(), Registry: models.RegistryCratesIO, PackageName: "tokio"}, 1)
	require.NoError(t, h.Handle(context.Background(), d))
	assert.True(t, d.Rejected())
}

func TestHandle_StoreErrorRequeues(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	job := st.addJob(models.RegistryCratesIO, "tokio")
	st.completeErr = errors.New("connection reset")

	adapter.EXPECT().Fetch(gomock.Any(), "tokio").Return(tokioMeta, nil)

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger())
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Requeued())
	assert.Equal(t, models.JobStatusProcessing, st.job(job.ID).Status)
}

func TestHandle_LoadJobErrorRequeues(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	job := st.addJob(models.RegistryCratesIO, "tokio")
	st.getErr = errors.New("too many connections")

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger())
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))
	assert.True(t, d.Requeued())
}

func TestHandle_ConstraintViolationDeadLetters(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	rec := newStubRecorder()
	job := st.addJob(models.RegistryCratesIO, "weird")
	st.completeErr = fmt.Errorf("upsert package: %w: packages_downloads_check", store.ErrConstraint)

	adapter.EXPECT().Fetch(gomock.Any(), "weird").Return(models.PackageMetadata{Name: "weird", Version: "1.0.0", Downloads: -1}, nil)

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger(), worker.WithRecorder(rec))
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Rejected())
	assert.Equal(t, 1, rec.deadLettered[worker.ReasonInvalidMetadata])
}

// --- Handle: cache and archive ---

func TestHandle_CacheHitSkipsFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	c := mocks.NewMockCache(ctrl)
	st := newMemStore()
	rec := newStubRecorder()
	job := st.addJob(models.RegistryCratesIO, "tokio")

	c.EXPECT().GetMetadata(gomock.Any(), models.RegistryCratesIO, "tokio").
		Return(models.PackageMetadata{Name: "tokio", Version: "1.40.0", Downloads: 9}, true, nil)

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger(),
		worker.WithCache(c, time.Minute), worker.WithRecorder(rec))
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Acked())
	assert.Equal(t, int64(9), st.packages[pkgKey{models.RegistryCratesIO, "tokio"}].Downloads)
	assert.Equal(t, 1, rec.fetches[metrics.FetchOutcomeCacheHit])
}

func TestHandle_CacheMissStoresResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	c := mocks.NewMockCache(ctrl)
	st := newMemStore()
	job := st.addJob(models.RegistryCratesIO, "tokio")

	c.EXPECT().GetMetadata(gomock.Any(), models.RegistryCratesIO, "tokio").Return(models.PackageMetadata{}, false, nil)
	adapter.EXPECT().Fetch(gomock.Any(), "tokio").Return(tokioMeta, nil)
	c.EXPECT().SetMetadata(gomock.Any(), models.RegistryCratesIO, "tokio", tokioMeta, time.Minute).Return(nil)

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger(),
		worker.WithCache(c, time.Minute))
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))
	assert.True(t, d.Acked())
}

func TestHandle_CacheErrorsDoNotFailJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	c := mocks.NewMockCache(ctrl)
	st := newMemStore()
	job := st.addJob(models.RegistryCratesIO, "tokio")

	c.EXPECT().GetMetadata(gomock.Any(), gomock.Any(), gomock.Any()).Return(models.PackageMetadata{}, false, errors.New("redis down"))
	adapter.EXPECT().Fetch(gomock.Any(), "tokio").Return(tokioMeta, nil)
	c.EXPECT().SetMetadata(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("redis down"))

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger(),
		worker.WithCache(c, time.Minute))
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))
	assert.True(t, d.Acked())
}

func TestHandle_ArchiveFailureDoesNotFailJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockRegistryAdapter(ctrl)
	st := newMemStore()
	job := st.addJob(models.RegistryCratesIO, "tokio")

	adapter.EXPECT().Fetch(gomock.Any(), "tokio").Return(tokioMeta, nil)

	h := worker.NewHandler(st, map[models.Registry]models.RegistryAdapter{models.RegistryCratesIO: adapter}, discardLogger(),
		worker.WithBlobStore(&stubBlobs{putErr: errors.New("bucket missing")}))
	d := brokertest.NewDelivery(messageFor(job), 1)
	require.NoError(t, h.Handle(context.Background(), d))

	assert.True(t, d.Acked())
	assert.Equal(t, models.JobStatusCompleted, st.job(job.ID).Status)
}
