package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudrook/obs-ingest/internal/domain"
	"github.com/cloudrook/obs-ingest/internal/observability"
	"github.com/cloudrook/obs-ingest/internal/pipeline"
)

// memStore is an in-memory raw cache tracking everything archived.
type memStore struct {
	mu      sync.Mutex
	raw     []domain.RawRecord
	results []domain.SubmissionResult
	seen    []string
	seenErr error
}

func (m *memStore) ArchiveRaw(_ context.Context, rec domain.RawRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = append(m.raw, rec)
	return nil
}

func (m *memStore) ArchiveResult(_ context.Context, result domain.SubmissionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *memStore) LoadSeen(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen, m.seenErr
}

func (m *memStore) StoreSeen(_ context.Context, lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = lines
	return nil
}

// fakeDownstream mimics the ingestion service: first submission of a key is
// inserted, any resubmission reports duplicate.
type fakeDownstream struct {
	mu       sync.Mutex
	inserted map[string]bool
	pingErr  error
	chunkErr error
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{inserted: make(map[string]bool)}
}

func (f *fakeDownstream) Ping(context.Context) error { return f.pingErr }

func (f *fakeDownstream) SubmitChunk(_ context.Context, chunk domain.SubmissionChunk) (domain.ChunkResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunkErr != nil {
		return domain.ChunkResponse{}, f.chunkErr
	}
	resp := domain.ChunkResponse{Statuses: make([]domain.RecordStatus, len(chunk.Observations))}
	for i, obs := range chunk.Observations {
		status := domain.StatusInserted
		if f.inserted[obs.Key.String()] {
			status = domain.StatusDuplicate
		}
		f.inserted[obs.Key.String()] = true
		resp.Statuses[i] = domain.RecordStatus{Key: obs.Key.String(), Status: status}
	}
	return resp, nil
}

type captureNotifier struct {
	published []domain.SubmissionResult
}

func (c *captureNotifier) Publish(_ context.Context, result domain.SubmissionResult) error {
	c.published = append(c.published, result)
	return nil
}

type allowAllResolver struct{}

func (allowAllResolver) Resolve(_ context.Context, stationID string) (domain.StationRecord, error) {
	return domain.StationRecord{ID: stationID}, nil
}

const pipelineVocabYAML = `
air_temperature:
  vargem: TMPF
  final_unit: degC
  min: -90
  max: 60
wind_speed:
  vargem: SKNT
  incoming_unit: KT
  final_unit: mps
  min: 0
  max: 120
`

type pipelineFixture struct {
	pipeline   *pipeline.Pipeline
	store      *memStore
	downstream *fakeDownstream
	notifier   *captureNotifier
}

func newFixture(t *testing.T, mutate func(*pipeline.Options)) *pipelineFixture {
	t.Helper()

	vocab, err := domain.ParseVocabulary([]byte(pipelineVocabYAML))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()

	store := &memStore{}
	downstream := newFakeDownstream()
	notifier := &captureNotifier{}

	submitter := pipeline.NewSubmitter(downstream, pipeline.SubmitterConfig{
		ChunkSize:   3,
		Concurrency: 2,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, logger, metrics)

	opts := pipeline.Options{
		Canonicalizer: domain.NewCanonicalizer(vocab, "", logger),
		Validator:     domain.NewValidator(allowAllResolver{}, vocab, 365*24*time.Hour, 10*time.Minute, logger),
		Deduplicator:  domain.NewDeduplicator(12*time.Hour, logger),
		Submitter:     submitter,
		Cache:         store,
		Pinger:        downstream,
		Notifier:      notifier,
		IngestName:    "testnet",
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &pipelineFixture{
		pipeline:   pipeline.New(opts, logger, metrics),
		store:      store,
		downstream: downstream,
		notifier:   notifier,
	}
}

func rawBatch(fetchedAt time.Time, stations ...string) []domain.RawRecord {
	payload := "["
	for i, stid := range stations {
		if i > 0 {
			payload += ","
		}
		payload += fmt.Sprintf(
			`{"station_id":%q,"timestamp":"2024-06-01T10:00:00Z","variables":{"air_temperature":%d}}`,
			stid, 15+i)
	}
	payload += "]"
	return []domain.RawRecord{{Source: "provider.json", FetchedAt: fetchedAt, Payload: []byte(payload)}}
}

func withFrozenClock(t *testing.T, at time.Time) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(at))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func TestRun_HappyPath(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)
	f := newFixture(t, nil)

	records := rawBatch(now.Add(-time.Hour), "KSLC", "KPVU", "KOGD", "KLGU", "KCDC")
	result, err := f.pipeline.Run(context.Background(), records)

	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, "testnet", result.IngestName)
	assert.Equal(t, 1, result.RawRecords)
	assert.Equal(t, 5, result.Fragments)
	assert.Zero(t, result.ParseErrors)
	assert.Equal(t, 5, result.Accepted)
	assert.Zero(t, result.Rejected)
	assert.Equal(t, 5, result.Inserted)
	assert.Zero(t, result.Duplicate)
	assert.Empty(t, result.FailedChunks())

	// ChunkSize 3 over 5 records.
	require.Len(t, result.Chunks, 2)
	assert.Equal(t, 3, result.Chunks[0].Records)
	assert.Equal(t, 2, result.Chunks[1].Records)

	// Raw input and the result are both archived; seen keys carry forward.
	assert.Len(t, f.store.raw, 1)
	require.Len(t, f.store.results, 1)
	assert.Equal(t, result.RunID, f.store.results[0].RunID)
	assert.Len(t, f.store.seen, 5)

	require.Len(t, f.notifier.published, 1)
	assert.Equal(t, result.RunID, f.notifier.published[0].RunID)
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)
	f := newFixture(t, nil)

	records := rawBatch(now.Add(-time.Hour), "KSLC", "KPVU", "KOGD")
	first, err := f.pipeline.Run(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Inserted)

	// Same input resubmitted: a fresh pipeline picks up the persisted seen
	// keys, hints every record, and the downstream reports all duplicates.
	second := newFixture(t, nil)
	second.store.seen = f.store.seen
	second.downstream.inserted = f.downstream.inserted

	result, err := second.pipeline.Run(context.Background(), records)
	require.NoError(t, err)
	assert.Zero(t, result.Inserted)
	assert.Equal(t, 3, result.Duplicate)
	assert.Equal(t, 3, result.LikelyDuplicates)
	assert.Empty(t, result.FailedChunks())
}

func TestRun_ChunkFailureDoesNotAbortArchival(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)
	f := newFixture(t, nil)
	f.downstream.chunkErr = fmt.Errorf("downstream unavailable")

	records := rawBatch(now.Add(-time.Hour), "KSLC", "KPVU")
	result, err := f.pipeline.Run(context.Background(), records)

	// Chunk failures are absorbed into the result, not returned as errors.
	require.NoError(t, err)
	assert.Equal(t, []int{0}, result.FailedChunks())
	assert.Zero(t, result.Inserted)
	assert.Zero(t, result.CacheErrors)

	// The cache still holds the raw input and the result for replay, and no
	// failed key leaks into the seen set.
	assert.Len(t, f.store.raw, 1)
	assert.Len(t, f.store.results, 1)
	assert.Empty(t, f.store.seen)
}

func TestRun_PingFailureIsFatal(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)
	f := newFixture(t, nil)
	f.downstream.pingErr = fmt.Errorf("connection refused")

	_, err := f.pipeline.Run(context.Background(), rawBatch(now.Add(-time.Hour), "KSLC"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "preflight")
	// Raw input was already archived before the preflight.
	assert.Len(t, f.store.raw, 1)
}

func TestRun_EmptyAcceptedSetSkipsPreflight(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)
	f := newFixture(t, nil)
	f.downstream.pingErr = fmt.Errorf("connection refused")

	// No fragments at all: nothing to submit, so the broken downstream is
	// never contacted.
	result, err := f.pipeline.Run(context.Background(), nil)

	require.NoError(t, err)
	assert.Zero(t, result.Accepted)
	assert.Empty(t, result.Chunks)
}

func TestRun_LocalRunSkipsSubmission(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)
	f := newFixture(t, func(opts *pipeline.Options) {
		opts.LocalRun = true
		opts.Pinger = nil
	})

	result, err := f.pipeline.Run(context.Background(), rawBatch(now.Add(-time.Hour), "KSLC", "KPVU"))

	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, domain.ChunkNotAttempted, result.Chunks[0].Status)
	assert.Zero(t, result.Inserted)
	assert.Empty(t, f.downstream.inserted)
	// Nothing was acknowledged downstream, so nothing enters the seen set.
	assert.Empty(t, f.store.seen)
}

func TestRun_SeenLoadFailureIsNonFatal(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)
	f := newFixture(t, nil)
	f.store.seenErr = fmt.Errorf("bucket unavailable")

	result, err := f.pipeline.Run(context.Background(), rawBatch(now.Add(-time.Hour), "KSLC"))

	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Zero(t, result.LikelyDuplicates)
}

func TestRun_RejectionsReported(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)
	f := newFixture(t, nil)

	payload := []byte(`[
		{"station_id":"KSLC","timestamp":"2024-06-01T10:00:00Z","variables":{"air_temperature":20}},
		{"station_id":"KPVU","timestamp":"2014-06-01T10:00:00Z","variables":{"air_temperature":20}},
		{"station_id":"KOGD","timestamp":"2024-06-01T10:00:00Z","variables":{"air_temperature":99}}
	]`)
	records := []domain.RawRecord{{Source: "provider.json", FetchedAt: now.Add(-time.Hour), Payload: payload}}

	result, err := f.pipeline.Run(context.Background(), records)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 2, result.Rejected)
	require.Len(t, result.Rejections, 2)

	reasons := map[string]domain.RejectReason{}
	for _, rej := range result.Rejections {
		reasons[rej.Key.StationID] = rej.Reason
	}
	assert.Equal(t, domain.RejectTimestampWindow, reasons["KPVU"])
	assert.Equal(t, domain.RejectValueOutOfRange, reasons["KOGD"])
}
