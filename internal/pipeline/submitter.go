package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cloudrook/obs-ingest/internal/domain"
	"github.com/cloudrook/obs-ingest/internal/observability"
)

// ChunkSubmitter submits one chunk to the downstream ingestion service and
// returns its per-record statuses.
type ChunkSubmitter interface {
	SubmitChunk(ctx context.Context, chunk domain.SubmissionChunk) (domain.ChunkResponse, error)
}

// SubmitterConfig bounds the submission phase.
type SubmitterConfig struct {
	ChunkSize   int
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	DumpDir     string
}

// Submitter partitions the accepted set into bounded chunks and drives
// retried submission on a bounded worker pool. Partitioning is deterministic
// and independent of execution order; a chunk's failure never aborts the run.
type Submitter struct {
	client  ChunkSubmitter
	cfg     SubmitterConfig
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewSubmitter creates a submitter over the given downstream client.
func NewSubmitter(client ChunkSubmitter, cfg SubmitterConfig, logger *slog.Logger, metrics *observability.Metrics) *Submitter {
	return &Submitter{client: client, cfg: cfg, logger: logger, metrics: metrics}
}

// Partition sorts the accepted set by (station id, timestamp) and splits it
// into chunks of at most ChunkSize records, sequence-numbered from zero.
// The same accepted set always partitions into the same chunk sequence, so
// payload dumps and replays are reproducible.
func (s *Submitter) Partition(accepted []domain.GroupedObservation) []domain.SubmissionChunk {
	sorted := make([]domain.GroupedObservation, len(accepted))
	copy(sorted, accepted)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Less(sorted[j].Key) })

	var chunks []domain.SubmissionChunk
	for start := 0; start < len(sorted); start += s.cfg.ChunkSize {
		end := start + s.cfg.ChunkSize
		if end > len(sorted) {
			end = len(sorted)
		}
		chunks = append(chunks, domain.SubmissionChunk{
			Seq:          len(chunks),
			Observations: sorted[start:end],
		})
	}
	return chunks
}

// SubmitChunks drives all chunks to a terminal state on a worker pool of
// Concurrency goroutines. Results are returned indexed by sequence number.
// On context deadline, in-flight retries are abandoned and undispatched
// chunks are reported not-attempted rather than discarded.
func (s *Submitter) SubmitChunks(ctx context.Context, chunks []domain.SubmissionChunk) []domain.ChunkResult {
	results := make([]domain.ChunkResult, len(chunks))

	workers := s.cfg.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(chunks) {
		workers = len(chunks)
	}

	work := make(chan domain.SubmissionChunk)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for chunk := range work {
				// Each worker writes only its own sequence slot.
				results[chunk.Seq] = s.runChunk(ctx, chunk)
			}
		}()
	}
	for _, chunk := range chunks {
		work <- chunk
	}
	close(work)
	wg.Wait()

	for _, res := range results {
		s.metrics.ChunksSubmitted.WithLabelValues(string(res.Status)).Inc()
	}
	return results
}

// chunkState tracks one chunk through its submission state machine.
type chunkState int

const (
	statePending chunkState = iota
	stateInFlight
	stateRetrying
	stateSucceeded
	stateFailed
)

// runChunk drives one chunk from pending to a terminal state: submit, retry
// transient failures with capped exponential backoff, give up after
// MaxAttempts or when the run deadline arrives.
func (s *Submitter) runChunk(ctx context.Context, chunk domain.SubmissionChunk) domain.ChunkResult {
	res := domain.ChunkResult{
		Seq:     chunk.Seq,
		Records: len(chunk.Observations),
		Status:  domain.ChunkNotAttempted,
	}
	if ctx.Err() != nil {
		return res
	}

	start := time.Now()
	defer func() { s.metrics.ChunkDuration.Observe(time.Since(start).Seconds()) }()

	s.dumpChunk(chunk)

	state := statePending
	backoff := s.cfg.BackoffBase
	var lastErr error

	for state != stateSucceeded && state != stateFailed {
		switch state {
		case statePending:
			state = stateInFlight

		case stateInFlight:
			res.Attempts++
			resp, err := s.client.SubmitChunk(ctx, chunk)
			if err == nil {
				s.tally(&res, resp)
				s.dumpResponse(chunk.Seq, resp)
				state = stateSucceeded
				continue
			}
			lastErr = err
			s.logger.Warn("chunk submission attempt failed",
				"seq", chunk.Seq, "attempt", res.Attempts, "error", err)
			if res.Attempts >= s.cfg.MaxAttempts || ctx.Err() != nil {
				state = stateFailed
				continue
			}
			state = stateRetrying

		case stateRetrying:
			if !sleepWithContext(ctx, backoff) {
				// Run deadline reached mid-backoff: abandon the retry.
				lastErr = fmt.Errorf("retries abandoned: %w", context.Cause(ctx))
				state = stateFailed
				continue
			}
			backoff = nextBackoff(backoff, s.cfg.BackoffMax)
			state = stateInFlight
		}
	}

	if state == stateFailed {
		res.Status = domain.ChunkFailed
		res.Error = lastErr.Error()
		s.logger.Error("chunk failed after retries",
			"seq", chunk.Seq, "attempts", res.Attempts, "error", lastErr)
		return res
	}

	res.Status = domain.ChunkSucceeded
	return res
}

func (s *Submitter) tally(res *domain.ChunkResult, resp domain.ChunkResponse) {
	for _, status := range resp.Statuses {
		switch status.Status {
		case domain.StatusInserted:
			res.Inserted++
			s.metrics.RecordsInserted.Inc()
		case domain.StatusDuplicate:
			res.Duplicate++
			s.metrics.RecordsDuplicate.Inc()
		case domain.StatusRejected:
			res.Rejected++
			s.metrics.RecordsRejectedDown.Inc()
			s.logger.Warn("record rejected downstream", "key", status.Key, "reason", status.Reason)
		default:
			s.logger.Warn("unrecognized record status", "key", status.Key, "status", status.Status)
		}
	}
}

// dumpChunk writes the outgoing payload to the audit path when debug dumps
// are enabled.
func (s *Submitter) dumpChunk(chunk domain.SubmissionChunk) {
	if s.cfg.DumpDir == "" {
		return
	}
	type dumpObservation struct {
		Key       string                        `json:"key"`
		Variables map[string]domain.Measurement `json:"variables"`
	}
	obs := make([]dumpObservation, len(chunk.Observations))
	for i, o := range chunk.Observations {
		obs[i] = dumpObservation{Key: o.Key.String(), Variables: o.Variables}
	}
	dumpJSON(s.cfg.DumpDir, fmt.Sprintf("chunk_%04d_payload.json", chunk.Seq), obs, s.logger)
}

func (s *Submitter) dumpResponse(seq int, resp domain.ChunkResponse) {
	if s.cfg.DumpDir == "" {
		return
	}
	dumpJSON(s.cfg.DumpDir, fmt.Sprintf("chunk_%04d_response.json", seq), resp, s.logger)
}

// dumpJSON writes a diagnostics file, best-effort: the dump path is never
// read back by the pipeline.
func dumpJSON(dir, name string, v any, logger *slog.Logger) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Warn("debug dump marshal failed", "file", name, "error", err)
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("debug dump dir failed", "dir", dir, "error", err)
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Warn("debug dump write failed", "file", path, "error", err)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
