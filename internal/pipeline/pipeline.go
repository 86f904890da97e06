// Package pipeline orchestrates one ingest run: canonicalize raw provider
// payloads, validate against station metadata, deduplicate, submit in bounded
// chunks, and archive raw input plus the aggregated result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cloudrook/obs-ingest/internal/adapter/rawcache"
	"github.com/cloudrook/obs-ingest/internal/domain"
	"github.com/cloudrook/obs-ingest/internal/observability"
)

// Pinger verifies the downstream service is reachable before any chunk is
// attempted. An unreachable downstream is fatal: no submission can proceed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ResultNotifier publishes the aggregated result of a completed run.
type ResultNotifier interface {
	Publish(ctx context.Context, result domain.SubmissionResult) error
}

// Pipeline wires the run stages together. One Run per invocation.
type Pipeline struct {
	canon     *domain.Canonicalizer
	validator *domain.Validator
	dedup     *domain.Deduplicator
	submitter *Submitter
	cache     rawcache.Store

	pinger   Pinger         // nil on local runs
	notifier ResultNotifier // nil when no result topic is configured

	ingestName string
	localRun   bool
	dumpDir    string

	logger  *slog.Logger
	metrics *observability.Metrics
}

// Options carries the pipeline collaborators and run flags.
type Options struct {
	Canonicalizer *domain.Canonicalizer
	Validator     *domain.Validator
	Deduplicator  *domain.Deduplicator
	Submitter     *Submitter
	Cache         rawcache.Store
	Pinger        Pinger
	Notifier      ResultNotifier

	IngestName string
	LocalRun   bool
	DumpDir    string
}

// New creates a Pipeline.
func New(opts Options, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		canon:      opts.Canonicalizer,
		validator:  opts.Validator,
		dedup:      opts.Deduplicator,
		submitter:  opts.Submitter,
		cache:      opts.Cache,
		pinger:     opts.Pinger,
		notifier:   opts.Notifier,
		ingestName: opts.IngestName,
		localRun:   opts.LocalRun,
		dumpDir:    opts.DumpDir,
		logger:     logger,
		metrics:    metrics,
	}
}

// Run executes one complete ingest run over the given raw records. Record and
// chunk failures are absorbed into the result; only pre-submission
// configuration/connectivity failures return an error.
func (p *Pipeline) Run(ctx context.Context, records []domain.RawRecord) (domain.SubmissionResult, error) {
	start := time.Now()
	p.metrics.RunActive.Set(1)
	defer p.metrics.RunActive.Set(0)
	defer func() { p.metrics.RunDuration.Observe(time.Since(start).Seconds()) }()

	result := domain.SubmissionResult{
		RunID:      uuid.NewString(),
		IngestName: p.ingestName,
		StartedAt:  start.UTC(),
		RawRecords: len(records),
	}
	p.logger.Info("run started", "run_id", result.RunID, "raw_records", len(records))

	// Raw input is archived up front, independent of everything downstream:
	// the cache is the sole replay path if this submission must be redone.
	p.archiveRaw(ctx, records, &result)

	grouped, stats := p.canon.Canonicalize(records)
	result.Fragments = stats.Fragments
	result.ParseErrors = stats.ParseErrors()
	p.metrics.FragmentsParsed.Add(float64(stats.Parsed))
	p.metrics.ParseErrors.Add(float64(stats.ParseErrors()))
	p.logger.Info("canonicalized",
		"fragments", stats.Fragments, "grouped", len(grouped),
		"merged", stats.Merged, "parse_errors", stats.ParseErrors())

	accepted, rejections := p.validator.Validate(ctx, grouped)
	result.Rejected = len(rejections)
	result.Rejections = rejections
	p.metrics.RecordsAccepted.Add(float64(len(accepted)))
	for _, rej := range rejections {
		p.metrics.RecordsRejected.WithLabelValues(string(rej.Reason)).Inc()
	}

	submission := p.dedupe(ctx, accepted, &result)
	result.Accepted = len(submission)
	p.dumpGrouped(submission)

	chunks := p.submitter.Partition(submission)
	if err := p.submit(ctx, chunks, &result); err != nil {
		return result, err
	}

	for i, cr := range result.Chunks {
		if cr.Status != domain.ChunkSucceeded {
			continue
		}
		keys := make([]domain.ObservationKey, len(chunks[i].Observations))
		for j, obs := range chunks[i].Observations {
			keys[j] = obs.Key
		}
		p.dedup.MarkSubmitted(keys)
	}

	if err := p.cache.StoreSeen(ctx, p.dedup.SeenSnapshot()); err != nil {
		p.logger.Error("seen-keys store failed", "error", err)
		p.metrics.CacheWriteErrors.Inc()
		result.CacheErrors++
	}

	result.FinishedAt = time.Now().UTC()
	for _, cr := range result.Chunks {
		result.Inserted += cr.Inserted
		result.Duplicate += cr.Duplicate
		result.RejectedDownstream += cr.Rejected
	}

	if err := p.cache.ArchiveResult(ctx, result); err != nil {
		p.logger.Error("result archive failed", "run_id", result.RunID, "error", err)
		p.metrics.CacheWriteErrors.Inc()
		result.CacheErrors++
	}
	p.notify(ctx, result)

	p.logger.Info("run finished",
		"run_id", result.RunID,
		"accepted", result.Accepted,
		"rejected", result.Rejected,
		"inserted", result.Inserted,
		"duplicate", result.Duplicate,
		"rejected_downstream", result.RejectedDownstream,
		"failed_chunks", result.FailedChunks(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

func (p *Pipeline) archiveRaw(ctx context.Context, records []domain.RawRecord, result *domain.SubmissionResult) {
	for _, rec := range records {
		if err := p.cache.ArchiveRaw(ctx, rec); err != nil {
			p.logger.Error("raw cache archive failed",
				"source", rec.Source, "fetched_at", rec.FetchedAt, "error", err)
			p.metrics.CacheWriteErrors.Inc()
			result.CacheErrors++
		}
	}
}

func (p *Pipeline) dedupe(ctx context.Context, accepted []domain.GroupedObservation, result *domain.SubmissionResult) []domain.GroupedObservation {
	lines, err := p.cache.LoadSeen(ctx)
	if err != nil {
		// The hint is advisory; a missing signal only costs submission volume.
		p.logger.Warn("seen-keys load failed, continuing without duplicate hints", "error", err)
	} else {
		p.dedup.LoadSeen(lines)
	}

	submission := p.dedup.Collapse(accepted)
	for _, obs := range submission {
		if obs.LikelyDuplicate {
			result.LikelyDuplicates++
			p.metrics.LikelyDuplicates.Inc()
		}
	}
	return submission
}

func (p *Pipeline) submit(ctx context.Context, chunks []domain.SubmissionChunk, result *domain.SubmissionResult) error {
	if p.localRun {
		p.logger.Info("local run, skipping downstream submission", "chunks", len(chunks))
		result.Chunks = make([]domain.ChunkResult, len(chunks))
		for i, chunk := range chunks {
			result.Chunks[i] = domain.ChunkResult{
				Seq:     chunk.Seq,
				Records: len(chunk.Observations),
				Status:  domain.ChunkNotAttempted,
			}
			p.submitter.dumpChunk(chunk)
		}
		return nil
	}

	if len(chunks) > 0 {
		if err := p.pinger.Ping(ctx); err != nil {
			return fmt.Errorf("downstream preflight failed: %w", err)
		}
	}
	result.Chunks = p.submitter.SubmitChunks(ctx, chunks)
	return nil
}

func (p *Pipeline) notify(ctx context.Context, result domain.SubmissionResult) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Publish(ctx, result); err != nil {
		p.logger.Warn("run result publish failed", "run_id", result.RunID, "error", err)
	}
}

// dumpGrouped writes the deduplicated submission set to grouped_obs.json
// when debug dumps are enabled, one entry per observation key.
func (p *Pipeline) dumpGrouped(submission []domain.GroupedObservation) {
	if p.dumpDir == "" {
		return
	}
	lines := make([]groupedLine, len(submission))
	for i, obs := range submission {
		lines[i] = groupedLine{
			Key:             obs.Key.String(),
			Variables:       obs.Variables,
			LikelyDuplicate: obs.LikelyDuplicate,
		}
	}
	dumpJSON(p.dumpDir, "grouped_obs.json", lines, p.logger)
}

type groupedLine struct {
	Key             string                        `json:"key"`
	Variables       map[string]domain.Measurement `json:"variables"`
	LikelyDuplicate bool                          `json:"likely_duplicate,omitempty"`
}
