// Command ingest runs one observation ingest pass: it reads raw provider
// payload files given as arguments, normalizes and validates them, submits
// the accepted set to the downstream ingestion service in bounded chunks, and
// archives raw input plus the run result to the raw cache.
//
// Raw-data acquisition is a separate concern: whatever fetched the provider
// data (API poller, S3 drop, FTP pull) stages it as files and invokes this
// command.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	kafkaadapter "github.com/cloudrook/obs-ingest/internal/adapter/kafka"
	"github.com/cloudrook/obs-ingest/internal/adapter/metamgr"
	"github.com/cloudrook/obs-ingest/internal/adapter/poe"
	"github.com/cloudrook/obs-ingest/internal/adapter/rawcache"
	"github.com/cloudrook/obs-ingest/internal/config"
	"github.com/cloudrook/obs-ingest/internal/domain"
	"github.com/cloudrook/obs-ingest/internal/observability"
	"github.com/cloudrook/obs-ingest/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	records, err := readRawRecords(os.Args[1:])
	if err != nil {
		logger.Error("failed to read raw input", "error", err)
		os.Exit(1)
	}

	vocab, err := domain.LoadVocabulary(cfg.VocabPath)
	if err != nil {
		logger.Error("failed to load vocabulary", "path", cfg.VocabPath, "error", err)
		os.Exit(1)
	}

	p, cleanup, err := buildPipeline(cfg, vocab, logger, metrics)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.RunDeadline)
	defer cancel()

	result, err := p.Run(ctx, records)
	pushMetrics(cfg, logger)
	if err != nil {
		logger.Error("run aborted", "error", err)
		os.Exit(1)
	}
	if failed := result.FailedChunks(); len(failed) > 0 {
		logger.Warn("run completed with failed chunks", "run_id", result.RunID, "failed_chunks", failed)
	}
}

// buildPipeline assembles the run collaborators for either a live or a local
// run. The returned cleanup closes network clients.
func buildPipeline(cfg *config.Config, vocab *domain.Vocabulary, logger *slog.Logger, metrics *observability.Metrics) (*pipeline.Pipeline, func(), error) {
	canon := domain.NewCanonicalizer(vocab, cfg.StationPrefix, logger)
	dedup := domain.NewDeduplicator(cfg.SeenRetention, logger)

	var (
		resolver domain.StationResolver
		cache    rawcache.Store
		pinger   pipeline.Pinger
		client   pipeline.ChunkSubmitter
		cleanups []func()
	)

	if cfg.LocalRun {
		// Local runs never touch the network: all stations resolve, the raw
		// cache writes under CacheDir, and no chunk is submitted.
		resolver = localResolver{}
		cache = rawcache.NewLocalStore(cfg.CacheDir, cfg.IngestName)
	} else {
		resolver = metamgr.NewCachedResolver(
			metamgr.NewClient(cfg.MetamgrBaseURL(), cfg.MetamgrTimeout, logger), metrics)

		store, err := rawcache.NewObjectStore(rawcache.ObjectStoreOptions{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Bucket:    cfg.CacheBucket,
			Ingest:    cfg.IngestName,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		cache = store

		poeClient := poe.NewClient(cfg.POEAddress(), cfg.IngestName, cfg.SubmitTimeout, cfg.SubmitConcurrency, logger)
		cleanups = append(cleanups, func() { poeClient.Close() }) //nolint:errcheck
		pinger = poeClient
		client = poeClient
	}

	var notifier pipeline.ResultNotifier
	if len(cfg.KafkaBrokers) > 0 {
		n := kafkaadapter.NewNotifier(cfg.KafkaBrokers, cfg.KafkaResultTopic, logger)
		cleanups = append(cleanups, func() { n.Close() }) //nolint:errcheck
		notifier = n
	}

	submitter := pipeline.NewSubmitter(client, pipeline.SubmitterConfig{
		ChunkSize:   cfg.ChunkSize,
		Concurrency: cfg.SubmitConcurrency,
		MaxAttempts: cfg.SubmitMaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		DumpDir:     cfg.DebugDumpDir,
	}, logger, metrics)

	p := pipeline.New(pipeline.Options{
		Canonicalizer: canon,
		Validator:     domain.NewValidator(resolver, vocab, cfg.Retention, cfg.FutureTolerance, logger),
		Deduplicator:  dedup,
		Submitter:     submitter,
		Cache:         cache,
		Pinger:        pinger,
		Notifier:      notifier,
		IngestName:    cfg.IngestName,
		LocalRun:      cfg.LocalRun,
		DumpDir:       cfg.DebugDumpDir,
	}, logger, metrics)

	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}
	return p, cleanup, nil
}

// readRawRecords loads each staged payload file as one raw record. The file's
// modification time stands in for the fetch timestamp set by the acquisition
// stage.
func readRawRecords(paths []string) ([]domain.RawRecord, error) {
	records := make([]domain.RawRecord, 0, len(paths))
	for _, path := range paths {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		fetchedAt := time.Now().UTC()
		if info, err := os.Stat(path); err == nil {
			fetchedAt = info.ModTime().UTC()
		}
		records = append(records, domain.RawRecord{
			Source:    filepath.Base(path),
			FetchedAt: fetchedAt,
			Payload:   payload,
		})
	}
	return records, nil
}

func pushMetrics(cfg *config.Config, logger *slog.Logger) {
	if cfg.PushgatewayURL == "" {
		return
	}
	if err := observability.Push(cfg.PushgatewayURL, cfg.IngestName); err != nil {
		logger.Warn("metrics push failed", "error", err)
	}
}

// localResolver accepts every station on local runs, where the metadata
// service is unavailable.
type localResolver struct{}

func (localResolver) Resolve(_ context.Context, stationID string) (domain.StationRecord, error) {
	return domain.StationRecord{ID: stationID}, nil
}
