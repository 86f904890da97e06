// Package rawcache persists raw provider input and run results to a durable,
// append-only store, and carries the seen-keys idempotency file between runs.
// The cache is the sole replay path when a submission must be redone, so
// write failures are reported to the caller, never swallowed. They never
// gate submission.
package rawcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudrook/obs-ingest/internal/domain"
)

// Store is the raw-cache surface the pipeline writes through.
type Store interface {
	// ArchiveRaw persists one raw record, keyed by source and fetch
	// timestamp. Entries are written once and never mutated.
	ArchiveRaw(ctx context.Context, rec domain.RawRecord) error

	// ArchiveResult persists the final aggregated result of a run.
	ArchiveResult(ctx context.Context, result domain.SubmissionResult) error

	// LoadSeen returns the seen-keys lines persisted by the previous run.
	// A missing file is not an error: first runs start empty.
	LoadSeen(ctx context.Context) ([]string, error)

	// StoreSeen persists the pruned seen-keys lines for the next run.
	StoreSeen(ctx context.Context, lines []string) error
}

// cacheEntry is the archived envelope around one raw record. The payload is
// preserved byte-for-byte; only provenance metadata is added.
type cacheEntry struct {
	CachedAt  time.Time       `json:"cached_at"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
	RawData   json.RawMessage `json:"raw_data"`
}

// rawObjectKey lays out archive keys as
// <ingest>/raw/<YYYY>/<MM>/<source>_<unix fetch ts>.json, grouping objects by
// fetch date for replay tooling.
func rawObjectKey(ingest string, rec domain.RawRecord) string {
	t := rec.FetchedAt.UTC()
	return fmt.Sprintf("%s/raw/%04d/%02d/%s_%d.json", ingest, t.Year(), t.Month(), rec.Source, t.Unix())
}

func resultObjectKey(ingest, runID string) string {
	return fmt.Sprintf("%s/results/%s.json", ingest, runID)
}

func seenObjectKey(ingest string) string {
	return fmt.Sprintf("%s/state/seen_obs.txt", ingest)
}

func encodeEntry(rec domain.RawRecord, now time.Time) ([]byte, error) {
	payload := rec.Payload
	if !json.Valid(payload) {
		// Non-JSON provider payloads are archived as a JSON string.
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return nil, fmt.Errorf("encode raw payload: %w", err)
		}
		payload = quoted
	}
	data, err := json.Marshal(cacheEntry{
		CachedAt:  now.UTC(),
		Source:    rec.Source,
		FetchedAt: rec.FetchedAt.UTC(),
		RawData:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}
