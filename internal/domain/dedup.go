package domain

import (
	"log/slog"
	"sort"
	"time"
)

// Deduplicator collapses residual duplicate observation keys in the accepted
// set and annotates records already submitted in recent runs using the
// seen-keys file carried between invocations.
//
// The seen-keys hint is advisory, not authoritative: hinted records are still
// submitted and the downstream service's per-record duplicate status is the
// only input to the final duplicate count. The hint exists purely to let
// operators track wasted submission volume.
type Deduplicator struct {
	seen      map[string]struct{}
	retention time.Duration
	logger    *slog.Logger
}

// NewDeduplicator creates a deduplicator. retention bounds how long a key
// stays in the seen set; keys whose observation timestamp has aged out are
// pruned before the set is persisted.
func NewDeduplicator(retention time.Duration, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		seen:      make(map[string]struct{}),
		retention: retention,
		logger:    logger,
	}
}

// LoadSeen primes the seen set from the persisted key lines of a prior run.
// Unparsable lines are dropped with a log, never fatal.
func (d *Deduplicator) LoadSeen(lines []string) {
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, err := ParseObservationKey(line); err != nil {
			d.logger.Warn("dropping unparsable seen-keys line", "line", line, "error", err)
			continue
		}
		d.seen[line] = struct{}{}
	}
}

// Collapse removes residual duplicate keys from the accepted set using a
// last-write-wins policy ordered by fetch provenance: the latest fetch wins,
// since later fetches may carry corrected data. Ties fall to the later
// element, matching raw-record processing order. It also sets the
// LikelyDuplicate hint on records present in the seen set.
//
// The canonicalizer already merges within a payload, so collisions here only
// arise across independently fetched raw records.
func (d *Deduplicator) Collapse(accepted []GroupedObservation) []GroupedObservation {
	byKey := make(map[ObservationKey]GroupedObservation, len(accepted))
	order := make([]ObservationKey, 0, len(accepted))

	for _, obs := range accepted {
		existing, ok := byKey[obs.Key]
		if !ok {
			order = append(order, obs.Key)
		} else if obs.FetchedAt.Before(existing.FetchedAt) {
			continue
		} else {
			d.logger.Debug("residual duplicate key collapsed, latest fetch wins",
				"key", obs.Key.String(), "kept_source", obs.Source, "dropped_source", existing.Source)
		}
		byKey[obs.Key] = obs
	}

	out := make([]GroupedObservation, 0, len(byKey))
	for _, key := range order {
		obs := byKey[key]
		if _, hinted := d.seen[key.String()]; hinted {
			obs.LikelyDuplicate = true
		}
		out = append(out, obs)
	}
	return out
}

// MarkSubmitted records keys the downstream service acknowledged (inserted or
// duplicate) so the next run can skip-hint them.
func (d *Deduplicator) MarkSubmitted(keys []ObservationKey) {
	for _, key := range keys {
		d.seen[key.String()] = struct{}{}
	}
}

// SeenSnapshot prunes keys whose observation timestamp predates the retention
// window and returns the surviving key lines, sorted for stable files.
func (d *Deduplicator) SeenSnapshot() []string {
	horizon := clock.Now().Add(-d.retention)

	lines := make([]string, 0, len(d.seen))
	for line := range d.seen {
		key, err := ParseObservationKey(line)
		if err != nil || key.Timestamp.Before(horizon) {
			delete(d.seen, line)
			continue
		}
		lines = append(lines, line)
	}
	sort.Strings(lines)
	return lines
}
