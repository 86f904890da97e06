package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ErrStationNotFound is returned by a StationResolver when the metadata store
// definitively does not know the station.
var ErrStationNotFound = errors.New("station not found")

// StationResolver resolves a station id to its registered attributes.
// Implementations memoize per run so remote calls are bounded by the number
// of distinct station ids, not the number of observations.
type StationResolver interface {
	Resolve(ctx context.Context, stationID string) (StationRecord, error)
}

// Validator partitions a grouped observation set into accepted and rejected
// records with reason codes. Record-level rejections never abort the run.
type Validator struct {
	resolver StationResolver
	vocab    *Vocabulary

	// Accepted time window relative to run time: observations older than
	// retention or further ahead than futureTolerance are rejected.
	retention       time.Duration
	futureTolerance time.Duration

	logger *slog.Logger
}

// NewValidator creates a validator. retention is the oldest acceptable
// observation age; futureTolerance the furthest acceptable clock skew ahead
// of run time.
func NewValidator(resolver StationResolver, vocab *Vocabulary, retention, futureTolerance time.Duration, logger *slog.Logger) *Validator {
	return &Validator{
		resolver:        resolver,
		vocab:           vocab,
		retention:       retention,
		futureTolerance: futureTolerance,
		logger:          logger,
	}
}

// Validate checks every grouped observation and returns the accepted set plus
// the rejections. Iteration is over sorted keys so rejection logs and reports
// are deterministic. Rejecting one observation never affects a different key.
func (v *Validator) Validate(ctx context.Context, grouped map[ObservationKey]GroupedObservation) ([]GroupedObservation, []Rejection) {
	now := clock.Now()
	oldest := now.Add(-v.retention)
	newest := now.Add(v.futureTolerance)

	keys := make([]ObservationKey, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	accepted := make([]GroupedObservation, 0, len(grouped))
	var rejected []Rejection

	for _, key := range keys {
		obs := grouped[key]
		if rej, ok := v.check(ctx, obs, oldest, newest); !ok {
			v.logger.Warn("observation rejected",
				"key", key.String(), "reason", string(rej.Reason), "detail", rej.Detail)
			rejected = append(rejected, rej)
			continue
		}
		accepted = append(accepted, obs)
	}
	return accepted, rejected
}

func (v *Validator) check(ctx context.Context, obs GroupedObservation, oldest, newest time.Time) (Rejection, bool) {
	key := obs.Key

	// A resolver failure rejects the record, not the run: a transport error
	// is indistinguishable from not-found for this record's purposes, and a
	// fresh run re-resolves.
	if _, err := v.resolver.Resolve(ctx, key.StationID); err != nil {
		return Rejection{Key: key, Reason: RejectUnknownStation, Detail: err.Error()}, false
	}

	if key.Timestamp.Before(oldest) || key.Timestamp.After(newest) {
		return Rejection{
			Key:    key,
			Reason: RejectTimestampWindow,
			Detail: fmt.Sprintf("timestamp outside [%s, %s]", oldest.Format(time.RFC3339), newest.Format(time.RFC3339)),
		}, false
	}

	vargems := make([]string, 0, len(obs.Variables))
	for vargem := range obs.Variables {
		vargems = append(vargems, vargem)
	}
	sort.Strings(vargems)

	for _, vargem := range vargems {
		m := obs.Variables[vargem]
		spec, ok := v.vocab.LookupVargem(vargem)
		if !ok {
			// Canonicalizer only emits vocabulary vargems; an unknown one here
			// means the measurement bypassed translation.
			return Rejection{Key: key, Reason: RejectUnitMismatch, Detail: fmt.Sprintf("%s: not in vocabulary", vargem)}, false
		}
		if m.Unit != spec.FinalUnit {
			return Rejection{
				Key:    key,
				Reason: RejectUnitMismatch,
				Detail: fmt.Sprintf("%s: got %q, want %q", vargem, m.Unit, spec.FinalUnit),
			}, false
		}
		if spec.Min != 0 || spec.Max != 0 {
			if m.Value < spec.Min || m.Value > spec.Max {
				return Rejection{
					Key:    key,
					Reason: RejectValueOutOfRange,
					Detail: fmt.Sprintf("%s: %g outside [%g, %g]", vargem, m.Value, spec.Min, spec.Max),
				}, false
			}
		}
	}
	return Rejection{}, true
}
