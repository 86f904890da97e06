package metamgr

import (
	"context"
	"errors"

	"github.com/cloudrook/obs-ingest/internal/domain"
	"github.com/cloudrook/obs-ingest/internal/observability"
)

// CachedResolver wraps a StationResolver with per-run memoization of both
// successful and definitive not-found lookups. Remote calls are bounded by
// the number of distinct station ids seen, not the number of observations,
// and a station confirmed unresolvable is not retried mid-run.
//
// The cache is scoped to one run and discarded with it. It is populated
// during the single-threaded validation phase and read-only afterwards, so
// it carries no lock.
type CachedResolver struct {
	inner   domain.StationResolver
	hits    map[string]domain.StationRecord
	misses  map[string]error
	metrics *observability.Metrics
}

// NewCachedResolver creates a memoizing decorator around a resolver.
func NewCachedResolver(inner domain.StationResolver, metrics *observability.Metrics) *CachedResolver {
	return &CachedResolver{
		inner:   inner,
		hits:    make(map[string]domain.StationRecord),
		misses:  make(map[string]error),
		metrics: metrics,
	}
}

// Resolve returns the memoized record or consults the metadata service.
// Transient transport errors are NOT memoized, so a later observation of the
// same station gets a fresh attempt; definitive not-founds are.
func (r *CachedResolver) Resolve(ctx context.Context, stationID string) (domain.StationRecord, error) {
	if station, ok := r.hits[stationID]; ok {
		r.metrics.StationLookups.WithLabelValues("hit").Inc()
		return station, nil
	}
	if err, ok := r.misses[stationID]; ok {
		r.metrics.StationLookups.WithLabelValues("hit").Inc()
		return domain.StationRecord{}, err
	}

	station, err := r.inner.Resolve(ctx, stationID)
	if err != nil {
		if errors.Is(err, domain.ErrStationNotFound) {
			r.metrics.StationLookups.WithLabelValues("notfound").Inc()
			r.misses[stationID] = err
		} else {
			r.metrics.StationLookups.WithLabelValues("error").Inc()
		}
		return domain.StationRecord{}, err
	}

	r.metrics.StationLookups.WithLabelValues("miss").Inc()
	r.hits[stationID] = station
	return station, nil
}
