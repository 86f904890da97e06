package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the Prometheus counters, histograms, and gauges for one
// ingest pipeline.
type Metrics struct {
	FragmentsParsed prometheus.Counter
	ParseErrors     prometheus.Counter
	RecordsAccepted prometheus.Counter
	RecordsRejected *prometheus.CounterVec // label: reason

	// Two-tier dedup: likely_duplicates counts pre-submission hints only;
	// the downstream-authoritative counts are records_duplicate_total.
	LikelyDuplicates prometheus.Counter

	ChunksSubmitted     *prometheus.CounterVec // label: status={succeeded,failed,not-attempted}
	ChunkDuration       prometheus.Histogram
	RecordsInserted     prometheus.Counter
	RecordsDuplicate    prometheus.Counter
	RecordsRejectedDown prometheus.Counter

	StationLookups   *prometheus.CounterVec // label: result={hit,miss,notfound,error}
	CacheWriteErrors prometheus.Counter
	RunDuration      prometheus.Histogram
	RunActive        prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.FragmentsParsed,
		m.ParseErrors,
		m.RecordsAccepted,
		m.RecordsRejected,
		m.LikelyDuplicates,
		m.ChunksSubmitted,
		m.ChunkDuration,
		m.RecordsInserted,
		m.RecordsDuplicate,
		m.RecordsRejectedDown,
		m.StationLookups,
		m.CacheWriteErrors,
		m.RunDuration,
		m.RunActive,
	)
	return m
}

// NewMetricsForTesting creates Metrics with no registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		FragmentsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obs_ingest",
			Name:      "fragments_parsed_total",
			Help:      "Raw fragments successfully canonicalized.",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obs_ingest",
			Name:      "parse_errors_total",
			Help:      "Fragments or variables dropped during canonicalization.",
		}),
		RecordsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obs_ingest",
			Name:      "records_accepted_total",
			Help:      "Grouped observations that passed validation.",
		}),
		RecordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obs_ingest",
			Name:      "records_rejected_total",
			Help:      "Grouped observations rejected during validation, by reason.",
		}, []string{"reason"}),
		LikelyDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obs_ingest",
			Name:      "dedup_likely_duplicates_total",
			Help:      "Records hinted as already ingested by the seen-keys file (still submitted).",
		}),
		ChunksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obs_ingest",
			Name:      "chunks_total",
			Help:      "Submission chunks by terminal status.",
		}, []string{"status"}),
		ChunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "obs_ingest",
			Name:      "chunk_submit_duration_seconds",
			Help:      "Duration of one chunk submission including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RecordsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obs_ingest",
			Name:      "records_inserted_total",
			Help:      "Records the downstream service reported as inserted.",
		}),
		RecordsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obs_ingest",
			Name:      "records_duplicate_total",
			Help:      "Records the downstream service reported as duplicates (authoritative).",
		}),
		RecordsRejectedDown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obs_ingest",
			Name:      "records_rejected_downstream_total",
			Help:      "Records the downstream service rejected.",
		}),
		StationLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obs_ingest",
			Name:      "station_lookups_total",
			Help:      "Station metadata lookups by result.",
		}, []string{"result"}),
		CacheWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obs_ingest",
			Name:      "cache_write_errors_total",
			Help:      "Raw-cache archive failures (reported, never gate submission).",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "obs_ingest",
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete pipeline run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		RunActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "obs_ingest",
			Name:      "run_active",
			Help:      "1 while a pipeline run is executing.",
		}),
	}
}

// Push sends the default registry's metrics to a Pushgateway. A batch run has
// no long-lived scrape endpoint, so the final state is pushed at run end.
func Push(url, ingestName string) error {
	if err := push.New(url, "obs_ingest").
		Grouping("ingest", ingestName).
		Gatherer(prometheus.DefaultGatherer).
		Push(); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
