package retention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ArchiveRuns     prometheus.Counter
	EventsArchived  prometheus.Counter
	BytesWritten    prometheus.Counter
	ArchiveDuration prometheus.Histogram
	PageErrors      prometheus.Counter

	// Движение по жизненному циклу: warm/cold/deleted
	TierTransitions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ArchiveRuns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auditchain_archive_runs_total",
			Help: "Total number of archival runs.",
		}),
		EventsArchived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auditchain_events_archived_total",
			Help: "Total number of events moved out of the hot tier.",
		}),
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auditchain_archive_bytes_written_total",
			Help: "Total compressed bytes written to the object store.",
		}),
		ArchiveDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "auditchain_archive_duration_seconds",
			Help:    "Histogram of archival run durations.",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		}),
		PageErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auditchain_archive_page_errors_total",
			Help: "Pages that failed during archival (best-effort per unit).",
		}),
		TierTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_tier_transitions_total",
			Help: "Batch transitions by destination tier.",
		}, []string{"to"}),
	}
}
