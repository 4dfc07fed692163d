package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: принятые события по пути поступления (async/confirmed/batch)
	IngestedTotal *prometheus.CounterVec

	// Потери: единственный способ увидеть drop на fire-and-forget пути
	DroppedTotal prometheus.Counter

	// Saturation: заполненность кольцевого буфера (backpressure)
	BufferFill prometheus.Gauge

	// Flush: длительность и размер пакетной записи
	FlushDuration prometheus.Histogram
	FlushBatch    prometheus.Histogram

	// Reliability: ретраи записи в durable store
	StoreRetries prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — без регистратора метрики живут в изолированном registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		IngestedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_events_ingested_total",
			Help: "Total number of accepted audit events by ingestion path.",
		}, []string{"path"}),

		DroppedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auditchain_events_dropped_total",
			Help: "Events rejected by the full ingest buffer (lossy drop).",
		}),

		BufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "auditchain_ingest_buffer_fill",
			Help: "Current number of events waiting in the ingest buffer.",
		}),

		FlushDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "auditchain_flush_duration_seconds",
			Help:    "Histogram of durable store flush latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		FlushBatch: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "auditchain_flush_batch_size",
			Help:    "Histogram of flushed batch sizes.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 5000},
		}),

		StoreRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auditchain_store_retries_total",
			Help: "Total number of retried durable store writes.",
		}),
	}
}
