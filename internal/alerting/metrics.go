package alerting

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EventsEvaluated prometheus.Counter
	QueueDropped    prometheus.Counter
	AlertsFired     *prometheus.CounterVec
	DispatchErrors  *prometheus.CounterVec
	RulesLoaded     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EventsEvaluated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auditchain_alert_events_evaluated_total",
			Help: "Events run through the rule engine.",
		}),
		QueueDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auditchain_alert_queue_dropped_total",
			Help: "Events dropped by the full evaluation queue.",
		}),
		AlertsFired: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_alerts_fired_total",
			Help: "Alerts created, by rule name.",
		}, []string{"rule"}),
		DispatchErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "auditchain_alert_dispatch_errors_total",
			Help: "Failed notification deliveries by action type.",
		}, []string{"action"}),
		RulesLoaded: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "auditchain_alert_rules_loaded",
			Help: "Number of rules currently held by the engine.",
		}),
	}
}
