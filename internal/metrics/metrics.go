package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsIngested counts raw events by grouping outcome (new, grouped, reopened, rejected)
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalator_events_ingested_total",
			Help: "Raw detection events processed by the grouping engine",
		},
		[]string{"outcome"},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalator_alert_transitions_total",
			Help: "Alert state transitions",
		},
		[]string{"from", "to"},
	)

	Breaches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalator_sla_breaches_total",
			Help: "SLA deadlines missed",
		},
		[]string{"kind", "severity"},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalator_escalations_total",
			Help: "Escalation decisions by result (advanced, last_tier, ttr_notice, duplicate, halted)",
		},
		[]string{"result"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalator_notifications_total",
			Help: "Notification tasks by reason and final status",
		},
		[]string{"reason", "status"},
	)

	ConfigurationGaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalator_configuration_gaps_total",
			Help: "Escalation tiers that had nobody on call",
		},
		[]string{"role"},
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escalator_active_alerts",
			Help: "Alerts not yet resolved, as of the last SLA tick",
		},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "escalator_sla_tick_duration_seconds",
			Help:    "Duration of SLA scheduler ticks",
			Buckets: prometheus.DefBuckets,
		},
	)

	PolicyVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "escalator_policy_version",
			Help: "Version counter of the active escalation policy",
		},
	)
)

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
