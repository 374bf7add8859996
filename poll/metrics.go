package poll

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricRunsTotal          = "buonacaccia_runs_total"
	MetricRunDuration        = "buonacaccia_run_duration_seconds"
	MetricEventsParsed       = "buonacaccia_events_parsed"
	MetricCachedEvents       = "buonacaccia_cached_events"
	MetricNotificationsTotal = "buonacaccia_notifications_total"
	MetricDetailFetchesTotal = "buonacaccia_detail_fetches_total"
)

// Notification kinds.
const (
	KindNewEvent = "new_event"
	KindReminder = "reminder"
)

// Delivery and fetch results.
const (
	ResultSent   = "sent"
	ResultDenied = "denied"
	ResultFailed = "failed"
	ResultOK     = "ok"
)

// Metrics contains Prometheus metrics for pipeline runs.
// All operations are thread-safe.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	eventsParsed  prometheus.Gauge
	cachedEvents  prometheus.Gauge
	notifications *prometheus.CounterVec
	detailFetches *prometheus.CounterVec
}

// NewMetrics creates the collectors. They are not registered; call Register.
func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRunsTotal,
				Help: "Total number of pipeline runs by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricRunDuration,
				Help:    "Histogram of pipeline run duration in seconds by trigger",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 120},
			},
			[]string{"trigger"},
		),
		eventsParsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricEventsParsed,
			Help: "Number of events parsed from the listing in the last run",
		}),
		cachedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricCachedEvents,
			Help: "Number of events held in the cache after the last run",
		}),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNotificationsTotal,
				Help: "Total number of notification directives by kind and result",
			},
			[]string{"kind", "result"},
		),
		detailFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDetailFetchesTotal,
				Help: "Total number of event detail page fetches by result",
			},
			[]string{"result"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.runsTotal,
		m.runDuration,
		m.eventsParsed,
		m.cachedEvents,
		m.notifications,
		m.detailFetches,
	}
}

// IncRuns counts a finished run.
func (m *Metrics) IncRuns(trigger string, outcome Outcome) {
	m.runsTotal.WithLabelValues(trigger, outcome.String()).Inc()
}

// ObserveRunDuration records a run duration sample.
func (m *Metrics) ObserveRunDuration(trigger string, seconds float64) {
	m.runDuration.WithLabelValues(trigger).Observe(seconds)
}

// SetEventsParsed records the listing size of the last run.
func (m *Metrics) SetEventsParsed(n int) {
	m.eventsParsed.Set(float64(n))
}

// SetCachedEvents records the cache size after the last run.
func (m *Metrics) SetCachedEvents(n int) {
	m.cachedEvents.Set(float64(n))
}

// IncNotifications counts a notification directive.
// kind: KindNewEvent or KindReminder
// result: ResultSent, ResultDenied or ResultFailed
func (m *Metrics) IncNotifications(kind, result string) {
	m.notifications.WithLabelValues(kind, result).Inc()
}

// IncDetailFetches counts a detail page fetch (ResultOK or ResultFailed).
func (m *Metrics) IncDetailFetches(result string) {
	m.detailFetches.WithLabelValues(result).Inc()
}
