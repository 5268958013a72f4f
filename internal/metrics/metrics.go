package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dose_tracker"

// Metrics holds the Prometheus collectors for the agent. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	occurrencesRecorded prometheus.Counter
	archivesCreated     prometheus.Counter

	eventsPushed   *prometheus.CounterVec
	eventsReceived *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	pushDuration   prometheus.Histogram

	remindersFired   prometheus.Counter
	remindersPending prometheus.Gauge

	httpDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		occurrencesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "occurrences_recorded_total",
			Help:      "Total number of occurrences recorded on tracked items",
		}),
		archivesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_created_total",
			Help:      "Total number of occurrence archives detached from tracked items",
		}),

		eventsPushed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_pushed_total",
			Help:      "Sync events pushed to the backend by result",
		}, []string{"result"}),
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_received_total",
			Help:      "Sync events received by the ingest server by result",
		}, []string{"result"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Number of sync events waiting in the offline queue",
		}),
		pushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "push_duration_seconds",
			Help:      "Latency of pushing a single sync event",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		remindersFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "fired_total",
			Help:      "Total number of reminders delivered",
		}),
		remindersPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "pending",
			Help:      "Number of scheduled reminders",
		}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests by route and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
}

// Handler exposes the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) OccurrenceRecorded() {
	if m == nil {
		return
	}
	m.occurrencesRecorded.Inc()
}

func (m *Metrics) ArchivesCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.archivesCreated.Add(float64(n))
}

// EventPushed records the outcome of a push: stored, duplicate, queued or failed
func (m *Metrics) EventPushed(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.eventsPushed.WithLabelValues(result).Inc()
	if elapsed > 0 {
		m.pushDuration.Observe(elapsed.Seconds())
	}
}

// EventReceived records an ingest outcome: stored, duplicate or rejected
func (m *Metrics) EventReceived(result string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) ReminderFired() {
	if m == nil {
		return
	}
	m.remindersFired.Inc()
}

func (m *Metrics) SetRemindersPending(n int) {
	if m == nil {
		return
	}
	m.remindersPending.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}
