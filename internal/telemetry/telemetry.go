// Package telemetry exposes the agent's own operation as prometheus metrics.
package telemetry

import (
	"strconv"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "edgetel"

// Metrics is the prometheus backed Recorder.
type Metrics struct {
	PollCycles       *prometheus.CounterVec
	PollDuration     *prometheus.HistogramVec
	SkippedCycles    *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DroppedEvents    *prometheus.CounterVec
	ListenerMessages *prometheus.CounterVec
	ConnectionErrors *prometheus.CounterVec
	Namespaces       prometheus.Gauge
}

// New creates the metrics and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		PollCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Subsystem: "poller",
				Name:      "cycles_total",
				Help:      "Completed poll cycles by result",
			},
			[]string{"namespace", "poller", "result"},
		),
		PollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Subsystem: "poller",
				Name:      "cycle_duration_seconds",
				Help:      "Poll cycle duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"namespace", "poller"},
		),
		SkippedCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Subsystem: "poller",
				Name:      "skipped_total",
				Help:      "Poll fires skipped because a cycle was still running",
			},
			[]string{"namespace", "poller"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Subsystem: "dispatch",
				Name:      "deliveries_total",
				Help:      "Sink deliveries by result",
			},
			[]string{"namespace", "sink", "result"},
		),
		DroppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events dropped because a queue was full",
			},
			[]string{"namespace", "stage", "name"},
		),
		ListenerMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Subsystem: "listener",
				Name:      "messages_total",
				Help:      "Messages received by listener sockets",
			},
			[]string{"protocol", "port"},
		),
		ConnectionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Subsystem: "listener",
				Name:      "connection_errors_total",
				Help:      "Listener connections closed because of an error",
			},
			[]string{"protocol", "port"},
		),
		Namespaces: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Subsystem: "registry",
				Name:      "namespaces",
				Help:      "Namespaces currently installed",
			},
		),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, errors.New().Wrap(errors.ErrInitFailed, err)
		}
	}

	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PollCycles,
		m.PollDuration,
		m.SkippedCycles,
		m.Deliveries,
		m.DroppedEvents,
		m.ListenerMessages,
		m.ConnectionErrors,
		m.Namespaces,
	}
}

func (m *Metrics) PollCycle(namespace, poller, result string, duration time.Duration) {
	m.PollCycles.WithLabelValues(namespace, poller, result).Inc()
	m.PollDuration.WithLabelValues(namespace, poller).Observe(duration.Seconds())
}

func (m *Metrics) PollSkipped(namespace, poller string) {
	m.SkippedCycles.WithLabelValues(namespace, poller).Inc()
}

func (m *Metrics) Delivery(namespace, sink, result string) {
	m.Deliveries.WithLabelValues(namespace, sink, result).Inc()
}

func (m *Metrics) Dropped(namespace, stage, name string) {
	m.DroppedEvents.WithLabelValues(namespace, stage, name).Inc()
}

func (m *Metrics) ListenerMessage(protocol string, port int) {
	m.ListenerMessages.WithLabelValues(protocol, strconv.Itoa(port)).Inc()
}

func (m *Metrics) ConnectionError(protocol string, port int) {
	m.ConnectionErrors.WithLabelValues(protocol, strconv.Itoa(port)).Inc()
}

func (m *Metrics) NamespacesActive(n int) {
	m.Namespaces.Set(float64(n))
}
