package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayindex"

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	eventsProcessed prometheus.Counter
	errors          *prometheus.CounterVec
	duplicates      prometheus.Counter
	retries         prometheus.Counter
	deadLettered    prometheus.Counter
	processSeconds  prometheus.Histogram
	queueDepth      prometheus.Gauge
	relayConnected  *prometheus.GaugeVec
	cursorSequence  *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from relay connections.",
		}, []string{"relay"}),
		eventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Operations the processor handled successfully.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Processing failures by error class.",
		}, []string{"class"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_filtered_total",
			Help:      "Operations dropped by the dedup cache.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Operations scheduled for another attempt.",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Operations routed to the dead-letter queue.",
		}),
		processSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Processor call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in the event queue.",
		}),
		relayConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connected",
			Help:      "1 when the relay connection is open.",
		}, []string{"relay"}),
		cursorSequence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_sequence",
			Help:      "Last committed cursor per relay.",
		}, []string{"relay"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.framesReceived,
			m.eventsProcessed,
			m.errors,
			m.duplicates,
			m.retries,
			m.deadLettered,
			m.processSeconds,
			m.queueDepth,
			m.relayConnected,
			m.cursorSequence,
		)
	}
	return m
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(relay string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(relay).Inc()
}

func (m *Metrics) Processed(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.eventsProcessed.Inc()
	m.processSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) Failed(class string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(class).Inc()
	m.processSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.deadLettered.Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) SetRelayConnected(relay string, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1
	}
	m.relayConnected.WithLabelValues(relay).Set(value)
}

func (m *Metrics) SetCursor(relay string, seq int64) {
	if m == nil {
		return
	}
	m.cursorSequence.WithLabelValues(relay).Set(float64(seq))
}
