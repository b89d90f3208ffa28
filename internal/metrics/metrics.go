package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rickgao/marketfeed/internal/model"
)

const namespace = "marketfeed"

var connectionStates = []model.ConnectionState{
	model.Disconnected, model.Connecting, model.Connected, model.Reconnecting, model.Failed,
}

// Metrics holds every collector the gatherer exports.
type Metrics struct {
	connectionState *prometheus.GaugeVec
	reconnects      prometheus.Counter
	backoffSeconds  prometheus.Histogram
	frames          *prometheus.CounterVec
	protocolErrors  prometheus.Counter

	batches       *prometheus.CounterVec
	subscriptions *prometheus.GaugeVec

	queueDepth      prometheus.Gauge
	queueBlocked    prometheus.Counter
	ticksDispatched prometheus.Counter
	ticksDropped    prometheus.Counter
	handlerFailures *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec

	writerRows    *prometheus.CounterVec
	writerFlushes prometheus.Counter
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connection", Name: "state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "reconnects_total",
			Help: "Reconnection attempts scheduled.",
		}),
		backoffSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "connection", Name: "backoff_seconds",
			Help:    "Backoff waits before reconnection attempts.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "frames_total",
			Help: "Inbound frames by decoded kind.",
		}, []string{"kind"}),
		protocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "protocol_errors_total",
			Help: "Inbound frames skipped as malformed or unrecognized.",
		}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "batches_total",
			Help: "Control batches sent by method and result.",
		}, []string{"method", "result"}),
		subscriptions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "keys",
			Help: "Instrument keys in the ledger by state.",
		}, []string{"state"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "queue_depth",
			Help: "Events waiting between the read loop and dispatch.",
		}),
		queueBlocked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "queue_blocked_total",
			Help: "Times the read loop waited on a full dispatch queue.",
		}),
		ticksDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "ticks_total",
			Help: "Ticks delivered to the handler set.",
		}),
		ticksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "ticks_dropped_total",
			Help: "Ticks dropped because the key was not active.",
		}),
		handlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "handler_failures_total",
			Help: "Handler failures by handler.",
		}, []string{"handler"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "handler_duration_seconds",
			Help:    "Time spent in each handler per tick.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"handler"}),
		writerRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "rows_total",
			Help: "Tick rows by outcome (inserted, conflict, error).",
		}, []string{"outcome"}),
		writerFlushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "flushes_total",
			Help: "Batch flushes to the tick store.",
		}),
	}
}

// SetConnectionState marks s as the current state.
func (m *Metrics) SetConnectionState(s model.ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range connectionStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(st.String()).Set(v)
	}
}

// ObserveReconnect records one scheduled reconnection and its wait.
func (m *Metrics) ObserveReconnect(wait time.Duration) {
	if m == nil {
		return
	}
	m.reconnects.Inc()
	m.backoffSeconds.Observe(wait.Seconds())
}

// IncFrame counts one decoded frame of kind.
func (m *Metrics) IncFrame(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

// IncProtocolError counts one skipped frame.
func (m *Metrics) IncProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// IncBatch counts one control batch.
func (m *Metrics) IncBatch(method string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.batches.WithLabelValues(method, result).Inc()
}

// SetSubscriptions publishes ledger state counts.
func (m *Metrics) SetSubscriptions(active, pending, failed int) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues("active").Set(float64(active))
	m.subscriptions.WithLabelValues("pending").Set(float64(pending))
	m.subscriptions.WithLabelValues("failed").Set(float64(failed))
}

// SetQueueDepth publishes the dispatch queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// IncQueueBlocked counts one producer wait on a full queue.
func (m *Metrics) IncQueueBlocked() {
	if m == nil {
		return
	}
	m.queueBlocked.Inc()
}

// IncDispatched counts one tick delivered to handlers.
func (m *Metrics) IncDispatched() {
	if m == nil {
		return
	}
	m.ticksDispatched.Inc()
}

// IncDropped counts one tick dropped for an inactive key.
func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.ticksDropped.Inc()
}

// ObserveHandler records one handler invocation.
func (m *Metrics) ObserveHandler(name string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(name).Observe(d.Seconds())
	if failed {
		m.handlerFailures.WithLabelValues(name).Inc()
	}
}

// AddWriterRows counts rows by outcome.
func (m *Metrics) AddWriterRows(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.writerRows.WithLabelValues(outcome).Add(float64(n))
}

// IncWriterFlush counts one flush.
func (m *Metrics) IncWriterFlush() {
	if m == nil {
		return
	}
	m.writerFlushes.Inc()
}
