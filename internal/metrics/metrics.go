// Package metrics exposes pipeline counters to Prometheus. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "linewatch"

type Metrics struct {
	registry *prometheus.Registry

	received        prometheus.Counter
	dropped         *prometheus.CounterVec // by queue: task, broadcast
	processed       prometheus.Counter
	parseFailures   prometheus.Counter
	persistFallback prometheus.Counter
	rowFailures     prometheus.Counter
	alarmsCreated   prometheus.Counter
	workerKills     *prometheus.CounterVec // by stage: terminate, kill
	batchDuration   prometheus.Histogram
	subscribers     prometheus.Gauge
	brokerConnected prometheus.Gauge
	queueDepth      *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "messages_received_total",
			Help: "Broker messages received.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "dropped_total",
			Help: "Items refused by a full or closed queue.",
		}, []string{"queue"}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "readings_processed_total",
			Help: "Readings parsed, persisted and evaluated.",
		}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "parse_failures_total",
			Help: "Payloads dropped because they could not be decoded.",
		}),
		persistFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "batch_fallbacks_total",
			Help: "Batches retried row by row after a failed insert.",
		}),
		rowFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "row_failures_total",
			Help: "Readings skipped after their single-row insert failed.",
		}),
		alarmsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "alerts", Name: "records_created_total",
			Help: "Alarm records newly created.",
		}),
		workerKills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "forced_stops_total",
			Help: "Workers that ignored the cooperative stop.",
		}, []string{"stage"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "batch_duration_seconds",
			Help:    "Time to persist, evaluate and broadcast one micro-batch.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "subscribers",
			Help: "Connected subscribers.",
		}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "broker_connected",
			Help: "1 while the broker connection is up.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Items waiting in a queue.",
		}, []string{"queue"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.received, m.dropped, m.processed, m.parseFailures, m.persistFallback, m.rowFailures,
		m.alarmsCreated, m.workerKills, m.batchDuration, m.subscribers, m.brokerConnected, m.queueDepth,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Received() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) Dropped(queue string) {
	if m != nil {
		m.dropped.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) Processed(n int) {
	if m != nil {
		m.processed.Add(float64(n))
	}
}

func (m *Metrics) ParseFailure() {
	if m != nil {
		m.parseFailures.Inc()
	}
}

func (m *Metrics) BatchFallback() {
	if m != nil {
		m.persistFallback.Inc()
	}
}

func (m *Metrics) RowFailure() {
	if m != nil {
		m.rowFailures.Inc()
	}
}

func (m *Metrics) AlarmCreated() {
	if m != nil {
		m.alarmsCreated.Inc()
	}
}

func (m *Metrics) ForcedStop(stage string) {
	if m != nil {
		m.workerKills.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) ObserveBatch(seconds float64) {
	if m != nil {
		m.batchDuration.Observe(seconds)
	}
}

func (m *Metrics) SetSubscribers(n int) {
	if m != nil {
		m.subscribers.Set(float64(n))
	}
}

func (m *Metrics) SetBrokerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerConnected.Set(1)
	} else {
		m.brokerConnected.Set(0)
	}
}

func (m *Metrics) SetQueueDepth(queue string, n int) {
	if m != nil {
		m.queueDepth.WithLabelValues(queue).Set(float64(n))
	}
}
