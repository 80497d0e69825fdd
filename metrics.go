package sentryz

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Send outcomes recorded in Metrics.Sends.
const (
	sendSuccess     = "success"
	sendFailed      = "failed"
	sendBuildError  = "build_error"
	sendRateLimited = "rate_limited"
	sendAbandoned   = "abandoned"
)

// Drop reasons recorded in Metrics.Dropped.
const (
	dropQueueFull = "queue_full"
	dropClosed    = "closed"
	dropUnsampled = "unsampled"
)

// Metrics counts delivery outcomes for one hub. Register them with
// Options.Registerer or through Collectors.
type Metrics struct {
	Enqueued *prometheus.CounterVec
	Dropped  *prometheus.CounterVec
	Sends    *prometheus.CounterVec
	Retries  prometheus.Counter
	queueLen prometheus.GaugeFunc
}

func newMetrics(q *queue) *Metrics {
	return &Metrics{
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryz",
			Name:      "payloads_enqueued_total",
			Help:      "Payloads accepted by the delivery queue.",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryz",
			Name:      "payloads_dropped_total",
			Help:      "Payloads discarded before reaching the worker.",
		}, []string{"reason"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryz",
			Name:      "sends_total",
			Help:      "Envelope send attempts by outcome.",
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentryz",
			Name:      "send_retries_total",
			Help:      "Sends retried after a rate limit response.",
		}),
		queueLen: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sentryz",
			Name:      "queue_length",
			Help:      "Payloads waiting for the worker.",
		}, func() float64 {
			return float64(q.len())
		}),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Enqueued, m.Dropped, m.Sends, m.Retries, m.queueLen}
}

func (m *Metrics) register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
