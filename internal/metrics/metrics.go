package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lodgeworks/dispatchq/internal/domain"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	ItemsDelivered  *prometheus.CounterVec
	ItemsFailed     *prometheus.CounterVec
	ItemsDeduped    prometheus.Counter
	ItemsReclaimed  prometheus.Counter
	ItemsExhausted  prometheus.Counter
	RateLimitHits   prometheus.Counter
	DeliveryLatency *prometheus.HistogramVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ItemsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_items_delivered_total",
			Help: "Total number of successfully delivered queue items.",
		}, []string{"kind"}),

		ItemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_items_failed_total",
			Help: "Total number of failed delivery attempts.",
		}, []string{"kind"}),

		ItemsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_items_deduplicated_total",
			Help: "Total number of enqueues suppressed as duplicates.",
		}),

		ItemsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_items_reclaimed_total",
			Help: "Total number of stuck items returned to pending by the reaper.",
		}),

		ItemsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_items_exhausted_total",
			Help: "Total number of stuck items failed by the reaper because their retry budget was spent.",
		}),

		RateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_rate_limit_hits_total",
			Help: "Total number of dispatch attempts deferred by the rate limiter.",
		}),

		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_delivery_seconds",
			Help:    "Per-item latency from claim to sender ack.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.ItemsDelivered,
		m.ItemsFailed,
		m.ItemsDeduped,
		m.ItemsReclaimed,
		m.ItemsExhausted,
		m.RateLimitHits,
		m.DeliveryLatency,
	)

	return m
}

// RegisterQueueDepth registers a gauge reporting the current number of
// pending items, sampled from the store at scrape time rather than tracked
// incrementally.
func RegisterQueueDepth(reg prometheus.Registerer, pending func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "queue_items_pending",
		Help: "Current number of pending queue items.",
	}, pending))
}

// DispatchHooks returns the metric callbacks expected by dispatch.Hooks.
// Centralises the prometheus observation calls so the dispatcher stays
// import-free.
func (m *Metrics) DispatchHooks() (
	onDelivered func(domain.Kind, time.Duration),
	onFailed func(domain.Kind),
	onRateLimited func(),
) {
	onDelivered = func(kind domain.Kind, latency time.Duration) {
		m.ItemsDelivered.WithLabelValues(string(kind)).Inc()
		m.DeliveryLatency.WithLabelValues(string(kind)).Observe(latency.Seconds())
	}
	onFailed = func(kind domain.Kind) {
		m.ItemsFailed.WithLabelValues(string(kind)).Inc()
	}
	onRateLimited = func() {
		m.RateLimitHits.Inc()
	}
	return
}

// ReaperHook returns the callback expected by the stuck-item reaper.
func (m *Metrics) ReaperHook() func(reclaimed, exhausted int) {
	return func(reclaimed, exhausted int) {
		m.ItemsReclaimed.Add(float64(reclaimed))
		m.ItemsExhausted.Add(float64(exhausted))
	}
}

// DedupHook returns the callback expected by the enqueuer.
func (m *Metrics) DedupHook() func() {
	return func() { m.ItemsDeduped.Inc() }
}
