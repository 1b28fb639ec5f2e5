package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "topicbus"

// BusMetrics exposes delivery statistics as Prometheus collectors. All methods
// are no-ops on a nil receiver.
type BusMetrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	published     *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	faults        *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	subscribers   *prometheus.GaugeVec
	asyncInFlight prometheus.Gauge
}

// NewBusMetrics creates the collectors for one bus. busName becomes a constant
// "bus" label so several buses can share a registry.
func NewBusMetrics(registerer prometheus.Registerer, busName string) *BusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"bus": busName}

	return &BusMetrics{
		registerer: registerer,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "published_total",
			Help:        "Total number of publishes that reached at least one subscriber",
			ConstLabels: labels,
		}, []string{"topic"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "deliveries_total",
			Help:        "Total number of handler invocations by outcome",
			ConstLabels: labels,
		}, []string{"topic", "outcome"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "subscriber_faults_total",
			Help:        "Total number of recovered subscriber faults by category",
			ConstLabels: labels,
		}, []string{"topic", "category"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "delivery_duration_seconds",
			Help:        "Handler invocation latency",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"topic"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "subscribers",
			Help:        "Current number of subscriptions per topic",
			ConstLabels: labels,
		}, []string{"topic"}),
		asyncInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "async_in_flight",
			Help:        "Number of PublishAsync sweeps not yet finished",
			ConstLabels: labels,
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times;
// collectors already registered by another bus with the same name are reused.
func (m *BusMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.published, err = registerCollector(m.registerer, m.published); err != nil {
		return err
	}
	if m.deliveries, err = registerCollector(m.registerer, m.deliveries); err != nil {
		return err
	}
	if m.faults, err = registerCollector(m.registerer, m.faults); err != nil {
		return err
	}
	if m.duration, err = registerCollector(m.registerer, m.duration); err != nil {
		return err
	}
	if m.subscribers, err = registerCollector(m.registerer, m.subscribers); err != nil {
		return err
	}
	if m.asyncInFlight, err = registerCollector(m.registerer, m.asyncInFlight); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// RecordPublished counts one publish on topic.
func (m *BusMetrics) RecordPublished(topic string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic).Inc()
}

// ObserveDelivery records one handler invocation.
func (m *BusMetrics) ObserveDelivery(topic string, d time.Duration, category ErrorCategory) {
	if m == nil {
		return
	}
	outcome := "ok"
	if category != ErrorCategoryNone {
		outcome = "fault"
		m.faults.WithLabelValues(topic, string(category)).Inc()
	}
	m.deliveries.WithLabelValues(topic, outcome).Inc()
	m.duration.WithLabelValues(topic).Observe(d.Seconds())
}

// SetSubscribers sets the subscription gauge of topic.
func (m *BusMetrics) SetSubscribers(topic string, n int) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(topic).Set(float64(n))
}

// SetAsyncInFlight sets the number of running async sweeps.
func (m *BusMetrics) SetAsyncInFlight(n int) {
	if m == nil {
		return
	}
	m.asyncInFlight.Set(float64(n))
}

// Reset clears every labelled series (useful for testing).
func (m *BusMetrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.published.Reset()
	m.deliveries.Reset()
	m.faults.Reset()
	m.duration.Reset()
	m.subscribers.Reset()
	m.asyncInFlight.Set(0)
}

// Metrics returns the bus collectors, or nil when metrics are disabled.
func (b *Bus) Metrics() *BusMetrics {
	return b.metrics
}

func (b *Bus) setupMetrics(registerer prometheus.Registerer) error {
	if !b.Conf.MetricsEnabled {
		return nil
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := NewBusMetrics(registerer, b.Conf.Name)
	if err := m.Register(); err != nil {
		return err
	}
	b.metrics = m

	if b.Conf.MetricsPort > 0 {
		handler := promhttp.Handler()
		if gatherer, ok := registerer.(prometheus.Gatherer); ok && registerer != prometheus.DefaultRegisterer {
			handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		}
		b.RegisterHTTPHandler(b.Conf.MetricsPort, "/metrics", handler)
	}
	return nil
}
