package runtime

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/topicbus/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// TopicStats is a point-in-time view of one topic.
type TopicStats struct {
	Topic             string    `json:"topic"`
	Subscribers       int       `json:"subscribers"`
	Published         uint64    `json:"published"`
	Deliveries        uint64    `json:"deliveries"`
	Faults            uint64    `json:"faults"`
	TotalDeliveryTime int64     `json:"total_delivery_time_ns"`
	LastPublishedAt   time.Time `json:"last_published_at"`
	LastDeliveredAt   time.Time `json:"last_delivered_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS         float64 `json:"current_rps"`
	WindowSeconds      float64 `json:"window_seconds"`
	DeliveriesInWindow uint64  `json:"deliveries_in_window"`
}

type ErrorBreakdown struct {
	Panics      uint64 `json:"panics"`
	PayloadType uint64 `json:"payload_type"`
	Canceled    uint64 `json:"canceled"`
	Handler     uint64 `json:"handler"`
	LastError   string `json:"last_error,omitempty"`
}

// BacklogMetrics tracks handler invocations that have started but not finished.
type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

// BusStats is a point-in-time view of the whole bus.
type BusStats struct {
	Name          string       `json:"name"`
	Subscriptions int          `json:"subscriptions"`
	AsyncInFlight int          `json:"async_in_flight"`
	Topics        []TopicStats `json:"topics"`
	Runtime       RuntimeUsage `json:"runtime"`
	CollectedAt   time.Time    `json:"collected_at"`
}

type ErrorCategory string

const (
	ErrorCategoryNone        ErrorCategory = "none"
	ErrorCategoryPanic       ErrorCategory = "panic"
	ErrorCategoryPayloadType ErrorCategory = "payload_type"
	ErrorCategoryCanceled    ErrorCategory = "canceled"
	ErrorCategoryHandler     ErrorCategory = "handler"
)

// ErrorClassifier maps a subscriber fault to the category it is counted under.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	if fault, ok := errspkg.AsSubscriberFault(err); ok && fault.IsPanic() {
		return ErrorCategoryPanic
	}
	if errors.Is(err, errspkg.ErrPayloadType) {
		return ErrorCategoryPayloadType
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryCanceled
	}
	return ErrorCategoryHandler
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Handler++
	case ErrorCategoryPanic:
		e.Panics++
	case ErrorCategoryPayloadType:
		e.PayloadType++
	case ErrorCategoryCanceled:
		e.Canceled++
	default:
		e.Handler++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type statsStore struct {
	mu         sync.RWMutex
	topics     map[string]*topicRecorder
	classifier ErrorClassifier
}

func newStatsStore(classifier ErrorClassifier) *statsStore {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	return &statsStore{
		topics:     make(map[string]*topicRecorder),
		classifier: classifier,
	}
}

func (s *statsStore) classify(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	return s.classifier(err)
}

func (s *statsStore) lookup(topic string) (*topicRecorder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.topics[topic]
	return rec, ok
}

func (s *statsStore) recorder(topic string) *topicRecorder {
	if rec, ok := s.lookup(topic); ok {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.topics[topic]; ok {
		return rec
	}
	rec := &topicRecorder{
		stats:      TopicStats{Topic: topic},
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
	}
	s.topics[topic] = rec
	return rec
}

type topicRecorder struct {
	mu         sync.Mutex
	stats      TopicStats
	latency    *latencyWindow
	throughput *throughputWindow
}

func (r *topicRecorder) onPublish(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Published++
	r.stats.LastPublishedAt = at
}

func (r *topicRecorder) onDeliveryStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Backlog.InFlight++
	if r.stats.Backlog.InFlight > r.stats.Backlog.MaxInFlight {
		r.stats.Backlog.MaxInFlight = r.stats.Backlog.InFlight
	}
}

func (r *topicRecorder) onDeliveryFinish(duration time.Duration, err error, category ErrorCategory) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stats.Backlog.InFlight > 0 {
		r.stats.Backlog.InFlight--
	}

	r.stats.Deliveries++
	if err != nil {
		r.stats.Faults++
	}
	r.stats.TotalDeliveryTime += int64(duration)
	r.stats.LastDeliveredAt = now.UTC()

	r.latency.Add(duration)
	latency := r.latency.Snapshot()
	latency.AverageNs = r.stats.TotalDeliveryTime / int64(r.stats.Deliveries)
	r.stats.Latency = latency

	window := r.throughput.AddAndSnapshot(now)
	r.stats.Throughput = ThroughputMetrics{
		CurrentRPS:         window.CurrentRPS,
		WindowSeconds:      window.WindowSeconds,
		DeliveriesInWindow: uint64(window.Count),
	}

	r.stats.Errors.Record(category, err)
}

func (r *topicRecorder) snapshot() TopicStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Stats returns a snapshot of every known topic plus process-level usage.
func (b *Bus) Stats() BusStats {
	out := BusStats{
		Name:          b.Conf.Name,
		Subscriptions: b.registry.Len(),
		AsyncInFlight: b.async.count(),
		Runtime:       b.sampler.Sample(),
		CollectedAt:   time.Now().UTC(),
	}
	for _, topic := range b.registry.Topics() {
		if stats, ok := b.TopicStats(topic); ok {
			out.Topics = append(out.Topics, stats)
		}
	}
	return out
}

// TopicStats returns the statistics of one topic. Topics that never had a
// subscriber are unknown.
func (b *Bus) TopicStats(topic string) (TopicStats, bool) {
	rec, ok := b.stats.lookup(topic)
	if !ok {
		return TopicStats{}, false
	}
	stats := rec.snapshot()
	stats.Subscribers = b.registry.Count(topic)
	return stats, true
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)

	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = slices.Delete(tw.samples, 0, idx)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
