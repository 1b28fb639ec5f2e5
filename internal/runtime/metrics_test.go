package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/topicbus/internal/runtime/config"
)

func TestMetricsDisabledByDefault(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newTestBus(t, nil, BusDependencies{MetricsRegisterer: reg})
	_, _ = b.Subscribe([]string{"t"}, func(any) {})
	b.Publish("t", nil)

	assert.Nil(t, b.Metrics())
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestMetricsRecordDeliveries(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newTestBus(t, &configpkg.Config{Name: "m", MetricsEnabled: true}, BusDependencies{MetricsRegisterer: reg})
	m := b.Metrics()
	require.NotNil(t, m)

	_, _ = b.Subscribe([]string{"orders"}, func(any) {})
	_, _ = b.Subscribe([]string{"orders"}, func(any) { panic("x") })
	b.Publish("orders", nil)
	b.Publish("nobody", nil)

	assert.InDelta(t, 1, testutil.ToFloat64(m.published.WithLabelValues("orders")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.published.WithLabelValues("nobody")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deliveries.WithLabelValues("orders", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deliveries.WithLabelValues("orders", "fault")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.faults.WithLabelValues("orders", string(ErrorCategoryPanic))), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.subscribers.WithLabelValues("orders")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestMetricsTrackSubscriberGaugeAndAsync(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newTestBus(t, &configpkg.Config{MetricsEnabled: true}, BusDependencies{MetricsRegisterer: reg})
	m := b.Metrics()

	id, _ := b.Subscribe([]string{"t"}, func(any) {})
	assert.InDelta(t, 1, testutil.ToFloat64(m.subscribers.WithLabelValues("t")), 0)
	b.Unsubscribe(id)
	assert.InDelta(t, 0, testutil.ToFloat64(m.subscribers.WithLabelValues("t")), 0)

	_, _ = b.Subscribe([]string{"t"}, func(any) {})
	_, err := b.PublishAsync(context.Background(), "t", nil).Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Drain(context.Background()))
	assert.InDelta(t, 0, testutil.ToFloat64(m.asyncInFlight), 0)
}

func TestAsyncGaugeIsZeroOnceDrained(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newTestBus(t, &configpkg.Config{MetricsEnabled: true}, BusDependencies{MetricsRegisterer: reg})
	m := b.Metrics()
	_, _ = b.Subscribe([]string{"t"}, func(any) {})

	for range 50 {
		var wg sync.WaitGroup
		for range 16 {
			wg.Go(func() { b.PublishAsync(context.Background(), "t", nil) })
		}
		wg.Wait()
		require.NoError(t, b.Drain(context.Background()))
		require.InDelta(t, 0, testutil.ToFloat64(m.asyncInFlight), 0)
	}
}

func TestSubscriberGaugeMatchesRegistryAfterChurn(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newTestBus(t, &configpkg.Config{MetricsEnabled: true}, BusDependencies{MetricsRegisterer: reg})
	m := b.Metrics()

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Go(func() {
			id, err := b.Subscribe([]string{"churn"}, func(any) {})
			if err != nil {
				return
			}
			if i%2 == 0 {
				b.Unsubscribe(id)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 16, b.SubscriberCount("churn"))
	assert.InDelta(t, 16, testutil.ToFloat64(m.subscribers.WithLabelValues("churn")), 0)
}

func TestBusMetricsReuseExistingCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewBusMetrics(reg, "shared")
	require.NoError(t, first.Register())
	require.NoError(t, first.Register())

	second := NewBusMetrics(reg, "shared")
	require.NoError(t, second.Register())

	second.RecordPublished("t")
	assert.InDelta(t, 1, testutil.ToFloat64(first.published.WithLabelValues("t")), 0)
}

func TestBusMetricsRegisterConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "published_total",
		Help:        "conflicting help text",
		ConstLabels: prometheus.Labels{"bus": "x"},
	})))

	_, err := TryNewBus(&configpkg.Config{Name: "x", MetricsEnabled: true}, nil, BusDependencies{MetricsRegisterer: reg})
	assert.Error(t, err)
}

func TestNilBusMetricsIsNoOp(t *testing.T) {
	var m *BusMetrics
	assert.NotPanics(t, func() {
		m.RecordPublished("t")
		m.ObserveDelivery("t", time.Millisecond, ErrorCategoryNone)
		m.SetSubscribers("t", 1)
		m.SetAsyncInFlight(1)
		m.Reset()
	})
}

func TestBusMetricsReset(t *testing.T) {
	m := NewBusMetrics(prometheus.NewRegistry(), "r")
	require.NoError(t, m.Register())
	m.ObserveDelivery("t", time.Millisecond, ErrorCategoryHandler)
	m.Reset()
	assert.Zero(t, testutil.CollectAndCount(m.deliveries))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newTestBus(t, &configpkg.Config{MetricsEnabled: true, MetricsPort: 9464}, BusDependencies{MetricsRegisterer: reg})
	_, _ = b.SubscribeErr([]string{"t"}, func(context.Context, any) error { return errors.New("x") })
	b.Publish("t", nil)

	handler := b.HTTPHandler(9464)
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `topicbus_subscriber_faults_total{bus="topicbus",category="handler",topic="t"} 1`)
}
