package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryHooksLifecycle(t *testing.T) {
	var started, done []DeliveryContext
	var faults []error

	b := newTestBus(t, nil, BusDependencies{
		Hooks: DeliveryHooks{
			OnDeliveryStart:   func(ctx DeliveryContext) { started = append(started, ctx) },
			OnDeliveryDone:    func(ctx DeliveryContext) { done = append(done, ctx) },
			OnSubscriberFault: func(_ DeliveryContext, err error) { faults = append(faults, err) },
		},
	})
	_, _ = b.Subscribe([]string{"t"}, func(any) {})
	_, _ = b.Subscribe([]string{"t"}, func(any) { panic("hooked") })

	report := b.PublishContext(context.Background(), "t", nil)

	require.Len(t, started, 2)
	require.Len(t, done, 1)
	require.Len(t, faults, 1)
	assert.Equal(t, report.MessageID, started[0].MessageID)
	assert.Equal(t, "t", done[0].Topic)
	assert.False(t, done[0].StartedAt.IsZero())
	assert.False(t, started[1].Async)
	assert.Contains(t, faults[0].Error(), "hooked")
}

func TestPanickingHookDoesNotAffectDelivery(t *testing.T) {
	var calls int
	b := newTestBus(t, nil, BusDependencies{
		Hooks: DeliveryHooks{
			OnDeliveryStart: func(DeliveryContext) { panic("hook") },
			OnDeliveryDone:  func(DeliveryContext) { panic("hook") },
		},
	})
	_, _ = b.Subscribe([]string{"t"}, func(any) { calls++ })

	report := b.PublishContext(context.Background(), "t", nil)

	assert.Equal(t, 1, calls)
	assert.Empty(t, report.Faults)
}

func TestDeliveryHooksMerge(t *testing.T) {
	var order []string
	a := DeliveryHooks{OnDeliveryStart: func(DeliveryContext) { order = append(order, "a") }}
	b := DeliveryHooks{
		OnDeliveryStart:   func(DeliveryContext) { order = append(order, "b") },
		OnSubscriberFault: func(DeliveryContext, error) { order = append(order, "b-fault") },
	}

	merged := a.Merge(b)
	merged.OnDeliveryStart(DeliveryContext{})
	merged.OnSubscriberFault(DeliveryContext{}, errors.New("x"))

	assert.Equal(t, []string{"a", "b", "b-fault"}, order)
	assert.Nil(t, merged.OnDeliveryDone)
	assert.True(t, DeliveryHooks{}.IsZero())
	assert.False(t, merged.IsZero())
}

func TestMetricsAndAlertingHooks(t *testing.T) {
	counts := map[string]int{}
	var alerted []string

	hooks := MetricsHooks(
		func(topic string) { counts["start:"+topic]++ },
		func(topic string) { counts["done:"+topic]++ },
		func(topic string) { counts["fault:"+topic]++ },
	).Merge(AlertingHooks(func(ctx DeliveryContext, err error) {
		alerted = append(alerted, ctx.Topic+": "+err.Error())
	}))

	b := newTestBus(t, nil, BusDependencies{Hooks: hooks})
	_, _ = b.Subscribe([]string{"ok"}, func(any) {})
	_, _ = b.SubscribeErr([]string{"bad"}, func(context.Context, any) error { return errors.New("rejected") })

	b.Publish("ok", nil)
	b.Publish("bad", nil)

	assert.Equal(t, map[string]int{"start:ok": 1, "done:ok": 1, "start:bad": 1, "fault:bad": 1}, counts)
	assert.Equal(t, []string{"bad: rejected"}, alerted)
}

func TestLoggingHooksNilLogger(t *testing.T) {
	hooks := LoggingHooks(nil)
	assert.NotPanics(t, func() {
		hooks.OnDeliveryStart(DeliveryContext{Topic: "t"})
		hooks.OnDeliveryDone(DeliveryContext{Topic: "t"})
		hooks.OnSubscriberFault(DeliveryContext{Topic: "t"}, errors.New("x"))
	})
}
