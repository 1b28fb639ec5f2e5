package runtime

import (
	"context"
	"fmt"
	"time"

	loggingpkg "github.com/drblury/topicbus/internal/runtime/logging"
)

// DeliveryContext provides information about a handler invocation to hooks.
type DeliveryContext struct {
	// Topic is the topic the message was published on.
	Topic string
	// SubscriptionID is the registry entry being invoked.
	SubscriptionID SubscriptionID
	// MessageID is shared by every delivery of one publish.
	MessageID string
	// Context is the publisher context as seen by the handler.
	Context context.Context
	// PublishedAt is when the publish sweep started.
	PublishedAt time.Time
	// StartedAt is when this invocation started.
	StartedAt time.Time
	// Duration is how long the handler took (only set in OnDeliveryDone and OnSubscriberFault).
	Duration time.Duration
	// Async reports whether the sweep came from PublishAsync.
	Async bool
}

// DeliveryHooks defines callbacks around handler invocations.
// All hooks are optional - nil hooks are simply not called. A panicking hook
// is recovered and logged; it never affects delivery.
type DeliveryHooks struct {
	// OnDeliveryStart is called before the handler is invoked.
	OnDeliveryStart func(ctx DeliveryContext)

	// OnDeliveryDone is called when the handler completed without a fault.
	OnDeliveryDone func(ctx DeliveryContext)

	// OnSubscriberFault is called when the handler panicked or returned an
	// error. The error is a *SubscriberFault for panics.
	OnSubscriberFault func(ctx DeliveryContext, err error)
}

// IsZero reports whether no hook is set.
func (h DeliveryHooks) IsZero() bool {
	return h.OnDeliveryStart == nil && h.OnDeliveryDone == nil && h.OnSubscriberFault == nil
}

// Merge combines two DeliveryHooks, creating a new DeliveryHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart:   chainHooks(h.OnDeliveryStart, other.OnDeliveryStart),
		OnDeliveryDone:    chainHooks(h.OnDeliveryDone, other.OnDeliveryDone),
		OnSubscriberFault: chainFaultHooks(h.OnSubscriberFault, other.OnSubscriberFault),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainFaultHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// DeliveryHooksMiddleware creates a middleware that invokes the provided hooks
// around every handler invocation.
func DeliveryHooksMiddleware(hooks DeliveryHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "delivery_hooks",
		Builder: func(b *Bus) (DeliveryMiddleware, error) {
			if hooks.IsZero() {
				return nil, nil
			}
			return deliveryHooksMiddleware(hooks, b.Logger), nil
		},
	}
}

func deliveryHooksMiddleware(hooks DeliveryHooks, logger loggingpkg.Logger) DeliveryMiddleware {
	logger = loggingpkg.OrNop(logger)
	safe := func(name string, d *Delivery, fn func()) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Delivery hook panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{
					"hook":            name,
					"topic":           d.Topic,
					"subscription_id": d.SubscriptionID,
				})
			}
		}()
		fn()
	}

	return func(next DeliveryFunc) DeliveryFunc {
		return func(d *Delivery) error {
			dctx := DeliveryContext{
				Topic:          d.Topic,
				SubscriptionID: d.SubscriptionID,
				MessageID:      d.MessageID,
				Context:        d.Context(),
				PublishedAt:    d.PublishedAt,
				StartedAt:      time.Now(),
				Async:          d.Async,
			}

			if hooks.OnDeliveryStart != nil {
				safe("on_delivery_start", d, func() { hooks.OnDeliveryStart(dctx) })
			}

			err := next(d)
			dctx.Duration = time.Since(dctx.StartedAt)

			if err != nil {
				if hooks.OnSubscriberFault != nil {
					safe("on_subscriber_fault", d, func() { hooks.OnSubscriberFault(dctx, err) })
				}
			} else if hooks.OnDeliveryDone != nil {
				safe("on_delivery_done", d, func() { hooks.OnDeliveryDone(dctx) })
			}

			return err
		}
	}
}

// LoggingHooks returns pre-built hooks that log delivery lifecycle events.
func LoggingHooks(logger loggingpkg.Logger) DeliveryHooks {
	logger = loggingpkg.OrNop(logger)
	return DeliveryHooks{
		OnDeliveryStart: func(ctx DeliveryContext) {
			logger.Debug("Delivery started", loggingpkg.LogFields{
				"topic":           ctx.Topic,
				"subscription_id": ctx.SubscriptionID,
				"message_id":      ctx.MessageID,
			})
		},
		OnDeliveryDone: func(ctx DeliveryContext) {
			logger.Debug("Delivery completed", loggingpkg.LogFields{
				"topic":           ctx.Topic,
				"subscription_id": ctx.SubscriptionID,
				"message_id":      ctx.MessageID,
				"duration_ms":     ctx.Duration.Milliseconds(),
			})
		},
		OnSubscriberFault: func(ctx DeliveryContext, err error) {
			logger.Error("Delivery failed", err, loggingpkg.LogFields{
				"topic":           ctx.Topic,
				"subscription_id": ctx.SubscriptionID,
				"message_id":      ctx.MessageID,
				"duration_ms":     ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward delivery events to simple
// per-topic counters.
func MetricsHooks(onStart, onDone, onFault func(topic string)) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: func(ctx DeliveryContext) {
			if onStart != nil {
				onStart(ctx.Topic)
			}
		},
		OnDeliveryDone: func(ctx DeliveryContext) {
			if onDone != nil {
				onDone(ctx.Topic)
			}
		},
		OnSubscriberFault: func(ctx DeliveryContext, err error) {
			if onFault != nil {
				onFault(ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on subscriber faults.
func AlertingHooks(alertFunc func(ctx DeliveryContext, err error)) DeliveryHooks {
	return DeliveryHooks{
		OnSubscriberFault: alertFunc,
	}
}
