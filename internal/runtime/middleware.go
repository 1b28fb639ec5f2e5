package runtime

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	loggingpkg "github.com/drblury/topicbus/internal/runtime/logging"
)

const tracerName = "github.com/drblury/topicbus"

// DeliveryMiddleware decorates a single handler invocation. Middleware runs
// inside the per-delivery recovery boundary.
type DeliveryMiddleware func(next DeliveryFunc) DeliveryFunc

// MiddlewareBuilder constructs a delivery middleware using the provided bus instance.
// Returning a nil middleware without an error skips the registration.
type MiddlewareBuilder func(*Bus) (DeliveryMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Bus.
type MiddlewareRegistration struct {
	Name       string
	Middleware DeliveryMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the Bus
// constructor. The first entry is the outermost.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		LogDeliveriesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		StatsMiddleware(),
	}
}

// LogDeliveriesMiddleware logs every handler invocation at debug level. With a
// nil logger it uses the bus logger and is only active when
// Config.LogDeliveries is set.
func LogDeliveriesMiddleware(logger loggingpkg.Logger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_deliveries",
		Builder: func(b *Bus) (DeliveryMiddleware, error) {
			l := logger
			if l == nil {
				if !b.Conf.LogDeliveries {
					return nil, nil
				}
				l = b.Logger
			}
			return logDeliveriesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps every handler invocation in an OpenTelemetry span
// when Config.TracingEnabled is set.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(b *Bus) (DeliveryMiddleware, error) {
			if !b.Conf.TracingEnabled {
				return nil, nil
			}
			return tracerMiddleware(b.tracerProvider.Tracer(tracerName)), nil
		},
	}
}

// MetricsMiddleware records Prometheus delivery metrics when Config.MetricsEnabled is set.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(b *Bus) (DeliveryMiddleware, error) {
			if b.metrics == nil {
				return nil, nil
			}
			return b.metricsMiddleware(), nil
		},
	}
}

// StatsMiddleware maintains the per-topic statistics served by Stats and the
// introspection API.
func StatsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "stats",
		Builder: func(b *Bus) (DeliveryMiddleware, error) {
			return b.statsMiddleware(), nil
		},
	}
}

// RegisterMiddleware appends the supplied middleware to the chain. It applies
// to every publish that starts afterwards.
func (b *Bus) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw DeliveryMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(b)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	b.middlewaresMu.Lock()
	b.middlewares = append(slices.Clip(b.middlewares), mw)
	b.middlewaresMu.Unlock()
	return nil
}

func (b *Bus) middlewareChain() []DeliveryMiddleware {
	b.middlewaresMu.RLock()
	defer b.middlewaresMu.RUnlock()
	return b.middlewares
}

func logDeliveriesMiddleware(logger loggingpkg.Logger) DeliveryMiddleware {
	return func(next DeliveryFunc) DeliveryFunc {
		return func(d *Delivery) error {
			logger.Debug("Delivering message", loggingpkg.LogFields{
				"topic":           d.Topic,
				"subscription_id": d.SubscriptionID,
				"message_id":      d.MessageID,
				"payload_type":    fmt.Sprintf("%T", d.Payload),
				"async":           d.Async,
			})
			return next(d)
		}
	}
}

func tracerMiddleware(tracer trace.Tracer) DeliveryMiddleware {
	return func(next DeliveryFunc) DeliveryFunc {
		return func(d *Delivery) error {
			ctx, span := tracer.Start(
				d.Context(),
				"deliver "+d.Topic,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "topicbus"),
					attribute.String("messaging.destination.name", d.Topic),
					attribute.String("messaging.message.id", d.MessageID),
					attribute.String("topicbus.subscription_id", string(d.SubscriptionID)),
					attribute.Bool("topicbus.async", d.Async),
				),
			)
			defer span.End()
			d.SetContext(ctx)

			err := next(d)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

func (b *Bus) metricsMiddleware() DeliveryMiddleware {
	return func(next DeliveryFunc) DeliveryFunc {
		return func(d *Delivery) error {
			start := time.Now()
			err := next(d)
			b.metrics.ObserveDelivery(d.Topic, time.Since(start), b.stats.classify(err))
			return err
		}
	}
}

func (b *Bus) statsMiddleware() DeliveryMiddleware {
	return func(next DeliveryFunc) DeliveryFunc {
		return func(d *Delivery) (err error) {
			rec := b.stats.recorder(d.Topic)
			rec.onDeliveryStart()
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					err = newPanicFault(d, r)
				}
				rec.onDeliveryFinish(time.Since(start), err, b.stats.classify(err))
			}()
			return next(d)
		}
	}
}
