// Package handlers adapts typed functions to the bus's untyped handler
// signature. A payload of the wrong dynamic type becomes a subscriber fault
// wrapping ErrPayloadType; the handler is not called.
package handlers

import (
	"context"
	"fmt"
	"reflect"

	runtimepkg "github.com/drblury/topicbus/internal/runtime"
	errspkg "github.com/drblury/topicbus/internal/runtime/errors"
)

// Subscriber is the part of *runtime.Bus the typed helpers need.
type Subscriber interface {
	SubscribeErr(topics []string, handler runtimepkg.ErrorHandler) (runtimepkg.SubscriptionID, error)
}

// Subscribe registers a handler that only accepts payloads of type T.
func Subscribe[T any](bus Subscriber, topics []string, handler func(T)) (runtimepkg.SubscriptionID, error) {
	if bus == nil {
		return "", errspkg.ErrBusRequired
	}
	if handler == nil {
		return "", errspkg.ErrHandlerRequired
	}
	return bus.SubscribeErr(topics, func(_ context.Context, payload any) error {
		v, err := Cast[T](payload)
		if err != nil {
			return err
		}
		handler(v)
		return nil
	})
}

// SubscribeErr is Subscribe for fallible handlers.
func SubscribeErr[T any](bus Subscriber, topics []string, handler func(context.Context, T) error) (runtimepkg.SubscriptionID, error) {
	if bus == nil {
		return "", errspkg.ErrBusRequired
	}
	if handler == nil {
		return "", errspkg.ErrHandlerRequired
	}
	return bus.SubscribeErr(topics, func(ctx context.Context, payload any) error {
		v, err := Cast[T](payload)
		if err != nil {
			return err
		}
		return handler(ctx, v)
	})
}

// Cast converts payload to T. A nil payload converts to the zero value when T
// is a pointer, interface, map, slice, func or channel type.
func Cast[T any](payload any) (T, error) {
	if v, ok := payload.(T); ok {
		return v, nil
	}
	var zero T
	if payload == nil && nilable(reflect.TypeFor[T]()) {
		return zero, nil
	}
	return zero, fmt.Errorf("%w: want %v, got %T", errspkg.ErrPayloadType, reflect.TypeFor[T](), payload)
}

func nilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	default:
		return false
	}
}

// TypedBus is a view of a bus for topics that all carry payloads of type T.
type TypedBus[T any] struct {
	bus *runtimepkg.Bus
}

// NewTypedBus wraps bus. Several typed views may share one bus.
func NewTypedBus[T any](bus *runtimepkg.Bus) *TypedBus[T] {
	if bus == nil {
		panic(errspkg.ErrBusRequired)
	}
	return &TypedBus[T]{bus: bus}
}

// Bus returns the underlying untyped bus.
func (t *TypedBus[T]) Bus() *runtimepkg.Bus {
	return t.bus
}

func (t *TypedBus[T]) Subscribe(topics []string, handler func(T)) (runtimepkg.SubscriptionID, error) {
	return Subscribe(t.bus, topics, handler)
}

func (t *TypedBus[T]) SubscribeErr(topics []string, handler func(context.Context, T) error) (runtimepkg.SubscriptionID, error) {
	return SubscribeErr(t.bus, topics, handler)
}

func (t *TypedBus[T]) Publish(topic string, v T) {
	t.bus.Publish(topic, v)
}

func (t *TypedBus[T]) PublishContext(ctx context.Context, topic string, v T) runtimepkg.Report {
	return t.bus.PublishContext(ctx, topic, v)
}

func (t *TypedBus[T]) PublishAsync(ctx context.Context, topic string, v T) *runtimepkg.Pending {
	return t.bus.PublishAsync(ctx, topic, v)
}
