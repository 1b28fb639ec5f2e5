package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/topicbus/internal/runtime"
	errspkg "github.com/drblury/topicbus/internal/runtime/errors"
)

// SubscriptionID mirrors runtime.SubscriptionID for callers of this package.
type SubscriptionID = runtimepkg.SubscriptionID

// SubscribeProto registers a handler for protobuf payloads. A T value is passed
// through; []byte and string payloads are decoded with protojson.
func SubscribeProto[T proto.Message](bus Subscriber, topics []string, handler func(context.Context, T) error) (SubscriptionID, error) {
	if bus == nil {
		return "", errspkg.ErrBusRequired
	}
	if handler == nil {
		return "", errspkg.ErrHandlerRequired
	}
	newMessage, err := protoFactory[T]()
	if err != nil {
		return "", err
	}
	return bus.SubscribeErr(topics, func(ctx context.Context, payload any) error {
		msg, err := decodeProto(payload, newMessage)
		if err != nil {
			return err
		}
		return handler(ctx, msg)
	})
}

// NewProtoMessage allocates a fresh message of type T.
func NewProtoMessage[T proto.Message]() (T, error) {
	factory, err := protoFactory[T]()
	if err != nil {
		var zero T
		return zero, err
	}
	return factory(), nil
}

func protoFactory[T proto.Message]() (func() T, error) {
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Pointer {
		return nil, errspkg.ErrMessageTypeRequired
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func decodeProto[T proto.Message](payload any, newMessage func() T) (T, error) {
	var raw []byte
	switch p := payload.(type) {
	case T:
		return p, nil
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	default:
		var zero T
		return zero, fmt.Errorf("%w: want %T or protojson document, got %T", errspkg.ErrPayloadType, zero, payload)
	}
	msg := newMessage()
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return msg, fmt.Errorf("%w: decode %T: %w", errspkg.ErrPayloadType, msg, err)
	}
	return msg, nil
}
