package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	errspkg "github.com/drblury/topicbus/internal/runtime/errors"
	jsoncodec "github.com/drblury/topicbus/internal/runtime/jsoncodec"
)

// SubscribeJSON registers a handler for topics whose payloads arrive as JSON
// documents ([]byte, json.RawMessage or string), for example from the bridge.
// Payloads that already have type T are passed through unchanged.
func SubscribeJSON[T any](bus Subscriber, topics []string, handler func(context.Context, T) error) (SubscriptionID, error) {
	if bus == nil {
		return "", errspkg.ErrBusRequired
	}
	if handler == nil {
		return "", errspkg.ErrHandlerRequired
	}
	return bus.SubscribeErr(topics, func(ctx context.Context, payload any) error {
		v, err := DecodeJSON[T](payload)
		if err != nil {
			return err
		}
		return handler(ctx, v)
	})
}

// DecodeJSON converts a JSON payload into T.
func DecodeJSON[T any](payload any) (T, error) {
	var v T
	var raw []byte
	switch p := payload.(type) {
	case T:
		return p, nil
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	case string:
		raw = []byte(p)
	default:
		return v, fmt.Errorf("%w: want JSON document or %T, got %T", errspkg.ErrPayloadType, v, payload)
	}
	if err := jsoncodec.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: decode JSON into %T: %w", errspkg.ErrPayloadType, v, err)
	}
	return v, nil
}
