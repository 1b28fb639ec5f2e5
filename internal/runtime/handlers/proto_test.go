package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	runtimepkg "github.com/drblury/topicbus/internal/runtime"
	errspkg "github.com/drblury/topicbus/internal/runtime/errors"
)

func TestSubscribeProtoDecodesAndPassesThrough(t *testing.T) {
	bus := runtimepkg.New()
	var got []*structpb.Struct
	_, err := SubscribeProto(bus, []string{"events"}, func(_ context.Context, msg *structpb.Struct) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, err)

	direct, err := structpb.NewStruct(map[string]any{"kind": "direct"})
	require.NoError(t, err)

	bus.Publish("events", direct)
	bus.Publish("events", []byte(`{"kind":"encoded"}`))

	require.Len(t, got, 2)
	assert.True(t, proto.Equal(direct, got[0]))
	assert.Equal(t, "encoded", got[1].Fields["kind"].GetStringValue())
}

func TestSubscribeProtoFaultsOnGarbage(t *testing.T) {
	bus := runtimepkg.New()
	_, err := SubscribeProto(bus, []string{"events"}, func(context.Context, *structpb.Struct) error { return nil })
	require.NoError(t, err)

	report := bus.PublishContext(context.Background(), "events", []byte("not json"))
	require.Len(t, report.Faults, 1)
	assert.ErrorIs(t, report.Faults[0], errspkg.ErrPayloadType)

	report = bus.PublishContext(context.Background(), "events", 3.14)
	require.Len(t, report.Faults, 1)
	assert.ErrorIs(t, report.Faults[0], errspkg.ErrPayloadType)
}

func TestNewProtoMessage(t *testing.T) {
	msg, err := NewProtoMessage[*structpb.Struct]()
	require.NoError(t, err)
	require.NotNil(t, msg)

	_, err = NewProtoMessage[proto.Message]()
	assert.ErrorIs(t, err, errspkg.ErrMessageTypeRequired)
}

func TestSubscribeProtoValidatesArguments(t *testing.T) {
	_, err := SubscribeProto[*structpb.Struct](nil, []string{"x"}, func(context.Context, *structpb.Struct) error { return nil })
	assert.ErrorIs(t, err, errspkg.ErrBusRequired)

	_, err = SubscribeProto[*structpb.Struct](runtimepkg.New(), []string{"x"}, nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
}
