package topicbus

import (
	"context"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/topicbus/bridge"
	runtimepkg "github.com/drblury/topicbus/internal/runtime"
	configpkg "github.com/drblury/topicbus/internal/runtime/config"
	errspkg "github.com/drblury/topicbus/internal/runtime/errors"
	handlerpkg "github.com/drblury/topicbus/internal/runtime/handlers"
	idspkg "github.com/drblury/topicbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/topicbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/topicbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/topicbus/internal/runtime/metadata"
	"github.com/drblury/topicbus/mapreduce"
)

type (
	Config          = configpkg.Config
	Bus             = runtimepkg.Bus
	BusDependencies = runtimepkg.BusDependencies
	SubscriptionID  = runtimepkg.SubscriptionID
	Handler         = runtimepkg.Handler
	ErrorHandler    = runtimepkg.ErrorHandler

	Delivery         = runtimepkg.Delivery
	DeliveryFunc     = runtimepkg.DeliveryFunc
	Report           = runtimepkg.Report
	Pending          = runtimepkg.Pending
	SubscriptionInfo = runtimepkg.SubscriptionInfo
	SubscriberFault  = errspkg.SubscriberFault

	TypedBus[T any] = handlerpkg.TypedBus[T]

	DeliveryMiddleware     = runtimepkg.DeliveryMiddleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	// Statistics and metrics
	TopicStats   = runtimepkg.TopicStats
	BusStats     = runtimepkg.BusStats
	TopicDetail  = runtimepkg.TopicDetail
	RuntimeUsage = runtimepkg.RuntimeUsage
	BusMetrics   = runtimepkg.BusMetrics

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	LogFields = loggingpkg.LogFields
	Logger    = loggingpkg.Logger

	Metadata = metadatapkg.Metadata

	// Bridge envelope of inbound CloudEvents
	Envelope = bridge.Envelope

	// Map-reduce
	Job[T, A any]               = mapreduce.Job[T, A]
	Result[A any]               = mapreduce.Result[A]
	Summary[T mapreduce.Number] = mapreduce.Summary[T]
)

var (
	New            = runtimepkg.New
	NewBus         = runtimepkg.NewBus
	TryNewBus      = runtimepkg.TryNewBus
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.LoadFile

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	LogDeliveriesMiddleware = runtimepkg.LogDeliveriesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	StatsMiddleware         = runtimepkg.StatsMiddleware

	// Delivery lifecycle hooks
	DeliveryHooksMiddleware = runtimepkg.DeliveryHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	MetricsHooks            = runtimepkg.MetricsHooks
	AlertingHooks           = runtimepkg.AlertingHooks

	NewBusMetrics = runtimepkg.NewBusMetrics

	Forward = bridge.Forward
	Ingest  = bridge.Ingest

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrInvalidArgument     = errspkg.ErrInvalidArgument
	ErrTopicsRequired      = errspkg.ErrTopicsRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrBusRequired         = errspkg.ErrBusRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrMessageTypeRequired = errspkg.ErrMessageTypeRequired
	ErrPayloadType         = errspkg.ErrPayloadType
	ErrJobInvalid          = errspkg.ErrJobInvalid
	ErrUnknownPartitionKey = errspkg.ErrUnknownPartitionKey
	AsSubscriberFault      = errspkg.AsSubscriberFault

	NewSlogLogger       = loggingpkg.NewSlogLogger
	NewWatermillLogger  = loggingpkg.NewWatermillLogger
	NewWatermillAdapter = loggingpkg.NewWatermillAdapter
	NopLogger           = loggingpkg.NopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone        = runtimepkg.ErrorCategoryNone
	ErrorCategoryPanic       = runtimepkg.ErrorCategoryPanic
	ErrorCategoryPayloadType = runtimepkg.ErrorCategoryPayloadType
	ErrorCategoryCanceled    = runtimepkg.ErrorCategoryCanceled
	ErrorCategoryHandler     = runtimepkg.ErrorCategoryHandler
)

// Metadata keys written by Forward.
const (
	MetadataKeyTopic     = metadatapkg.KeyTopic
	MetadataKeyMessageID = metadatapkg.KeyMessageID
	MetadataKeyBus       = metadatapkg.KeyBus
)

func Subscribe[T any](bus *Bus, topics []string, handler func(T)) (SubscriptionID, error) {
	return handlerpkg.Subscribe(subscriber(bus), topics, handler)
}

func SubscribeErr[T any](bus *Bus, topics []string, handler func(context.Context, T) error) (SubscriptionID, error) {
	return handlerpkg.SubscribeErr(subscriber(bus), topics, handler)
}

func SubscribeJSON[T any](bus *Bus, topics []string, handler func(context.Context, T) error) (SubscriptionID, error) {
	return handlerpkg.SubscribeJSON(subscriber(bus), topics, handler)
}

func SubscribeProto[T proto.Message](bus *Bus, topics []string, handler func(context.Context, T) error) (SubscriptionID, error) {
	return handlerpkg.SubscribeProto(subscriber(bus), topics, handler)
}

func NewTypedBus[T any](bus *Bus) *TypedBus[T] {
	return handlerpkg.NewTypedBus[T](bus)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return handlerpkg.NewProtoMessage[T]()
}

func DecodeData[T any](e Envelope) (T, error) {
	return bridge.DecodeData[T](e)
}

// RunJob executes a map-reduce job on bus. See mapreduce.Run.
func RunJob[T, A any](ctx context.Context, bus *Bus, job Job[T, A], inputs []T) (Result[A], error) {
	return mapreduce.Run(ctx, bus, job, inputs)
}

func SumCount[T mapreduce.Number](keys []string, partition func(T) string) Job[T, Summary[T]] {
	return mapreduce.SumCount(keys, partition)
}

// subscriber keeps a nil *Bus from turning into a non-nil interface value.
func subscriber(bus *Bus) handlerpkg.Subscriber {
	if bus == nil {
		return nil
	}
	return bus
}
