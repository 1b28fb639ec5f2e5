package runtime

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	configpkg "github.com/drblury/topicbus/internal/runtime/config"
	errspkg "github.com/drblury/topicbus/internal/runtime/errors"
	idspkg "github.com/drblury/topicbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/topicbus/internal/runtime/logging"
	registrypkg "github.com/drblury/topicbus/internal/runtime/registry"
)

// SubscriptionID identifies either a single registry entry or the group of
// entries created by one Subscribe call.
type SubscriptionID = registrypkg.SubscriptionID

// Handler is an infallible subscriber.
type Handler func(payload any)

// ErrorHandler is a fallible subscriber. A returned error is handled exactly
// like a panic: it is recorded as a subscriber fault and never reaches the
// publisher.
type ErrorHandler func(ctx context.Context, payload any) error

// Delivery is one handler invocation for one published message.
type Delivery struct {
	MessageID      string
	Topic          string
	SubscriptionID SubscriptionID
	Payload        any
	PublishedAt    time.Time
	Async          bool

	ctx context.Context
}

// Context returns the publisher context, possibly enriched by middleware.
func (d *Delivery) Context() context.Context {
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

// SetContext replaces the context seen by the remaining middleware and the handler.
func (d *Delivery) SetContext(ctx context.Context) {
	d.ctx = ctx
}

// DeliveryFunc is the unit the middleware chain wraps.
type DeliveryFunc func(d *Delivery) error

// Report summarises one publish sweep.
type Report struct {
	MessageID   string
	Topic       string
	Subscribers int
	Faults      []*errspkg.SubscriberFault
	// Err is set when an async sweep was abandoned before any handler ran.
	Err error
}

// Delivered returns the number of handlers that completed without a fault.
func (r Report) Delivered() int {
	return r.Subscribers - len(r.Faults)
}

// BusDependencies holds the optional collaborators of a Bus. Leave fields nil
// to use defaults.
type BusDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     DeliveryHooks
	ErrorClassifier           ErrorClassifier
	// MetricsRegisterer receives the bus collectors. Defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
	// TracerProvider defaults to the global OpenTelemetry provider.
	TracerProvider trace.TracerProvider
	// OnSubscriberError observes every subscriber fault after it has been
	// recovered. It cannot influence delivery.
	OnSubscriberError func(topic string, err error)
}

// Bus is an in-process topic based publish/subscribe event bus. Handlers of a
// topic run in registration order, each behind its own recovery boundary.
type Bus struct {
	Conf   *configpkg.Config
	Logger loggingpkg.Logger

	registry *registrypkg.Registry[DeliveryFunc]

	groupsMu sync.Mutex
	groups   map[SubscriptionID][]SubscriptionID
	memberOf map[SubscriptionID]SubscriptionID

	middlewaresMu sync.RWMutex
	middlewares   []DeliveryMiddleware

	asyncLimit *semaphore.Weighted
	async      inflight

	stats             *statsStore
	sampler           *runtimeSampler
	metrics           *BusMetrics
	tracerProvider    trace.TracerProvider
	onSubscriberError func(topic string, err error)

	httpServers   map[int]chi.Router
	httpServersMu sync.Mutex
}

// New returns a Bus with the default configuration and no logging.
func New() *Bus {
	return NewBus(&configpkg.Config{}, nil, BusDependencies{})
}

// NewBus constructs a Bus and panics when the configuration is invalid or a
// middleware fails to build. Use TryNewBus to handle those errors.
func NewBus(conf *configpkg.Config, log loggingpkg.Logger, deps BusDependencies) *Bus {
	b, err := TryNewBus(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return b
}

// TryNewBus constructs a Bus and reports configuration problems as errors.
func TryNewBus(conf *configpkg.Config, log loggingpkg.Logger, deps BusDependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bus config: %w", err)
	}
	cfg := conf.WithDefaults()

	log = loggingpkg.OrNop(log).With(loggingpkg.LogFields{"bus": cfg.Name})
	log.Info("Creating event bus", loggingpkg.LogFields{"config": cfg.String()})

	b := &Bus{
		Conf:              &cfg,
		Logger:            log,
		registry:          registrypkg.New[DeliveryFunc](),
		groups:            make(map[SubscriptionID][]SubscriptionID),
		memberOf:          make(map[SubscriptionID]SubscriptionID),
		stats:             newStatsStore(deps.ErrorClassifier),
		sampler:           newRuntimeSampler(),
		tracerProvider:    deps.TracerProvider,
		onSubscriberError: deps.OnSubscriberError,
	}
	if b.tracerProvider == nil {
		b.tracerProvider = otel.GetTracerProvider()
	}
	if cfg.AsyncConcurrency > 0 {
		b.asyncLimit = semaphore.NewWeighted(int64(cfg.AsyncConcurrency))
	}

	if err := b.setupMetrics(deps.MetricsRegisterer); err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.async.observe = b.metrics.SetAsyncInFlight
	}
	if err := b.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	b.setupIntrospection()

	return b, nil
}

func (b *Bus) registerConfiguredMiddlewares(deps BusDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	if !deps.Hooks.IsZero() {
		registrations = append(registrations, DeliveryHooksMiddleware(deps.Hooks))
	}
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := b.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Subscribe registers handler under every topic, in order. The returned ID
// covers all entries created by this call.
func (b *Bus) Subscribe(topics []string, handler Handler) (SubscriptionID, error) {
	if len(topics) == 0 {
		return "", errspkg.ErrTopicsRequired
	}
	if handler == nil {
		return "", errspkg.ErrHandlerRequired
	}
	return b.subscribe(topics, func(d *Delivery) error {
		handler(d.Payload)
		return nil
	}), nil
}

// SubscribeErr is Subscribe for fallible handlers.
func (b *Bus) SubscribeErr(topics []string, handler ErrorHandler) (SubscriptionID, error) {
	if len(topics) == 0 {
		return "", errspkg.ErrTopicsRequired
	}
	if handler == nil {
		return "", errspkg.ErrHandlerRequired
	}
	return b.subscribe(topics, func(d *Delivery) error {
		return handler(d.Context(), d.Payload)
	}), nil
}

// SubscribeDelivery registers a handler that sees the whole Delivery, including
// the topic and message ID. It is meant for adapters such as bridges.
func (b *Bus) SubscribeDelivery(topics []string, handler DeliveryFunc) (SubscriptionID, error) {
	if len(topics) == 0 {
		return "", errspkg.ErrTopicsRequired
	}
	if handler == nil {
		return "", errspkg.ErrHandlerRequired
	}
	return b.subscribe(topics, handler), nil
}

func (b *Bus) subscribe(topics []string, fn DeliveryFunc) SubscriptionID {
	for _, topic := range topics {
		b.stats.recorder(topic)
	}

	b.groupsMu.Lock()
	entries := b.registry.RegisterMany(topics, fn)
	group := SubscriptionID(idspkg.CreateULID())
	b.groups[group] = entries
	for _, id := range entries {
		b.memberOf[id] = group
	}
	b.refreshSubscriberGauges(topics)
	b.groupsMu.Unlock()

	b.Logger.Debug("Subscribed", loggingpkg.LogFields{
		"subscription_id": group,
		"topics":          topics,
	})
	return group
}

// Unsubscribe removes a subscription group or a single entry. It reports
// whether anything was removed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.groupsMu.Lock()
	var topics []string
	removed := false
	if members, ok := b.groups[id]; ok {
		delete(b.groups, id)
		for _, member := range members {
			delete(b.memberOf, member)
			if topic, ok := b.registry.Topic(member); ok {
				topics = append(topics, topic)
			}
		}
		removed = b.registry.RemoveGroup(members) > 0
	} else if topic, ok := b.registry.Topic(id); ok && b.registry.Remove(id) {
		topics = append(topics, topic)
		removed = true
		if group, ok := b.memberOf[id]; ok {
			delete(b.memberOf, id)
			remaining := slices.DeleteFunc(slices.Clone(b.groups[group]), func(m SubscriptionID) bool { return m == id })
			if len(remaining) == 0 {
				delete(b.groups, group)
			} else {
				b.groups[group] = remaining
			}
		}
	}
	if removed {
		b.refreshSubscriberGauges(topics)
	}
	b.groupsMu.Unlock()

	if removed {
		b.Logger.Debug("Unsubscribed", loggingpkg.LogFields{"subscription_id": id})
	}
	return removed
}

// Publish delivers payload to every current subscriber of topic, in
// registration order, and returns once each has been attempted. Subscriber
// faults are recovered and never reach the caller.
func (b *Bus) Publish(topic string, payload any) {
	b.PublishContext(context.Background(), topic, payload)
}

// PublishContext is Publish with a caller context, handed to fallible handlers
// and middleware. The returned report is informational.
func (b *Bus) PublishContext(ctx context.Context, topic string, payload any) Report {
	if ctx == nil {
		ctx = context.Background()
	}
	return b.sweep(ctx, topic, payload, false)
}

func (b *Bus) sweep(ctx context.Context, topic string, payload any, async bool) Report {
	report := Report{MessageID: idspkg.CreateULID(), Topic: topic}

	entries := b.registry.Lookup(topic)
	if len(entries) == 0 {
		return report
	}
	report.Subscribers = len(entries)

	publishedAt := time.Now().UTC()
	b.stats.recorder(topic).onPublish(publishedAt)
	b.metrics.RecordPublished(topic)

	chain := b.middlewareChain()
	for _, entry := range entries {
		d := &Delivery{
			MessageID:      report.MessageID,
			Topic:          topic,
			SubscriptionID: entry.ID,
			Payload:        payload,
			PublishedAt:    publishedAt,
			Async:          async,
			ctx:            ctx,
		}
		if err := b.deliver(chain, entry.Handler, d); err != nil {
			fault := toFault(d, err)
			report.Faults = append(report.Faults, fault)
			b.observeFault(fault)
		}
	}
	return report
}

// deliver runs one handler through the middleware chain. The handler itself
// is guarded, and so is the whole chain, so neither a handler nor a misbehaving
// middleware can unwind past this frame.
func (b *Bus) deliver(chain []DeliveryMiddleware, handler DeliveryFunc, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicFault(d, r)
		}
	}()

	h := guard(handler)
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h(d)
}

func guard(handler DeliveryFunc) DeliveryFunc {
	return func(d *Delivery) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = newPanicFault(d, r)
			}
		}()
		return handler(d)
	}
}

func newPanicFault(d *Delivery, recovered any) *errspkg.SubscriberFault {
	cause := fmt.Errorf("panic: %v", recovered)
	if err, ok := recovered.(error); ok {
		cause = fmt.Errorf("panic: %w", err)
	}
	return &errspkg.SubscriberFault{
		Topic:          d.Topic,
		SubscriptionID: string(d.SubscriptionID),
		MessageID:      d.MessageID,
		Panic:          recovered,
		Stack:          debug.Stack(),
		Err:            cause,
	}
}

func toFault(d *Delivery, err error) *errspkg.SubscriberFault {
	if fault, ok := errspkg.AsSubscriberFault(err); ok {
		return fault
	}
	return &errspkg.SubscriberFault{
		Topic:          d.Topic,
		SubscriptionID: string(d.SubscriptionID),
		MessageID:      d.MessageID,
		Err:            err,
	}
}

func (b *Bus) observeFault(fault *errspkg.SubscriberFault) {
	b.Logger.Error("Subscriber fault", fault, loggingpkg.LogFields{
		"topic":           fault.Topic,
		"subscription_id": fault.SubscriptionID,
		"message_id":      fault.MessageID,
		"panic":           fault.IsPanic(),
	})
	if b.onSubscriberError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.Logger.Error("Subscriber error observer panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{"topic": fault.Topic})
		}
	}()
	b.onSubscriberError(fault.Topic, fault)
}

// Topics returns every topic that has ever had a subscriber, sorted.
func (b *Bus) Topics() []string {
	return b.registry.Topics()
}

// SubscriberCount returns the number of entries currently registered for topic.
func (b *Bus) SubscriberCount(topic string) int {
	return b.registry.Count(topic)
}

// SubscriptionInfo describes one registry entry.
type SubscriptionInfo struct {
	ID        SubscriptionID `json:"id"`
	Group     SubscriptionID `json:"group,omitempty"`
	Seq       uint64         `json:"seq"`
	CreatedAt time.Time      `json:"created_at"`
}

// Subscriptions lists the entries of topic in delivery order.
func (b *Bus) Subscriptions(topic string) []SubscriptionInfo {
	entries := b.registry.Lookup(topic)

	b.groupsMu.Lock()
	defer b.groupsMu.Unlock()

	infos := make([]SubscriptionInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, SubscriptionInfo{
			ID:        entry.ID,
			Group:     b.memberOf[entry.ID],
			Seq:       entry.Seq,
			CreatedAt: entry.CreatedAt,
		})
	}
	return infos
}

// refreshSubscriberGauges must be called with groupsMu held so gauge writes
// follow the order of registry mutations.
func (b *Bus) refreshSubscriberGauges(topics []string) {
	if b.metrics == nil {
		return
	}
	for _, topic := range topics {
		b.metrics.SetSubscribers(topic, b.registry.Count(topic))
	}
}

// RegisterHTTPHandler mounts handler on the HTTP server for port. Servers are
// started by Serve.
func (b *Bus) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpRouter(port).Handle(pattern, handler)
}
