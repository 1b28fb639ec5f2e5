// Package topicbus is an in-process, topic based publish/subscribe event bus
// with fault isolation, plus a map-reduce pattern built only from Subscribe
// and Publish.
//
// A Bus keeps an ordered list of subscriptions per topic. Publish invokes every
// current subscriber of the topic on the calling goroutine, in registration
// order, and returns once each has been attempted. Every invocation runs
// behind its own recovery boundary: a panic or returned error becomes a
// SubscriberFault that is logged, counted and handed to observers, and never
// reaches the publisher or the remaining subscribers.
//
//	bus := topicbus.New()
//	_, _ = bus.Subscribe([]string{"orders"}, func(p any) { fmt.Println(p) })
//	bus.Publish("orders", "order-1")
//
// Topics are plain case-sensitive strings, created on first Subscribe.
// Publishing to a topic nobody subscribed to is a no-op. PublishAsync runs the
// same ordered sweep on a background goroutine and returns a Pending handle;
// Drain waits for every outstanding sweep.
//
// # Typed handlers
//
// Subscribe, SubscribeErr, SubscribeJSON and SubscribeProto adapt typed
// functions. A payload of the wrong type is reported as a fault wrapping
// ErrPayloadType. TypedBus fixes the payload type for a set of topics.
//
// # Middleware and hooks
//
// Each invocation passes through a delivery middleware chain (debug logging,
// OpenTelemetry tracing, Prometheus metrics and per-topic statistics by
// default). BusDependencies adds custom middleware, DeliveryHooks and an
// OnSubscriberError observer.
//
// # Map-reduce
//
// RunJob (package mapreduce) subscribes one reducer per job key, publishes
// every input to the key chosen by the partition function and reads the
// accumulators once all publishes have completed. Results are identical for
// sequential, parallel and asynchronous runs.
//
// # Bridge
//
// Forward and Ingest (package bridge) move payloads between a bus and any
// Watermill publisher or subscriber as CloudEvents. They are ordinary
// subscribers and publishers; the bus never delivers across processes itself.
//
// # HTTP surfaces
//
// When enabled in Config, Serve runs a read-only introspection API
// (GET /api/topics, /api/topics/{topic}, /api/stats) and a Prometheus /metrics
// endpoint. Neither takes part in delivery.
package topicbus
