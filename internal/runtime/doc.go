/*
Package runtime provides the in-process event bus behind topicbus.

# Architecture Overview

A Bus owns a subscription registry (registry/) and fans every published
payload out to the handlers of its topic. Delivery is synchronous and ordered:
Publish invokes handlers one after another, in registration order, on the
calling goroutine and returns once each has been attempted. Every invocation
runs behind its own deferred recover, so a panic or returned error in one
handler becomes a SubscriberFault that is logged, counted and handed to
observers, and the sweep continues with the next handler.

# Package Structure

## Bus (bus.go)

Construction (New, NewBus, TryNewBus), Subscribe/SubscribeErr/Unsubscribe and
the delivery loop used by Publish and PublishContext.

## Async publishing (async.go)

PublishAsync runs the same sweep on a separate goroutine and returns a
Pending handle. Drain waits for all outstanding sweeps. Concurrency can be
bounded with Config.AsyncConcurrency.

## Middleware (middleware.go)

Composable stages around each handler invocation:
  - LogDeliveries: debug log line per invocation
  - Tracer: OpenTelemetry span per invocation
  - Metrics: Prometheus counters and latency histogram
  - Stats: per-topic statistics for Stats and the introspection API

## Hooks (hooks.go)

DeliveryHooks with OnDeliveryStart, OnDeliveryDone and OnSubscriberFault, plus
ready-made logging, metrics and alerting hooks.

## Stats & Monitoring (stats.go, metrics.go, resources.go)

Latency percentiles, throughput window, fault categories, in-flight counts,
Prometheus collectors and coarse process usage.

## Introspection (introspection.go, server.go)

Optional read-only HTTP API (chi) for topics and statistics, and the
/metrics endpoint, served by Serve.

# Sub-packages

  - config/: bus configuration with validation and file loading
  - errors/: sentinel errors and SubscriberFault
  - handlers/: typed subscribe helpers and TypedBus
  - ids/: ULID generation
  - jsoncodec/: JSON encoding
  - logging/: Logger interface and adapters
  - registry/: copy-on-write subscription registry

# Usage Example

	bus := topicbus.New()

	_, err := bus.Subscribe([]string{"orders"}, func(payload any) {
		fmt.Println("order", payload)
	})
	if err != nil {
		return err
	}

	bus.Publish("orders", order)
*/
package runtime
