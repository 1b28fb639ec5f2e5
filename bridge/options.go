package bridge

import (
	loggingpkg "github.com/drblury/topicbus/internal/runtime/logging"
)

// Option customises Forward and Ingest.
type Option func(*options)

type options struct {
	source      string
	eventType   func(topic string) string
	topicMapper func(topic string) string
	logger      loggingpkg.Logger
	rawData     bool
}

func newOptions(defaultSource string, logger loggingpkg.Logger, opts []Option) options {
	o := options{
		source:      defaultSource,
		eventType:   func(topic string) string { return "topicbus." + topic },
		topicMapper: func(topic string) string { return topic },
		logger:      logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.logger = loggingpkg.OrNop(o.logger)
	return o
}

// WithSource sets the CloudEvents source of forwarded events. The default is
// "topicbus/<bus name>".
func WithSource(source string) Option {
	return func(o *options) {
		if source != "" {
			o.source = source
		}
	}
}

// WithEventType derives the CloudEvents type from the bus topic. The default
// is "topicbus.<topic>".
func WithEventType(fn func(topic string) string) Option {
	return func(o *options) {
		if fn != nil {
			o.eventType = fn
		}
	}
}

// WithTopicMapper renames topics on the way out (bus topic to Watermill topic)
// or on the way in (resolved topic to bus topic).
func WithTopicMapper(fn func(topic string) string) Option {
	return func(o *options) {
		if fn != nil {
			o.topicMapper = fn
		}
	}
}

// WithLogger overrides the bus logger.
func WithLogger(logger loggingpkg.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRawData makes Ingest publish only the event data bytes instead of the
// whole Envelope, so handlers built with SubscribeJSON or SubscribeProto can
// consume bridged messages directly.
func WithRawData() Option {
	return func(o *options) {
		o.rawData = true
	}
}
