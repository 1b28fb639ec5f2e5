package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned synchronously to callers that violate an
	// API precondition. Refinements below wrap it so errors.Is matches both.
	ErrInvalidArgument = sterrors.New("topicbus: invalid argument")

	ErrTopicsRequired  = fmt.Errorf("%w: at least one topic is required", ErrInvalidArgument)
	ErrHandlerRequired = fmt.Errorf("%w: handler is required", ErrInvalidArgument)
	ErrBusRequired     = fmt.Errorf("%w: bus is required", ErrInvalidArgument)
	ErrConfigRequired  = fmt.Errorf("%w: config is required", ErrInvalidArgument)

	// ErrMessageTypeRequired is returned by decoding wrappers instantiated with
	// a type they cannot allocate.
	ErrMessageTypeRequired = fmt.Errorf("%w: message type must be a pointer", ErrInvalidArgument)

	// ErrJobInvalid is returned for map-reduce jobs missing keys, a partition
	// function or a reducer.
	ErrJobInvalid = fmt.Errorf("%w: invalid map-reduce job", ErrInvalidArgument)

	// ErrUnknownPartitionKey is returned when a partition function yields a key
	// the job did not declare.
	ErrUnknownPartitionKey = sterrors.New("topicbus: unknown partition key")

	// ErrPayloadType marks a typed handler that received a payload of another dynamic type.
	ErrPayloadType = sterrors.New("topicbus: unexpected payload type")
)

// SubscriberFault describes a single failed handler invocation. It is handed
// to hooks, metrics and logs and then discarded; it never reaches a publisher.
type SubscriberFault struct {
	Topic          string
	SubscriptionID string
	MessageID      string

	// Panic holds the recovered value when the handler panicked. Stack is the
	// goroutine stack captured at recovery time.
	Panic any
	Stack []byte

	// Err is the error returned by a fallible handler, or a synthesized error
	// for panics.
	Err error
}

func (f *SubscriberFault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("topicbus: subscriber %s on topic %q panicked: %v", f.SubscriptionID, f.Topic, f.Panic)
	}
	return fmt.Sprintf("topicbus: subscriber %s on topic %q failed: %v", f.SubscriptionID, f.Topic, f.Err)
}

func (f *SubscriberFault) Unwrap() error {
	return f.Err
}

// IsPanic reports whether the fault originated from a recovered panic.
func (f *SubscriberFault) IsPanic() bool {
	return f.Panic != nil
}

// AsSubscriberFault extracts a *SubscriberFault from err.
func AsSubscriberFault(err error) (*SubscriberFault, bool) {
	var fault *SubscriberFault
	if sterrors.As(err, &fault) {
		return fault, true
	}
	return nil, false
}
