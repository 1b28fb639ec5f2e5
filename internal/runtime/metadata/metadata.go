// Package metadata holds the headers the bridge attaches to messages that
// leave or enter the bus.
package metadata

// Keys written by the bridge on outbound Watermill messages.
const (
	KeyTopic       = "topicbus_topic"
	KeyMessageID   = "topicbus_message_id"
	KeyBus         = "topicbus_bus"
	KeyEventType   = "ce_type"
	KeyContentType = "content_type"
)

// Metadata represents the headers carried alongside a bridged message.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map. It never returns nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Get returns the value stored under key, or "".
func (m Metadata) Get(key string) string {
	return m[key]
}

// Lookup returns the value stored under key and whether it is present. An
// empty value is still present.
func (m Metadata) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
