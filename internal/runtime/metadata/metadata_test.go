package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1"}
	clone := original.Clone()
	clone["a"] = "changed"

	assert.Equal(t, "1", original["a"])
}

func TestCloneOfNilIsEmptyMap(t *testing.T) {
	var m Metadata
	assert.NotNil(t, m.Clone())
	assert.Empty(t, m.Clone())
}

func TestLookupKeepsEmptyValues(t *testing.T) {
	md := New(KeyTopic, "", KeyBus, "edge")

	topic, ok := md.Lookup(KeyTopic)
	assert.True(t, ok)
	assert.Empty(t, topic)

	_, ok = md.Lookup(KeyEventType)
	assert.False(t, ok)
	assert.Equal(t, "edge", md.Get(KeyBus))
}

func TestNewIgnoresDanglingKey(t *testing.T) {
	md := New("a", "1", "b")
	assert.Equal(t, Metadata{"a": "1"}, md)
}

func TestWatermillConversion(t *testing.T) {
	wm := New(KeyTopic, "orders", KeyMessageID, "01H").ToWatermill()
	assert.Equal(t, message.Metadata{KeyTopic: "orders", KeyMessageID: "01H"}, wm)

	back := FromWatermill(wm)
	assert.Equal(t, "orders", back.Get(KeyTopic))

	assert.NotNil(t, FromWatermill(nil))
}
