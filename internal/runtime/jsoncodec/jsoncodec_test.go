package jsoncodec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type topicSnapshot struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := topicSnapshot{Topic: "orders", Subscribers: 3}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"orders","subscribers":3}`, string(data))

	var out topicSnapshot
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"a":[1,2,3]}`)))
	assert.True(t, Valid([]byte(`"plain string"`)))
	assert.False(t, Valid([]byte(`{"a":`)))
	assert.False(t, Valid([]byte(`not json`)))
}

func TestEncodeIndentAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, topicSnapshot{Topic: "logs", Subscribers: 1}, "  "))
	assert.True(t, strings.Contains(buf.String(), "\n  \"topic\""), "expected indented output, got %s", buf.String())

	var decoded topicSnapshot
	require.NoError(t, Decode(buf, &decoded))
	assert.Equal(t, "logs", decoded.Topic)
}

func TestEncodeCompact(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, []int{1, 2}, ""))
	assert.Equal(t, "[1,2]\n", buf.String())
}
