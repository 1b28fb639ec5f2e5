package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/topicbus/internal/runtime/errors"
	idspkg "github.com/drblury/topicbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/topicbus/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/topicbus/internal/runtime/metadata"
)

const (
	contentTypeOctetStream = "application/octet-stream"
	contentTypeText        = "text/plain"

	extensionProtoMessage = "protomessage"
)

// Envelope is the bus payload Ingest publishes for every inbound event.
type Envelope struct {
	ID          string               `json:"id"`
	Type        string               `json:"type"`
	Source      string               `json:"source"`
	Subject     string               `json:"subject,omitempty"`
	Time        time.Time            `json:"time"`
	ContentType string               `json:"content_type,omitempty"`
	Data        []byte               `json:"data,omitempty"`
	Metadata    metadatapkg.Metadata `json:"metadata,omitempty"`
}

// Decode unmarshals JSON event data into v. Proto messages are decoded with
// protojson.
func (e Envelope) Decode(v any) error {
	if msg, ok := v.(proto.Message); ok {
		if err := protojson.Unmarshal(e.Data, msg); err != nil {
			return fmt.Errorf("%w: decode %s: %w", errspkg.ErrPayloadType, e.Type, err)
		}
		return nil
	}
	if err := jsoncodec.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %w", errspkg.ErrPayloadType, e.Type, err)
	}
	return nil
}

// DecodeData decodes the event data of e into a T.
func DecodeData[T any](e Envelope) (T, error) {
	var v T
	err := e.Decode(&v)
	return v, err
}

// envelopeFromEvent falls back to the timestamp embedded in a ULID event ID
// when the event carries no time attribute.
func envelopeFromEvent(evt cloudevents.Event, md metadatapkg.Metadata) Envelope {
	at := evt.Time()
	if at.IsZero() {
		if fromID, ok := idspkg.Time(evt.ID()); ok {
			at = fromID
		}
	}
	return Envelope{
		ID:          evt.ID(),
		Type:        evt.Type(),
		Source:      evt.Source(),
		Subject:     evt.Subject(),
		Time:        at,
		ContentType: evt.DataContentType(),
		Data:        evt.Data(),
		Metadata:    md,
	}
}

// encodePayload turns a bus payload into event data for SetData. JSON data
// is passed as json.RawMessage so it is embedded verbatim; raw bytes travel
// as data_base64.
func encodePayload(payload any) (string, any, string, error) {
	switch p := payload.(type) {
	case proto.Message:
		raw, err := protojson.Marshal(p)
		return cloudevents.ApplicationJSON, json.RawMessage(raw), string(p.ProtoReflect().Descriptor().FullName()), err
	case json.RawMessage:
		if !jsoncodec.Valid(p) {
			return "", nil, "", fmt.Errorf("%w: invalid raw JSON", errspkg.ErrPayloadType)
		}
		return cloudevents.ApplicationJSON, p, "", nil
	case []byte:
		return contentTypeOctetStream, p, "", nil
	case string:
		return contentTypeText, p, "", nil
	default:
		raw, err := jsoncodec.Marshal(p)
		return cloudevents.ApplicationJSON, json.RawMessage(raw), "", err
	}
}
