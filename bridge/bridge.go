// Package bridge moves bus payloads to and from Watermill publishers and
// subscribers as CloudEvents. The bus itself stays in-process: Forward is an
// ordinary subscriber and Ingest an ordinary publisher.
package bridge

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	runtimepkg "github.com/drblury/topicbus/internal/runtime"
	errspkg "github.com/drblury/topicbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/topicbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/topicbus/internal/runtime/metadata"
)

// Forward subscribes to topics on bus and publishes every payload to pub as a
// structured-mode CloudEvents JSON message. The event ID is the bus message
// ID. A failed encode or publish is a subscriber fault of the forwarding
// subscription; other subscribers are not affected.
func Forward(bus *runtimepkg.Bus, topics []string, pub message.Publisher, opts ...Option) (runtimepkg.SubscriptionID, error) {
	if bus == nil {
		return "", errspkg.ErrBusRequired
	}
	if pub == nil {
		return "", fmt.Errorf("%w: publisher is required", errspkg.ErrInvalidArgument)
	}
	o := newOptions("topicbus/"+bus.Conf.Name, bus.Logger, opts)
	busName := bus.Conf.Name

	return bus.SubscribeDelivery(topics, func(d *runtimepkg.Delivery) error {
		msg, err := o.toMessage(d, busName)
		if err != nil {
			return err
		}
		target := o.topicMapper(d.Topic)
		if err := pub.Publish(target, msg); err != nil {
			return fmt.Errorf("forward %s to %s: %w", d.Topic, target, err)
		}
		o.logger.Trace("Forwarded message", loggingpkg.LogFields{
			"topic":      d.Topic,
			"target":     target,
			"message_id": d.MessageID,
		})
		return nil
	})
}

func (o options) toMessage(d *runtimepkg.Delivery, busName string) (*message.Message, error) {
	contentType, data, protoName, err := encodePayload(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload of %s: %w", d.Topic, err)
	}

	evt := cloudevents.NewEvent()
	evt.SetID(d.MessageID)
	evt.SetSource(o.source)
	evt.SetType(o.eventType(d.Topic))
	evt.SetTime(d.PublishedAt)
	if d.Topic != "" {
		evt.SetSubject(d.Topic)
	}
	if protoName != "" {
		evt.SetExtension(extensionProtoMessage, protoName)
	}
	if err := evt.SetData(contentType, data); err != nil {
		return nil, fmt.Errorf("set event data: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloud event for %s: %w", d.Topic, err)
	}

	body, err := evt.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal cloud event: %w", err)
	}

	msg := message.NewMessage(d.MessageID, body)
	msg.Metadata = metadatapkg.New(
		metadatapkg.KeyTopic, d.Topic,
		metadatapkg.KeyMessageID, d.MessageID,
		metadatapkg.KeyBus, busName,
		metadatapkg.KeyEventType, evt.Type(),
		metadatapkg.KeyContentType, "application/cloudevents+json",
	).ToWatermill()
	msg.SetContext(d.Context())
	return msg, nil
}

// Ingest subscribes to topic on sub and publishes every CloudEvents message it
// receives on bus until ctx ends or the subscription channel closes. The bus
// topic is the topicbus_topic header when present, else the event subject,
// else topic, passed through WithTopicMapper. Messages that are not valid
// CloudEvents are logged and acknowledged so they are not redelivered.
// Subscriber faults on the bus never nack a message.
func Ingest(ctx context.Context, bus *runtimepkg.Bus, sub message.Subscriber, topic string, opts ...Option) error {
	if bus == nil {
		return errspkg.ErrBusRequired
	}
	if sub == nil {
		return fmt.Errorf("%w: subscriber is required", errspkg.ErrInvalidArgument)
	}
	o := newOptions("", bus.Logger, opts)

	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			o.ingest(bus, topic, msg)
		}
	}
}

func (o options) ingest(bus *runtimepkg.Bus, topic string, msg *message.Message) {
	defer msg.Ack()

	evt := cloudevents.NewEvent()
	if err := evt.UnmarshalJSON(msg.Payload); err != nil {
		o.logger.Error("Dropping message that is not a cloud event", err, loggingpkg.LogFields{
			"topic":        topic,
			"message_uuid": msg.UUID,
		})
		return
	}

	md := metadatapkg.FromWatermill(msg.Metadata)
	busTopic, ok := md.Lookup(metadatapkg.KeyTopic)
	if !ok {
		busTopic = evt.Subject()
		if busTopic == "" {
			busTopic = topic
		}
	}
	busTopic = o.topicMapper(busTopic)

	// An empty topic stays a present header.
	envelopeMD := md.Clone()
	envelopeMD[metadatapkg.KeyTopic] = busTopic

	var payload any = envelopeFromEvent(evt, envelopeMD)
	if o.rawData {
		payload = evt.Data()
	}

	report := bus.PublishContext(msg.Context(), busTopic, payload)
	o.logger.Trace("Ingested message", loggingpkg.LogFields{
		"topic":       busTopic,
		"event_id":    evt.ID(),
		"subscribers": report.Subscribers,
		"faults":      len(report.Faults),
	})
}
