package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/skillbridge/api/internal/services"
)

// PubSubSink publishes notifications to a Pub/Sub topic.
type PubSubSink struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubSink constructs a Pub/Sub backed sink.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub notifications: topic is required")
	}
	return &PubSubSink{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// Name identifies the sink in logs.
func (p *PubSubSink) Name() string { return "pubsub" }

// Send publishes the event and waits for the server acknowledgement.
func (p *PubSubSink) Send(ctx context.Context, event services.Notification) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notifications: not initialised")
	}

	data, err := p.marshal(NewMessage(event))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.CurrentStatus)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
