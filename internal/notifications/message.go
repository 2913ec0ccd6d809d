// Package notifications delivers order and payment events to downstream consumers.
package notifications

import (
	"context"
	"strings"
	"time"

	"github.com/skillbridge/api/internal/services"
)

// Sink delivers one notification synchronously.
type Sink interface {
	Name() string
	Send(ctx context.Context, event services.Notification) error
}

// Message is the JSON document published for every notification.
type Message struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	Recipients     []string       `json:"recipients,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewMessage converts a service notification into its wire form.
func NewMessage(event services.Notification) Message {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return Message{
		Type:           event.Type,
		OrderID:        event.OrderID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		Recipients:     event.Recipients,
		OccurredAt:     occurred.UTC(),
		Metadata:       event.Metadata,
	}
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
