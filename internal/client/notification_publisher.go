package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
)

// Event types published for reconciliation workflow transitions.
const (
	EventSubmitted        = "reconciliation_submitted"
	EventApprovalRequired = "reconciliation_approval_required"
	EventApproved         = "reconciliation_approved"
	EventFullyApproved    = "reconciliation_fully_approved"
	EventRejected         = "reconciliation_rejected"
	EventReminder         = "reconciliation_reminder"
)

// streamPublisher is the part of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes reconciliation workflow events to NATS
// JetStream for consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.recon.reconciliation_approved.
//
// Publish waits for the stream's acknowledgement and returns any failure to
// the caller, which owns retrying. EventID is sent as the JetStream message
// id, so a retried publish inside the stream's duplicate window is stored
// once.
type NotificationPublisher struct {
	js      streamPublisher
	prefix  string
	timeout time.Duration
	log     *logger.Logger
}

// Recipient is a user an event is addressed to.
type Recipient struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	ActorID      int64          `json:"actor_id"`
	Recipients   []Recipient    `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil js disables
// publishing: events are logged and dropped.
func NewNotificationPublisher(js streamPublisher, prefix string, timeout time.Duration, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{js: js, prefix: prefix, timeout: timeout, log: log}
}

// Subject returns the subject an event type is published on.
func (p *NotificationPublisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s", p.prefix, eventType)
}

// Publish sends event and waits for the stream to acknowledge it.
func (p *NotificationPublisher) Publish(ctx context.Context, event *NotificationEvent) error {
	if len(event.Recipients) == 0 {
		return nil
	}
	if event.ResourceType == "" {
		event.ResourceType = "reconciliation"
	}
	if event.Category == "" {
		event.Category = "bank_reconciliation"
	}
	if event.Severity == "" {
		event.Severity = "info"
	}

	subject := p.Subject(event.EventType)
	if p.js == nil {
		p.log.Debug().
			Str("subject", subject).
			Str("event_id", event.EventID).
			Msg("notification: publishing disabled, event dropped")
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.EventID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("event_id", event.EventID).
		Str("stream", ack.Stream).
		Uint64("seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")

	return nil
}
