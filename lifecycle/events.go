package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/pkg/errs"
	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/choreboard/storage"
)

// EventType names a lifecycle event. It is the last token of the subject.
type EventType string

const (
	EventCreated            EventType = "created"
	EventCompleted          EventType = "completed"
	EventExtensionRequested EventType = "extension_requested"
	EventExtensionApproved  EventType = "extension_approved"
	EventExtensionDenied    EventType = "extension_denied"
	EventMarkedImpossible   EventType = "marked_impossible"
	EventImpossibleEdited   EventType = "impossible_edited"
	EventImpossibleDeleted  EventType = "impossible_deleted"
	EventImpossibleDenied   EventType = "impossible_denied"
	EventAdminEdited        EventType = "admin_edited"
	EventCommented          EventType = "commented"
	EventDeleted            EventType = "deleted"
)

// EventSubjectPrefix prefixes every lifecycle event subject.
const EventSubjectPrefix = "tasks.event."

// DefaultEventStream is the JetStream stream capturing lifecycle events.
const DefaultEventStream = "CHOREBOARD_TASK_EVENTS"

// Event describes a completed lifecycle operation.
type Event struct {
	Type       EventType      `json:"type"`
	TaskID     string         `json:"task_id"`
	Actor      string         `json:"actor,omitempty"`
	FromStatus storage.Status `json:"from_status,omitempty"`
	ToStatus   storage.Status `json:"to_status,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Subject returns the subject the event is published on.
func (e Event) Subject() string {
	return EventSubjectPrefix + string(e.Type)
}

// Publisher delivers lifecycle events. Failures never undo the operation
// that produced the event.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// StreamPublisher is satisfied by *natsclient.Client.
type StreamPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// NATSPublisher publishes events to JetStream with retry on transient errors.
type NATSPublisher struct {
	client StreamPublisher
}

// NewNATSPublisher creates a publisher on top of a stream client.
func NewNATSPublisher(client StreamPublisher) *NATSPublisher {
	return &NATSPublisher{client: client}
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errs.WrapInvalid(err, "lifecycle", "Publish", "marshal event")
	}

	subject := event.Subject()
	return retry.Do(ctx, retry.DefaultConfig(), func() error {
		if err := p.client.PublishToStream(ctx, subject, data); err != nil {
			return errs.WrapTransient(err, "lifecycle", "Publish", "publish to "+subject)
		}
		return nil
	})
}

// EnsureEventStream creates or updates the stream capturing lifecycle events.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream, name string) error {
	if name == "" {
		name = DefaultEventStream
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "Choreboard task lifecycle events",
		Subjects:    []string{EventSubjectPrefix + ">"},
		MaxAge:      30 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create event stream %s: %w", name, err)
	}
	return nil
}
