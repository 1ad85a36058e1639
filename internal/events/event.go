package events

import (
	"context"
	"errors"
	"time"

	"github.com/roomline/msgcache/internal/models"
)

// Type names a room event
type Type string

const (
	EventCreated   Type = "message.created"
	EventEdited    Type = "message.edited"
	EventDeleted   Type = "message.deleted"
	EventPinned    Type = "message.pinned"
	EventUnpinned  Type = "message.unpinned"
	EventReactions Type = "message.reactions"
)

// Event is what the fan-out layer delivers to a room's subscribers
type Event struct {
	Type      Type                     `json:"type"`
	RoomID    string                   `json:"room_id"`
	MessageID string                   `json:"message_id"`
	Message   *models.Message          `json:"message,omitempty"`
	Reactions []models.ReactionSummary `json:"reactions,omitempty"`
	At        time.Time                `json:"at"`
}

// Publisher delivers events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Multi publishes to every publisher and joins their errors
type Multi []Publisher

// Publish implements Publisher
func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event
type Discard struct{}

// Publish implements Publisher
func (Discard) Publish(context.Context, Event) error { return nil }
