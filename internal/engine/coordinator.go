package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/roomline/msgcache/internal/cache"
	"github.com/roomline/msgcache/internal/events"
	"github.com/roomline/msgcache/internal/models"
	"github.com/roomline/msgcache/pkg/logging"
)

// Coordinator keeps the caches consistent with the durable store across
// message writes. The durable leg of every write is authoritative; cache
// legs are best effort.
type Coordinator struct {
	durable   DurableStore
	messages  MessageStore
	pinned    PinnedStore
	reactions ReactionStore
	reserved  ReservedNames
	publisher events.Publisher
	now       func() time.Time
	logger    *zap.Logger
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithReservedNames sets the checker for registered display names
func WithReservedNames(r ReservedNames) CoordinatorOption {
	return func(c *Coordinator) { c.reserved = r }
}

// WithPublisher sets the event publisher
func WithPublisher(p events.Publisher) CoordinatorOption {
	return func(c *Coordinator) { c.publisher = p }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator over the given stores
func NewCoordinator(durable DurableStore, messages MessageStore, pinned PinnedStore, reactions ReactionStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		durable:   durable,
		messages:  messages,
		pinned:    pinned,
		reactions: reactions,
		reserved:  ReservedNamesFunc(func(context.Context, string) bool { return false }),
		publisher: events.Discard{},
		now:       time.Now,
		logger:    logging.WithComponent("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func validateMessage(msg *models.Message) error {
	switch {
	case strings.TrimSpace(msg.RoomID) == "":
		return fmt.Errorf("%w: room_id is required", ErrInvalidMessage)
	case strings.TrimSpace(msg.Body) == "":
		return fmt.Errorf("%w: body is required", ErrInvalidMessage)
	case strings.TrimSpace(msg.AuthorDisplayName) == "":
		return fmt.Errorf("%w: author_display_name is required", ErrInvalidMessage)
	case !msg.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, msg.Kind)
	case msg.Pinned && msg.PinnedExpiresAt == nil:
		return fmt.Errorf("%w: pinned message without expiry", ErrInvalidMessage)
	}
	return nil
}

// NotifyCreated persists a new message and writes it through to the caches.
// ID and CreatedAt are assigned when empty.
func (c *Coordinator) NotifyCreated(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Microsecond)
	if msg.Kind == "" {
		msg.Kind = models.KindNormal
	}
	if err := validateMessage(msg); err != nil {
		return err
	}
	msg.AuthorNameReserved = c.reserved.IsReserved(ctx, msg.AuthorDisplayName)

	if err := c.durable.Insert(ctx, msg); err != nil {
		return fmt.Errorf("%w: insert message %s: %w", ErrDurableStore, msg.ID, err)
	}

	logger := logging.WithRoom(c.logger, msg.RoomID)
	if !c.messages.Add(ctx, msg) {
		// A missing record in the middle of the cached window would be
		// served as if it never existed; an empty room re-warms from the
		// durable store instead.
		logger.Warn("Cache write failed, invalidating room", zap.String("message_id", msg.ID))
		c.messages.Clear(ctx, msg.RoomID)
	}
	if msg.Pinned {
		c.upsertPinned(ctx, logger, msg)
	}

	c.publish(ctx, events.EventCreated, msg)
	return nil
}

// NotifyPinned pins msg for duration. Pinning a pinned message replaces the
// previous pin.
func (c *Coordinator) NotifyPinned(ctx context.Context, msg *models.Message, amountPaid decimal.Decimal, duration time.Duration) error {
	if duration <= 0 {
		return fmt.Errorf("%w: non-positive pin duration %s", cache.ErrInvalidPin, duration)
	}
	if msg == nil || msg.ID == "" || msg.RoomID == "" {
		return fmt.Errorf("%w: message id and room are required", ErrInvalidMessage)
	}

	now := c.now().UTC().Truncate(time.Microsecond)
	expires := now.Add(duration)
	paid := amountPaid
	msg.Pinned = true
	msg.PinnedAt = &now
	msg.PinnedExpiresAt = &expires
	msg.PinPricePaid = &paid

	if err := c.durable.SetPinFields(ctx, msg.ID, models.PinUpdateOf(msg)); err != nil {
		return fmt.Errorf("%w: pin message %s: %w", ErrDurableStore, msg.ID, err)
	}

	logger := logging.WithRoom(c.logger, msg.RoomID)
	c.upsertMessage(ctx, logger, msg)
	c.upsertPinned(ctx, logger, msg)

	c.publish(ctx, events.EventPinned, msg)
	return nil
}

// NotifyUnpinned clears the pin of msg. The message itself stays cached.
func (c *Coordinator) NotifyUnpinned(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.RoomID == "" {
		return fmt.Errorf("%w: message id and room are required", ErrInvalidMessage)
	}
	msg.ClearPin()

	if err := c.durable.SetPinFields(ctx, msg.ID, models.PinUpdateOf(msg)); err != nil {
		return fmt.Errorf("%w: unpin message %s: %w", ErrDurableStore, msg.ID, err)
	}

	logger := logging.WithRoom(c.logger, msg.RoomID)
	if !c.pinned.RemovePinned(ctx, msg.RoomID, msg.ID) {
		logger.Warn("Pinned cache eviction failed", zap.String("message_id", msg.ID))
	}
	c.upsertMessage(ctx, logger, msg)

	c.publish(ctx, events.EventUnpinned, msg)
	return nil
}

// NotifyDeleted soft-deletes a message of roomID. Cache eviction is
// attempted whatever the durable outcome. Deleting twice, or naming a room
// the message does not belong to, changes nothing and publishes nothing.
func (c *Coordinator) NotifyDeleted(ctx context.Context, roomID, messageID string) error {
	if roomID == "" || messageID == "" {
		return fmt.Errorf("%w: room and message id are required", ErrInvalidMessage)
	}

	deleted, durableErr := c.durable.MarkDeleted(ctx, roomID, messageID)
	c.evict(ctx, roomID, messageID)

	if durableErr != nil {
		return fmt.Errorf("%w: delete message %s: %w", ErrDurableStore, messageID, durableErr)
	}
	if !deleted {
		logging.WithRoom(c.logger, roomID).Debug("Delete changed nothing", zap.String("message_id", messageID))
		return nil
	}

	c.publisherSend(ctx, events.Event{Type: events.EventDeleted, RoomID: roomID, MessageID: messageID})
	return nil
}

// NotifyEdited refreshes the cached copies of a message from the durable
// store, evicting them when the message is gone or deleted.
func (c *Coordinator) NotifyEdited(ctx context.Context, roomID, messageID string) error {
	if roomID == "" || messageID == "" {
		return fmt.Errorf("%w: room and message id are required", ErrInvalidMessage)
	}

	msg, err := c.durable.FetchByID(ctx, messageID)
	if err != nil {
		// Stale copies are worse than missing ones
		c.evict(ctx, roomID, messageID)
		return fmt.Errorf("%w: reload message %s: %w", ErrDurableStore, messageID, err)
	}
	if msg == nil || msg.Deleted || msg.RoomID != roomID {
		c.evict(ctx, roomID, messageID)
		return nil
	}

	logger := logging.WithRoom(c.logger, roomID)
	c.upsertMessage(ctx, logger, msg)
	if msg.PinActive(c.now()) {
		c.upsertPinned(ctx, logger, msg)
	} else if !c.pinned.RemovePinned(ctx, roomID, messageID) {
		logger.Warn("Pinned cache eviction failed", zap.String("message_id", messageID))
	}

	c.publish(ctx, events.EventEdited, msg)
	return nil
}

// Lookup loads a live message of a room from the durable store. A missing,
// deleted or foreign message yields nil.
func (c *Coordinator) Lookup(ctx context.Context, roomID, messageID string) (*models.Message, error) {
	msg, err := c.durable.FetchByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: load message %s: %w", ErrDurableStore, messageID, err)
	}
	if msg == nil || msg.Deleted || msg.RoomID != roomID {
		return nil, nil
	}
	return msg, nil
}

// SetReactions replaces the cached reaction summaries of one message
func (c *Coordinator) SetReactions(ctx context.Context, roomID, messageID string, summaries []models.ReactionSummary) bool {
	ok := c.reactions.SetReactions(ctx, roomID, messageID, summaries)
	c.publisherSend(ctx, events.Event{
		Type:      events.EventReactions,
		RoomID:    roomID,
		MessageID: messageID,
		Reactions: summaries,
	})
	return ok
}

// ClearRoomCache drops every cached record of a room. It reports whether
// all three caches were cleared.
func (c *Coordinator) ClearRoomCache(ctx context.Context, roomID string) bool {
	messages := c.messages.Clear(ctx, roomID)
	pinned := c.pinned.Clear(ctx, roomID)
	reactions := c.reactions.ClearRoom(ctx, roomID)
	c.logger.Info("Cleared room cache",
		zap.String("room_id", roomID),
		zap.Bool("messages", messages),
		zap.Bool("pinned", pinned),
		zap.Bool("reactions", reactions),
	)
	return messages && pinned && reactions
}

func (c *Coordinator) evict(ctx context.Context, roomID, messageID string) {
	logger := logging.WithRoom(c.logger, roomID)
	if !c.messages.Remove(ctx, roomID, messageID) {
		logger.Warn("Message cache eviction failed", zap.String("message_id", messageID))
	}
	if !c.pinned.RemovePinned(ctx, roomID, messageID) {
		logger.Warn("Pinned cache eviction failed", zap.String("message_id", messageID))
	}
	if !c.reactions.SetReactions(ctx, roomID, messageID, nil) {
		logger.Warn("Reaction cache eviction failed", zap.String("message_id", messageID))
	}
}

// upsertMessage refreshes a cached copy of msg. Only NotifyCreated and
// backfill insert; anything else could land below the cached window.
func (c *Coordinator) upsertMessage(ctx context.Context, logger *zap.Logger, msg *models.Message) {
	if !c.messages.Replace(ctx, msg) {
		logger.Warn("Message cache upsert failed", zap.String("message_id", msg.ID))
	}
}

func (c *Coordinator) upsertPinned(ctx context.Context, logger *zap.Logger, msg *models.Message) {
	if ok, err := c.pinned.AddPinned(ctx, msg); !ok {
		logger.Warn("Pinned cache upsert failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, typ events.Type, msg *models.Message) {
	snapshot := *msg
	c.publisherSend(ctx, events.Event{
		Type:      typ,
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		Message:   &snapshot,
	})
}

func (c *Coordinator) publisherSend(ctx context.Context, evt events.Event) {
	evt.At = c.now().UTC()
	if err := c.publisher.Publish(ctx, evt); err != nil {
		c.logger.Warn("Event publish failed",
			zap.String("room_id", evt.RoomID),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}
