package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/roomline/msgcache/internal/models"
	"github.com/roomline/msgcache/pkg/logging"
)

// ErrInvalidPin is returned when a message is stored as pinned without
// being pinned or without an expiry. It is detected before any I/O.
var ErrInvalidPin = errors.New("pinned message requires pinned=true and an expiry")

// PinnedCache indexes the currently pinned messages of a room by expiry
type PinnedCache struct {
	rdb    redis.Cmdable
	opts   Options
	logger *zap.Logger
}

// NewPinnedCache creates a pinned cache on the given Redis handle
func NewPinnedCache(rdb redis.Cmdable, opts Options) *PinnedCache {
	return &PinnedCache{
		rdb:    rdb,
		opts:   opts.withDefaults(),
		logger: logging.WithComponent("pinned-cache"),
	}
}

// ValidatePin checks the pin invariants of msg
func ValidatePin(msg *models.Message) error {
	if msg == nil || !msg.Pinned || msg.PinnedExpiresAt == nil {
		return ErrInvalidPin
	}
	return nil
}

// AddPinned stores msg keyed by its pin expiry. Pinning an id again
// overwrites the previous entry. A pin that has already expired is accepted
// and simply never returned.
func (p *PinnedCache) AddPinned(ctx context.Context, msg *models.Message) (bool, error) {
	if err := ValidatePin(msg); err != nil {
		return false, err
	}
	if p.rdb == nil {
		return false, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}

	ttl := msg.PinnedExpiresAt.Sub(p.opts.Now())
	if ttl < time.Second {
		ttl = time.Second // PEXPIRE needs a positive value; the sweep drops it anyway
	}

	keys := []string{pinnedKey(msg.RoomID), pinnedDataKey(msg.RoomID)}
	args := []interface{}{
		msg.ID,
		formatScore(models.Score(*msg.PinnedExpiresAt)),
		string(data),
		ttl.Milliseconds() + 1,
	}
	if err := addPinnedScript.Run(ctx, p.rdb, keys, args...).Err(); err != nil {
		p.degrade("add", msg.RoomID, err)
		return false, nil
	}
	return true, nil
}

// GetPinned returns the room's active pins, soonest to expire first.
// Expired pins are removed from Redis as a side effect.
func (p *PinnedCache) GetPinned(ctx context.Context, roomID string) []models.Message {
	if p.rdb == nil {
		return []models.Message{}
	}

	now := p.opts.Now()
	keys := []string{pinnedKey(roomID), pinnedDataKey(roomID)}
	res, err := sweepPinnedScript.Run(ctx, p.rdb, keys, formatScore(models.Score(now))).Slice()
	if err != nil {
		p.degrade("get", roomID, err)
		return []models.Message{}
	}
	if len(res) != 2 {
		p.degrade("get", roomID, errors.New("unexpected sweep reply"))
		return []models.Message{}
	}

	if swept, _ := res[0].(int64); swept > 0 {
		p.logger.Debug("Swept expired pins", zap.String("room_id", roomID), zap.Int64("swept", swept))
	}

	values, _ := res[1].([]interface{})
	decoded := decodeMessages(values, p.logger)

	// The script already dropped expired pins; re-check against the same
	// clock so a pin expiring between the script and here stays hidden.
	pins := decoded[:0]
	for _, msg := range decoded {
		if msg.PinActive(now) {
			pins = append(pins, msg)
		}
	}
	return pins
}

// RemovePinned drops one pin; removing an absent id is not an error
func (p *PinnedCache) RemovePinned(ctx context.Context, roomID, messageID string) bool {
	if p.rdb == nil {
		return false
	}
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, pinnedKey(roomID), messageID)
		pipe.HDel(ctx, pinnedDataKey(roomID), messageID)
		return nil
	})
	if err != nil {
		p.degrade("remove", roomID, err)
		return false
	}
	return true
}

// Clear drops every pin of a room
func (p *PinnedCache) Clear(ctx context.Context, roomID string) bool {
	if p.rdb == nil {
		return false
	}
	if err := p.rdb.Del(ctx, pinnedKey(roomID), pinnedDataKey(roomID)).Err(); err != nil {
		p.degrade("clear", roomID, err)
		return false
	}
	return true
}

// Count returns the number of pin entries, expired ones included
func (p *PinnedCache) Count(ctx context.Context, roomID string) (int64, bool) {
	if p.rdb == nil {
		return 0, false
	}
	n, err := p.rdb.ZCard(ctx, pinnedKey(roomID)).Result()
	if err != nil {
		p.degrade("count", roomID, err)
		return 0, false
	}
	return n, true
}

func (p *PinnedCache) degrade(op, roomID string, err error) {
	p.logger.Warn("Pinned cache unavailable, degrading",
		zap.String("op", op),
		zap.String("room_id", roomID),
		zap.Error(err),
	)
}
