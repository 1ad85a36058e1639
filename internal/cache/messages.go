package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/roomline/msgcache/internal/models"
	"github.com/roomline/msgcache/pkg/logging"
)

// MessageCache keeps the most recent messages of every room, ordered by
// creation time and bounded by Options.MaxMessages.
//
// Every method absorbs backing store failures: writes report false, reads
// report ok=false with an empty result.
type MessageCache struct {
	rdb    redis.Cmdable
	opts   Options
	logger *zap.Logger
}

// NewMessageCache creates a message cache on the given Redis handle. A nil
// handle yields a cache that is permanently unavailable.
func NewMessageCache(rdb redis.Cmdable, opts Options) *MessageCache {
	return &MessageCache{
		rdb:    rdb,
		opts:   opts.withDefaults(),
		logger: logging.WithComponent("message-cache"),
	}
}

// MaxMessages returns the per-room capacity
func (c *MessageCache) MaxMessages() int {
	return c.opts.MaxMessages
}

// Add inserts or replaces msg and trims the room to capacity
func (c *MessageCache) Add(ctx context.Context, msg *models.Message) bool {
	if c.rdb == nil {
		return false
	}
	keys, args, err := c.addArgs(msg)
	if err != nil {
		c.degrade("add", msg.RoomID, err)
		return false
	}

	evicted, err := addMessageScript.Run(ctx, c.rdb, keys, args...).Int64()
	if err != nil {
		c.degrade("add", msg.RoomID, err)
		return false
	}
	if evicted > 0 {
		c.logger.Debug("Evicted oldest messages", zap.String("room_id", msg.RoomID), zap.Int64("evicted", evicted))
	}
	return true
}

// Replace overwrites the cached copy of msg when the room cache already
// holds it. A message outside the cached window is left out, since adding
// it could open a gap between it and the newer messages. The result
// reports whether the write succeeded, not whether a copy was replaced.
func (c *MessageCache) Replace(ctx context.Context, msg *models.Message) bool {
	if c.rdb == nil {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.degrade("replace", msg.RoomID, err)
		return false
	}

	keys := []string{messagesKey(msg.RoomID), messageDataKey(msg.RoomID)}
	replaced, err := replaceMessageScript.Run(ctx, c.rdb, keys, msg.ID, string(data)).Int64()
	if err != nil {
		c.degrade("replace", msg.RoomID, err)
		return false
	}
	if replaced == 0 {
		c.logger.Debug("Message not cached, replace skipped",
			zap.String("room_id", msg.RoomID),
			zap.String("message_id", msg.ID))
	}
	return true
}

// AddBatch adds several messages in one pipelined round trip
func (c *MessageCache) AddBatch(ctx context.Context, msgs []models.Message) bool {
	if c.rdb == nil {
		return false
	}
	if len(msgs) == 0 {
		return true
	}

	// Load once outside the pipeline; EVAL inside it cannot fall back on NOSCRIPT.
	if err := addMessageScript.Load(ctx, c.rdb).Err(); err != nil {
		c.degrade("add_batch", msgs[0].RoomID, err)
		return false
	}

	cmds, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range msgs {
			keys, args, err := c.addArgs(&msgs[i])
			if err != nil {
				return err
			}
			addMessageScript.EvalSha(ctx, pipe, keys, args...)
		}
		return nil
	})
	if err != nil {
		c.degrade("add_batch", msgs[0].RoomID, err)
		return false
	}
	for _, cmd := range cmds {
		if cmd.Err() != nil {
			c.degrade("add_batch", msgs[0].RoomID, cmd.Err())
			return false
		}
	}
	return true
}

func (c *MessageCache) addArgs(msg *models.Message) ([]string, []interface{}, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, err
	}
	keys := []string{messagesKey(msg.RoomID), messageDataKey(msg.RoomID)}
	args := []interface{}{
		msg.ID,
		formatScore(models.Score(msg.CreatedAt)),
		string(data),
		c.opts.MaxMessages,
		c.opts.RoomTTL.Milliseconds(),
	}
	return keys, args, nil
}

// GetLatest returns up to limit of the newest non-deleted messages, oldest first
func (c *MessageCache) GetLatest(ctx context.Context, roomID string, limit int) ([]models.Message, bool) {
	return c.rangeBefore(ctx, roomID, "+inf", limit)
}

// GetBefore returns up to limit non-deleted messages created strictly before
// before, oldest first
func (c *MessageCache) GetBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, bool) {
	return c.rangeBefore(ctx, roomID, "("+formatScore(models.Score(before)), limit)
}

func (c *MessageCache) rangeBefore(ctx context.Context, roomID, max string, limit int) ([]models.Message, bool) {
	if c.rdb == nil {
		return nil, false
	}
	if limit <= 0 {
		return []models.Message{}, true
	}

	keys := []string{messagesKey(roomID), messageDataKey(roomID)}
	res, err := rangeMessagesScript.Run(ctx, c.rdb, keys, max, limit).Slice()
	if err != nil {
		c.degrade("range", roomID, err)
		return nil, false
	}

	msgs := decodeMessages(res, c.logger)
	reverse(msgs)
	return msgs, true
}

// Remove evicts one message; removing an absent id is not an error
func (c *MessageCache) Remove(ctx context.Context, roomID, messageID string) bool {
	if c.rdb == nil {
		return false
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, messagesKey(roomID), messageID)
		pipe.HDel(ctx, messageDataKey(roomID), messageID)
		return nil
	})
	if err != nil {
		c.degrade("remove", roomID, err)
		return false
	}
	return true
}

// Clear drops the whole room cache
func (c *MessageCache) Clear(ctx context.Context, roomID string) bool {
	if c.rdb == nil {
		return false
	}
	if err := c.rdb.Del(ctx, messagesKey(roomID), messageDataKey(roomID)).Err(); err != nil {
		c.degrade("clear", roomID, err)
		return false
	}
	return true
}

// Count returns the number of cached messages of a room
func (c *MessageCache) Count(ctx context.Context, roomID string) (int64, bool) {
	if c.rdb == nil {
		return 0, false
	}
	n, err := c.rdb.ZCard(ctx, messagesKey(roomID)).Result()
	if err != nil {
		c.degrade("count", roomID, err)
		return 0, false
	}
	return n, true
}

// TTL returns the remaining idle lifetime of a room cache. Negative values
// follow Redis: -2ns for a missing key, -1ns for no expiry.
func (c *MessageCache) TTL(ctx context.Context, roomID string) (time.Duration, bool) {
	if c.rdb == nil {
		return 0, false
	}
	ttl, err := c.rdb.PTTL(ctx, messagesKey(roomID)).Result()
	if err != nil {
		c.degrade("ttl", roomID, err)
		return 0, false
	}
	return ttl, true
}

func (c *MessageCache) degrade(op, roomID string, err error) {
	c.logger.Warn("Message cache unavailable, degrading",
		zap.String("op", op),
		zap.String("room_id", roomID),
		zap.Error(err),
	)
}

// decodeMessages turns HMGET style replies into messages, skipping holes,
// undecodable payloads and tombstones.
func decodeMessages(values []interface{}, logger *zap.Logger) []models.Message {
	msgs := make([]models.Message, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			logger.Warn("Dropping undecodable cache entry", zap.Error(err))
			continue
		}
		if msg.Deleted {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
