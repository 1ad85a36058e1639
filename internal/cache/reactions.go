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

// reactionEnvelope is the stored value of a reaction key. ExpiresAt repeats
// the key TTL so readers can enforce it without trusting server-side expiry.
type reactionEnvelope struct {
	Reactions []models.ReactionSummary `json:"reactions"`
	ExpiresAt int64                    `json:"expires_at"` // unix ms
}

// ReactionCache caches per-message reaction summaries
type ReactionCache struct {
	rdb    redis.Cmdable
	opts   Options
	logger *zap.Logger
}

// NewReactionCache creates a reaction cache on the given Redis handle
func NewReactionCache(rdb redis.Cmdable, opts Options) *ReactionCache {
	return &ReactionCache{
		rdb:    rdb,
		opts:   opts.withDefaults(),
		logger: logging.WithComponent("reaction-cache"),
	}
}

// SetReactions overwrites the summaries of one message. An empty list
// deletes the key instead of caching an empty value.
func (r *ReactionCache) SetReactions(ctx context.Context, roomID, messageID string, summaries []models.ReactionSummary) bool {
	if r.rdb == nil {
		return false
	}
	key := reactionsKey(roomID, messageID)

	if len(summaries) == 0 {
		if err := r.rdb.Del(ctx, key).Err(); err != nil {
			r.degrade("delete", roomID, err)
			return false
		}
		return true
	}

	data, err := json.Marshal(reactionEnvelope{
		Reactions: summaries,
		ExpiresAt: r.opts.Now().Add(r.opts.ReactionTTL).UnixMilli(),
	})
	if err != nil {
		r.degrade("set", roomID, err)
		return false
	}
	if err := r.rdb.Set(ctx, key, data, r.opts.ReactionTTL).Err(); err != nil {
		r.degrade("set", roomID, err)
		return false
	}
	return true
}

// GetReactions returns the cached summaries of one message; a miss is an
// empty list.
func (r *ReactionCache) GetReactions(ctx context.Context, roomID, messageID string) []models.ReactionSummary {
	if r.rdb == nil {
		return []models.ReactionSummary{}
	}
	raw, err := r.rdb.Get(ctx, reactionsKey(roomID, messageID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.degrade("get", roomID, err)
		}
		return []models.ReactionSummary{}
	}
	return r.decode(raw)
}

// BatchGetReactions resolves every id in a single pipelined round trip.
// Every requested id is present in the result.
func (r *ReactionCache) BatchGetReactions(ctx context.Context, roomID string, messageIDs []string) map[string][]models.ReactionSummary {
	out := make(map[string][]models.ReactionSummary, len(messageIDs))
	for _, id := range messageIDs {
		out[id] = []models.ReactionSummary{}
	}
	if r.rdb == nil || len(out) == 0 {
		return out
	}

	ids := make([]string, 0, len(out))
	for id := range out {
		ids = append(ids, id)
	}

	cmds := make([]*redis.StringCmd, len(ids))
	// Pipelined reports the first failed command, redis.Nil included, so the
	// per-command results below are what matter.
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, reactionsKey(roomID, id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		r.degrade("batch_get", roomID, err)
		return out
	}

	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		out[ids[i]] = r.decode(raw)
	}
	return out
}

// ClearRoom deletes every reaction key of a room
func (r *ReactionCache) ClearRoom(ctx context.Context, roomID string) bool {
	if r.rdb == nil {
		return false
	}

	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, reactionsPattern(roomID), 200).Result()
		if err != nil {
			r.degrade("clear", roomID, err)
			return false
		}
		if len(keys) > 0 {
			if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
				r.degrade("clear", roomID, err)
				return false
			}
		}
		if next == 0 {
			return true
		}
		cursor = next
	}
}

func (r *ReactionCache) decode(raw string) []models.ReactionSummary {
	var env reactionEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.logger.Warn("Dropping undecodable reaction entry", zap.Error(err))
		return []models.ReactionSummary{}
	}
	if env.ExpiresAt > 0 && !time.UnixMilli(env.ExpiresAt).After(r.opts.Now()) {
		return []models.ReactionSummary{}
	}
	if env.Reactions == nil {
		return []models.ReactionSummary{}
	}
	return env.Reactions
}

func (r *ReactionCache) degrade(op, roomID string, err error) {
	r.logger.Warn("Reaction cache unavailable, degrading",
		zap.String("op", op),
		zap.String("room_id", roomID),
		zap.Error(err),
	)
}
