package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

// KeyInfo describes one populated cache key
type KeyInfo struct {
	Key         string        `json:"key"`
	RoomID      string        `json:"room_id"`
	Kind        string        `json:"kind"`
	MessageID   string        `json:"message_id,omitempty"`
	Type        string        `json:"type"`
	Cardinality int64         `json:"cardinality"`
	TTL         time.Duration `json:"ttl"`
}

// Inspector enumerates cache keys for operational tooling. Unlike the
// stores it returns errors: an operator wants to know Redis is down.
type Inspector struct {
	rdb redis.Cmdable
}

// NewInspector creates an inspector on the given Redis handle
func NewInspector(rdb redis.Cmdable) *Inspector {
	return &Inspector{rdb: rdb}
}

// Keys lists the cache keys of roomID, or of every room when roomID is
// empty, sorted by key.
func (i *Inspector) Keys(ctx context.Context, roomID string) ([]KeyInfo, error) {
	if i.rdb == nil {
		return nil, ErrCacheDisabled
	}

	var (
		infos  []KeyInfo
		cursor uint64
	)
	for {
		keys, next, err := i.rdb.Scan(ctx, cursor, roomPattern(roomID), 500).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		batch, err := i.describe(ctx, keys)
		if err != nil {
			return nil, err
		}
		infos = append(infos, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}

	sort.Slice(infos, func(a, b int) bool { return infos[a].Key < infos[b].Key })
	return infos, nil
}

func (i *Inspector) describe(ctx context.Context, keys []string) ([]KeyInfo, error) {
	type pending struct {
		info KeyInfo
		size redis.Cmder
		ttl  *redis.DurationCmd
	}

	var items []pending
	for _, key := range keys {
		room, kind, msgID, ok := ParseKey(key)
		if !ok {
			continue
		}
		items = append(items, pending{info: KeyInfo{Key: key, RoomID: room, Kind: kind, MessageID: msgID}})
	}
	if len(items) == 0 {
		return nil, nil
	}

	_, err := i.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for n := range items {
			key := items[n].info.Key
			switch items[n].info.Kind {
			case KindMessages, KindPinned:
				items[n].info.Type = "zset"
				items[n].size = pipe.ZCard(ctx, key)
			case KindMessageData, KindPinnedData:
				items[n].info.Type = "hash"
				items[n].size = pipe.HLen(ctx, key)
			default:
				items[n].info.Type = "string"
				items[n].size = pipe.Exists(ctx, key)
			}
			items[n].ttl = pipe.PTTL(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe keys: %w", err)
	}

	infos := make([]KeyInfo, 0, len(items))
	for _, item := range items {
		if c, ok := item.size.(*redis.IntCmd); ok {
			item.info.Cardinality = c.Val()
		}
		item.info.TTL = item.ttl.Val()
		// A key may expire between SCAN and the pipeline
		if item.info.Cardinality == 0 {
			continue
		}
		infos = append(infos, item.info)
	}
	return infos, nil
}
