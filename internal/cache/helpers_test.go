package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/roomline/msgcache/internal/models"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// newDeadRedis returns a client whose server has already gone away
func newDeadRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	mr.Close()
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func testMessage(roomID string, i int) models.Message {
	return models.Message{
		ID:                fmt.Sprintf("m%03d", i),
		RoomID:            roomID,
		AuthorDisplayName: "guest",
		Kind:              models.KindNormal,
		Body:              fmt.Sprintf("message %d", i),
		CreatedAt:         base.Add(time.Duration(i) * time.Second),
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(got []models.Message, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].ID != want[i] {
			return false
		}
	}
	return true
}

// roundTrips counts network round trips: one per command or pipeline
type roundTrips struct {
	n int64
}

func (h *roundTrips) BeforeProcess(ctx context.Context, _ redis.Cmder) (context.Context, error) {
	atomic.AddInt64(&h.n, 1)
	return ctx, nil
}

func (h *roundTrips) AfterProcess(context.Context, redis.Cmder) error { return nil }

func (h *roundTrips) BeforeProcessPipeline(ctx context.Context, _ []redis.Cmder) (context.Context, error) {
	atomic.AddInt64(&h.n, 1)
	return ctx, nil
}

func (h *roundTrips) AfterProcessPipeline(context.Context, []redis.Cmder) error { return nil }

func (h *roundTrips) count() int64 { return atomic.LoadInt64(&h.n) }
