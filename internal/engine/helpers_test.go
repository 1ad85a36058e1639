package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/roomline/msgcache/internal/cache"
	"github.com/roomline/msgcache/internal/db"
	"github.com/roomline/msgcache/internal/events"
	"github.com/roomline/msgcache/internal/models"
)

var (
	base       = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	errOffline = errors.New("connection refused")
)

var (
	_ DurableStore  = (*db.MessageRepository)(nil)
	_ DurableStore  = (*memDurable)(nil)
	_ MessageStore  = (*cache.MessageCache)(nil)
	_ PinnedStore   = (*cache.PinnedCache)(nil)
	_ ReactionStore = (*cache.ReactionCache)(nil)
)

// memDurable is an in-memory DurableStore
type memDurable struct {
	mu      sync.Mutex
	msgs    map[string]models.Message
	err     error
	fetches int
	inserts int
}

func newMemDurable() *memDurable {
	return &memDurable{msgs: make(map[string]models.Message)}
}

func (d *memDurable) seed(msgs ...models.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range msgs {
		d.msgs[m.ID] = m
	}
}

func (d *memDurable) fetchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetches
}

func (d *memDurable) newest(roomID string, before *time.Time, limit int) []models.Message {
	var out []models.Message
	for _, m := range d.msgs {
		if m.RoomID != roomID || m.Deleted {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (d *memDurable) FetchLatest(_ context.Context, roomID string, limit int) ([]models.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetches++
	if d.err != nil {
		return nil, d.err
	}
	return d.newest(roomID, nil, limit), nil
}

func (d *memDurable) FetchBefore(_ context.Context, roomID string, before time.Time, limit int) ([]models.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetches++
	if d.err != nil {
		return nil, d.err
	}
	return d.newest(roomID, &before, limit), nil
}

func (d *memDurable) FetchByID(_ context.Context, id string) (*models.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	m, ok := d.msgs[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (d *memDurable) CountNonDeleted(_ context.Context, roomID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return 0, d.err
	}
	var n int64
	for _, m := range d.msgs {
		if m.RoomID == roomID && !m.Deleted {
			n++
		}
	}
	return n, nil
}

func (d *memDurable) Insert(_ context.Context, msg *models.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if _, exists := d.msgs[msg.ID]; exists {
		return fmt.Errorf("duplicate key %s", msg.ID)
	}
	d.inserts++
	d.msgs[msg.ID] = *msg
	return nil
}

func (d *memDurable) MarkDeleted(_ context.Context, roomID, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	m, ok := d.msgs[id]
	if !ok || m.RoomID != roomID || m.Deleted {
		return false, nil
	}
	m.Deleted = true
	d.msgs[id] = m
	return true, nil
}

func (d *memDurable) SetPinFields(_ context.Context, id string, pin models.PinUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if m, ok := d.msgs[id]; ok {
		m.Pinned = pin.Pinned
		m.PinnedAt = pin.PinnedAt
		m.PinnedExpiresAt = pin.PinnedExpiresAt
		m.PinPricePaid = pin.PinPricePaid
		d.msgs[id] = m
	}
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	mr        *miniredis.Miniredis
	durable   *memDurable
	messages  *cache.MessageCache
	pinned    *cache.PinnedCache
	reactions *cache.ReactionCache
	clock     *testClock
	events    *eventLog
	reader    *Reader
	coord     *Coordinator
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(_ context.Context, evt events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *eventLog) types() []events.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Type, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	return buildFixture(mr, rdb)
}

// newOfflineFixture wires the engine to a Redis that has gone away
func newOfflineFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	mr.Close()
	t.Cleanup(func() { rdb.Close() })
	return buildFixture(nil, rdb)
}

func buildFixture(mr *miniredis.Miniredis, rdb redis.Cmdable) *fixture {
	clock := &testClock{now: base.Add(time.Hour)}
	opts := cache.Options{MaxMessages: 200, Now: clock.Now}
	f := &fixture{
		mr:        mr,
		durable:   newMemDurable(),
		messages:  cache.NewMessageCache(rdb, opts),
		pinned:    cache.NewPinnedCache(rdb, opts),
		reactions: cache.NewReactionCache(rdb, opts),
		clock:     clock,
		events:    &eventLog{},
	}
	f.reader = NewReader(f.durable, f.messages, f.pinned, f.reactions, ReaderConfig{DefaultPageSize: 20, MaxPageSize: 100})
	f.coord = NewCoordinator(f.durable, f.messages, f.pinned, f.reactions,
		WithPublisher(f.events),
		WithClock(clock.Now),
		WithReservedNames(ReservedNamesFunc(func(_ context.Context, name string) bool { return name == "alice" })),
	)
	return f
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

// seedRoom stores messages from..to (inclusive) durably
func (f *fixture) seedRoom(roomID string, from, to int) []models.Message {
	var msgs []models.Message
	for i := from; i <= to; i++ {
		msgs = append(msgs, testMessage(roomID, i))
	}
	f.durable.seed(msgs...)
	return msgs
}

// cacheRoom stores messages from..to (inclusive) in the message cache
func (f *fixture) cacheRoom(t *testing.T, roomID string, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		msg := testMessage(roomID, i)
		if !f.messages.Add(context.Background(), &msg) {
			t.Fatalf("cache Add(%s) failed", msg.ID)
		}
	}
}

func idRange(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("m%03d", i))
	}
	return out
}

func pageIDs(p *Page) []string {
	out := make([]string, len(p.Messages))
	for i, m := range p.Messages {
		out[i] = m.ID
	}
	return out
}

func assertIDs(t *testing.T, p *Page, want []string) {
	t.Helper()
	got := pageIDs(p)
	if len(got) != len(want) {
		t.Fatalf("page has %d messages %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("page[%d] = %s, want %s (page %v)", i, got[i], want[i], got)
		}
	}
}

func assertOrdered(t *testing.T, p *Page) {
	t.Helper()
	seen := make(map[string]bool, len(p.Messages))
	for i, m := range p.Messages {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s", m.ID)
		}
		seen[m.ID] = true
		if i > 0 && !m.CreatedAt.After(p.Messages[i-1].CreatedAt) {
			t.Fatalf("page not strictly ascending at %d: %s after %s", i, m.CreatedAt, p.Messages[i-1].CreatedAt)
		}
	}
}
