package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/roomline/msgcache/internal/models"
)

func TestReader_ClampLimit(t *testing.T) {
	r := NewReader(newMemDurable(), nil, nil, nil, ReaderConfig{DefaultPageSize: 20, MaxPageSize: 100})

	tests := []struct {
		requested int
		expected  int
	}{
		{-5, 20},
		{0, 20},
		{1, 1},
		{100, 100},
		{101, 100},
		{100000, 100},
	}
	for _, tt := range tests {
		if got := r.ClampLimit(tt.requested); got != tt.expected {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.requested, got, tt.expected)
		}
	}
}

func TestReader_ExactHit(t *testing.T) {
	f := newFixture(t)
	f.seedRoom("r1", 1, 50)
	f.cacheRoom(t, "r1", 41, 50)

	page, err := f.reader.GetPage(context.Background(), "r1", 10)
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.Provenance != ProvenanceCache || page.Paginated {
		t.Errorf("provenance = %s paginated = %v, want cache", page.Provenance, page.Paginated)
	}
	assertIDs(t, page, idRange(41, 50))
	if n := f.durable.fetchCount(); n != 0 {
		t.Errorf("durable store consulted %d times on a full hit", n)
	}
}

func TestReader_OverflowHit(t *testing.T) {
	f := newFixture(t)
	f.cacheRoom(t, "r1", 1, 30)

	page, err := f.reader.GetPage(context.Background(), "r1", 10)
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.Provenance != ProvenanceCache {
		t.Errorf("provenance = %s, want cache", page.Provenance)
	}
	assertIDs(t, page, idRange(21, 30))
}

func TestReader_PartialHit(t *testing.T) {
	f := newFixture(t)
	f.seedRoom("r1", 0, 99)
	f.cacheRoom(t, "r1", 70, 99)

	page, err := f.reader.GetPage(context.Background(), "r1", 50)
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.Provenance != ProvenanceHybrid {
		t.Errorf("provenance = %s, want hybrid", page.Provenance)
	}
	assertOrdered(t, page)
	// 20 older records from the durable store, then the 30 cached ones
	assertIDs(t, page, idRange(50, 99))

	// Partial hits never rewrite the cache
	if n, _ := f.messages.Count(context.Background(), "r1"); n != 30 {
		t.Errorf("cache holds %d messages after a hybrid read, want 30", n)
	}
}

func TestReader_ColdStartBackfills(t *testing.T) {
	f := newFixture(t)
	f.seedRoom("r1", 1, 40)
	ctx := context.Background()

	first, err := f.reader.GetPage(ctx, "r1", 20)
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if first.Provenance != ProvenanceDurableBackfilled {
		t.Errorf("first provenance = %s, want durable_backfilled", first.Provenance)
	}
	assertIDs(t, first, idRange(21, 40))

	second, err := f.reader.GetPage(ctx, "r1", 20)
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if second.Provenance != ProvenanceCache {
		t.Errorf("second provenance = %s, want cache", second.Provenance)
	}
	assertIDs(t, second, idRange(21, 40))
}

func TestReader_EmptyRoom(t *testing.T) {
	f := newFixture(t)

	page, err := f.reader.GetPage(context.Background(), "empty", 20)
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.Provenance != ProvenanceDurable || len(page.Messages) != 0 || page.Messages == nil {
		t.Errorf("GetPage() = %+v, want empty durable page", page)
	}
}

func TestReader_Pagination(t *testing.T) {
	f := newFixture(t)
	f.seedRoom("r1", 1, 100)
	f.cacheRoom(t, "r1", 81, 100)
	ctx := context.Background()

	tests := []struct {
		name       string
		before     int
		limit      int
		want       []string
		provenance Provenance
	}{
		{"inside cache", 95, 10, idRange(85, 94), ProvenanceCache},
		{"straddles cache edge", 86, 10, idRange(76, 85), ProvenanceHybrid},
		{"below cache", 50, 10, idRange(40, 49), ProvenanceDurable},
		{"start of history", 3, 10, idRange(1, 2), ProvenanceDurable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testMessage("r1", tt.before).CreatedAt
			page, err := f.reader.GetPage(ctx, "r1", tt.limit, Before(before))
			if err != nil {
				t.Fatalf("GetPage() error = %v", err)
			}
			if !page.Paginated {
				t.Error("Paginated = false for a Before read")
			}
			if page.Provenance != tt.provenance {
				t.Errorf("provenance = %s, want %s", page.Provenance, tt.provenance)
			}
			assertOrdered(t, page)
			assertIDs(t, page, tt.want)
		})
	}

	// Paginated reads never warm the cache
	if n, _ := f.messages.Count(ctx, "r1"); n != 20 {
		t.Errorf("cache holds %d messages, want 20", n)
	}
}

func TestReader_HistoryCheck(t *testing.T) {
	f := newFixture(t)
	f.seedRoom("r1", 1, 30)
	f.cacheRoom(t, "r1", 11, 30)
	ctx := context.Background()

	page, err := f.reader.GetPage(ctx, "r1", 10, RequireHistoryCheck())
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.Provenance != ProvenanceHybrid {
		t.Errorf("provenance = %s, want hybrid once the durable store was asked", page.Provenance)
	}
	if page.HasMore == nil || !*page.HasMore {
		t.Errorf("HasMore = %v, want true", page.HasMore)
	}
	assertIDs(t, page, idRange(21, 30))

	page, err = f.reader.GetPage(ctx, "r1", 30, RequireHistoryCheck())
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.HasMore == nil || *page.HasMore {
		t.Errorf("HasMore = %v, want false for the whole room", page.HasMore)
	}
	assertIDs(t, page, idRange(1, 30))

	page, err = f.reader.GetPage(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.HasMore != nil {
		t.Error("HasMore must stay unset without RequireHistoryCheck")
	}
}

func TestReader_BoundaryTimestampNoDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// m010 and m011 share a timestamp; only m011 and newer are cached
	msgs := f.seedRoom("r1", 1, 15)
	twin := msgs[9]
	twin.CreatedAt = msgs[10].CreatedAt
	f.durable.seed(twin)
	for _, m := range msgs[10:] {
		m := m
		f.messages.Add(ctx, &m)
	}

	page, err := f.reader.GetPage(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	ids := pageIDs(page)
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s in %v", id, ids)
		}
		seen[id] = true
	}
	if len(ids) != 10 || !seen["m010"] || !seen["m015"] {
		t.Errorf("page = %v, want the 10 newest including the boundary twin", ids)
	}
}

func TestReader_DurableDeletedFiltered(t *testing.T) {
	f := newFixture(t)
	f.seedRoom("r1", 1, 10)
	f.cacheRoom(t, "r1", 6, 10)
	ctx := context.Background()

	if _, err := f.durable.MarkDeleted(ctx, "r1", "m003"); err != nil {
		t.Fatal(err)
	}
	page, err := f.reader.GetPage(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	for _, m := range page.Messages {
		if m.ID == "m003" {
			t.Fatal("deleted message returned")
		}
	}
	assertIDs(t, page, []string{"m001", "m002", "m004", "m005", "m006", "m007", "m008", "m009", "m010"})
}

func TestReader_Degradation(t *testing.T) {
	f := newOfflineFixture(t)
	f.seedRoom("r1", 1, 40)
	ctx := context.Background()

	page, err := f.reader.GetPage(ctx, "r1", 20)
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if page.Provenance != ProvenanceDurable {
		t.Errorf("provenance = %s, want durable when the cache is down", page.Provenance)
	}
	assertIDs(t, page, idRange(21, 40))

	if pins := f.reader.GetPinned(ctx, "r1"); len(pins) != 0 {
		t.Errorf("GetPinned() = %v, want empty", pins)
	}
	got := f.reader.BatchGetReactions(ctx, "r1", []string{"m001"})
	if _, ok := got["m001"]; !ok {
		t.Error("BatchGetReactions() must still map every id")
	}
}

func TestReader_DurableError(t *testing.T) {
	f := newFixture(t)
	f.durable.err = errOffline

	_, err := f.reader.GetPage(context.Background(), "r1", 20)
	if !errors.Is(err, ErrDurableStore) || !errors.Is(err, errOffline) {
		t.Errorf("GetPage() error = %v, want ErrDurableStore wrapping the cause", err)
	}

	// A full cache hit does not need the durable store
	f.cacheRoom(t, "r1", 1, 20)
	page, err := f.reader.GetPage(context.Background(), "r1", 20)
	if err != nil || page.Provenance != ProvenanceCache {
		t.Errorf("GetPage() = %v, %v; want a cache page", page, err)
	}
}

// gatedDurable holds FetchLatest until released and then honours the
// context it was given
type gatedDurable struct {
	*memDurable
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedDurable) FetchLatest(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.memDurable.FetchLatest(ctx, roomID, limit)
}

func TestReader_SharedFetchOutlivesFirstCaller(t *testing.T) {
	f := newFixture(t)
	f.seedRoom("r1", 1, 30)
	g := &gatedDurable{memDurable: f.durable, started: make(chan struct{}), release: make(chan struct{})}
	r := NewReader(g, f.messages, f.pinned, f.reactions, ReaderConfig{DefaultPageSize: 20, MaxPageSize: 100})

	type result struct {
		page *Page
		err  error
	}
	first, second := make(chan result, 1), make(chan result, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		p, err := r.GetPage(ctx, "r1", 10)
		first <- result{p, err}
	}()
	<-g.started
	go func() {
		p, err := r.GetPage(context.Background(), "r1", 10)
		second <- result{p, err}
	}()
	// Let the second reader join the flight before the first gives up
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(g.release)

	res := <-second
	if res.err != nil {
		t.Fatalf("second GetPage() error = %v, want the shared result", res.err)
	}
	assertIDs(t, res.page, idRange(21, 30))

	if res := <-first; res.err != nil {
		t.Errorf("first GetPage() error = %v", res.err)
	}
}

func TestReader_OrderingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		f := newFixture(t)
		total := 1 + rng.Intn(80)
		f.seedRoom("r1", 1, total)
		if cached := rng.Intn(total + 1); cached > 0 {
			f.cacheRoom(t, "r1", total-cached+1, total)
		}

		var opts []PageOption
		if rng.Intn(2) == 0 {
			opts = append(opts, Before(base.Add(time.Duration(1+rng.Intn(total+1))*time.Second)))
		}
		page, err := f.reader.GetPage(context.Background(), "r1", 1+rng.Intn(60), opts...)
		if err != nil {
			t.Fatalf("round %d: GetPage() error = %v", round, err)
		}
		assertOrdered(t, page)
	}
}

func TestReader_RoomStats(t *testing.T) {
	f := newFixture(t)
	f.seedRoom("r1", 1, 12)
	f.cacheRoom(t, "r1", 3, 12)
	ctx := context.Background()

	expires := f.clock.Now().Add(time.Hour)
	pin := testMessage("r1", 5)
	pin.Pinned = true
	pin.PinnedExpiresAt = &expires
	f.pinned.AddPinned(ctx, &pin)

	stats, err := f.reader.RoomStats(ctx, "r1")
	if err != nil {
		t.Fatalf("RoomStats() error = %v", err)
	}
	if stats.DurableCount != 12 || stats.CachedMessages != 10 || stats.PinnedEntries != 1 || !stats.CacheAvailable {
		t.Errorf("RoomStats() = %+v", stats)
	}
	if stats.CacheTTL <= 0 {
		t.Errorf("CacheTTL = %s, want the room idle TTL", stats.CacheTTL)
	}

	offline := newOfflineFixture(t)
	offline.durable.seed(models.Message{ID: "x", RoomID: "r1"})
	stats, err = offline.reader.RoomStats(ctx, "r1")
	if err != nil || stats.CacheAvailable || stats.DurableCount != 1 {
		t.Errorf("RoomStats() offline = %+v, %v", stats, err)
	}
}
