package sweeper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/roomline/msgcache/internal/models"
)

// fakeStore keeps pins in memory and unpins through the same state, so a
// sweep drains what it fetched
type fakeStore struct {
	mu       sync.Mutex
	msgs     map[string]*models.Message
	fetches  int
	fetchErr error
	failID   string
}

func newFakeStore(msgs ...models.Message) *fakeStore {
	s := &fakeStore{msgs: make(map[string]*models.Message)}
	for i := range msgs {
		m := msgs[i]
		s.msgs[m.ID] = &m
	}
	return s
}

func (s *fakeStore) FetchExpiredPins(ctx context.Context, now time.Time, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}

	var out []models.Message
	for _, m := range s.msgs {
		if m.Pinned && !m.Deleted && m.PinnedExpiresAt != nil && !m.PinnedExpiresAt.After(now) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PinnedExpiresAt.Before(*out[j].PinnedExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) NotifyUnpinned(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == s.failID {
		return errors.New("store down")
	}
	s.msgs[msg.ID].ClearPin()
	return nil
}

func (s *fakeStore) pinned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, m := range s.msgs {
		if m.Pinned {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pin(id string, expiresIn time.Duration) models.Message {
	exp := base.Add(expiresIn)
	at := base.Add(-time.Hour)
	return models.Message{ID: id, RoomID: "r1", Pinned: true, PinnedAt: &at, PinnedExpiresAt: &exp}
}

func TestSweeper_Sweep(t *testing.T) {
	tests := []struct {
		name        string
		msgs        []models.Message
		batch       int
		wantCleared int
		wantPinned  []string
		wantFetches int
	}{
		{
			name:        "nothing expired",
			msgs:        []models.Message{pin("a", time.Minute)},
			batch:       10,
			wantCleared: 0,
			wantPinned:  []string{"a"},
			wantFetches: 1,
		},
		{
			name:        "expiry boundary is inclusive",
			msgs:        []models.Message{pin("a", 0), pin("b", time.Second)},
			batch:       10,
			wantCleared: 1,
			wantPinned:  []string{"b"},
			wantFetches: 1,
		},
		{
			name:        "drains across batches",
			msgs:        []models.Message{pin("a", -time.Minute), pin("b", -2*time.Minute), pin("c", -3*time.Minute), pin("d", time.Hour)},
			batch:       2,
			wantCleared: 3,
			wantPinned:  []string{"d"},
			wantFetches: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(tt.msgs...)
			s := New(store, store, time.Second, tt.batch, WithClock(func() time.Time { return base }))

			cleared, err := s.Sweep(context.Background())
			if err != nil {
				t.Fatalf("Sweep() error = %v", err)
			}
			if cleared != tt.wantCleared {
				t.Errorf("Sweep() cleared = %d, want %d", cleared, tt.wantCleared)
			}
			if got := store.pinned(); !equal(got, tt.wantPinned) {
				t.Errorf("pinned after sweep = %v, want %v", got, tt.wantPinned)
			}
			if store.fetches != tt.wantFetches {
				t.Errorf("fetches = %d, want %d", store.fetches, tt.wantFetches)
			}
		})
	}
}

func TestSweeper_SweepErrors(t *testing.T) {
	t.Run("fetch failure", func(t *testing.T) {
		store := newFakeStore(pin("a", -time.Minute))
		store.fetchErr = errors.New("db down")
		s := New(store, store, time.Second, 10, WithClock(func() time.Time { return base }))

		if _, err := s.Sweep(context.Background()); !errors.Is(err, store.fetchErr) {
			t.Errorf("Sweep() error = %v, want wrapping %v", err, store.fetchErr)
		}
	})

	t.Run("unpin failure stops the round", func(t *testing.T) {
		store := newFakeStore(pin("a", -2*time.Minute), pin("b", -time.Minute))
		store.failID = "b"
		s := New(store, store, time.Second, 10, WithClock(func() time.Time { return base }))

		cleared, err := s.Sweep(context.Background())
		if err == nil {
			t.Fatal("Sweep() error = nil, want failure")
		}
		if cleared != 1 {
			t.Errorf("Sweep() cleared = %d, want 1", cleared)
		}
		if got := store.pinned(); !equal(got, []string{"b"}) {
			t.Errorf("pinned after sweep = %v, want [b]", got)
		}
	})
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	store := newFakeStore(pin("a", -time.Minute))
	s := New(store, store, time.Hour, 10, WithClock(func() time.Time { return base }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(store.pinned()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := store.pinned(); len(got) != 0 {
		t.Fatalf("pinned after first round = %v, want none", got)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(nil, nil, 0, 0)
	if s.interval != 30*time.Second || s.batch != 100 {
		t.Errorf("defaults = %v/%d, want 30s/100", s.interval, s.batch)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
