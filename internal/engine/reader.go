package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/roomline/msgcache/internal/models"
	"github.com/roomline/msgcache/pkg/logging"
	"github.com/roomline/msgcache/pkg/telemetry"
)

const (
	defaultPageSize = 50
	defaultMaxPage  = 100

	durableFetchTimeout = 10 * time.Second
)

// ReaderConfig bounds page sizes
type ReaderConfig struct {
	DefaultPageSize int
	MaxPageSize     int
}

// Reader answers page reads from the cache first and the durable store for
// whatever the cache cannot supply.
type Reader struct {
	durable   DurableStore
	messages  MessageStore
	pinned    PinnedStore
	reactions ReactionStore

	defaultLimit int
	maxLimit     int

	group     singleflight.Group
	pageReads metric.Int64Counter
	logger    *zap.Logger
}

// NewReader creates a reader over the given stores
func NewReader(durable DurableStore, messages MessageStore, pinned PinnedStore, reactions ReactionStore, cfg ReaderConfig) *Reader {
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = defaultMaxPage
	}
	if cfg.DefaultPageSize <= 0 || cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = min(defaultPageSize, cfg.MaxPageSize)
	}

	logger := logging.WithComponent("reader")
	counter, err := telemetry.Meter().Int64Counter("msgcache.page.reads",
		metric.WithDescription("Pages served, by provenance"),
	)
	if err != nil {
		logger.Warn("Failed to create page read counter", zap.Error(err))
		counter, _ = noop.NewMeterProvider().Meter("").Int64Counter("msgcache.page.reads")
	}

	return &Reader{
		durable:      durable,
		messages:     messages,
		pinned:       pinned,
		reactions:    reactions,
		defaultLimit: cfg.DefaultPageSize,
		maxLimit:     cfg.MaxPageSize,
		pageReads:    counter,
		logger:       logger,
	}
}

// ClampLimit applies the default and the ceiling to a requested page size
func (r *Reader) ClampLimit(limit int) int {
	if limit <= 0 {
		return r.defaultLimit
	}
	if limit > r.maxLimit {
		return r.maxLimit
	}
	return limit
}

// GetPage returns up to limit visible messages of a room, oldest first.
func (r *Reader) GetPage(ctx context.Context, roomID string, limit int, opts ...PageOption) (*Page, error) {
	var o pageOptions
	for _, opt := range opts {
		opt(&o)
	}
	limit = r.ClampLimit(limit)

	ctx, span := telemetry.StartSpan(ctx, "reader.GetPage")
	defer span.End()
	span.SetAttributes(
		attribute.String("room_id", roomID),
		attribute.Int("limit", limit),
		attribute.Bool("paginated", o.before != nil),
	)

	page, err := r.getPage(ctx, roomID, limit, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("provenance", string(page.Provenance)),
		attribute.Int("returned", len(page.Messages)),
	)
	r.pageReads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provenance", string(page.Provenance)),
		attribute.Bool("paginated", page.Paginated),
	))
	return page, nil
}

func (r *Reader) getPage(ctx context.Context, roomID string, limit int, o pageOptions) (*Page, error) {
	page := &Page{Paginated: o.before != nil}

	var cached []models.Message
	if o.before != nil {
		cached, _ = r.messages.GetBefore(ctx, roomID, *o.before, limit)
	} else {
		cached, _ = r.messages.GetLatest(ctx, roomID, limit)
	}
	// An unreachable cache reads as an empty one
	if cached == nil {
		cached = []models.Message{}
	}

	if len(cached) >= limit {
		page.Messages = cached[len(cached)-limit:]
		page.Provenance = ProvenanceCache
		if !o.historyCheck {
			return page, nil
		}

		older, err := r.fetchDurable(ctx, roomID, &page.Messages[0].CreatedAt, 1)
		if err != nil {
			return nil, err
		}
		hasMore := len(older) > 0
		page.HasMore = &hasMore
		page.Provenance = ProvenanceHybrid
		return page, nil
	}

	remainder := limit - len(cached)
	want := remainder
	if o.historyCheck {
		want++
	}

	var (
		cursor *time.Time
		seen   = make(map[string]struct{}, len(cached))
	)
	for _, msg := range cached {
		seen[msg.ID] = struct{}{}
	}
	if len(cached) > 0 {
		// Include the boundary instant: durable rows sharing the oldest cached
		// timestamp are not necessarily cached. Ids already held are dropped.
		boundary := cached[0].CreatedAt
		for _, msg := range cached {
			if msg.CreatedAt.Equal(boundary) {
				want++
			}
		}
		inclusive := boundary.Add(time.Microsecond)
		cursor = &inclusive
	} else if o.before != nil {
		cursor = o.before
	}

	durable, err := r.fetchDurable(ctx, roomID, cursor, want)
	if err != nil {
		return nil, err
	}

	// durable is newest first
	older := make([]models.Message, 0, len(durable))
	for i := len(durable) - 1; i >= 0; i-- {
		msg := durable[i]
		if msg.Deleted {
			continue
		}
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		older = append(older, msg)
	}

	if o.historyCheck {
		hasMore := len(older) > remainder
		page.HasMore = &hasMore
	}
	if len(older) > remainder {
		older = older[len(older)-remainder:]
	}

	merged := make([]models.Message, 0, len(older)+len(cached))
	merged = append(merged, older...)
	merged = append(merged, cached...)
	page.Messages = merged

	switch {
	case len(cached) > 0:
		page.Provenance = ProvenanceHybrid
	case !page.Paginated && len(older) > 0:
		page.Provenance = ProvenanceDurable
		if r.messages.AddBatch(ctx, older) {
			page.Provenance = ProvenanceDurableBackfilled
		} else {
			r.logger.Debug("Backfill skipped, cache unavailable", zap.String("room_id", roomID))
		}
	default:
		page.Provenance = ProvenanceDurable
	}
	return page, nil
}

// fetchDurable returns up to limit visible messages older than cursor (or
// the newest when cursor is nil), newest first. Identical concurrent fetches
// share one query, bounded by durableFetchTimeout rather than by any one
// caller's context.
func (r *Reader) fetchDurable(ctx context.Context, roomID string, cursor *time.Time, limit int) ([]models.Message, error) {
	key := roomID + "|latest|" + strconv.Itoa(limit)
	if cursor != nil {
		key = roomID + "|" + strconv.FormatInt(cursor.UnixMicro(), 10) + "|" + strconv.Itoa(limit)
	}

	v, err, shared := r.group.Do(key, func() (interface{}, error) {
		// The flight serves every coalesced caller, so the first caller
		// going away must not fail the others.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), durableFetchTimeout)
		defer cancel()
		if cursor != nil {
			return r.durable.FetchBefore(flightCtx, roomID, *cursor, limit)
		}
		return r.durable.FetchLatest(flightCtx, roomID, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch room %s: %w", ErrDurableStore, roomID, err)
	}
	if shared {
		r.logger.Debug("Coalesced durable fetch", zap.String("room_id", roomID))
	}

	msgs, _ := v.([]models.Message)
	// Callers of a shared flight get their own slice
	return append([]models.Message(nil), msgs...), nil
}

// GetPinned returns the room's active pins, soonest to expire first
func (r *Reader) GetPinned(ctx context.Context, roomID string) []models.Message {
	return r.pinned.GetPinned(ctx, roomID)
}

// GetReactions returns the cached reaction summaries of one message
func (r *Reader) GetReactions(ctx context.Context, roomID, messageID string) []models.ReactionSummary {
	return r.reactions.GetReactions(ctx, roomID, messageID)
}

// BatchGetReactions returns the summaries of every requested message
func (r *Reader) BatchGetReactions(ctx context.Context, roomID string, messageIDs []string) map[string][]models.ReactionSummary {
	return r.reactions.BatchGetReactions(ctx, roomID, messageIDs)
}

// RoomStats is a diagnostic snapshot of one room
type RoomStats struct {
	RoomID         string        `json:"room_id"`
	DurableCount   int64         `json:"durable_count"`
	CacheAvailable bool          `json:"cache_available"`
	CachedMessages int64         `json:"cached_messages"`
	PinnedEntries  int64         `json:"pinned_entries"`
	CacheTTL       time.Duration `json:"cache_ttl"`
}

// RoomStats compares the durable message count with what the cache holds
func (r *Reader) RoomStats(ctx context.Context, roomID string) (*RoomStats, error) {
	count, err := r.durable.CountNonDeleted(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: count room %s: %w", ErrDurableStore, roomID, err)
	}

	stats := &RoomStats{RoomID: roomID, DurableCount: count}
	cachedCount, ok := r.messages.Count(ctx, roomID)
	if !ok {
		return stats, nil
	}
	stats.CacheAvailable = true
	stats.CachedMessages = cachedCount
	stats.PinnedEntries, _ = r.pinned.Count(ctx, roomID)
	stats.CacheTTL, _ = r.messages.TTL(ctx, roomID)
	return stats, nil
}
