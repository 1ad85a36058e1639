package engine

import (
	"context"
	"strings"
	"time"

	"github.com/roomline/msgcache/internal/models"
)

// DurableStore is the source of truth. Fetches return newest first and
// exclude soft-deleted messages; FetchByID returns nil, nil when absent.
type DurableStore interface {
	FetchLatest(ctx context.Context, roomID string, limit int) ([]models.Message, error)
	FetchBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error)
	FetchByID(ctx context.Context, id string) (*models.Message, error)
	CountNonDeleted(ctx context.Context, roomID string) (int64, error)
	Insert(ctx context.Context, msg *models.Message) error
	MarkDeleted(ctx context.Context, roomID, id string) (bool, error)
	SetPinFields(ctx context.Context, id string, pin models.PinUpdate) error
}

// MessageStore is the bounded per-room message cache
type MessageStore interface {
	MaxMessages() int
	Add(ctx context.Context, msg *models.Message) bool
	Replace(ctx context.Context, msg *models.Message) bool
	AddBatch(ctx context.Context, msgs []models.Message) bool
	GetLatest(ctx context.Context, roomID string, limit int) ([]models.Message, bool)
	GetBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, bool)
	Remove(ctx context.Context, roomID, messageID string) bool
	Clear(ctx context.Context, roomID string) bool
	Count(ctx context.Context, roomID string) (int64, bool)
	TTL(ctx context.Context, roomID string) (time.Duration, bool)
}

// PinnedStore is the per-room pinned set
type PinnedStore interface {
	AddPinned(ctx context.Context, msg *models.Message) (bool, error)
	GetPinned(ctx context.Context, roomID string) []models.Message
	RemovePinned(ctx context.Context, roomID, messageID string) bool
	Clear(ctx context.Context, roomID string) bool
	Count(ctx context.Context, roomID string) (int64, bool)
}

// ReactionStore caches reaction summaries per message
type ReactionStore interface {
	SetReactions(ctx context.Context, roomID, messageID string, summaries []models.ReactionSummary) bool
	GetReactions(ctx context.Context, roomID, messageID string) []models.ReactionSummary
	BatchGetReactions(ctx context.Context, roomID string, messageIDs []string) map[string][]models.ReactionSummary
	ClearRoom(ctx context.Context, roomID string) bool
}

// ReservedNames decides whether a display name belongs to a registered user
type ReservedNames interface {
	IsReserved(ctx context.Context, displayName string) bool
}

// ReservedNamesFunc adapts a function to ReservedNames
type ReservedNamesFunc func(ctx context.Context, displayName string) bool

// IsReserved calls f
func (f ReservedNamesFunc) IsReserved(ctx context.Context, displayName string) bool {
	return f(ctx, displayName)
}

// NameSet is a fixed, case-insensitive set of reserved display names
type NameSet map[string]struct{}

// NewNameSet builds a NameSet from names
func NewNameSet(names []string) NameSet {
	set := make(NameSet, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// IsReserved implements ReservedNames
func (s NameSet) IsReserved(_ context.Context, displayName string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(displayName))]
	return ok
}
