package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MessageKind distinguishes host-authored messages from ordinary ones
type MessageKind string

const (
	KindNormal MessageKind = "normal"
	KindHost   MessageKind = "host"
)

// Valid reports whether k is a known kind
func (k MessageKind) Valid() bool {
	return k == KindNormal || k == KindHost
}

// Message is one chat message. The same struct is the durable row and the
// JSON record held in the cache.
type Message struct {
	ID                 string           `gorm:"primaryKey;type:varchar(36);column:id" json:"id"`
	RoomID             string           `gorm:"type:varchar(64);not null;index:chat_messages_room_created,priority:1;column:room_id" json:"room_id"`
	AuthorDisplayName  string           `gorm:"type:varchar(64);not null;column:author_display_name" json:"author_display_name"`
	AuthorID           *string          `gorm:"type:varchar(36);column:author_id" json:"author_id,omitempty"`
	AuthorNameReserved bool             `gorm:"not null;default:false;column:author_name_reserved" json:"author_name_reserved"`
	Kind               MessageKind      `gorm:"type:varchar(16);not null;default:'normal';column:kind" json:"kind"`
	Body               string           `gorm:"type:text;not null;column:body" json:"body"`
	InReplyToID        *string          `gorm:"type:varchar(36);column:in_reply_to_id" json:"in_reply_to_id,omitempty"`
	Pinned             bool             `gorm:"not null;default:false;column:pinned" json:"pinned"`
	PinnedAt           *time.Time       `gorm:"column:pinned_at" json:"pinned_at,omitempty"`
	PinnedExpiresAt    *time.Time       `gorm:"column:pinned_expires_at" json:"pinned_expires_at,omitempty"`
	PinPricePaid       *decimal.Decimal `gorm:"type:numeric(12,2);column:pin_price_paid" json:"pin_price_paid,omitempty"`
	CreatedAt          time.Time        `gorm:"not null;index:chat_messages_room_created,priority:2;column:created_at" json:"created_at"`
	Deleted            bool             `gorm:"not null;default:false;column:deleted" json:"deleted"`
}

// TableName specifies the table name for Message
func (Message) TableName() string {
	return "chat_messages"
}

// ClearPin drops every pin field
func (m *Message) ClearPin() {
	m.Pinned = false
	m.PinnedAt = nil
	m.PinnedExpiresAt = nil
	m.PinPricePaid = nil
}

// PinActive reports whether the message is pinned and the pin has not
// expired at now.
func (m *Message) PinActive(now time.Time) bool {
	return m.Pinned && m.PinnedExpiresAt != nil && m.PinnedExpiresAt.After(now)
}

// Score is the cache sort key: microseconds since the epoch. float64 keeps
// integers exact up to 2^53, far beyond current timestamps.
func Score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// ReactionSummary is the aggregate count for one emoji on one message
type ReactionSummary struct {
	Emoji string `json:"emoji"`
	Count int64  `json:"count"`
}

// PinUpdate carries the pin columns written together by pin and unpin
type PinUpdate struct {
	Pinned          bool
	PinnedAt        *time.Time
	PinnedExpiresAt *time.Time
	PinPricePaid    *decimal.Decimal
}

// PinUpdateOf snapshots the pin fields of m
func PinUpdateOf(m *Message) PinUpdate {
	return PinUpdate{
		Pinned:          m.Pinned,
		PinnedAt:        m.PinnedAt,
		PinnedExpiresAt: m.PinnedExpiresAt,
		PinPricePaid:    m.PinPricePaid,
	}
}

// Columns maps the update onto column names. Nil fields are written as
// NULL, which a struct based update would skip.
func (p PinUpdate) Columns() map[string]interface{} {
	cols := map[string]interface{}{
		"pinned":            p.Pinned,
		"pinned_at":         nil,
		"pinned_expires_at": nil,
		"pin_price_paid":    nil,
	}
	if p.PinnedAt != nil {
		cols["pinned_at"] = *p.PinnedAt
	}
	if p.PinnedExpiresAt != nil {
		cols["pinned_expires_at"] = *p.PinnedExpiresAt
	}
	if p.PinPricePaid != nil {
		cols["pin_price_paid"] = *p.PinPricePaid
	}
	return cols
}
