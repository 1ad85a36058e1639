package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/roomline/msgcache/internal/models"
)

// Repository provides database access methods
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// MessageRepository is the durable message store. Reads return newest
// first and never include soft-deleted rows.
type MessageRepository struct {
	*Repository
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(repo *Repository) *MessageRepository {
	return &MessageRepository{Repository: repo}
}

// visible scopes a query to the non-deleted messages of a room
func visible(roomID string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where("room_id = ? AND deleted = ?", roomID, false)
	}
}

// expiredPins scopes a query to visible pins that lapsed at or before now
func expiredPins(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where("pinned = ? AND deleted = ? AND pinned_expires_at <= ?", true, false, now).
			Order("pinned_expires_at ASC")
	}
}

func newestFirst(tx *gorm.DB) *gorm.DB {
	return tx.Order("created_at DESC").Order("id DESC")
}

// FetchLatest returns up to limit of the newest messages of a room
func (r *MessageRepository) FetchLatest(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Scopes(visible(roomID), newestFirst).
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// FetchBefore returns up to limit messages created strictly before before
func (r *MessageRepository) FetchBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Scopes(visible(roomID), newestFirst).
		Where("created_at < ?", before).
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// FetchByID retrieves a message by id, deleted or not
func (r *MessageRepository) FetchByID(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// CountNonDeleted counts the visible messages of a room
func (r *MessageRepository) CountNonDeleted(ctx context.Context, roomID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Scopes(visible(roomID)).
		Count(&n).Error
	return n, err
}

// Insert creates a message
func (r *MessageRepository) Insert(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// MarkDeleted soft-deletes a message of roomID and reports whether a row
// changed. Unknown, foreign and already deleted ids change nothing.
func (r *MessageRepository) MarkDeleted(ctx context.Context, roomID, id string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Scopes(visible(roomID)).
		Where("id = ?", id).
		Update("deleted", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetPinFields overwrites the pin columns of a message
func (r *MessageRepository) SetPinFields(ctx context.Context, id string, pin models.PinUpdate) error {
	return r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", id).
		Updates(pin.Columns()).Error
}

// FetchExpiredPins returns up to limit visible messages, across all rooms,
// whose pin expired at or before now, soonest expiry first
func (r *MessageRepository) FetchExpiredPins(ctx context.Context, now time.Time, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Scopes(expiredPins(now)).
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
