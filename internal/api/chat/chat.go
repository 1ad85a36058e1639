package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/roomline/msgcache/internal/engine"
	"github.com/roomline/msgcache/internal/models"
)

const maxBatchIDs = 200

// ErrInvalidParams marks malformed or missing method parameters
var ErrInvalidParams = errors.New("invalid params")

// ErrMessageNotFound is returned when a mutation targets an unknown message
var ErrMessageNotFound = errors.New("message not found")

// Reader is the read side of the engine
type Reader interface {
	GetPage(ctx context.Context, roomID string, limit int, opts ...engine.PageOption) (*engine.Page, error)
	GetPinned(ctx context.Context, roomID string) []models.Message
	GetReactions(ctx context.Context, roomID, messageID string) []models.ReactionSummary
	BatchGetReactions(ctx context.Context, roomID string, messageIDs []string) map[string][]models.ReactionSummary
	RoomStats(ctx context.Context, roomID string) (*engine.RoomStats, error)
}

// Writer is the write side of the engine
type Writer interface {
	NotifyCreated(ctx context.Context, msg *models.Message) error
	NotifyPinned(ctx context.Context, msg *models.Message, amountPaid decimal.Decimal, duration time.Duration) error
	NotifyUnpinned(ctx context.Context, msg *models.Message) error
	NotifyDeleted(ctx context.Context, roomID, messageID string) error
	NotifyEdited(ctx context.Context, roomID, messageID string) error
	SetReactions(ctx context.Context, roomID, messageID string, summaries []models.ReactionSummary) bool
	ClearRoomCache(ctx context.Context, roomID string) bool
	Lookup(ctx context.Context, roomID, messageID string) (*models.Message, error)
}

// API provides the chat.* JSON-RPC methods
type API struct {
	reader Reader
	writer Writer
}

// NewAPI creates a new chat API
func NewAPI(reader Reader, writer Writer) *API {
	return &API{reader: reader, writer: writer}
}

type roomParams struct {
	RoomID string `json:"room_id"`
}

type messageParams struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

type pageParams struct {
	RoomID              string     `json:"room_id"`
	Limit               int        `json:"limit"`
	Before              *time.Time `json:"before"`
	RequireHistoryCheck bool       `json:"require_history_check"`
}

type batchReactionsParams struct {
	RoomID     string   `json:"room_id"`
	MessageIDs []string `json:"message_ids"`
}

type createdParams struct {
	Message *models.Message `json:"message"`
}

type pinnedParams struct {
	RoomID          string          `json:"room_id"`
	MessageID       string          `json:"message_id"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	DurationSeconds int64           `json:"duration_seconds"`
}

type setReactionsParams struct {
	RoomID    string                   `json:"room_id"`
	MessageID string                   `json:"message_id"`
	Reactions []models.ReactionSummary `json:"reactions"`
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: missing parameters", ErrInvalidParams)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

func required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidParams, fields[i])
		}
	}
	return nil
}

// GetPage handles chat.get_page
func (a *API) GetPage(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p pageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("room_id", p.RoomID); err != nil {
		return nil, err
	}

	var opts []engine.PageOption
	if p.Before != nil {
		opts = append(opts, engine.Before(*p.Before))
	}
	if p.RequireHistoryCheck {
		opts = append(opts, engine.RequireHistoryCheck())
	}
	return a.reader.GetPage(ctx.Request.Context(), p.RoomID, p.Limit, opts...)
}

// GetPinned handles chat.get_pinned
func (a *API) GetPinned(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p roomParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("room_id", p.RoomID); err != nil {
		return nil, err
	}
	return gin.H{"messages": a.reader.GetPinned(ctx.Request.Context(), p.RoomID)}, nil
}

// GetReactions handles chat.get_reactions
func (a *API) GetReactions(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p messageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("room_id", p.RoomID, "message_id", p.MessageID); err != nil {
		return nil, err
	}
	return gin.H{"reactions": a.reader.GetReactions(ctx.Request.Context(), p.RoomID, p.MessageID)}, nil
}

// BatchGetReactions handles chat.batch_get_reactions
func (a *API) BatchGetReactions(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p batchReactionsParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("room_id", p.RoomID); err != nil {
		return nil, err
	}
	if len(p.MessageIDs) > maxBatchIDs {
		return nil, fmt.Errorf("%w: at most %d message_ids per call", ErrInvalidParams, maxBatchIDs)
	}
	return gin.H{"reactions": a.reader.BatchGetReactions(ctx.Request.Context(), p.RoomID, p.MessageIDs)}, nil
}

// NotifyCreated handles chat.notify_created and returns the stored message
func (a *API) NotifyCreated(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p createdParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Message == nil {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidParams)
	}
	// Computed server side
	p.Message.AuthorNameReserved = false
	p.Message.Deleted = false

	if err := a.writer.NotifyCreated(ctx.Request.Context(), p.Message); err != nil {
		return nil, err
	}
	return p.Message, nil
}

// NotifyDeleted handles chat.notify_deleted
func (a *API) NotifyDeleted(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p messageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("room_id", p.RoomID, "message_id", p.MessageID); err != nil {
		return nil, err
	}
	if err := a.writer.NotifyDeleted(ctx.Request.Context(), p.RoomID, p.MessageID); err != nil {
		return nil, err
	}
	return gin.H{"deleted": true}, nil
}

// NotifyEdited handles chat.notify_edited
func (a *API) NotifyEdited(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p messageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("room_id", p.RoomID, "message_id", p.MessageID); err != nil {
		return nil, err
	}
	if err := a.writer.NotifyEdited(ctx.Request.Context(), p.RoomID, p.MessageID); err != nil {
		return nil, err
	}
	return gin.H{"refreshed": true}, nil
}

// NotifyPinned handles chat.notify_pinned
func (a *API) NotifyPinned(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p pinnedParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("room_id", p.RoomID, "message_id", p.MessageID); err != nil {
		return nil, err
	}
	if p.AmountPaid.IsNegative() {
		return nil, fmt.Errorf("%w: amount_paid must not be negative", ErrInvalidParams)
	}

	msg, err := a.lookup(ctx.Request.Context(), p.RoomID, p.MessageID)
	if err != nil {
		return nil, err
	}
	duration := time.Duration(p.DurationSeconds) * time.Second
	if err := a.writer.NotifyPinned(ctx.Request.Context(), msg, p.AmountPaid, duration); err != nil {
		return nil, err
	}
	return msg, nil
}

// NotifyUnpinned handles chat.notify_unpinned
func (a *API) NotifyUnpinned(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p messageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("room_id", p.RoomID, "message_id", p.MessageID); err != nil {
		return nil, err
	}

	msg, err := a.lookup(ctx.Request.Context(), p.RoomID, p.MessageID)
	if err != nil {
		return nil, err
	}
	if err := a.writer.NotifyUnpinned(ctx.Request.Context(), msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SetReactions handles chat.set_reactions
func (a *API) SetReactions(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p setReactionsParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("room_id", p.RoomID, "message_id", p.MessageID); err != nil {
		return nil, err
	}
	for _, r := range p.Reactions {
		if r.Emoji == "" || r.Count < 0 {
			return nil, fmt.Errorf("%w: reactions need an emoji and a non-negative count", ErrInvalidParams)
		}
	}
	return gin.H{"cached": a.writer.SetReactions(ctx.Request.Context(), p.RoomID, p.MessageID, p.Reactions)}, nil
}

// ClearRoomCache handles chat.clear_room_cache
func (a *API) ClearRoomCache(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p roomParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("room_id", p.RoomID); err != nil {
		return nil, err
	}
	return gin.H{"cleared": a.writer.ClearRoomCache(ctx.Request.Context(), p.RoomID)}, nil
}

// RoomStats handles chat.room_stats
func (a *API) RoomStats(ctx *gin.Context, params json.RawMessage) (interface{}, error) {
	var p roomParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("room_id", p.RoomID); err != nil {
		return nil, err
	}
	return a.reader.RoomStats(ctx.Request.Context(), p.RoomID)
}

func (a *API) lookup(ctx context.Context, roomID, messageID string) (*models.Message, error) {
	msg, err := a.writer.Lookup(ctx, roomID, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %s in room %s", ErrMessageNotFound, messageID, roomID)
	}
	return msg, nil
}
