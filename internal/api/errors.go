package api

import (
	"errors"
	"fmt"

	"github.com/roomline/msgcache/internal/api/chat"
	"github.com/roomline/msgcache/internal/cache"
	"github.com/roomline/msgcache/internal/engine"
)

// Error represents an API error
type Error struct {
	Code    int
	Message string
}

// NewError creates a new API error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ErrParseError     = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternalError  = -32603
	ErrServerError    = -32000
)

// classify maps a method error onto the API error sent to the client
func classify(err error) *Error {
	switch {
	case errors.Is(err, chat.ErrInvalidParams),
		errors.Is(err, chat.ErrMessageNotFound),
		errors.Is(err, engine.ErrInvalidMessage),
		errors.Is(err, cache.ErrInvalidPin):
		return NewError(ErrInvalidParams, "Invalid params")
	default:
		return NewError(ErrServerError, "Server error")
	}
}
