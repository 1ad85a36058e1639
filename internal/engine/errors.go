package engine

import "errors"

var (
	// ErrDurableStore wraps every failure of the durable store
	ErrDurableStore = errors.New("durable store failure")
	// ErrInvalidMessage is returned for a record that breaks the message
	// invariants; nothing is written.
	ErrInvalidMessage = errors.New("invalid message")
)
