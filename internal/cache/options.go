package cache

import (
	"time"

	"github.com/roomline/msgcache/pkg/config"
)

// Options sizes the stores. Zero values fall back to the defaults below.
type Options struct {
	MaxMessages int
	RoomTTL     time.Duration
	ReactionTTL time.Duration
	Now         func() time.Time
}

const (
	defaultMaxMessages = 200
	defaultRoomTTL     = 24 * time.Hour
	defaultReactionTTL = 24 * time.Hour
)

// OptionsFromConfig builds store options from the cache config section
func OptionsFromConfig(cfg *config.CacheConfig) Options {
	return Options{
		MaxMessages: cfg.MaxMessages,
		RoomTTL:     cfg.RoomTTL,
		ReactionTTL: cfg.ReactionTTL,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxMessages <= 0 {
		o.MaxMessages = defaultMaxMessages
	}
	if o.RoomTTL <= 0 {
		o.RoomTTL = defaultRoomTTL
	}
	if o.ReactionTTL <= 0 {
		o.ReactionTTL = defaultReactionTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
