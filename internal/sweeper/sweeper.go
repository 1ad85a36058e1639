package sweeper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roomline/msgcache/internal/models"
	"github.com/roomline/msgcache/pkg/logging"
)

// ExpiredPinSource lists durably pinned messages whose pin has lapsed
type ExpiredPinSource interface {
	FetchExpiredPins(ctx context.Context, now time.Time, limit int) ([]models.Message, error)
}

// Unpinner clears a pin durably and in the caches
type Unpinner interface {
	NotifyUnpinned(ctx context.Context, msg *models.Message) error
}

// Sweeper clears expired pins from the durable store. The pinned cache
// hides lapsed pins on read; this keeps the pin columns consistent with it.
type Sweeper struct {
	source   ExpiredPinSource
	unpinner Unpinner
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper running every interval and clearing at most batch
// pins per round
func New(source ExpiredPinSource, unpinner Unpinner, interval time.Duration, batch int, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	s := &Sweeper{
		source:   source,
		unpinner: unpinner,
		interval: interval,
		batch:    batch,
		now:      time.Now,
		logger:   logging.WithComponent("pin-sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Starting pin sweeper",
		zap.Duration("interval", s.interval),
		zap.Int("batch", s.batch))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			cleared, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("Pin sweep failed", zap.Error(err), zap.Int("cleared", cleared))
			} else if cleared > 0 {
				s.logger.Info("Cleared expired pins", zap.Int("cleared", cleared))
			}
			s.wait(ctx)
		}
	}
}

// Sweep clears expired pins in batches until none remain and returns how
// many were cleared. It stops at the first failure so a broken store is not
// hammered; the next round retries.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cleared := 0
	for {
		msgs, err := s.source.FetchExpiredPins(ctx, s.now(), s.batch)
		if err != nil {
			return cleared, fmt.Errorf("failed to fetch expired pins: %w", err)
		}

		for i := range msgs {
			msg := msgs[i]
			if err := s.unpinner.NotifyUnpinned(ctx, &msg); err != nil {
				return cleared, fmt.Errorf("failed to unpin message %s: %w", msg.ID, err)
			}
			cleared++
			s.logger.Debug("Unpinned expired message",
				zap.String("room_id", msg.RoomID),
				zap.String("message_id", msg.ID))
		}

		if len(msgs) < s.batch {
			return cleared, nil
		}
	}
}

// wait waits for the interval or until context is cancelled
func (s *Sweeper) wait(ctx context.Context) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
