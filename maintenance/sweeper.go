// Package maintenance runs periodic housekeeping for a chat registry.
package maintenance

import (
	"context"
	"sync/atomic"
	"time"
)

// Default sweeper configuration values
const (
	DefaultSweepInterval = 1 * time.Minute
	DefaultIdleTimeout   = 30 * time.Minute
)

// Evicter unloads idle chats. *chatkeeper.Registry implements it.
type Evicter interface {
	EvictIdle(idle time.Duration) int
}

// SweeperConfig holds configuration for the idle sweeper.
type SweeperConfig struct {
	// Interval is how often to sweep.
	// Default: 1 minute
	Interval time.Duration

	// IdleTimeout is how long a chat may go without a turn before its
	// runner is unloaded.
	// Default: 30 minutes
	IdleTimeout time.Duration

	// OnEvict is called after a sweep that unloaded at least one chat.
	OnEvict func(count int)
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() *SweeperConfig {
	return &SweeperConfig{
		Interval:    DefaultSweepInterval,
		IdleTimeout: DefaultIdleTimeout,
	}
}

// Sweeper periodically unloads idle chats so that memory stays bounded by
// the number of active conversations.
type Sweeper struct {
	target Evicter
	config *SweeperConfig

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewSweeper creates a new sweeper. Zero config fields take defaults.
func NewSweeper(target Evicter, config *SweeperConfig) *Sweeper {
	c := DefaultSweeperConfig()
	if config != nil {
		*c = *config
		if c.Interval <= 0 {
			c.Interval = DefaultSweepInterval
		}
		if c.IdleTimeout <= 0 {
			c.IdleTimeout = DefaultIdleTimeout
		}
	}

	return &Sweeper{
		target: target,
		config: c,
	}
}

// Start begins the sweep loop in a goroutine and returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.done = make(chan struct{})
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)

	return nil
}

// Stop stops the sweep loop and waits for it to exit.
func (s *Sweeper) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}

	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.started.Store(false)
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs one sweep and returns the number of chats unloaded.
func (s *Sweeper) RunOnce() int {
	n := s.target.EvictIdle(s.config.IdleTimeout)
	if n > 0 && s.config.OnEvict != nil {
		s.config.OnEvict(n)
	}
	return n
}

// IsRunning returns true if the sweep loop is running.
func (s *Sweeper) IsRunning() bool {
	return s.started.Load()
}
