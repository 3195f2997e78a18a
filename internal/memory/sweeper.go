package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CloseFunc closes a session, running its analytics.
type CloseFunc func(ctx context.Context, sessionID string) error

// Sweeper periodically closes sessions that have been idle too long.
type Sweeper struct {
	registry *Registry
	ttl      time.Duration
	interval time.Duration
	closeFn  CloseFunc

	wg sync.WaitGroup
}

// NewSweeper creates a sweeper. It does nothing until Start is called.
func NewSweeper(registry *Registry, ttl, interval time.Duration, closeFn CloseFunc) *Sweeper {
	return &Sweeper{
		registry: registry,
		ttl:      ttl,
		interval: interval,
		closeFn:  closeFn,
	}
}

// Start runs the sweep loop in the background until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		slog.Info("Idle session sweeper started", "interval", s.interval, "ttl", s.ttl)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				slog.Info("Idle session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Wait blocks until the sweep loop has exited.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

// Sweep closes every currently idle session and returns how many closed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	idle := s.registry.Idle(s.ttl)
	if len(idle) == 0 {
		return 0
	}

	slog.Info("Idle session sweeper found idle sessions", "count", len(idle))

	closed := 0
	for _, id := range idle {
		if ctx.Err() != nil {
			break
		}
		if err := s.closeFn(ctx, id); err != nil {
			slog.Error("Idle session sweeper failed to close session", "session_id", id, "error", err)
			continue
		}
		closed++
	}

	slog.Info("Idle session sweep completed", "closed", closed)
	return closed
}
