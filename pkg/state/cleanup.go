package state

import (
	"context"
	"log/slog"
	"time"
)

// CleanupService periodically enforces the retention policy: finished
// executions older than the retention window are deleted together with their
// messages. Active executions are never touched.
type CleanupService struct {
	registry *Registry
	retain   time.Duration
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleanupService creates a cleanup service with the given retention window
// and sweep interval.
func NewCleanupService(registry *Registry, retain, interval time.Duration) *CleanupService {
	return &CleanupService{
		registry: registry,
		retain:   retain,
		interval: interval,
	}
}

// Start launches the background cleanup loop.
func (s *CleanupService) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started", "retention", s.retain, "interval", s.interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *CleanupService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *CleanupService) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *CleanupService) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retain)
	count, err := s.registry.CleanupBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: execution cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old executions", "count", count)
	}
}
