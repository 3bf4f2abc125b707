package modqueue

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically escalates stale items and runs an auto-assign pass.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new queue maintenance timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the maintenance loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) tick(ctx context.Context) {
	now := time.Now().UTC()

	escalated, err := t.service.EscalateStale(ctx, now)
	if err != nil {
		t.logger.Warn("escalation pass failed", "error", err)
	} else if escalated > 0 {
		t.logger.Info("escalation pass complete", "escalated", escalated)
	}

	assigned, err := t.service.AutoAssign(ctx, now)
	if err != nil {
		t.logger.Warn("auto-assign pass failed", "error", err)
	} else if assigned > 0 {
		t.logger.Info("auto-assign pass complete", "assigned", assigned)
	}
}
