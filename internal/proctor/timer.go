package proctor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Watchdog periodically sweeps overdue sessions: it expires started sessions
// whose start window lapsed and times out in_progress sessions past their
// exam deadline.
type Watchdog struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewWatchdog creates a session expiry watchdog.
func NewWatchdog(service *Service, interval time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watchdog{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (w *Watchdog) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Watchdog) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the watchdog to stop.
func (w *Watchdog) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Watchdog) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in proctor watchdog", "panic", fmt.Sprint(r))
		}
	}()
	w.sweep(ctx)
}

func (w *Watchdog) sweep(ctx context.Context) {
	expired, timedOut, err := w.service.ExpireStale(ctx)
	if err != nil {
		w.logger.Warn("watchdog sweep failed", "error", err)
		return
	}
	if expired > 0 {
		watchdogExpired.Add(float64(expired))
	}
	if expired > 0 || timedOut > 0 {
		w.logger.Info("watchdog sweep", "expired", expired, "timedOut", timedOut)
	}
}
