package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/printbit/kiosk/internal/metrics"
)

// DefaultSweepInterval is how often the janitor scans for expired sessions.
const DefaultSweepInterval = time.Minute

// Janitor periodically evicts expired sessions from a Store.
type Janitor struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewJanitor creates a janitor. A non-positive interval uses
// DefaultSweepInterval.
func NewJanitor(store *Store, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Janitor{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run sweeps until the context is cancelled or Stop is called.
func (j *Janitor) Run(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("session janitor started", "interval", j.interval)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("session janitor stopped")
			return
		case <-j.stop:
			j.logger.Info("session janitor stopped")
			return
		case now := <-ticker.C:
			j.sweep(now)
		}
	}
}

func (j *Janitor) sweep(now time.Time) {
	evicted := j.store.Sweep(now)
	live := j.store.Len()
	metrics.ActiveSessions.Set(float64(live))
	if evicted > 0 {
		j.logger.Info("expired sessions evicted", "evicted", evicted, "live", live)
	}
}

// Stop halts the janitor and waits for the loop to exit.
func (j *Janitor) Stop() {
	select {
	case <-j.stop:
	default:
		close(j.stop)
	}
	<-j.done
}
