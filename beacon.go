package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Beacon repeats heartbeats at a fixed interval until stopped. The tracker
// itself never starts one: heartbeat cadence stays under caller control, and
// a Beacon is simply that control packaged as a runner.
//
// The first heartbeat is sent immediately on Start so presence is visible
// before the first tick.
type Beacon struct {
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBeacon creates a beacon for the tracker. A zero interval selects the
// tracker's configured HeartbeatInterval.
func NewBeacon(t *Tracker, interval time.Duration) *Beacon {
	if interval <= 0 {
		interval = t.cfg.HeartbeatInterval
	}
	return &Beacon{
		tracker:  t,
		interval: interval,
		logger:   t.logger.With("component", "beacon"),
	}
}

// Interval returns the heartbeat cadence.
func (b *Beacon) Interval() time.Duration { return b.interval }

// Start begins heartbeating. The beacon runs until Stop is called or ctx is
// cancelled. A failed heartbeat is reported to the tracker's hooks and
// retried on the next tick; the beacon never gives up on its own.
func (b *Beacon) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	b.beat(ctx)

	go b.run(ctx)

	b.logger.Info("beacon started", "interval", b.interval)
	return nil
}

// Stop halts heartbeating and waits for the loop to exit. It is safe to call
// multiple times. The presence key is left to expire; use
// Tracker.Deregister for immediate departure.
func (b *Beacon) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	stopCh := b.stopCh
	doneCh := b.doneCh
	b.mu.Unlock()

	close(stopCh)
	<-doneCh

	b.logger.Info("beacon stopped")
}

// Running reports whether the beacon loop is active.
func (b *Beacon) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *Beacon) run(ctx context.Context) {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.beat(ctx); err != nil {
				failures++
				if failures >= 3 {
					b.logger.Error("heartbeats failing", "consecutive", failures, "error", err)
				}
			} else {
				failures = 0
			}
		}
	}
}

func (b *Beacon) beat(ctx context.Context) error {
	beatCtx, cancel := context.WithTimeout(ctx, b.interval)
	defer cancel()

	err := b.tracker.Heartbeat(beatCtx)
	if err != nil {
		b.logger.Warn("heartbeat failed", "error", err)
		if hookErr := b.tracker.hooks.OnHeartbeatError(ctx, err); hookErr != nil {
			b.logger.Error("OnHeartbeatError hook failed", "error", hookErr)
		}
	}
	return err
}
