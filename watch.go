package presence

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventType classifies a presence change.
type EventType int

const (
	// EventJoin indicates a client became present.
	EventJoin EventType = iota
	// EventLeave indicates a client's presence ended, by expiry or deletion.
	EventLeave
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// Event describes one presence change.
type Event struct {
	Type     EventType
	ClientID string
	At       time.Time
}

// Watcher streams presence changes for a bucket. Already-present clients are
// reported as joins when the watch begins.
type Watcher struct {
	events chan Event

	mu       sync.Mutex
	err      error
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	cancel   context.CancelFunc
}

// Events returns the channel of presence changes. It is closed when the
// watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop ends the watch and waits for the event channel to close. Safe to call
// multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.cancel()
	})
	<-w.doneCh
}

// Err reports why the watcher ended, if it ended on its own.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watcher) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// Watch begins streaming presence changes. Puts and explicit deletes arrive
// through the substrate watcher; TTL expirations produce no delete markers,
// so a polling sweep at half the TTL diffs the live key set and emits the
// missing leaves.
func (t *Tracker) Watch(ctx context.Context) (*Watcher, error) {
	store, err := t.ready()
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	updates, err := store.Watch(watchCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: watch: %w", ErrPresenceCheck, err)
	}

	w := &Watcher{
		events: make(chan Event, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		cancel: cancel,
	}

	go t.runWatcher(watchCtx, w, store, updates)

	return w, nil
}

func (t *Tracker) runWatcher(ctx context.Context, w *Watcher, store Store, updates <-chan *Entry) {
	defer close(w.doneCh)
	defer close(w.events)
	defer w.cancel()

	interval := t.cfg.TTL / 2
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	known := make(map[string]struct{})

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case entry, ok := <-updates:
			if !ok {
				w.setErr(ErrWatcherClosed)
				t.logger.Warn("presence watch ended unexpectedly")
				return
			}

			id, valid := ClientFromKey(entry.Key)
			if !valid {
				continue
			}

			switch entry.Op {
			case OpPut:
				if _, seen := known[id]; seen {
					continue
				}
				known[id] = struct{}{}
				at := time.Now()
				if ts, err := ParseHeartbeat(entry.Value); err == nil {
					at = ts
				}
				if !w.send(ctx, Event{Type: EventJoin, ClientID: id, At: at}) {
					return
				}
			case OpDelete:
				if _, seen := known[id]; !seen {
					continue
				}
				delete(known, id)
				if !w.send(ctx, Event{Type: EventLeave, ClientID: id, At: time.Now()}) {
					return
				}
			}
		case <-ticker.C:
			// Expiry sweep: anything we know that the bucket no longer
			// lists has silently timed out. The reverse diff repairs
			// joins whose watch update was missed.
			keys, err := store.Keys(ctx)
			if err != nil {
				t.logger.Warn("presence sweep failed", "error", err)
				continue
			}

			live := make(map[string]struct{}, len(keys))
			for _, key := range keys {
				if id, valid := ClientFromKey(key); valid {
					live[id] = struct{}{}
				}
			}

			for id := range known {
				if _, ok := live[id]; ok {
					continue
				}
				delete(known, id)
				if !w.send(ctx, Event{Type: EventLeave, ClientID: id, At: time.Now()}) {
					return
				}
			}

			for id := range live {
				if _, ok := known[id]; ok {
					continue
				}
				known[id] = struct{}{}
				if !w.send(ctx, Event{Type: EventJoin, ClientID: id, At: time.Now()}) {
					return
				}
			}
		}
	}
}

// send delivers an event, blocking until the consumer takes it or the watch
// ends. It reports false when the watch ended first.
func (w *Watcher) send(ctx context.Context, ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
