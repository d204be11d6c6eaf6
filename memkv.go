package presence

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBucket is an in-process Store with the same TTL semantics as the
// JetStream-backed Bucket: every put restarts the key's TTL clock and expired
// keys vanish. It exists so the tracker can be exercised without a live
// substrate, and it additionally reports expirations to watchers, which the
// real substrate does not.
type MemoryBucket struct {
	name   string
	ttl    time.Duration
	maxVal int32

	mu       sync.RWMutex
	entries  map[string]*memEntry
	revision uint64
	watchers map[int]chan *Entry
	nextID   int
	closed   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

type memEntry struct {
	value    []byte
	revision uint64
	created  time.Time
	expires  time.Time
}

// NewMemoryBucket creates an in-process bucket. A zero ttl disables expiry.
func NewMemoryBucket(name string, ttl time.Duration) *MemoryBucket {
	b := &MemoryBucket{
		name:     name,
		ttl:      ttl,
		maxVal:   MaxValueSize,
		entries:  make(map[string]*memEntry),
		watchers: make(map[int]chan *Entry),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go b.sweep()
	return b
}

// Name returns the bucket name.
func (b *MemoryBucket) Name() string { return b.name }

// TTL returns the bucket's key time-to-live.
func (b *MemoryBucket) TTL() time.Duration { return b.ttl }

// Put stores a value at the given key.
func (b *MemoryBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(value) > int(b.maxVal) {
		return 0, fmt.Errorf("value for %q exceeds %d bytes", key, b.maxVal)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return b.putLocked(key, value), nil
}

func (b *MemoryBucket) putLocked(key string, value []byte) uint64 {
	b.revision++
	now := time.Now()
	e := &memEntry{
		value:    append([]byte(nil), value...),
		revision: b.revision,
		created:  now,
	}
	if b.ttl > 0 {
		e.expires = now.Add(b.ttl)
	}
	b.entries[key] = e
	b.notifyLocked(&Entry{Key: key, Value: e.value, Revision: e.revision, Created: now, Op: OpPut})
	return e.revision
}

// Get retrieves an entry by key. Missing or expired keys yield ErrKeyNotFound.
func (b *MemoryBucket) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	if !ok || b.expired(e) {
		return nil, ErrKeyNotFound
	}
	return &Entry{Key: key, Value: append([]byte(nil), e.value...), Revision: e.revision, Created: e.created}, nil
}

// Create creates a new key only if there is no live entry for it.
func (b *MemoryBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(value) > int(b.maxVal) {
		return 0, fmt.Errorf("value for %q exceeds %d bytes", key, b.maxVal)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if e, ok := b.entries[key]; ok && !b.expired(e) {
		return 0, ErrKeyExists
	}
	return b.putLocked(key, value), nil
}

// Update updates a key only if the revision matches.
func (b *MemoryBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	e, ok := b.entries[key]
	if !ok || b.expired(e) {
		return 0, ErrKeyNotFound
	}
	if e.revision != revision {
		return 0, fmt.Errorf("revision mismatch for %q: have %d, want %d", key, e.revision, revision)
	}
	return b.putLocked(key, value), nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (b *MemoryBucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.entries[key]; !ok {
		return nil
	}
	delete(b.entries, key)
	b.revision++
	b.notifyLocked(&Entry{Key: key, Revision: b.revision, Created: time.Now(), Op: OpDelete})
	return nil
}

// Keys returns all live keys.
func (b *MemoryBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for key, e := range b.entries {
		if !b.expired(e) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Entries returns a snapshot of all live entries.
func (b *MemoryBucket) Entries(ctx context.Context) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := make([]*Entry, 0, len(b.entries))
	for key, e := range b.entries {
		if !b.expired(e) {
			entries = append(entries, &Entry{
				Key:      key,
				Value:    append([]byte(nil), e.value...),
				Revision: e.revision,
				Created:  e.created,
			})
		}
	}
	return entries, nil
}

// Watch streams entry changes until ctx is done. Live entries are replayed
// as puts when the watch begins; expirations found by the sweeper are
// reported as deletes.
func (b *MemoryBucket) Watch(ctx context.Context) (<-chan *Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	ch := make(chan *Entry, 64)

	// Replay the current state before any new change can interleave.
	for key, e := range b.entries {
		if b.expired(e) {
			continue
		}
		select {
		case ch <- &Entry{Key: key, Value: append([]byte(nil), e.value...), Revision: e.revision, Created: e.created, Op: OpPut}:
		default:
		}
	}

	b.watchers[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if w, ok := b.watchers[id]; ok {
			delete(b.watchers, id)
			close(w)
		}
		b.mu.Unlock()
	}()

	return ch, nil
}

// Close stops the sweeper and closes all watcher channels.
func (b *MemoryBucket) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.watchers {
		delete(b.watchers, id)
		close(ch)
	}
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh
}

func (b *MemoryBucket) expired(e *memEntry) bool {
	return !e.expires.IsZero() && !time.Now().Before(e.expires)
}

// notifyLocked fans an event out to watchers, dropping when a watcher is slow.
func (b *MemoryBucket) notifyLocked(entry *Entry) {
	for _, ch := range b.watchers {
		select {
		case ch <- entry:
		default:
		}
	}
}

// sweep evicts expired entries so watchers observe TTL expiry as deletes.
func (b *MemoryBucket) sweep() {
	defer close(b.doneCh)

	interval := b.ttl / 4
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			for key, e := range b.entries {
				if b.expired(e) {
					delete(b.entries, key)
					b.revision++
					b.notifyLocked(&Entry{Key: key, Revision: b.revision, Created: time.Now(), Op: OpDelete})
				}
			}
			b.mu.Unlock()
		}
	}
}

var _ Store = (*MemoryBucket)(nil)
