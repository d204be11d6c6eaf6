package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// EntryOp describes the operation that produced a watched entry.
type EntryOp int

const (
	// OpPut indicates a key was written.
	OpPut EntryOp = iota
	// OpDelete indicates a key was deleted or purged.
	OpDelete
)

// Entry represents an entry read from a presence bucket.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
	Op       EntryOp
}

// Store is the bucket contract the tracker runs on. The canonical
// implementation is the JetStream-backed Bucket; MemoryBucket provides the
// same semantics in-process for tests.
//
// Get returns ErrKeyNotFound for missing keys and Create returns ErrKeyExists
// when the key is already present; implementations translate their native
// errors to these sentinels.
type Store interface {
	// Name returns the bucket name.
	Name() string

	// TTL returns the bucket-wide key time-to-live.
	TTL() time.Duration

	// Put writes a value, restarting the key's TTL clock.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Get reads a single entry.
	Get(ctx context.Context, key string) (*Entry, error)

	// Create writes a value only if the key does not exist.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update writes a value only if the revision matches.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Keys lists all live keys. An empty bucket yields an empty slice.
	Keys(ctx context.Context) ([]string, error)

	// Entries returns a bounded snapshot of all live entries.
	Entries(ctx context.Context) ([]*Entry, error)

	// Watch streams entry changes (puts and deletes) until ctx is done.
	Watch(ctx context.Context) (<-chan *Entry, error)

	// Close releases any local resources held by the store.
	Close()
}

// BucketConfig describes the presence bucket to create or attach to.
type BucketConfig struct {
	Name string
	TTL  time.Duration

	// History defaults to 1; presence needs no revision trail.
	History uint8

	// MaxValueSize defaults to MaxValueSize.
	MaxValueSize int32

	// Storage selects the backing store (file by default).
	Storage jetstream.StorageType
}

const (
	// ensureRetries bounds the create-or-attach loop on transient failures.
	ensureRetries = 3

	// snapshotIdle ends a snapshot enumeration when the watcher goes quiet
	// before delivering its end-of-replay marker.
	snapshotIdle = 2 * time.Second
)

// Bucket is the JetStream-backed presence store.
type Bucket struct {
	kv     jetstream.KeyValue
	name   string
	ttl    time.Duration
	maxVal int32
	logger *slog.Logger
}

// EnsureBucket creates the presence bucket or attaches to it when it already
// exists. Both sides of a concurrent create race succeed: the loser of the
// create falls back to attaching. An existing bucket keeps its TTL; a
// mismatch against cfg.TTL is logged, not treated as an error.
func EnsureBucket(ctx context.Context, js jetstream.JetStream, cfg BucketConfig, logger *slog.Logger) (*Bucket, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: bucket name is required", ErrBucket)
	}
	if cfg.History == 0 {
		cfg.History = 1
	}
	if cfg.MaxValueSize == 0 {
		cfg.MaxValueSize = MaxValueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	kvCfg := jetstream.KeyValueConfig{
		Bucket:       cfg.Name,
		Description:  fmt.Sprintf("Presence heartbeats for %s", cfg.Name),
		TTL:          cfg.TTL,
		History:      cfg.History,
		MaxValueSize: cfg.MaxValueSize,
		Storage:      cfg.Storage,
	}

	var lastErr error
	for attempt := 0; attempt < ensureRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrBucket, ctx.Err())
			case <-time.After(backoff):
			}
		}

		kv, err := js.CreateKeyValue(ctx, kvCfg)
		if err == nil {
			return newBucket(kv, cfg, logger), nil
		}

		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, cfg.Name)
			if err == nil {
				b := newBucket(kv, cfg, logger)
				b.warnOnTTLMismatch(ctx, cfg.TTL)
				return b, nil
			}
		}

		lastErr = err
	}

	return nil, fmt.Errorf("%w: %s: %w", ErrBucket, cfg.Name, lastErr)
}

// AttachBucket attaches to an existing bucket without attempting creation.
func AttachBucket(ctx context.Context, js jetstream.JetStream, name string, logger *slog.Logger) (*Bucket, error) {
	kv, err := js.KeyValue(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBucket, name, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bucket{kv: kv, name: name, maxVal: MaxValueSize, logger: logger}
	if status, err := kv.Status(ctx); err == nil {
		b.ttl = status.TTL()
	}
	return b, nil
}

func newBucket(kv jetstream.KeyValue, cfg BucketConfig, logger *slog.Logger) *Bucket {
	return &Bucket{
		kv:     kv,
		name:   cfg.Name,
		ttl:    cfg.TTL,
		maxVal: cfg.MaxValueSize,
		logger: logger.With("component", "bucket", "bucket", cfg.Name),
	}
}

func (b *Bucket) warnOnTTLMismatch(ctx context.Context, want time.Duration) {
	status, err := b.kv.Status(ctx)
	if err != nil {
		return
	}
	if got := status.TTL(); got != want {
		b.logger.Warn("attached to existing bucket with different TTL", "bucket", b.name, "want", want, "got", got)
		b.ttl = got
	}
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// TTL returns the bucket's key time-to-live.
func (b *Bucket) TTL() time.Duration { return b.ttl }

// Put stores a value at the given key.
func (b *Bucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if len(value) > int(b.maxVal) {
		return 0, fmt.Errorf("value for %q exceeds %d bytes", key, b.maxVal)
	}
	return b.kv.Put(ctx, key, value)
}

// Get retrieves an entry by key. Missing keys yield ErrKeyNotFound.
func (b *Bucket) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return &Entry{
		Key:      entry.Key(),
		Value:    entry.Value(),
		Revision: entry.Revision(),
		Created:  entry.Created(),
	}, nil
}

// Create creates a new key only if it doesn't exist.
func (b *Bucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if len(value) > int(b.maxVal) {
		return 0, fmt.Errorf("value for %q exceeds %d bytes", key, b.maxVal)
	}
	rev, err := b.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrKeyExists
		}
		return 0, err
	}
	return rev, nil
}

// Update updates a key only if the revision matches.
func (b *Bucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return b.kv.Update(ctx, key, value, revision)
}

// Delete deletes a key.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	return b.kv.Delete(ctx, key)
}

// Keys returns all live keys. An empty bucket is not an error.
func (b *Bucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, err
	}
	return keys, nil
}

// Entries returns a snapshot of all live entries. The enumeration is bounded:
// it ends at the watcher's end-of-replay marker, or after snapshotIdle without
// progress so a stalled watcher cannot hang the caller.
func (b *Bucket) Entries(ctx context.Context) ([]*Entry, error) {
	watcher, err := b.kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, err
	}
	defer watcher.Stop()

	entries := make([]*Entry, 0, 16)
	idle := time.NewTimer(snapshotIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-idle.C:
			return entries, nil
		case entry := <-watcher.Updates():
			if entry == nil {
				// End of initial replay; the snapshot is complete.
				return entries, nil
			}
			entries = append(entries, &Entry{
				Key:      entry.Key(),
				Value:    entry.Value(),
				Revision: entry.Revision(),
				Created:  entry.Created(),
			})
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(snapshotIdle)
		}
	}
}

// Watch streams entry changes until ctx is done. Deletes and purges are
// reported with Op set to OpDelete.
func (b *Bucket) Watch(ctx context.Context) (<-chan *Entry, error) {
	watcher, err := b.kv.WatchAll(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Entry, 64)
	go func() {
		defer close(ch)
		defer watcher.Stop()
		pumpEntries(ctx, watcher.Updates(), ch)
	}()

	return ch, nil
}

// pumpEntries forwards watcher updates until ctx is done or the updates
// channel closes, which happens when the watcher is invalidated (connection
// loss, bucket deletion). A nil entry is the end-of-replay marker and is
// skipped.
func pumpEntries(ctx context.Context, updates <-chan jetstream.KeyValueEntry, ch chan<- *Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-updates:
			if !ok {
				return
			}
			if entry == nil {
				continue
			}

			op := OpPut
			switch entry.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				op = OpDelete
			}

			select {
			case ch <- &Entry{
				Key:      entry.Key(),
				Value:    entry.Value(),
				Revision: entry.Revision(),
				Created:  entry.Created(),
				Op:       op,
			}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close releases local resources. The server-side bucket is left untouched.
func (b *Bucket) Close() {}

var _ Store = (*Bucket)(nil)
