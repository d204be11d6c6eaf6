package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// KeyPrefix is the namespace presence keys live under within the bucket.
const KeyPrefix = "presence"

// Key returns the bucket key for a client id.
func Key(clientID string) string {
	return KeyPrefix + "." + clientID
}

// ClientFromKey extracts the client id from a presence key. It reports false
// for keys outside the presence namespace.
func ClientFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, KeyPrefix+".") {
		return "", false
	}
	id := key[len(KeyPrefix)+1:]
	return id, id != ""
}

// heartbeatValue renders a heartbeat timestamp as Unix seconds in decimal text.
func heartbeatValue(now time.Time) []byte {
	return strconv.AppendInt(nil, now.Unix(), 10)
}

// ParseHeartbeat parses a heartbeat value written by a tracker.
func ParseHeartbeat(value []byte) (time.Time, error) {
	secs, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed heartbeat value %q: %w", value, err)
	}
	return time.Unix(secs, 0), nil
}

// Tracker announces this client's liveness into a TTL bucket and answers
// presence questions about any client in the same bucket. Liveness is key
// existence: a client is present exactly while its heartbeat key has not
// expired. The tracker never heartbeats on its own; call Heartbeat at a
// cadence shorter than the TTL, or run a Beacon.
type Tracker struct {
	cfg    Config
	hooks  Hooks
	logger *slog.Logger

	metrics *Metrics

	nc      *nats.Conn
	js      jetstream.JetStream
	store   Store
	ownConn bool

	injectedStore Store
	injectedConn  *nats.Conn
	storage       jetstream.StorageType

	mu        sync.RWMutex
	running   bool
	closed    bool
	startedAt time.Time
	lastBeat  time.Time
	beats     uint64
	bus       *Bus
	ctx       context.Context
}

// New creates a tracker. The configuration is validated before any I/O;
// violations surface as ErrInvalidConfig. Call Start to connect.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.hooks == nil {
		o.hooks = NoOpHooks{}
	}

	return &Tracker{
		cfg:           cfg,
		hooks:         o.hooks,
		logger:        cfg.Logger.With("component", "presence", "bucket", cfg.Bucket, "client", cfg.ClientID),
		metrics:       o.metrics,
		injectedStore: o.store,
		injectedConn:  o.conn,
		storage:       o.storage,
	}, nil
}

// Connect creates a tracker and starts it in one call.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Tracker, error) {
	t, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Start connects to NATS and creates or attaches the presence bucket.
// Two processes starting concurrently against the same bucket both succeed.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.running = true
	t.startedAt = time.Now()
	t.ctx = ctx
	t.mu.Unlock()

	// An injected store short-circuits the substrate entirely.
	if t.injectedStore != nil {
		t.mu.Lock()
		t.store = t.injectedStore
		t.mu.Unlock()
		t.logger.Info("tracker started", "store", "injected", "ttl", t.cfg.TTL)
		return nil
	}

	nc := t.injectedConn
	ownConn := false
	if nc == nil {
		var err error
		nc, err = t.connectNATS()
		if err != nil {
			t.abortStart()
			return fmt.Errorf("%w: %w", ErrConnect, err)
		}
		ownConn = true
	}

	js, err := jetstream.New(nc)
	if err != nil {
		if ownConn {
			nc.Close()
		}
		t.abortStart()
		return fmt.Errorf("%w: create JetStream context: %w", ErrConnect, err)
	}

	store, err := EnsureBucket(ctx, js, BucketConfig{
		Name:    t.cfg.Bucket,
		TTL:     t.cfg.TTL,
		Storage: t.storage,
	}, t.cfg.Logger)
	if err != nil {
		if ownConn {
			nc.Close()
		}
		t.abortStart()
		return err
	}

	t.mu.Lock()
	t.nc = nc
	t.js = js
	t.store = store
	t.ownConn = ownConn
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SetConnected(true)
	}

	t.logger.Info("tracker started", "ttl", t.cfg.TTL, "url", nc.ConnectedUrl())
	return nil
}

func (t *Tracker) abortStart() {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

// Heartbeat writes this client's presence key with the current Unix time,
// restarting the key's TTL clock. Heartbeats are unconditional puts: two
// trackers sharing a client id simply refresh the same key.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	store, err := t.ready()
	if err != nil {
		return err
	}

	now := time.Now()
	if _, err := store.Put(ctx, Key(t.cfg.ClientID), heartbeatValue(now)); err != nil {
		if t.metrics != nil {
			t.metrics.RecordHeartbeatError()
		}
		return fmt.Errorf("%w: %w", ErrHeartbeat, err)
	}

	t.mu.Lock()
	t.lastBeat = now
	t.beats++
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordHeartbeat(now)
	}

	t.logger.Debug("heartbeat sent", "at", now.Unix())
	return nil
}

// IsPresent reports whether the given client currently has a live heartbeat
// key. A client that never heartbeated, or whose key expired, is absent —
// that is a normal false, not an error. The value is never inspected;
// existence alone decides.
func (t *Tracker) IsPresent(ctx context.Context, clientID string) (bool, error) {
	store, err := t.ready()
	if err != nil {
		return false, err
	}
	if clientID == "" {
		return false, fmt.Errorf("%w: client id is required", ErrPresenceCheck)
	}

	start := time.Now()
	_, err = store.Get(ctx, Key(clientID))
	if t.metrics != nil {
		t.metrics.ObserveCheck("check", time.Since(start))
	}
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s: %w", ErrPresenceCheck, clientID, err)
	}
	return true, nil
}

// LastSeen returns the timestamp the given client wrote with its most recent
// heartbeat. The boolean reports presence; an absent client yields a zero
// time without error.
func (t *Tracker) LastSeen(ctx context.Context, clientID string) (time.Time, bool, error) {
	store, err := t.ready()
	if err != nil {
		return time.Time{}, false, err
	}
	if clientID == "" {
		return time.Time{}, false, fmt.Errorf("%w: client id is required", ErrPresenceCheck)
	}

	entry, err := store.Get(ctx, Key(clientID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("%w: %s: %w", ErrPresenceCheck, clientID, err)
	}

	ts, err := ParseHeartbeat(entry.Value)
	if err != nil {
		// Present but with a foreign value; presence still holds.
		return time.Time{}, true, nil
	}
	return ts, true, nil
}

// ListPresent returns the ids of all currently present clients, sorted. The
// enumeration is a bounded snapshot of the bucket; clients expiring during
// the walk may or may not appear.
func (t *Tracker) ListPresent(ctx context.Context) ([]string, error) {
	store, err := t.ready()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	entries, err := store.Entries(ctx)
	if t.metrics != nil {
		t.metrics.ObserveCheck("list", time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrPresenceCheck, err)
	}

	clients := make([]string, 0, len(entries))
	for _, entry := range entries {
		if id, ok := ClientFromKey(entry.Key); ok {
			clients = append(clients, id)
		}
	}
	sort.Strings(clients)

	if t.metrics != nil {
		t.metrics.SetPresentClients(len(clients))
	}
	return clients, nil
}

// Register claims this client id exclusively. The claim is an atomic create;
// when the key already exists and its heartbeat is fresh (within TTL) the
// registration is refused with ErrClientTaken. A stale key — possible only
// on substrates that do not expire keys — is taken over with a
// revision-checked update. Plain Heartbeat never requires registration.
func (t *Tracker) Register(ctx context.Context) error {
	store, err := t.ready()
	if err != nil {
		return err
	}

	now := time.Now()
	key := Key(t.cfg.ClientID)

	_, err = store.Create(ctx, key, heartbeatValue(now))
	if err == nil {
		t.recordBeat(now)
		t.logger.Info("client id registered")
		return nil
	}
	if !errors.Is(err, ErrKeyExists) {
		return fmt.Errorf("%w: register: %w", ErrHeartbeat, err)
	}

	entry, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			// Holder vanished between create and get; claim with a plain put.
			if _, err := store.Put(ctx, key, heartbeatValue(now)); err != nil {
				return fmt.Errorf("%w: register: %w", ErrHeartbeat, err)
			}
			t.recordBeat(now)
			return nil
		}
		return fmt.Errorf("%w: register: %w", ErrHeartbeat, err)
	}

	if ts, err := ParseHeartbeat(entry.Value); err == nil {
		if now.Sub(ts) < t.cfg.TTL {
			return fmt.Errorf("%w: %s", ErrClientTaken, t.cfg.ClientID)
		}
	} else {
		// Unparseable value on a live key: treat the holder as active.
		return fmt.Errorf("%w: %s", ErrClientTaken, t.cfg.ClientID)
	}

	if _, err := store.Update(ctx, key, heartbeatValue(now), entry.Revision); err != nil {
		// Lost the takeover race to another registrant.
		return fmt.Errorf("%w: %s", ErrClientTaken, t.cfg.ClientID)
	}

	t.recordBeat(now)
	t.logger.Info("client id registered", "takeover", true)
	return nil
}

// Deregister deletes this client's presence key so departure is visible
// immediately instead of after TTL expiry.
func (t *Tracker) Deregister(ctx context.Context) error {
	store, err := t.ready()
	if err != nil {
		return err
	}

	if err := store.Delete(ctx, Key(t.cfg.ClientID)); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("deregister %s: %w", t.cfg.ClientID, err)
	}
	t.logger.Info("client id deregistered")
	return nil
}

func (t *Tracker) recordBeat(now time.Time) {
	t.mu.Lock()
	t.lastBeat = now
	t.beats++
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordHeartbeat(now)
	}
}

// Close releases the bucket handle and then the connection. It is safe to
// call any number of times; cleanup failures are logged, never returned.
// Operations after Close return ErrClosed.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.running = false
	store := t.store
	nc := t.nc
	ownConn := t.ownConn
	bus := t.bus
	t.store = nil
	t.nc = nil
	t.bus = nil
	t.mu.Unlock()

	if bus != nil {
		bus.Stop()
	}

	if store != nil {
		store.Close()
	}

	if nc != nil && ownConn {
		if err := nc.Drain(); err != nil {
			t.logger.Warn("drain failed, closing connection", "error", err)
			nc.Close()
		}
		t.waitClosed(ctx, nc)
	}

	if t.metrics != nil {
		t.metrics.SetConnected(false)
	}

	t.logger.Info("tracker closed")
	return nil
}

// waitClosed waits for a draining connection to finish, bounded by ctx.
func (t *Tracker) waitClosed(ctx context.Context, nc *nats.Conn) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !nc.IsClosed() {
		select {
		case <-ctx.Done():
			nc.Close()
			return
		case <-ticker.C:
		}
	}
}

// ClientID returns this tracker's client id.
func (t *Tracker) ClientID() string { return t.cfg.ClientID }

// BucketName returns the presence bucket name.
func (t *Tracker) BucketName() string { return t.cfg.Bucket }

// TTL returns the configured key time-to-live.
func (t *Tracker) TTL() time.Duration { return t.cfg.TTL }

// HeartbeatInterval returns the effective heartbeat cadence.
func (t *Tracker) HeartbeatInterval() time.Duration { return t.cfg.HeartbeatInterval }

// Conn returns the underlying NATS connection (nil when running on an
// injected store).
func (t *Tracker) Conn() *nats.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nc
}

// Bus returns the bucket-scoped message bus riding this tracker's
// connection. The bus is created on first use and stopped by Close.
func (t *Tracker) Bus() *Bus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bus == nil {
		t.bus = newBus(t)
	}
	return t.bus
}

func (t *Tracker) jsContext() jetstream.JetStream {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.js
}

// Connected reports whether the substrate is reachable.
func (t *Tracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connectedLocked()
}

func (t *Tracker) connectedLocked() bool {
	if t.nc != nil {
		return t.nc.IsConnected()
	}
	return t.running && t.store != nil
}

// Status returns a snapshot of this tracker's local state. It performs no I/O.
func (t *Tracker) Status() *Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := &Status{
		ClientID:      t.cfg.ClientID,
		Bucket:        t.cfg.Bucket,
		TTL:           t.cfg.TTL,
		Connected:     t.connectedLocked(),
		LastHeartbeat: t.lastBeat,
		Heartbeats:    t.beats,
	}
	if t.running && !t.startedAt.IsZero() {
		s.Uptime = time.Since(t.startedAt)
	}
	return s
}

func (t *Tracker) ready() (Store, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrClosed
	}
	if !t.running || t.store == nil {
		return nil, ErrNotStarted
	}
	return t.store, nil
}

// connectNATS establishes a resilient NATS connection.
func (t *Tracker) connectNATS() (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(t.cfg.MaxReconnects),
		nats.ReconnectWait(t.cfg.ReconnectWait),
		nats.PingInterval(2 * time.Second),
		nats.MaxPingsOutstanding(2),

		// Connection event handlers
		nats.DisconnectErrHandler(t.handleDisconnect),
		nats.ReconnectHandler(t.handleReconnect),
		nats.ClosedHandler(t.handleClosed),
		nats.ErrorHandler(t.handleError),
	}

	if t.cfg.NATSCredentials != "" {
		opts = append(opts, nats.UserCredentials(t.cfg.NATSCredentials))
	}

	// Connect with all configured URLs for automatic failover
	return nats.Connect(strings.Join(t.cfg.NATSURLs, ","), opts...)
}

// handleDisconnect is called when NATS disconnects.
func (t *Tracker) handleDisconnect(nc *nats.Conn, err error) {
	t.logger.Warn("NATS disconnected", "error", err)

	if t.metrics != nil {
		t.metrics.SetConnected(false)
	}

	ctx := context.Background()
	if hookErr := t.hooks.OnNATSDisconnect(ctx, err); hookErr != nil {
		t.logger.Error("OnNATSDisconnect hook failed", "error", hookErr)
	}
}

// handleReconnect is called when NATS reconnects.
func (t *Tracker) handleReconnect(nc *nats.Conn) {
	t.logger.Info("NATS reconnected", "server", nc.ConnectedUrl())

	if t.metrics != nil {
		t.metrics.SetConnected(true)
	}

	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if hookErr := t.hooks.OnNATSReconnect(ctx); hookErr != nil {
		t.logger.Error("OnNATSReconnect hook failed", "error", hookErr)
	}
}

// handleClosed is called when the NATS connection is permanently closed.
func (t *Tracker) handleClosed(nc *nats.Conn) {
	t.logger.Warn("NATS connection closed")
}

// handleError is called on async NATS errors.
func (t *Tracker) handleError(nc *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		t.logger.Error("NATS async error", "error", err, "subject", sub.Subject)
		return
	}
	t.logger.Error("NATS async error", "error", err)
}
