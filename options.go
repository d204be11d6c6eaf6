package presence

import (
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Option configures a Tracker.
type Option func(*options)

type options struct {
	hooks   Hooks
	metrics *Metrics
	store   Store
	conn    *nats.Conn
	storage jetstream.StorageType
}

func defaultOptions() *options {
	return &options{
		storage: jetstream.FileStorage,
	}
}

// WithHooks installs lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithMetrics attaches a metrics collector to the tracker.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithStore runs the tracker on the given store instead of connecting to
// NATS. Intended for tests and embedding; see MemoryBucket.
func WithStore(s Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithConn reuses an existing NATS connection. The tracker will not close it.
func WithConn(nc *nats.Conn) Option {
	return func(o *options) {
		o.conn = nc
	}
}

// WithMemoryStorage backs the presence bucket with server memory instead of
// file storage. Heartbeats are ephemeral by nature; memory buckets trade
// durability across server restarts for less disk traffic.
func WithMemoryStorage() Option {
	return func(o *options) {
		o.storage = jetstream.MemoryStorage
	}
}
