package presence

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents a snapshot of a tracker's local state.
type Status struct {
	// ClientID is this tracker's client identifier.
	ClientID string `json:"clientId"`

	// Bucket is the presence bucket name.
	Bucket string `json:"bucket"`

	// TTL is the bucket's key time-to-live.
	TTL time.Duration `json:"ttl"`

	// Connected indicates whether the substrate is reachable.
	Connected bool `json:"connected"`

	// Present indicates whether this client's key was live in the bucket
	// when the status was taken. Only set by lookups that consult the
	// bucket; a purely local snapshot leaves it false.
	Present bool `json:"present"`

	// LastHeartbeat is when this tracker last wrote its key (zero if never).
	LastHeartbeat time.Time `json:"lastHeartbeat"`

	// Heartbeats counts successful heartbeat writes.
	Heartbeats uint64 `json:"heartbeats"`

	// Uptime is how long the tracker has been running.
	Uptime time.Duration `json:"uptime"`
}

// HeartbeatAge returns the time elapsed since the last heartbeat, or zero if
// no heartbeat was sent yet.
func (s *Status) HeartbeatAge() time.Duration {
	if s.LastHeartbeat.IsZero() {
		return 0
	}
	return time.Since(s.LastHeartbeat)
}

// Beating reports whether the last heartbeat is still within TTL, i.e.
// whether this tracker should currently appear present to others.
func (s *Status) Beating() bool {
	return !s.LastHeartbeat.IsZero() && s.HeartbeatAge() < s.TTL
}

// String returns a human-readable string representation of the status.
func (s *Status) String() string {
	return fmt.Sprintf("%s@%s", s.ClientID, s.Bucket)
}

// statusJSON is used for custom JSON marshaling.
type statusJSON struct {
	ClientID          string `json:"clientId"`
	Bucket            string `json:"bucket"`
	TTLSeconds        int64  `json:"ttlSeconds"`
	Connected         bool   `json:"connected"`
	Present           bool   `json:"present"`
	LastHeartbeatUnix int64  `json:"lastHeartbeatUnix"`
	Heartbeats        uint64 `json:"heartbeats"`
	UptimeMs          int64  `json:"uptimeMs"`
}

// MarshalJSON implements json.Marshaler to serialize the TTL in seconds, the
// last heartbeat as Unix seconds and the uptime in milliseconds.
func (s Status) MarshalJSON() ([]byte, error) {
	var lastBeat int64
	if !s.LastHeartbeat.IsZero() {
		lastBeat = s.LastHeartbeat.Unix()
	}
	return json.Marshal(statusJSON{
		ClientID:          s.ClientID,
		Bucket:            s.Bucket,
		TTLSeconds:        int64(s.TTL / time.Second),
		Connected:         s.Connected,
		Present:           s.Present,
		LastHeartbeatUnix: lastBeat,
		Heartbeats:        s.Heartbeats,
		UptimeMs:          s.Uptime.Milliseconds(),
	})
}
