package presence

import "errors"

// Presence tracking errors.
var (
	// ErrInvalidConfig indicates the tracker configuration failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnect indicates the connection to the NATS server could not be established.
	ErrConnect = errors.New("connection failed")

	// ErrBucket indicates the presence bucket could not be created or attached.
	ErrBucket = errors.New("bucket unavailable")

	// ErrHeartbeat indicates a heartbeat write did not reach the bucket.
	ErrHeartbeat = errors.New("heartbeat failed")

	// ErrPresenceCheck indicates a presence lookup or enumeration failed.
	// Absence of a client is not an error; see Tracker.IsPresent.
	ErrPresenceCheck = errors.New("presence check failed")

	// ErrKeyNotFound indicates the requested key does not exist in the bucket.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists indicates an atomic create found the key already present.
	ErrKeyExists = errors.New("key already exists")

	// ErrClientTaken indicates another live instance already registered the client id.
	ErrClientTaken = errors.New("client id already registered")

	// ErrNotStarted indicates the tracker has not been started yet.
	ErrNotStarted = errors.New("tracker not started")

	// ErrAlreadyStarted indicates the tracker is already running.
	ErrAlreadyStarted = errors.New("tracker already started")

	// ErrClosed indicates the tracker was closed and can no longer be used.
	ErrClosed = errors.New("tracker closed")

	// ErrWatcherClosed indicates the presence watcher was stopped.
	ErrWatcherClosed = errors.New("watcher closed")

	// ErrAgentRunning indicates the agent daemon is already running.
	ErrAgentRunning = errors.New("agent already running")
)
