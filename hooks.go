package presence

import "context"

// Hooks defines callbacks for tracker lifecycle events. All methods are
// called synchronously - implementations should spawn goroutines if async
// behavior is needed.
type Hooks interface {
	// OnHeartbeatError is called when a beacon heartbeat fails.
	OnHeartbeatError(ctx context.Context, err error) error

	// OnNATSReconnect is called when the NATS connection is re-established.
	OnNATSReconnect(ctx context.Context) error

	// OnNATSDisconnect is called when the NATS connection is lost.
	OnNATSDisconnect(ctx context.Context, err error) error
}

// NoOpHooks is a default implementation of Hooks that does nothing.
type NoOpHooks struct{}

func (NoOpHooks) OnHeartbeatError(ctx context.Context, _ error) error { return nil }
func (NoOpHooks) OnNATSReconnect(ctx context.Context) error           { return nil }
func (NoOpHooks) OnNATSDisconnect(ctx context.Context, _ error) error { return nil }

var _ Hooks = NoOpHooks{}

// AgentHooks extends Hooks with callbacks for the Agent lifecycle. Consumers
// can implement this interface to receive notifications about daemon
// start/stop events in addition to the tracker events.
type AgentHooks interface {
	Hooks

	// OnAgentStart is called when the agent starts running.
	OnAgentStart(ctx context.Context) error

	// OnAgentStop is called when the agent stops running.
	OnAgentStop(ctx context.Context) error
}

// NoOpAgentHooks is a default implementation of AgentHooks that does nothing.
type NoOpAgentHooks struct {
	NoOpHooks
}

func (NoOpAgentHooks) OnAgentStart(ctx context.Context) error { return nil }
func (NoOpAgentHooks) OnAgentStop(ctx context.Context) error  { return nil }

var _ AgentHooks = NoOpAgentHooks{}
