package presence

import (
	"context"
	"errors"
	"testing"
)

// funcHooks adapts bare functions to the Hooks interface for tests.
type funcHooks struct {
	onHeartbeatError func(ctx context.Context, err error) error
	onReconnect      func(ctx context.Context) error
	onDisconnect     func(ctx context.Context, err error) error
}

func (h *funcHooks) OnHeartbeatError(ctx context.Context, err error) error {
	if h.onHeartbeatError != nil {
		return h.onHeartbeatError(ctx, err)
	}
	return nil
}

func (h *funcHooks) OnNATSReconnect(ctx context.Context) error {
	if h.onReconnect != nil {
		return h.onReconnect(ctx)
	}
	return nil
}

func (h *funcHooks) OnNATSDisconnect(ctx context.Context, err error) error {
	if h.onDisconnect != nil {
		return h.onDisconnect(ctx, err)
	}
	return nil
}

func TestNoOpHooks(t *testing.T) {
	hooks := NoOpHooks{}
	ctx := context.Background()

	// All methods should return nil
	if err := hooks.OnHeartbeatError(ctx, errors.New("test error")); err != nil {
		t.Errorf("OnHeartbeatError() error = %v", err)
	}
	if err := hooks.OnNATSReconnect(ctx); err != nil {
		t.Errorf("OnNATSReconnect() error = %v", err)
	}
	if err := hooks.OnNATSDisconnect(ctx, errors.New("test error")); err != nil {
		t.Errorf("OnNATSDisconnect() error = %v", err)
	}
}

func TestNoOpAgentHooks(t *testing.T) {
	hooks := NoOpAgentHooks{}
	ctx := context.Background()

	if err := hooks.OnHeartbeatError(ctx, errors.New("test error")); err != nil {
		t.Errorf("OnHeartbeatError() error = %v", err)
	}
	if err := hooks.OnAgentStart(ctx); err != nil {
		t.Errorf("OnAgentStart() error = %v", err)
	}
	if err := hooks.OnAgentStop(ctx); err != nil {
		t.Errorf("OnAgentStop() error = %v", err)
	}
}

func TestAgentHooksEmbedsHooks(t *testing.T) {
	var ah AgentHooks = NoOpAgentHooks{}
	var h Hooks = ah
	_ = h
}
