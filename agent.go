package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ozanturksever/go-presence/probe"
)

// Agent runs the full presence stack for one client: a tracker, a beacon
// heartbeating on the configured cadence, the query service, and a probe
// responder. It provides high-level methods that map to CLI commands.
type Agent struct {
	cfg    FileConfig
	hooks  AgentHooks
	logger *slog.Logger

	mu        sync.RWMutex
	tracker   *Tracker
	beacon    *Beacon
	service   *Service
	responder *probe.Responder
	metrics   *Metrics
	running   bool
	startedAt time.Time
	wg        sync.WaitGroup

	// trackerOpts allows injecting a store or connection for testing
	trackerOpts []Option
}

// AgentOption is a functional option for configuring an Agent.
type AgentOption func(*Agent)

// WithTrackerOptions passes options through to the agent's tracker.
func WithTrackerOptions(opts ...Option) AgentOption {
	return func(a *Agent) {
		a.trackerOpts = append(a.trackerOpts, opts...)
	}
}

// WithLogger sets a custom logger for the agent.
func WithLogger(logger *slog.Logger) AgentOption {
	return func(a *Agent) {
		a.logger = logger
	}
}

// NewAgent creates a new presence agent with the given configuration and hooks.
func NewAgent(cfg FileConfig, hooks AgentHooks, opts ...AgentOption) (*Agent, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if hooks == nil {
		hooks = NoOpAgentHooks{}
	}

	a := &Agent{
		cfg:    cfg,
		hooks:  hooks,
		logger: slog.Default().With("component", "agent", "bucket", cfg.Bucket, "client", cfg.ClientID),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Init writes a default configuration file to the specified path.
func (a *Agent) Init(ctx context.Context, outputPath string) error {
	return WriteConfigToFile(&a.cfg, outputPath)
}

// Run runs the presence agent until the context is cancelled. This is the
// main loop that keeps the heartbeat alive and serves queries and probes.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAgentRunning
	}
	a.running = true
	a.startedAt = time.Now()
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.tracker = nil
		a.beacon = nil
		a.service = nil
		a.responder = nil
		a.metrics = nil
		a.mu.Unlock()
	}()

	// Notify agent start
	if err := a.hooks.OnAgentStart(ctx); err != nil {
		a.logger.Error("OnAgentStart hook failed", "error", err)
	}

	defer func() {
		if err := a.hooks.OnAgentStop(ctx); err != nil {
			a.logger.Error("OnAgentStop hook failed", "error", err)
		}
	}()

	// Wrap the user hooks so reconnects re-announce presence immediately
	internalHooks := &agentInternalHooks{
		agent:   a,
		wrapped: a.hooks,
	}

	// Optional metrics endpoint
	var metrics *Metrics
	if a.cfg.Metrics.Addr != "" {
		metrics = NewMetrics(a.cfg.Bucket, a.cfg.ClientID)
		metrics.logger = a.logger.With("component", "metrics")
		if err := metrics.Start(ctx, a.cfg.Metrics.Addr); err != nil {
			a.logger.Warn("failed to start metrics endpoint", "error", err)
		}
		a.mu.Lock()
		a.metrics = metrics
		a.mu.Unlock()
	}

	// Create and start the tracker
	trackerCfg := a.cfg.ToTrackerConfig(a.logger)
	opts := append([]Option{WithHooks(internalHooks)}, a.trackerOpts...)
	if metrics != nil {
		opts = append(opts, WithMetrics(metrics))
	}

	tracker, err := New(trackerCfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create tracker: %w", err)
	}

	a.mu.Lock()
	a.tracker = tracker
	a.mu.Unlock()

	if err := tracker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tracker: %w", err)
	}

	// Claim the client id exclusively when configured; refusing to run two
	// agents under one id beats silently sharing a key.
	if a.cfg.Presence.Exclusive {
		if err := tracker.Register(ctx); err != nil {
			tracker.Close(ctx)
			if errors.Is(err, ErrClientTaken) {
				return err
			}
			return fmt.Errorf("failed to register client id: %w", err)
		}
	}

	// Start the beacon on the configured cadence
	beacon := NewBeacon(tracker, 0)
	if err := beacon.Start(ctx); err != nil {
		tracker.Close(ctx)
		return fmt.Errorf("failed to start beacon: %w", err)
	}

	a.mu.Lock()
	a.beacon = beacon
	a.mu.Unlock()

	// Start the query service unless disabled
	var service *Service
	if !a.cfg.Service.Disabled && tracker.Conn() != nil {
		service, err = NewService(trackerCfg, tracker.Conn(), ServiceCallbacks{
			GetStatus:    func() Status { return *tracker.Status() },
			CheckPresent: tracker.IsPresent,
			ListPresent:  tracker.ListPresent,
		})
		if err != nil {
			a.logger.Warn("failed to create query service", "error", err)
		} else if err := service.Start(); err != nil {
			a.logger.Warn("failed to start query service", "error", err)
			service = nil
		}
	}

	a.mu.Lock()
	a.service = service
	a.mu.Unlock()

	// Start the probe responder on its own connection
	var responder *probe.Responder
	if len(a.cfg.NATS.Servers) > 0 {
		responder, err = probe.NewResponder(probe.Config{
			Bucket:          a.cfg.Bucket,
			ClientID:        a.cfg.ClientID,
			NATSURLs:        a.cfg.NATS.Servers,
			NATSCredentials: a.cfg.NATS.Credentials,
			Logger:          a.logger,
		})
		if err != nil {
			a.logger.Warn("failed to create probe responder", "error", err)
		} else if err := responder.Start(ctx); err != nil {
			a.logger.Warn("failed to start probe responder", "error", err)
			responder = nil
		}
	}

	a.mu.Lock()
	a.responder = responder
	a.mu.Unlock()

	if responder != nil {
		a.wg.Add(1)
		go a.syncProbe(ctx, tracker, responder)
	}

	a.logger.Info("agent started")

	// Run until context is cancelled
	<-ctx.Done()

	a.logger.Info("agent stopping")

	beacon.Stop()

	if service != nil {
		if err := service.Stop(); err != nil {
			a.logger.Warn("failed to stop query service", "error", err)
		}
	}

	if responder != nil {
		responder.Stop()
	}

	a.wg.Wait()

	// Leave cleanly: delete the key so departure is visible before TTL expiry
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tracker.Deregister(stopCtx); err != nil {
		a.logger.Warn("failed to deregister", "error", err)
	}

	if err := tracker.Close(stopCtx); err != nil {
		a.logger.Warn("failed to close tracker", "error", err)
	}

	if metrics != nil {
		metrics.Stop()
	}

	a.logger.Info("agent stopped")
	return nil
}

// syncProbe mirrors tracker state into the probe responder so probes report
// the latest heartbeat.
func (a *Agent) syncProbe(ctx context.Context, tracker *Tracker, responder *probe.Responder) {
	defer a.wg.Done()

	interval := tracker.HeartbeatInterval()
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := tracker.Status()
			if !s.LastHeartbeat.IsZero() {
				responder.SetLastHeartbeat(s.LastHeartbeat)
			}
			responder.SetCustom("heartbeats", s.Heartbeats)
			responder.SetCustom("connected", s.Connected)
		}
	}
}

// Status returns the current presence status of this client. When the agent
// is not running it connects temporarily to consult the bucket.
func (a *Agent) Status(ctx context.Context) (*Status, error) {
	a.mu.RLock()
	running := a.running
	tracker := a.tracker
	startedAt := a.startedAt
	a.mu.RUnlock()

	if running && tracker != nil {
		status := tracker.Status()
		if !startedAt.IsZero() {
			status.Uptime = time.Since(startedAt)
		}
		if present, err := tracker.IsPresent(ctx, a.cfg.ClientID); err == nil {
			status.Present = present
		}
		return status, nil
	}

	status := &Status{
		ClientID: a.cfg.ClientID,
		Bucket:   a.cfg.Bucket,
	}

	// Not running - connect temporarily to consult the bucket
	tmp, err := Connect(ctx, a.cfg.ToTrackerConfig(a.logger), a.trackerOpts...)
	if err != nil {
		return status, nil
	}
	defer tmp.Close(ctx)

	status.TTL = tmp.TTL()
	status.Connected = true
	if present, err := tmp.IsPresent(ctx, a.cfg.ClientID); err == nil {
		status.Present = present
	}
	return status, nil
}

// List returns the ids of all currently present clients in the bucket.
func (a *Agent) List(ctx context.Context) ([]string, error) {
	var clients []string
	err := a.withTracker(ctx, func(t *Tracker) error {
		var err error
		clients, err = t.ListPresent(ctx)
		return err
	})
	return clients, err
}

// Check reports whether the given client is currently present.
func (a *Agent) Check(ctx context.Context, clientID string) (bool, error) {
	var present bool
	err := a.withTracker(ctx, func(t *Tracker) error {
		var err error
		present, err = t.IsPresent(ctx, clientID)
		return err
	})
	return present, err
}

// withTracker runs fn against the running tracker, or against a temporary
// one when the agent is not running.
func (a *Agent) withTracker(ctx context.Context, fn func(*Tracker) error) error {
	a.mu.RLock()
	running := a.running
	tracker := a.tracker
	a.mu.RUnlock()

	if running && tracker != nil {
		return fn(tracker)
	}

	tmp, err := Connect(ctx, a.cfg.ToTrackerConfig(a.logger), a.trackerOpts...)
	if err != nil {
		return err
	}
	defer tmp.Close(ctx)

	return fn(tmp)
}

// Tracker returns the running tracker, or nil when the agent is stopped.
func (a *Agent) Tracker() *Tracker {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tracker
}

// IsRunning returns true if the agent is currently running.
func (a *Agent) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// agentInternalHooks wraps the user's hooks to re-announce presence after
// reconnects.
type agentInternalHooks struct {
	agent   *Agent
	wrapped Hooks
}

func (h *agentInternalHooks) OnHeartbeatError(ctx context.Context, err error) error {
	return h.wrapped.OnHeartbeatError(ctx, err)
}

func (h *agentInternalHooks) OnNATSReconnect(ctx context.Context) error {
	// The key may have expired during the outage; refresh it right away
	// rather than waiting out the beacon interval.
	h.agent.mu.RLock()
	tracker := h.agent.tracker
	h.agent.mu.RUnlock()

	if tracker != nil {
		beatCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := tracker.Heartbeat(beatCtx); err != nil {
			h.agent.logger.Warn("reconnect heartbeat failed", "error", err)
		}
		cancel()
	}

	return h.wrapped.OnNATSReconnect(ctx)
}

func (h *agentInternalHooks) OnNATSDisconnect(ctx context.Context, err error) error {
	return h.wrapped.OnNATSDisconnect(ctx, err)
}
