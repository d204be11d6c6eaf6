// Package probe answers direct liveness probes over NATS request/reply.
//
// A probe is a stronger signal than a presence key: the key proves a client
// heartbeated recently, a probe proves it is answering right now. The
// responder runs on its own connection so probes keep working even when the
// client's primary connection is wedged.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

type Config struct {
	Bucket          string
	ClientID        string
	NATSURLs        []string
	NATSCredentials string
	Logger          *slog.Logger
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("Bucket is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("ClientID is required")
	}
	if len(c.NATSURLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}
	return nil
}

type Response struct {
	ClientID          string         `json:"clientId"`
	Bucket            string         `json:"bucket"`
	UptimeMs          int64          `json:"uptimeMs"`
	LastHeartbeatUnix int64          `json:"lastHeartbeatUnix,omitempty"`
	Timestamp         int64          `json:"timestamp"`
	Custom            map[string]any `json:"custom,omitempty"`
}

type Responder struct {
	cfg       Config
	logger    *slog.Logger
	subject   string
	mu        sync.RWMutex
	lastBeat  time.Time
	custom    map[string]any
	startedAt time.Time
	nc        *nats.Conn
	sub       *nats.Subscription
}

func NewResponder(cfg Config) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		cfg:     cfg,
		logger:  logger.With("component", "probe", "bucket", cfg.Bucket, "client", cfg.ClientID),
		subject: Subject(cfg.Bucket, cfg.ClientID),
		custom:  make(map[string]any),
	}, nil
}

// Subject returns the probe subject for a client in a bucket.
func Subject(bucket, clientID string) string {
	return fmt.Sprintf("presence.%s.probe.%s", bucket, clientID)
}

func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nc != nil {
		return nil
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if r.cfg.NATSCredentials != "" {
		opts = append(opts, nats.UserCredentials(r.cfg.NATSCredentials))
	}

	nc, err := nats.Connect(r.cfg.NATSURLs[0], opts...)
	if err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}

	sub, err := nc.Subscribe(r.subject, r.handleRequest)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe probe subject: %w", err)
	}

	r.nc = nc
	r.sub = sub
	r.startedAt = time.Now()

	r.logger.Info("probe responder started", "subject", r.subject)
	return nil
}

func (r *Responder) Stop() {
	r.mu.Lock()
	sub := r.sub
	nc := r.nc
	r.sub = nil
	r.nc = nil
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if nc != nil {
		nc.Close()
	}
	r.logger.Info("probe responder stopped")
}

// SetLastHeartbeat records the most recent heartbeat time so probe
// responses can report it.
func (r *Responder) SetLastHeartbeat(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastBeat = at
}

func (r *Responder) SetCustom(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[key] = value
}

// Query probes another client and returns its response.
func (r *Responder) Query(ctx context.Context, clientID string, timeout time.Duration) (Response, error) {
	if clientID == "" {
		return Response{}, fmt.Errorf("clientID is required")
	}

	subject := Subject(r.cfg.Bucket, clientID)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.mu.RLock()
	nc := r.nc
	r.mu.RUnlock()

	var msg *nats.Msg
	var err error

	if nc != nil && nc.IsConnected() {
		msg, err = nc.RequestWithContext(reqCtx, subject, nil)
	} else {
		opts := []nats.Option{nats.Timeout(timeout)}
		if r.cfg.NATSCredentials != "" {
			opts = append(opts, nats.UserCredentials(r.cfg.NATSCredentials))
		}
		tmp, errConn := nats.Connect(r.cfg.NATSURLs[0], opts...)
		if errConn != nil {
			return Response{}, fmt.Errorf("connect NATS: %w", errConn)
		}
		defer tmp.Close()
		msg, err = tmp.RequestWithContext(reqCtx, subject, nil)
	}

	if err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Ping probes another client and returns the round-trip latency.
func (r *Responder) Ping(ctx context.Context, clientID string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	if _, err := r.Query(ctx, clientID, timeout); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (r *Responder) handleRequest(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}

	resp := r.buildResponse()
	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("failed to marshal probe response", "error", err)
		return
	}

	if err := msg.Respond(data); err != nil {
		r.logger.Error("failed to respond to probe request", "error", err)
	}
}

func (r *Responder) buildResponse() Response {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var uptimeMs int64
	if !r.startedAt.IsZero() {
		uptimeMs = now.Sub(r.startedAt).Milliseconds()
	}

	var lastBeat int64
	if !r.lastBeat.IsZero() {
		lastBeat = r.lastBeat.Unix()
	}

	custom := make(map[string]any, len(r.custom))
	for k, v := range r.custom {
		custom[k] = v
	}

	return Response{
		ClientID:          r.cfg.ClientID,
		Bucket:            r.cfg.Bucket,
		UptimeMs:          uptimeMs,
		LastHeartbeatUnix: lastBeat,
		Timestamp:         now.UnixMilli(),
		Custom:            custom,
	}
}
