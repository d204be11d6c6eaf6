package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
)

// serviceRequestTimeout bounds the substrate lookups performed by the
// check and list endpoints.
const serviceRequestTimeout = 5 * time.Second

// PingResponse represents the response from the ping endpoint.
type PingResponse struct {
	OK        bool  `json:"ok"`
	Timestamp int64 `json:"timestamp"`
}

// CheckRequest is the request body for the check endpoint.
type CheckRequest struct {
	ClientID string `json:"clientId"`
}

// CheckResponse represents the response from the check endpoint.
type CheckResponse struct {
	ClientID  string `json:"clientId"`
	Present   bool   `json:"present"`
	Timestamp int64  `json:"timestamp"`
}

// ListResponse represents the response from the list endpoint.
type ListResponse struct {
	Clients   []string `json:"clients"`
	Count     int      `json:"count"`
	Timestamp int64    `json:"timestamp"`
}

// Service wraps a NATS micro service that answers presence queries over
// request/reply, so tooling can ask any live tracker about the bucket
// without opening its own substrate handle.
type Service struct {
	cfg     Config
	logger  *slog.Logger
	nc      *nats.Conn
	service micro.Service

	mu        sync.RWMutex
	startedAt time.Time
	stopped   bool

	// Callbacks for reading tracker state
	getStatus    func() Status
	checkPresent func(context.Context, string) (bool, error)
	listPresent  func(context.Context) ([]string, error)
}

// ServiceCallbacks contains the callback functions for the service to query
// tracker state.
type ServiceCallbacks struct {
	GetStatus    func() Status
	CheckPresent func(context.Context, string) (bool, error)
	ListPresent  func(context.Context) ([]string, error)
}

// NewService creates a new presence query service.
func NewService(cfg Config, nc *nats.Conn, callbacks ServiceCallbacks) (*Service, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		cfg:          cfg,
		logger:       logger.With("component", "service", "bucket", cfg.Bucket, "client", cfg.ClientID),
		nc:           nc,
		getStatus:    callbacks.GetStatus,
		checkPresent: callbacks.CheckPresent,
		listPresent:  callbacks.ListPresent,
	}, nil
}

// Start starts the micro service and registers endpoints.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.service != nil {
		return ErrAlreadyStarted
	}

	// Create the micro service
	serviceName := s.cfg.ServiceName()
	srv, err := micro.AddService(s.nc, micro.Config{
		Name:        serviceName,
		Version:     s.cfg.ServiceVersion,
		Description: fmt.Sprintf("Presence query service for %s", s.cfg.Bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to create micro service: %w", err)
	}

	clientID := s.cfg.ClientID

	// Status endpoint: presence_<bucket>.status.<clientID>
	statusSubject := fmt.Sprintf("%s.status.%s", serviceName, clientID)
	if err := srv.AddEndpoint("status", micro.HandlerFunc(s.handleStatus),
		micro.WithEndpointSubject(statusSubject),
	); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to add status endpoint: %w", err)
	}

	// Ping endpoint: presence_<bucket>.ping.<clientID>
	pingSubject := fmt.Sprintf("%s.ping.%s", serviceName, clientID)
	if err := srv.AddEndpoint("ping", micro.HandlerFunc(s.handlePing),
		micro.WithEndpointSubject(pingSubject),
	); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to add ping endpoint: %w", err)
	}

	// Check endpoint: presence_<bucket>.check — any live tracker in the
	// bucket may answer, so the subject is shared.
	checkSubject := fmt.Sprintf("%s.check", serviceName)
	if err := srv.AddEndpoint("check", micro.HandlerFunc(s.handleCheck),
		micro.WithEndpointSubject(checkSubject),
	); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to add check endpoint: %w", err)
	}

	// List endpoint: presence_<bucket>.list
	listSubject := fmt.Sprintf("%s.list", serviceName)
	if err := srv.AddEndpoint("list", micro.HandlerFunc(s.handleList),
		micro.WithEndpointSubject(listSubject),
	); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to add list endpoint: %w", err)
	}

	s.service = srv
	s.startedAt = time.Now()
	s.stopped = false

	s.logger.Info("micro service started",
		"name", serviceName,
		"version", s.cfg.ServiceVersion,
		"status_subject", statusSubject,
		"ping_subject", pingSubject,
		"check_subject", checkSubject,
		"list_subject", listSubject,
	)

	return nil
}

// Stop stops the micro service.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.service == nil || s.stopped {
		return nil
	}

	if err := s.service.Stop(); err != nil {
		return fmt.Errorf("failed to stop micro service: %w", err)
	}

	s.stopped = true
	s.logger.Info("micro service stopped")

	return nil
}

// Info returns the service info.
func (s *Service) Info() micro.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.service == nil {
		return micro.Info{}
	}

	return s.service.Info()
}

// Stats returns the service stats.
func (s *Service) Stats() micro.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.service == nil {
		return micro.Stats{}
	}

	return s.service.Stats()
}

// handleStatus handles the status endpoint requests.
func (s *Service) handleStatus(req micro.Request) {
	status := s.getStatus()

	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Error("failed to marshal status response", "error", err)
		req.Error("500", "internal error", nil)
		return
	}

	req.Respond(data)
}

// handlePing handles the ping endpoint requests.
func (s *Service) handlePing(req micro.Request) {
	resp := PingResponse{
		OK:        true,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal ping response", "error", err)
		req.Error("500", "internal error", nil)
		return
	}

	req.Respond(data)
}

// handleCheck handles the check endpoint requests.
func (s *Service) handleCheck(req micro.Request) {
	var body CheckRequest
	if err := json.Unmarshal(req.Data(), &body); err != nil {
		req.Error("400", "invalid request body", nil)
		return
	}
	if body.ClientID == "" {
		req.Error("400", "clientId is required", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), serviceRequestTimeout)
	defer cancel()

	present, err := s.checkPresent(ctx, body.ClientID)
	if err != nil {
		s.logger.Error("check request failed", "target", body.ClientID, "error", err)
		req.Error("500", "presence check failed", nil)
		return
	}

	resp := CheckResponse{
		ClientID:  body.ClientID,
		Present:   present,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal check response", "error", err)
		req.Error("500", "internal error", nil)
		return
	}

	req.Respond(data)
}

// handleList handles the list endpoint requests.
func (s *Service) handleList(req micro.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), serviceRequestTimeout)
	defer cancel()

	clients, err := s.listPresent(ctx)
	if err != nil {
		s.logger.Error("list request failed", "error", err)
		req.Error("500", "presence list failed", nil)
		return
	}

	resp := ListResponse{
		Clients:   clients,
		Count:     len(clients),
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal list response", "error", err)
		req.Error("500", "internal error", nil)
		return
	}

	req.Respond(data)
}

// StatusSubject returns the subject for querying a client's status.
func StatusSubject(bucket, clientID string) string {
	return fmt.Sprintf("presence_%s.status.%s", bucket, clientID)
}

// PingSubject returns the subject for pinging a client.
func PingSubject(bucket, clientID string) string {
	return fmt.Sprintf("presence_%s.ping.%s", bucket, clientID)
}

// CheckSubject returns the subject for asking the bucket whether a client
// is present.
func CheckSubject(bucket string) string {
	return fmt.Sprintf("presence_%s.check", bucket)
}

// ListSubject returns the subject for enumerating present clients.
func ListSubject(bucket string) string {
	return fmt.Sprintf("presence_%s.list", bucket)
}
