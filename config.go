package presence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const (
	DefaultTTL            = 30 * time.Second
	DefaultReconnectWait  = 2 * time.Second
	DefaultMaxReconnects  = -1 // Unlimited
	DefaultServiceVersion = "1.0.0"

	// MaxValueSize caps the size of values written to the presence bucket.
	// Heartbeat values are short decimal timestamps; the cap keeps the
	// bucket from being abused as a general-purpose store.
	MaxValueSize = 256

	// MinHeartbeatInterval is the floor for computed heartbeat intervals.
	MinHeartbeatInterval = 200 * time.Millisecond
)

var (
	bucketNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	clientIDRe   = regexp.MustCompile(`^[-_=a-zA-Z0-9.]+$`)
)

// Config configures a presence tracker.
type Config struct {
	Bucket          string
	ClientID        string
	NATSURLs        []string
	NATSCredentials string

	// TTL is the bucket-wide key time-to-live. A client is present for
	// TTL after its last heartbeat. Zero selects DefaultTTL.
	TTL time.Duration

	// HeartbeatInterval is the cadence used by Beacon. It must be shorter
	// than TTL. Zero selects TTL/3.
	HeartbeatInterval time.Duration

	// Service configuration
	ServiceVersion string

	// Connection resilience configuration
	ReconnectWait time.Duration
	MaxReconnects int

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("%w: Bucket is required", ErrInvalidConfig)
	}
	if !bucketNameRe.MatchString(c.Bucket) {
		return fmt.Errorf("%w: Bucket may only contain letters, digits, '-' and '_'", ErrInvalidConfig)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%w: ClientID is required", ErrInvalidConfig)
	}
	if !clientIDRe.MatchString(c.ClientID) {
		return fmt.Errorf("%w: ClientID contains characters not allowed in bucket keys", ErrInvalidConfig)
	}
	if len(c.NATSURLs) == 0 {
		return fmt.Errorf("%w: at least one NATS URL is required", ErrInvalidConfig)
	}
	if c.TTL != 0 && c.TTL < time.Second {
		return fmt.Errorf("%w: TTL must be at least 1s", ErrInvalidConfig)
	}
	if c.HeartbeatInterval != 0 {
		ttl := c.TTL
		if ttl == 0 {
			ttl = DefaultTTL
		}
		if c.HeartbeatInterval >= ttl {
			return fmt.Errorf("%w: HeartbeatInterval must be shorter than TTL", ErrInvalidConfig)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.TTL / 3
		if c.HeartbeatInterval < MinHeartbeatInterval {
			c.HeartbeatInterval = MinHeartbeatInterval
		}
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = DefaultServiceVersion
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = DefaultReconnectWait
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ServiceName returns the micro service name for this bucket.
// Uses underscores since NATS micro service names must be alphanumeric with dashes/underscores.
func (c *Config) ServiceName() string {
	return fmt.Sprintf("presence_%s", c.Bucket)
}

// FileConfig represents the tracker configuration loaded from a JSON file.
// This is the user-facing configuration format that gets converted to the internal Config.
type FileConfig struct {
	Bucket   string             `json:"bucket"`
	ClientID string             `json:"clientId"`
	NATS     NATSFileConfig     `json:"nats"`
	Presence PresenceFileConfig `json:"presence,omitempty"`
	Service  ServiceFileConfig  `json:"service,omitempty"`
	Metrics  MetricsFileConfig  `json:"metrics,omitempty"`
}

// NATSFileConfig contains NATS connection settings.
type NATSFileConfig struct {
	Servers       []string `json:"servers"`
	Credentials   string   `json:"credentials,omitempty"`
	ReconnectWait int64    `json:"reconnectWaitMs,omitempty"`
	MaxReconnects int      `json:"maxReconnects,omitempty"`
}

// PresenceFileConfig contains heartbeat and TTL settings.
type PresenceFileConfig struct {
	TTLSeconds          int64 `json:"ttlSeconds,omitempty"`
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs,omitempty"`

	// Exclusive registers the client id atomically on agent start and
	// refuses to run when another live instance holds it.
	Exclusive bool `json:"exclusive,omitempty"`
}

// ServiceFileConfig contains micro service settings.
type ServiceFileConfig struct {
	Version string `json:"version,omitempty"`

	// Disabled turns off the query micro service in the agent.
	Disabled bool `json:"disabled,omitempty"`
}

// MetricsFileConfig contains Prometheus listener settings for the agent.
type MetricsFileConfig struct {
	Addr string `json:"addr,omitempty"`
}

// rawFileConfig is used for JSON unmarshaling.
type rawFileConfig struct {
	Bucket   string `json:"bucket"`
	ClientID string `json:"clientId"`
	NATS     struct {
		Servers       []string `json:"servers"`
		Credentials   string   `json:"credentials,omitempty"`
		ReconnectWait int64    `json:"reconnectWaitMs,omitempty"`
		MaxReconnects int      `json:"maxReconnects,omitempty"`
	} `json:"nats"`
	Presence struct {
		TTLSeconds          int64 `json:"ttlSeconds,omitempty"`
		HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs,omitempty"`
		Exclusive           bool  `json:"exclusive,omitempty"`
	} `json:"presence,omitempty"`
	Service struct {
		Version  string `json:"version,omitempty"`
		Disabled bool   `json:"disabled,omitempty"`
	} `json:"service,omitempty"`
	Metrics struct {
		Addr string `json:"addr,omitempty"`
	} `json:"metrics,omitempty"`
}

// LoadConfigFromFile loads configuration from a JSON file.
func LoadConfigFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw rawFileConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := &FileConfig{
		Bucket:   raw.Bucket,
		ClientID: raw.ClientID,
		NATS: NATSFileConfig{
			Servers:       raw.NATS.Servers,
			Credentials:   raw.NATS.Credentials,
			ReconnectWait: raw.NATS.ReconnectWait,
			MaxReconnects: raw.NATS.MaxReconnects,
		},
		Presence: PresenceFileConfig{
			TTLSeconds:          raw.Presence.TTLSeconds,
			HeartbeatIntervalMs: raw.Presence.HeartbeatIntervalMs,
			Exclusive:           raw.Presence.Exclusive,
		},
		Service: ServiceFileConfig{
			Version:  raw.Service.Version,
			Disabled: raw.Service.Disabled,
		},
		Metrics: MetricsFileConfig{
			Addr: raw.Metrics.Addr,
		},
	}

	return cfg, nil
}

// WriteConfigToFile writes the configuration to a JSON file.
func WriteConfigToFile(cfg *FileConfig, path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *FileConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if len(c.NATS.Servers) == 0 {
		return fmt.Errorf("nats.servers is required")
	}
	if c.Presence.TTLSeconds < 0 {
		return fmt.Errorf("presence.ttlSeconds must be non-negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *FileConfig) ApplyDefaults() {
	if c.Presence.TTLSeconds == 0 {
		c.Presence.TTLSeconds = int64(DefaultTTL / time.Second)
	}
	if c.Presence.HeartbeatIntervalMs == 0 {
		ttl := time.Duration(c.Presence.TTLSeconds) * time.Second
		c.Presence.HeartbeatIntervalMs = int64(ttl / 3 / time.Millisecond)
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = int64(DefaultReconnectWait / time.Millisecond)
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = DefaultMaxReconnects
	}
	if c.Service.Version == "" {
		c.Service.Version = DefaultServiceVersion
	}
}

// ToTrackerConfig converts FileConfig to the internal Config used by Tracker.
func (c *FileConfig) ToTrackerConfig(logger *slog.Logger) Config {
	return Config{
		Bucket:            c.Bucket,
		ClientID:          c.ClientID,
		NATSURLs:          c.NATS.Servers,
		NATSCredentials:   c.NATS.Credentials,
		TTL:               time.Duration(c.Presence.TTLSeconds) * time.Second,
		HeartbeatInterval: time.Duration(c.Presence.HeartbeatIntervalMs) * time.Millisecond,
		ServiceVersion:    c.Service.Version,
		ReconnectWait:     time.Duration(c.NATS.ReconnectWait) * time.Millisecond,
		MaxReconnects:     c.NATS.MaxReconnects,
		Logger:            logger,
	}
}

// NewDefaultFileConfig creates a new FileConfig with the given required fields and default values.
func NewDefaultFileConfig(bucket, clientID string, natsServers []string) *FileConfig {
	cfg := &FileConfig{
		Bucket:   bucket,
		ClientID: clientID,
		NATS: NATSFileConfig{
			Servers: natsServers,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}
