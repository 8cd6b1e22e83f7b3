package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPingTiming  = errors.New("session: ping timeout must exceed ping interval")
	ErrInvalidTimeout     = errors.New("session: timeout must be positive")
	ErrInvalidQueueLength = errors.New("session: queue length must be positive")
)

// BackoffConfig defines redial backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig carries certificate material for the console/agent link.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config holds the per-process timing and transport settings of a session.
type Config struct {
	// Agent heartbeat cadence. PingTimeout must exceed PingInterval.
	PingInterval time.Duration
	PingTimeout  time.Duration
	// CommandIdleTimeout bounds the agent's wait for the next command; zero waits forever.
	CommandIdleTimeout time.Duration

	AttachTimeout  time.Duration
	CommandTimeout time.Duration

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	QueueLength      int
	Backoff          BackoffConfig

	SecurityMode SecurityMode
	TLS          TLSConfig
}

// DefaultConfig returns the HV agent cadence and console timeouts of the deployment.
func DefaultConfig() Config {
	return Config{
		PingInterval:     2 * time.Second,
		PingTimeout:      5 * time.Second,
		AttachTimeout:    10 * time.Second,
		CommandTimeout:   30 * time.Second,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		QueueLength:      64,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// ClassConfig returns DefaultConfig with the heartbeat cadence of one agent class.
func ClassConfig(id Identity) Config {
	cfg := DefaultConfig()
	if id == IdentityRC {
		cfg.PingInterval = 6 * time.Second
		cfg.PingTimeout = 10 * time.Second
	}
	return cfg
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = def.AttachTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.QueueLength <= 0 {
		c.QueueLength = def.QueueLength
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}

// ValidateHeartbeat checks the agent cadence invariant.
func (c Config) ValidateHeartbeat() error {
	if c.PingInterval <= 0 || c.PingTimeout <= 0 {
		return fmt.Errorf("%w: ping_interval=%s ping_timeout=%s", ErrInvalidTimeout, c.PingInterval, c.PingTimeout)
	}
	if c.PingTimeout <= c.PingInterval {
		return fmt.Errorf("%w: ping_interval=%s ping_timeout=%s", ErrInvalidPingTiming, c.PingInterval, c.PingTimeout)
	}
	if c.CommandIdleTimeout < 0 {
		return fmt.Errorf("%w: command_idle_timeout=%s", ErrInvalidTimeout, c.CommandIdleTimeout)
	}
	return nil
}

// ValidateConsole checks the console wait budgets.
func (c Config) ValidateConsole() error {
	if c.AttachTimeout <= 0 {
		return fmt.Errorf("%w: attach_timeout=%s", ErrInvalidTimeout, c.AttachTimeout)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("%w: command_timeout=%s", ErrInvalidTimeout, c.CommandTimeout)
	}
	if c.QueueLength <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueLength, c.QueueLength)
	}
	return nil
}
