package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/daqctl/internal/device"
	"github.com/danmuck/daqctl/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("config: invalid")

// ConsoleConfig is the resolved console runtime configuration.
type ConsoleConfig struct {
	Host  string
	Ports map[session.Identity]int
	// PingTimeouts is each class's agent ping timeout, the age past which a
	// queued Ping no longer has an agent waiting on it.
	PingTimeouts map[session.Identity]time.Duration
	HVPort       string
	Session      session.Config
}

// DeviceConfig selects and shapes the device behind an agent.
type DeviceConfig struct {
	Simulate   bool
	SerialPort string
	Populated  []int
	FailWrites []int
	UIOPath    string
}

// AgentConfig is the resolved agent runtime configuration.
type AgentConfig struct {
	Class   session.Identity
	Console session.Endpoint
	Session session.Config
	Device  DeviceConfig
}

const DefaultUIOPath = "/dev/uio0"

func DefaultConsoleConfig() ConsoleConfig {
	return ConsoleConfig{
		Host: "*",
		Ports: map[session.Identity]int{
			session.IdentityHV: session.DefaultHVPort,
			session.IdentityRC: session.DefaultRCPort,
		},
		PingTimeouts: map[session.Identity]time.Duration{
			session.IdentityHV: session.ClassConfig(session.IdentityHV).PingTimeout,
			session.IdentityRC: session.ClassConfig(session.IdentityRC).PingTimeout,
		},
		HVPort:  device.DefaultHVPort,
		Session: session.DefaultConfig(),
	}
}

func DefaultAgentConfig(class session.Identity) (AgentConfig, error) {
	port, err := session.DefaultPort(class)
	if err != nil {
		return AgentConfig{}, err
	}
	return AgentConfig{
		Class:   class,
		Console: session.Endpoint{Host: session.DefaultConsoleHost, Port: port},
		Session: session.ClassConfig(class),
		Device: DeviceConfig{
			SerialPort: device.DefaultHVPort,
			Populated:  device.HVAllChannels(),
			FailWrites: []int{},
			UIOPath:    DefaultUIOPath,
		},
	}, nil
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type securityFile struct {
	Mode string  `toml:"mode"`
	TLS  tlsFile `toml:"tls"`
}

type classFile struct {
	Port        int    `toml:"port"`
	PingTimeout string `toml:"ping_timeout"`
}

// consolectl config.toml key mapping.
type consoleFile struct {
	Host           string               `toml:"host"`
	DefaultPort    string               `toml:"default_port"`
	AttachTimeout  string               `toml:"attach_timeout"`
	CommandTimeout string               `toml:"command_timeout"`
	QueueLength    int                  `toml:"queue_length"`
	Classes        map[string]classFile `toml:"classes"`
	Security       securityFile         `toml:"security"`
}

type deviceFile struct {
	Simulate   bool   `toml:"simulate"`
	Port       string `toml:"port"`
	Populated  []int  `toml:"populated"`
	FailWrites []int  `toml:"fail_writes"`
	UIOPath    string `toml:"uio_path"`
}

// hvctl/rcctl config.toml key mapping.
type agentFile struct {
	Class              string       `toml:"class"`
	ConsoleAddress     string       `toml:"console_address"`
	PingInterval       string       `toml:"ping_interval"`
	PingTimeout        string       `toml:"ping_timeout"`
	CommandIdleTimeout string       `toml:"command_idle_timeout"`
	QueueLength        int          `toml:"queue_length"`
	Device             deviceFile   `toml:"device"`
	Security           securityFile `toml:"security"`
}

// LoadConsoleConfig overlays the keys defined in path on DefaultConsoleConfig.
func LoadConsoleConfig(path string) (ConsoleConfig, error) {
	cfg := DefaultConsoleConfig()

	var raw consoleFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ConsoleConfig{}, fmt.Errorf("load console config: %w", err)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("default_port") {
		cfg.HVPort = strings.TrimSpace(raw.DefaultPort)
	}
	if meta.IsDefined("attach_timeout") {
		if cfg.Session.AttachTimeout, err = parseDuration("attach_timeout", raw.AttachTimeout); err != nil {
			return ConsoleConfig{}, err
		}
	}
	if meta.IsDefined("command_timeout") {
		if cfg.Session.CommandTimeout, err = parseDuration("command_timeout", raw.CommandTimeout); err != nil {
			return ConsoleConfig{}, err
		}
	}
	if meta.IsDefined("queue_length") {
		cfg.Session.QueueLength = raw.QueueLength
	}
	for name, class := range raw.Classes {
		id, err := session.ParseIdentity(name)
		if err != nil {
			return ConsoleConfig{}, fmt.Errorf("load console config: classes.%s: %w", name, err)
		}
		if meta.IsDefined("classes", name, "port") {
			cfg.Ports[id] = class.Port
		}
		if meta.IsDefined("classes", name, "ping_timeout") {
			key := "classes." + name + ".ping_timeout"
			if cfg.PingTimeouts[id], err = parseDuration(key, class.PingTimeout); err != nil {
				return ConsoleConfig{}, err
			}
		}
	}
	applySecurity(meta, raw.Security, &cfg.Session)

	if err := ValidateConsoleConfig(cfg); err != nil {
		return ConsoleConfig{}, err
	}
	return cfg, nil
}

// LoadAgentConfig overlays the keys defined in path on DefaultAgentConfig(class).
// A class key in the file must name class.
func LoadAgentConfig(path string, class session.Identity) (AgentConfig, error) {
	cfg, err := DefaultAgentConfig(class)
	if err != nil {
		return AgentConfig{}, err
	}

	var raw agentFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("load agent config: %w", err)
	}

	if meta.IsDefined("class") {
		id, err := session.ParseIdentity(raw.Class)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("load agent config: %w", err)
		}
		if id != class {
			return AgentConfig{}, fmt.Errorf("%w: class %s in a %s agent config", ErrInvalidConfig, id, class)
		}
	}
	if meta.IsDefined("console_address") {
		ep, err := session.ParseEndpoint(raw.ConsoleAddress)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("load agent config: console_address: %w", err)
		}
		cfg.Console = ep
	}
	if meta.IsDefined("ping_interval") {
		if cfg.Session.PingInterval, err = parseDuration("ping_interval", raw.PingInterval); err != nil {
			return AgentConfig{}, err
		}
	}
	if meta.IsDefined("ping_timeout") {
		if cfg.Session.PingTimeout, err = parseDuration("ping_timeout", raw.PingTimeout); err != nil {
			return AgentConfig{}, err
		}
	}
	if meta.IsDefined("command_idle_timeout") {
		if cfg.Session.CommandIdleTimeout, err = parseDuration("command_idle_timeout", raw.CommandIdleTimeout); err != nil {
			return AgentConfig{}, err
		}
	}
	if meta.IsDefined("queue_length") {
		cfg.Session.QueueLength = raw.QueueLength
	}

	if meta.IsDefined("device", "simulate") {
		cfg.Device.Simulate = raw.Device.Simulate
	}
	if meta.IsDefined("device", "port") {
		cfg.Device.SerialPort = strings.TrimSpace(raw.Device.Port)
	}
	if meta.IsDefined("device", "populated") {
		cfg.Device.Populated = append([]int(nil), raw.Device.Populated...)
	}
	if meta.IsDefined("device", "fail_writes") {
		cfg.Device.FailWrites = append([]int(nil), raw.Device.FailWrites...)
	}
	if meta.IsDefined("device", "uio_path") {
		cfg.Device.UIOPath = strings.TrimSpace(raw.Device.UIOPath)
	}
	applySecurity(meta, raw.Security, &cfg.Session)

	if err := ValidateAgentConfig(cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func applySecurity(meta toml.MetaData, raw securityFile, cfg *session.Config) {
	if meta.IsDefined("security", "mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.Mode))
	}
	if meta.IsDefined("security", "tls", "enabled") {
		cfg.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("security", "tls", "mutual") {
		cfg.TLS.Mutual = raw.TLS.Mutual
	}
	if meta.IsDefined("security", "tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("security", "tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("security", "tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("security", "tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("security", "tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}
}

func parseDuration(key string, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func ValidateConsoleConfig(cfg ConsoleConfig) error {
	if strings.TrimSpace(cfg.Host) == "" {
		return fmt.Errorf("%w: console host is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.HVPort) == "" {
		return fmt.Errorf("%w: default_port is required", ErrInvalidConfig)
	}
	seen := make(map[int]session.Identity, len(cfg.Ports))
	for _, id := range session.KnownIdentities() {
		port, ok := cfg.Ports[id]
		if !ok {
			return fmt.Errorf("%w: no port for class %s", ErrInvalidConfig, id)
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: class %s port %d", ErrInvalidConfig, id, port)
		}
		if other, dup := seen[port]; dup {
			return fmt.Errorf("%w: classes %s and %s share port %d", ErrInvalidConfig, other, id, port)
		}
		seen[port] = id
		if cfg.PingTimeouts[id] <= 0 {
			return fmt.Errorf("%w: class %s ping_timeout %s", ErrInvalidConfig, id, cfg.PingTimeouts[id])
		}
	}
	if err := cfg.Session.ValidateConsole(); err != nil {
		return err
	}
	return cfg.Session.ValidateRouterTransport()
}

func ValidateAgentConfig(cfg AgentConfig) error {
	if strings.TrimSpace(cfg.Console.Host) == "" || cfg.Console.Port < 1 || cfg.Console.Port > 65535 {
		return fmt.Errorf("%w: console address %s", ErrInvalidConfig, cfg.Console)
	}
	if err := cfg.Session.ValidateHeartbeat(); err != nil {
		return err
	}
	if cfg.Session.QueueLength <= 0 {
		return fmt.Errorf("%w: %d", session.ErrInvalidQueueLength, cfg.Session.QueueLength)
	}
	if cfg.Class == session.IdentityHV {
		if strings.TrimSpace(cfg.Device.SerialPort) == "" {
			return fmt.Errorf("%w: device.port is required", ErrInvalidConfig)
		}
		for _, ch := range cfg.Device.Populated {
			if !device.HVInRange(ch) {
				return fmt.Errorf("%w: device.populated channel %d outside %d..%d", ErrInvalidConfig, ch, device.HVMinAddress, device.HVMaxAddress)
			}
		}
	}
	if cfg.Class == session.IdentityRC && !cfg.Device.Simulate && strings.TrimSpace(cfg.Device.UIOPath) == "" {
		return fmt.Errorf("%w: device.uio_path is required without simulate", ErrInvalidConfig)
	}
	return cfg.Session.ValidateDealerTransport()
}
