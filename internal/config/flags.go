package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/spf13/pflag"
)

// AgentFlags are the hvctl/rcctl command-line overrides.
type AgentFlags struct {
	Config   string
	IP       string
	Port     int
	Simulate bool
}

func RegisterAgentFlags(fs *pflag.FlagSet) *AgentFlags {
	f := &AgentFlags{}
	fs.StringVarP(&f.Config, "config", "c", "", "path to config.toml (defaults apply when empty)")
	fs.StringVar(&f.IP, "ip", "", "console host to connect to")
	fs.IntVar(&f.Port, "port", 0, "console port to connect to")
	fs.BoolVar(&f.Simulate, "simulate", false, "drive a simulated device")
	return f
}

// Load resolves the agent config: defaults, then the file, then flags that were set.
func (f *AgentFlags) Load(fs *pflag.FlagSet, class session.Identity) (AgentConfig, error) {
	var (
		cfg AgentConfig
		err error
	)
	if strings.TrimSpace(f.Config) != "" {
		cfg, err = LoadAgentConfig(f.Config, class)
	} else {
		cfg, err = DefaultAgentConfig(class)
	}
	if err != nil {
		return AgentConfig{}, err
	}
	if fs.Changed("ip") {
		cfg.Console.Host = strings.TrimSpace(f.IP)
	}
	if fs.Changed("port") {
		cfg.Console.Port = f.Port
	}
	if fs.Changed("simulate") {
		cfg.Device.Simulate = f.Simulate
	}
	if err := ValidateAgentConfig(cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("agent flags: %w", err)
	}
	return cfg, nil
}

// ConsoleFlags are the consolectl command-line overrides.
type ConsoleFlags struct {
	Config  string
	IP      string
	HVPort  int
	RCPort  int
	NoColor bool
}

func RegisterConsoleFlags(fs *pflag.FlagSet) *ConsoleFlags {
	f := &ConsoleFlags{}
	fs.StringVarP(&f.Config, "config", "c", "", "path to config.toml (defaults apply when empty)")
	fs.StringVar(&f.IP, "ip", "", "host to bind the class endpoints on")
	fs.IntVar(&f.HVPort, "hv-port", 0, "HV class port")
	fs.IntVar(&f.RCPort, "rc-port", 0, "RC class port")
	fs.BoolVar(&f.NoColor, "no-color", false, "disable colored output")
	return f
}

func (f *ConsoleFlags) Load(fs *pflag.FlagSet) (ConsoleConfig, error) {
	cfg := DefaultConsoleConfig()
	if strings.TrimSpace(f.Config) != "" {
		loaded, err := LoadConsoleConfig(f.Config)
		if err != nil {
			return ConsoleConfig{}, err
		}
		cfg = loaded
	}
	if fs.Changed("ip") {
		cfg.Host = strings.TrimSpace(f.IP)
	}
	if fs.Changed("hv-port") {
		cfg.Ports[session.IdentityHV] = f.HVPort
	}
	if fs.Changed("rc-port") {
		cfg.Ports[session.IdentityRC] = f.RCPort
	}
	if err := ValidateConsoleConfig(cfg); err != nil {
		return ConsoleConfig{}, fmt.Errorf("console flags: %w", err)
	}
	return cfg, nil
}
