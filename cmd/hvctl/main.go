package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/daqctl/internal/agent"
	"github.com/danmuck/daqctl/internal/config"
	"github.com/danmuck/daqctl/internal/device"
	"github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

var errNoHVDriver = errors.New("hvctl: no HV board driver is built in, run with --simulate")

func main() {
	fs := pflag.NewFlagSet("hvctl", pflag.ExitOnError)
	flags := config.RegisterAgentFlags(fs)
	_ = fs.Parse(os.Args[1:])

	logging.ConfigureRuntime("hvctl")
	cfg, err := flags.Load(fs, session.IdentityHV)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hvctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("hvctl.run")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AgentConfig) error {
	bus, err := newBus(cfg.Device)
	if err != nil {
		return err
	}
	handler := agent.NewHVHandler(bus, cfg.Device.SerialPort)
	_, err = agent.Serve(ctx, agent.Config{
		Identity: session.IdentityHV,
		Endpoint: cfg.Console,
		Session:  cfg.Session,
	}, handler)
	return err
}

func newBus(cfg config.DeviceConfig) (device.HVBus, error) {
	if !cfg.Simulate {
		return nil, errNoHVDriver
	}
	bus := device.NewSimulatedHV(cfg.SerialPort, cfg.Populated...)
	for _, addr := range cfg.FailWrites {
		bus.FailWrites(addr, true)
	}
	log.Info().Str("port", cfg.SerialPort).Ints("populated", cfg.Populated).Ints("fail_writes", cfg.FailWrites).Msg("hvctl simulated boards")
	return bus, nil
}
