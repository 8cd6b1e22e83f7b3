package main

import (
	"context"
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

func main() {
	fs := pflag.NewFlagSet("rcctl", pflag.ExitOnError)
	flags := config.RegisterAgentFlags(fs)
	_ = fs.Parse(os.Args[1:])

	logging.ConfigureRuntime("rcctl")
	cfg, err := flags.Load(fs, session.IdentityRC)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rcctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("rcctl.run")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AgentConfig) error {
	regs, closeRegs, err := openRegisters(cfg.Device)
	if err != nil {
		return err
	}
	defer closeRegs()
	_, err = agent.Serve(ctx, agent.Config{
		Identity: session.IdentityRC,
		Endpoint: cfg.Console,
		Session:  cfg.Session,
	}, agent.NewRCHandler(regs))
	return err
}

func openRegisters(cfg config.DeviceConfig) (device.RegisterFile, func(), error) {
	if cfg.Simulate {
		regs := device.NewMemoryRegisters()
		for _, addr := range cfg.FailWrites {
			regs.FailWrites(addr, true)
		}
		log.Info().Ints("fail_writes", cfg.FailWrites).Msg("rcctl simulated registers")
		return regs, func() {}, nil
	}
	uio, err := device.OpenUIO(cfg.UIOPath)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("path", cfg.UIOPath).Msg("rcctl mapped registers")
	return uio, func() {
		if err := uio.Close(); err != nil {
			log.Warn().Err(err).Msg("rcctl close registers")
		}
	}, nil
}
