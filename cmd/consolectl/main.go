package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/daqctl/internal/config"
	"github.com/danmuck/daqctl/internal/console"
	"github.com/danmuck/daqctl/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("consolectl", pflag.ExitOnError)
	flags := config.RegisterConsoleFlags(fs)
	_ = fs.Parse(os.Args[1:])

	logging.ConfigureRuntime("consolectl")
	cfg, err := flags.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "consolectl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, flags.NoColor); err != nil {
		log.Error().Err(err).Msg("consolectl.run")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ConsoleConfig, noColor bool) error {
	mgr, err := console.NewManager(console.Config{
		Host:         cfg.Host,
		Ports:        cfg.Ports,
		PingTimeouts: cfg.PingTimeouts,
		Session:      cfg.Session,
		HVPort:       cfg.HVPort,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn().Err(err).Msg("consolectl close")
		}
	}()

	interactive := console.Interactive(os.Stdin)
	render := console.NewRenderer(os.Stdout, noColor || !console.Interactive(os.Stdout))
	shell := console.NewShell(mgr, os.Stdout, render, interactive)
	return shell.Run(ctx, os.Stdin)
}
