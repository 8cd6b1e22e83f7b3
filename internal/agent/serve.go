package agent

import (
	"context"

	"github.com/danmuck/daqctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// Serve runs an agent for cfg over a dealer transport until ctx is cancelled.
func Serve(ctx context.Context, cfg Config, handler Handler) (Stats, error) {
	if err := cfg.Session.ValidateDealerTransport(); err != nil {
		return Stats{}, err
	}
	dealer := transport.NewDealer(cfg.Identity, cfg.Session.WithDefaults())
	defer func() {
		if err := dealer.Close(); err != nil {
			log.Debug().Err(err).Msg("agent.Serve close dealer")
		}
	}()
	a, err := New(cfg, dealer, handler)
	if err != nil {
		return Stats{}, err
	}
	err = a.Run(ctx)
	stats := a.Stats()
	log.Info().
		Str("identity", cfg.Identity.String()).
		Uint64("pings", stats.PingsSent).
		Uint64("reconnects", stats.Reconnects).
		Uint64("sessions", stats.Sessions).
		Uint64("commands", stats.Commands).
		Uint64("decode_failures", stats.DecodeFailures).
		Uint64("link_losses", stats.LinkLosses).
		Msg("agent.Serve stopped")
	return stats, err
}
