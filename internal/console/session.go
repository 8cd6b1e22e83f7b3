package console

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/daqctl/internal/protocol/envelope"
	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Session is one attached console session. Commands are strictly sequential.
type Session struct {
	ID       string
	Identity session.Identity

	mgr     *Manager
	binding Binding
}

// Do sends cmd and waits for the response carrying cmd's tag. Back is sent
// without waiting and releases the session.
func (s *Session) Do(ctx context.Context, cmd envelope.Command) (envelope.ResponseEnvelope, error) {
	if _, ok := cmd.(envelope.Back); ok {
		return envelope.ResponseEnvelope{}, s.Back()
	}
	if s.mgr.Active() != s {
		return envelope.ResponseEnvelope{}, ErrNotAttached
	}
	payload, err := envelope.EncodeCommand(cmd.Envelope())
	if err != nil {
		return envelope.ResponseEnvelope{}, err
	}
	if err := s.binding.SendTo(s.Identity, payload); err != nil {
		return envelope.ResponseEnvelope{}, fmt.Errorf("console: send %s: %w", cmd.Envelope().Command, err)
	}

	want := cmd.ResponseTag()
	deadline := time.Now().Add(s.mgr.cfg.Session.CommandTimeout)
	for {
		raw, err := waitFrom(ctx, s.binding, s.Identity, deadline, func(p []byte) bool {
			return !envelope.IsLivenessToken(p)
		})
		if err != nil {
			if ctx.Err() != nil {
				return envelope.ResponseEnvelope{}, err
			}
			return envelope.ResponseEnvelope{}, fmt.Errorf("%w: %s after %s", ErrCommandTimeout, want, s.mgr.cfg.Session.CommandTimeout)
		}
		resp, err := envelope.DecodeResponse(raw)
		if err != nil {
			return envelope.ResponseEnvelope{}, fmt.Errorf("%w: %w", ErrDecodeResponse, err)
		}
		if resp.Response != want {
			log.Warn().Str("session", s.ID).Str("want", want).Str("got", resp.Response).Msg("console.Session.Do stale response")
			continue
		}
		log.Debug().Str("session", s.ID).Str("response", resp.Response).Msg("console.Session.Do")
		return resp, nil
	}
}

// Back tells the agent to leave its command loop and releases the session.
// Delivery is best effort.
func (s *Session) Back() error {
	defer s.mgr.release(s)
	payload, err := envelope.EncodeCommand(envelope.Back{}.Envelope())
	if err != nil {
		return err
	}
	if err := s.binding.SendTo(s.Identity, payload); err != nil {
		return fmt.Errorf("console: send back: %w", err)
	}
	log.Info().Str("identity", s.Identity.String()).Str("session", s.ID).Msg("console.Session.Back detached")
	return nil
}
