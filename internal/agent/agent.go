// Package agent runs the agent side of a console session: the heartbeat and
// handshake cycle, then a strictly synchronous command loop that hands decoded
// commands to a device Handler and sends exactly one reply per command.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/daqctl/internal/clock"
	"github.com/danmuck/daqctl/internal/protocol/envelope"
	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/danmuck/daqctl/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnsupportedCommand = errors.New("agent: command not served by this agent")
	ErrInvalidConfig      = errors.New("agent: invalid config")
)

// Link is the dealer side of the transport the agent drives.
type Link interface {
	Connect(ep session.Endpoint) error
	Disconnect(ep session.Endpoint) error
	Send(payload []byte) error
	PollReceive(ctx context.Context, timeout time.Duration) (transport.Message, bool, error)
}

// Handler serves the commands of one agent class.
type Handler interface {
	// Handle returns the reply for cmd, or ErrUnsupportedCommand.
	Handle(cmd envelope.Command) (envelope.ResponseEnvelope, error)
}

type Config struct {
	Identity session.Identity
	Endpoint session.Endpoint
	Session  session.Config
	Clock    clock.Clock
}

// Stats counts agent activity since start.
type Stats struct {
	PingsSent      uint64
	Reconnects     uint64
	Sessions       uint64
	Commands       uint64
	DecodeFailures uint64
	SendFailures   uint64
	LinkLosses     uint64
}

type Agent struct {
	cfg     Config
	link    Link
	handler Handler
	clock   clock.Clock

	mu         sync.Mutex
	state      session.State
	lastPingAt time.Time
	pinged     bool
	stats      Stats
}

func New(cfg Config, link Link, handler Handler) (*Agent, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("%w: identity required", ErrInvalidConfig)
	}
	if link == nil || handler == nil {
		return nil, fmt.Errorf("%w: link and handler required", ErrInvalidConfig)
	}
	if err := cfg.Session.ValidateHeartbeat(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Agent{
		cfg:     cfg,
		link:    link,
		handler: handler,
		clock:   cfg.Clock,
		state:   session.StateDisconnected,
	}, nil
}

func (a *Agent) State() session.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Run connects to the console endpoint and cycles until ctx is cancelled or the
// transport fails.
func (a *Agent) Run(ctx context.Context) error {
	ep := a.cfg.Endpoint
	if err := a.link.Connect(ep); err != nil {
		return fmt.Errorf("agent: connect %s: %w", ep, err)
	}
	defer func() {
		if err := a.link.Disconnect(ep); err != nil {
			log.Debug().Err(err).Msg("agent.Agent.Run disconnect")
		}
	}()
	log.Info().
		Str("identity", a.cfg.Identity.String()).
		Str("endpoint", ep.String()).
		Dur("ping_interval", a.cfg.Session.PingInterval).
		Dur("ping_timeout", a.cfg.Session.PingTimeout).
		Msg("agent.Agent.Run started")

	for {
		if err := a.step(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info().Str("identity", a.cfg.Identity.String()).Msg("agent.Agent.Run stopped")
				return nil
			}
			return err
		}
	}
}

// step advances the state machine by one message or timeout.
func (a *Agent) step(ctx context.Context) error {
	if a.State() == session.StateConnected {
		return a.stepConnected(ctx)
	}
	return a.stepHeartbeat(ctx)
}

func (a *Agent) stepHeartbeat(ctx context.Context) error {
	if a.pingDue() {
		a.sendPing()
	}
	a.setState(session.StateAwaitingHandshake)

	msg, ok, err := a.link.PollReceive(ctx, a.cfg.Session.PingTimeout)
	if errors.Is(err, transport.ErrLinkLost) {
		log.Debug().Str("identity", a.cfg.Identity.String()).Msg("agent.Agent.stepHeartbeat link lost, pinging again")
		a.resync()
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		return a.reconnect(ctx)
	}
	if !envelope.IsToken(msg.Payload, envelope.TokenAlive) {
		log.Debug().Str("identity", a.cfg.Identity.String()).Int("bytes", len(msg.Payload)).Msg("agent.Agent.stepHeartbeat ignored payload")
		return nil
	}
	a.send([]byte(envelope.TokenConnectionSuccessful))
	a.mu.Lock()
	a.state = session.StateConnected
	a.stats.Sessions++
	a.mu.Unlock()
	log.Info().Str("identity", a.cfg.Identity.String()).Msg("agent.Agent.stepHeartbeat console attached")
	return nil
}

func (a *Agent) pingDue() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.pinged || a.clock.Now().Sub(a.lastPingAt) >= a.cfg.Session.PingInterval
}

func (a *Agent) sendPing() {
	a.send([]byte(envelope.TokenPing))
	a.mu.Lock()
	a.pinged = true
	a.lastPingAt = a.clock.Now()
	a.stats.PingsSent++
	a.mu.Unlock()
}

// reconnect waits one ping interval, then replaces the connection.
func (a *Agent) reconnect(ctx context.Context) error {
	log.Debug().Str("identity", a.cfg.Identity.String()).Msg("agent.Agent.reconnect no reply to ping")
	select {
	case <-a.clock.After(a.cfg.Session.PingInterval):
	case <-ctx.Done():
		return ctx.Err()
	}
	ep := a.cfg.Endpoint
	if err := a.link.Disconnect(ep); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		return fmt.Errorf("agent: disconnect %s: %w", ep, err)
	}
	if err := a.link.Connect(ep); err != nil {
		return fmt.Errorf("agent: reconnect %s: %w", ep, err)
	}
	a.mu.Lock()
	a.state = session.StateDisconnected
	a.stats.Reconnects++
	a.mu.Unlock()
	return nil
}

func (a *Agent) stepConnected(ctx context.Context) error {
	idle := a.cfg.Session.CommandIdleTimeout
	msg, ok, err := a.link.PollReceive(ctx, idle)
	if errors.Is(err, transport.ErrLinkLost) {
		log.Info().Str("identity", a.cfg.Identity.String()).Msg("agent.Agent.stepConnected console link lost, back to heartbeat")
		a.resync()
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		log.Info().Str("identity", a.cfg.Identity.String()).Dur("idle", idle).Msg("agent.Agent.stepConnected idle, back to heartbeat")
		a.setState(session.StateDisconnected)
		return nil
	}
	if envelope.IsLivenessToken(msg.Payload) {
		log.Debug().Str("identity", a.cfg.Identity.String()).Str("token", string(msg.Payload)).Msg("agent.Agent.stepConnected stray token")
		return nil
	}

	cmd, err := envelope.DecodeCommandVariant(msg.Payload)
	if err != nil {
		a.countDecodeFailure()
		log.Warn().Err(err).Str("identity", a.cfg.Identity.String()).Msg("agent.Agent.stepConnected decode command")
		return nil
	}
	if _, ok := cmd.(envelope.Back); ok {
		log.Info().Str("identity", a.cfg.Identity.String()).Msg("agent.Agent.stepConnected console detached")
		a.setState(session.StateDisconnected)
		return nil
	}

	resp, err := a.handler.Handle(cmd)
	if err != nil {
		a.countDecodeFailure()
		log.Warn().Err(err).Str("identity", a.cfg.Identity.String()).Str("command", cmd.Envelope().Command).Msg("agent.Agent.stepConnected unsupported command")
		return nil
	}
	payload, err := envelope.EncodeResponse(resp)
	if err != nil {
		log.Error().Err(err).Str("response", resp.Response).Msg("agent.Agent.stepConnected encode response")
		return nil
	}
	a.send(payload)
	a.mu.Lock()
	a.stats.Commands++
	a.mu.Unlock()
	log.Debug().Str("identity", a.cfg.Identity.String()).Str("response", resp.Response).Msg("agent.Agent.stepConnected replied")
	return nil
}

// send is fire-and-forget; a full or unconnected queue is recovered by the next cycle.
func (a *Agent) send(payload []byte) {
	if err := a.link.Send(payload); err != nil {
		a.mu.Lock()
		a.stats.SendFailures++
		a.mu.Unlock()
		log.Debug().Err(err).Str("identity", a.cfg.Identity.String()).Msg("agent.Agent.send")
	}
}

// resync drops to Disconnected and makes the next step ping at once.
func (a *Agent) resync() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = session.StateDisconnected
	a.pinged = false
	a.stats.LinkLosses++
}

func (a *Agent) setState(s session.State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

func (a *Agent) countDecodeFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.DecodeFailures++
}
