// Package console is the console side of the control plane: one lazily bound
// router per agent class, the Ping/Alive/confirmation handshake, synchronous
// command dispatch, and the operator shell on top.
package console

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/daqctl/internal/protocol/envelope"
	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/danmuck/daqctl/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrAttachFailed    = errors.New("console: attach failed")
	ErrAlreadyAttached = errors.New("console: already attached")
	ErrNotAttached     = errors.New("console: not attached")
	ErrCommandTimeout  = errors.New("console: no response")
	ErrDecodeResponse  = errors.New("console: failed to decode the response")
	ErrClosed          = errors.New("console: manager closed")
)

// Binding is the router side of one class endpoint.
type Binding interface {
	Bind(ep session.Endpoint) error
	Addr() net.Addr
	SendTo(id session.Identity, payload []byte) error
	PollReceive(ctx context.Context, timeout time.Duration) (transport.Message, bool, error)
	Drain() []transport.Message
	Close() error
}

type Config struct {
	// Host is the bind host; "*" or empty binds every interface.
	Host  string
	Ports map[session.Identity]int
	// PingTimeouts holds each class's agent ping timeout. Unset classes use
	// the class default cadence.
	PingTimeouts map[session.Identity]time.Duration
	Session      session.Config
	// HVPort is the serial port used when an HV command names none.
	HVPort string
}

func (c Config) port(id session.Identity) (int, error) {
	if p, ok := c.Ports[id]; ok {
		return p, nil
	}
	return session.DefaultPort(id)
}

// pingWindow is how long an agent of class id waits for Alive after a Ping.
func (c Config) pingWindow(id session.Identity) time.Duration {
	if d, ok := c.PingTimeouts[id]; ok && d > 0 {
		return d
	}
	return session.ClassConfig(id).PingTimeout
}

// Manager owns the per-class bindings and at most one attached session.
type Manager struct {
	cfg        Config
	newBinding func(session.Config) Binding

	mu       sync.Mutex
	bindings map[session.Identity]Binding
	states   map[session.Identity]session.State
	active   *Session
	closed   bool
}

func NewManager(cfg Config) (*Manager, error) {
	return newManager(cfg, func(sc session.Config) Binding { return transport.NewRouter(sc) })
}

func newManager(cfg Config, newBinding func(session.Config) Binding) (*Manager, error) {
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateConsole(); err != nil {
		return nil, err
	}
	if err := cfg.Session.ValidateRouterTransport(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "*"
	}
	return &Manager{
		cfg:        cfg,
		newBinding: newBinding,
		bindings:   make(map[session.Identity]Binding),
		states:     make(map[session.Identity]session.State),
	}, nil
}

func (m *Manager) Config() Config {
	return m.cfg
}

// State reports the console's view of class id.
func (m *Manager) State(id session.Identity) session.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

// Active returns the attached session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Listen binds the endpoint of class id on first use and returns the bound endpoint.
func (m *Manager) Listen(id session.Identity) (session.Endpoint, error) {
	b, err := m.binding(id)
	if err != nil {
		return session.Endpoint{}, err
	}
	return session.ParseEndpoint(b.Addr().String())
}

func (m *Manager) binding(id session.Identity) (Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if b, ok := m.bindings[id]; ok {
		return b, nil
	}
	port, err := m.cfg.port(id)
	if err != nil {
		return nil, err
	}
	ep := session.Endpoint{Host: m.cfg.Host, Port: port}
	b := m.newBinding(m.cfg.Session)
	if err := b.Bind(ep); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("console: bind %s for %s: %w", ep, id, err)
	}
	m.bindings[id] = b
	log.Info().Str("identity", id.String()).Str("endpoint", ep.String()).Msg("console.Manager.binding bound")
	return b, nil
}

// Attach runs the handshake with class id and returns the attached session.
func (m *Manager) Attach(ctx context.Context, id session.Identity) (*Session, error) {
	if m.Active() != nil {
		return nil, ErrAlreadyAttached
	}
	b, err := m.binding(id)
	if err != nil {
		return nil, err
	}
	m.setState(id, session.StateAwaitingHandshake)
	if err := m.handshake(ctx, id, b); err != nil {
		m.setState(id, session.StateDisconnected)
		log.Warn().Err(err).Str("identity", id.String()).Msg("console.Manager.Attach")
		return nil, err
	}

	s := &Session{
		ID:       uuid.NewString(),
		Identity: id,
		mgr:      m,
		binding:  b,
	}
	m.mu.Lock()
	m.active = s
	m.states[id] = session.StateConnected
	m.mu.Unlock()
	log.Info().Str("identity", id.String()).Str("session", s.ID).Msg("console.Manager.Attach connected")
	return s, nil
}

// handshake waits for a live Ping from id, answers Alive, and requires the
// exact confirmation token from the same identity within the attach budget. A
// Ping during the confirmation wait means the agent missed Alive and began a new
// heartbeat cycle, so it is answered again.
func (m *Manager) handshake(ctx context.Context, id session.Identity, b Binding) error {
	deadline := time.Now().Add(m.cfg.Session.AttachTimeout)

	if !livePing(b.Drain(), id, m.cfg.pingWindow(id)) {
		if _, err := waitFrom(ctx, b, id, deadline, func(p []byte) bool {
			return envelope.IsToken(p, envelope.TokenPing)
		}); err != nil {
			return fmt.Errorf("%w: waiting for ping: %w", ErrAttachFailed, err)
		}
	}
	for {
		if err := b.SendTo(id, []byte(envelope.TokenAlive)); err != nil {
			return fmt.Errorf("%w: %w", ErrAttachFailed, err)
		}
		confirm, err := waitFrom(ctx, b, id, deadline, nil)
		if err != nil {
			return fmt.Errorf("%w: waiting for confirmation: %w", ErrAttachFailed, err)
		}
		if envelope.IsToken(confirm, envelope.TokenPing) {
			log.Debug().Str("identity", id.String()).Msg("console.Manager.handshake agent pinged again")
			continue
		}
		if !envelope.IsToken(confirm, envelope.TokenConnectionSuccessful) {
			return fmt.Errorf("%w: unexpected confirmation %q", ErrAttachFailed, confirm)
		}
		return nil
	}
}

// livePing reports whether the most recent backlog frame from id is a Ping
// young enough that its agent is still waiting for Alive.
func livePing(backlog []transport.Message, id session.Identity, window time.Duration) bool {
	for i := len(backlog) - 1; i >= 0; i-- {
		msg := backlog[i]
		if msg.Identity != id {
			continue
		}
		return envelope.IsToken(msg.Payload, envelope.TokenPing) && time.Since(msg.Received) < window
	}
	return false
}

// waitFrom returns the next payload from id that accept admits. A nil accept
// takes the first payload from id. Other identities are logged and skipped.
func waitFrom(ctx context.Context, b Binding, id session.Identity, deadline time.Time, accept func([]byte) bool) ([]byte, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}
		msg, ok, err := b.PollReceive(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, context.DeadlineExceeded
		}
		if msg.Identity != id {
			log.Debug().Str("want", id.String()).Str("from", msg.Identity.String()).Msg("console.waitFrom foreign identity")
			continue
		}
		if accept != nil && !accept(msg.Payload) {
			log.Debug().Str("identity", id.String()).Int("bytes", len(msg.Payload)).Msg("console.waitFrom ignored payload")
			continue
		}
		return msg.Payload, nil
	}
}

// release drops s as the active session.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == s {
		m.active = nil
	}
	m.states[s.Identity] = session.StateDisconnected
}

func (m *Manager) setState(id session.Identity, st session.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = st
}

// Close sends Back on an attached session, then closes every binding.
func (m *Manager) Close() error {
	if s := m.Active(); s != nil {
		if err := s.Back(); err != nil {
			log.Debug().Err(err).Msg("console.Manager.Close back")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for id, b := range m.bindings {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
