package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/daqctl/internal/protocol/frame"
	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Router is the console side of one agent-class binding.
type Router struct {
	cfg    session.Config
	limits frame.Limits

	mu    sync.Mutex
	ln    net.Listener
	peers map[session.Identity]*routerPeer

	inbox     chan Message
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	nextID    atomic.Uint64
}

type routerPeer struct {
	identity session.Identity
	conn     net.Conn
	out      chan []byte
	done     chan struct{}
	stopOnce sync.Once
	// closing asks the writer to flush out and then stop.
	closing   chan struct{}
	flushOnce sync.Once
}

func (p *routerPeer) flushAndStop() {
	p.flushOnce.Do(func() { close(p.closing) })
}

func (p *routerPeer) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func NewRouter(cfg session.Config) *Router {
	cfg = cfg.WithDefaults()
	return &Router{
		cfg:    cfg,
		limits: frame.DefaultLimits(),
		peers:  make(map[session.Identity]*routerPeer),
		inbox:  make(chan Message, cfg.QueueLength),
		closed: make(chan struct{}),
	}
}

// Bind starts listening on ep. A Router binds once; a port in use is an error.
func (r *Router) Bind(ep session.Endpoint) error {
	if err := r.cfg.ValidateRouterTransport(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	if r.ln != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, r.ln.Addr())
	}

	ln, err := net.Listen("tcp", ep.Address())
	if err != nil {
		return fmt.Errorf("transport: bind %s: %w", ep, err)
	}
	if r.cfg.TLS.Enabled {
		tlsCfg, err := serverTLSConfig(r.cfg)
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	r.ln = ln
	log.Info().Str("endpoint", ep.String()).Str("addr", ln.Addr().String()).Msg("transport.Router.Bind listening")

	r.wg.Add(1)
	go r.acceptLoop(ln)
	return nil
}

// Addr reports the bound listener address, or nil before Bind.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Connected reports whether a peer with identity currently holds a connection.
func (r *Router) Connected(id session.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	return ok
}

// SendTo enqueues payload for identity without waiting for the network.
func (r *Router) SendTo(id session.Identity, payload []byte) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	r.mu.Lock()
	p, ok := r.peers[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnroutable, string(id))
	}
	if err := enqueue(p.out, payload); err != nil {
		return fmt.Errorf("%w: %q", err, string(id))
	}
	return nil
}

// PollReceive waits up to timeout for the next message from any peer.
func (r *Router) PollReceive(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	return pollInbox(ctx, r.inbox, r.closed, timeout)
}

// Drain returns every message already received without waiting.
func (r *Router) Drain() []Message {
	var out []Message
	for {
		select {
		case msg := <-r.inbox:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Close stops accepting, writes what is still queued for each peer within
// WriteTimeout, then drops every connection.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.mu.Lock()
		if r.ln != nil {
			_ = r.ln.Close()
		}
		for id, p := range r.peers {
			p.flushAndStop()
			delete(r.peers, id)
		}
		r.mu.Unlock()
	})
	r.wg.Wait()
	return nil
}

func (r *Router) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-r.closed:
				return
			default:
			}
			log.Warn().Err(err).Msg("transport.Router.acceptLoop accept")
			continue
		}
		r.wg.Add(1)
		go r.handleConn(conn)
	}
}

func (r *Router) handleConn(conn net.Conn) {
	defer r.wg.Done()
	remote := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)

	_ = conn.SetDeadline(time.Now().Add(r.cfg.HandshakeTimeout))
	hello, err := frame.ReadFrame(reader, r.limits)
	if err != nil {
		log.Debug().Err(err).Str("remote", remote).Msg("transport.Router.handleConn read hello")
		_ = conn.Close()
		return
	}
	if hello.Header.MessageType != frame.MsgHello || len(hello.Identity) == 0 {
		log.Warn().Str("remote", remote).Uint32("message_type", hello.Header.MessageType).Msg("transport.Router.handleConn expected hello")
		_ = conn.Close()
		return
	}
	id := session.Identity(hello.Identity)
	if certID := peerIdentityFromConn(conn); r.cfg.TLS.Mutual && certID != string(id) {
		log.Warn().Err(ErrIdentityMismatch).Str("remote", remote).Str("identity", id.String()).Str("cert", certID).Msg("transport.Router.handleConn rejected")
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	p := &routerPeer{
		identity: id,
		conn:     conn,
		out:      make(chan []byte, r.cfg.QueueLength),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}
	if !r.register(p) {
		p.stop()
		return
	}
	log.Debug().Str("identity", id.String()).Str("remote", remote).Msg("transport.Router.handleConn peer registered")

	r.wg.Add(1)
	go r.writeLoop(p)
	r.readLoop(p, reader)

	p.stop()
	r.unregister(p)
	log.Debug().Str("identity", id.String()).Str("remote", remote).Msg("transport.Router.handleConn peer gone")
}

// register installs p as the route for its identity. The newest connection wins.
func (r *Router) register(p *routerPeer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.closed:
		return false
	default:
	}
	if old, ok := r.peers[p.identity]; ok {
		log.Debug().Str("identity", p.identity.String()).Msg("transport.Router.register identity handover")
		old.stop()
	}
	r.peers[p.identity] = p
	return true
}

func (r *Router) unregister(p *routerPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[p.identity]; ok && cur == p {
		delete(r.peers, p.identity)
	}
}

func (r *Router) readLoop(p *routerPeer, reader *bufio.Reader) {
	for {
		fr, err := frame.ReadFrame(reader, r.limits)
		if err != nil {
			return
		}
		if fr.Header.MessageType != frame.MsgData {
			continue
		}
		msg := Message{Identity: p.identity, Payload: fr.Payload, Received: time.Now()}
		select {
		case <-r.closed:
			// Close is flushing this peer's queue; nothing reads the inbox anymore.
			continue
		default:
		}
		select {
		case r.inbox <- msg:
		case <-p.done:
			return
		}
	}
}

func (r *Router) writeLoop(p *routerPeer) {
	defer r.wg.Done()
	for {
		select {
		case payload := <-p.out:
			fr := frame.Data(r.nextID.Add(1), p.identity.Bytes(), payload)
			_ = p.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := frame.WriteFrame(p.conn, fr, r.limits); err != nil {
				log.Debug().Err(err).Str("identity", p.identity.String()).Msg("transport.Router.writeLoop write")
				p.stop()
				return
			}
		case <-p.closing:
			r.flush(p)
			p.stop()
			return
		case <-p.done:
			return
		}
	}
}

// flush writes every queued payload under one WriteTimeout budget.
func (r *Router) flush(p *routerPeer) {
	_ = p.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	for {
		select {
		case payload := <-p.out:
			fr := frame.Data(r.nextID.Add(1), p.identity.Bytes(), payload)
			if err := frame.WriteFrame(p.conn, fr, r.limits); err != nil {
				log.Debug().Err(err).Str("identity", p.identity.String()).Msg("transport.Router.flush write")
				return
			}
		default:
			return
		}
	}
}
