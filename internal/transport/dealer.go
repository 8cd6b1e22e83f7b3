package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/daqctl/internal/protocol/frame"
	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Dealer is the agent side of a session link. It holds at most one endpoint at a time.
type Dealer struct {
	identity session.Identity
	cfg      session.Config
	limits   frame.Limits

	mu   sync.Mutex
	link *dealerLink
	rng  *rand.Rand

	inbox     chan Message
	closed    chan struct{}
	closeOnce sync.Once
	nextID    atomic.Uint64
	dials     atomic.Uint64
}

// dealerLink is one Connect lifetime: a redial loop and its outbound queue.
type dealerLink struct {
	endpoint session.Endpoint
	out      chan []byte
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewDealer(identity session.Identity, cfg session.Config) *Dealer {
	cfg = cfg.WithDefaults()
	return &Dealer{
		identity: identity,
		cfg:      cfg,
		limits:   frame.DefaultLimits(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		inbox:    make(chan Message, cfg.QueueLength),
		closed:   make(chan struct{}),
	}
}

func (d *Dealer) Identity() session.Identity {
	return d.identity
}

// Dials reports how many connections the dealer has established.
func (d *Dealer) Dials() uint64 {
	return d.dials.Load()
}

// Connect starts the background redial loop for ep. It returns at once and never fails
// on network conditions. Connecting again to the same endpoint is a no-op.
func (d *Dealer) Connect(ep session.Endpoint) error {
	if err := d.cfg.ValidateDealerTransport(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	if d.link != nil {
		if d.link.endpoint == ep {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, d.link.endpoint)
	}
	ctx, cancel := context.WithCancel(context.Background())
	link := &dealerLink{
		endpoint: ep,
		out:      make(chan []byte, d.cfg.QueueLength),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	d.link = link
	go d.run(ctx, link)
	return nil
}

// Disconnect closes the connection to ep and drops queued outbound and undelivered
// inbound payloads.
func (d *Dealer) Disconnect(ep session.Endpoint) error {
	d.mu.Lock()
	link := d.link
	if link == nil || link.endpoint != ep {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, ep)
	}
	d.link = nil
	d.mu.Unlock()

	link.cancel()
	<-link.done
	d.drainInbox()
	return nil
}

// Send enqueues payload for the console. Payloads queued while the link is still
// dialing are flushed once it connects.
func (d *Dealer) Send(payload []byte) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	d.mu.Lock()
	link := d.link
	d.mu.Unlock()
	if link == nil {
		return ErrNotConnected
	}
	return enqueue(link.out, payload)
}

// PollReceive waits up to timeout for the next payload from the console. It
// returns ErrLinkLost once for every established connection that dropped, after
// the payloads read on that connection.
func (d *Dealer) PollReceive(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	msg, ok, err := pollInbox(ctx, d.inbox, d.closed, timeout)
	if ok && msg.lost {
		return Message{}, false, ErrLinkLost
	}
	return msg, ok, err
}

func (d *Dealer) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.mu.Lock()
		link := d.link
		d.link = nil
		d.mu.Unlock()
		if link != nil {
			link.cancel()
			<-link.done
		}
		d.drainInbox()
	})
	return nil
}

func (d *Dealer) drainInbox() {
	for {
		select {
		case <-d.inbox:
		default:
			return
		}
	}
}

func (d *Dealer) run(ctx context.Context, link *dealerLink) {
	defer close(link.done)
	attempt := 0
	for ctx.Err() == nil {
		attempt++
		conn, err := d.dial(ctx, link.endpoint)
		if err != nil {
			delay := d.backoff(attempt)
			log.Debug().Err(err).Str("endpoint", link.endpoint.String()).Int("attempt", attempt).Dur("retry_in", delay).Msg("transport.Dealer.run dial")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0
		d.dials.Add(1)
		log.Debug().Str("identity", d.identity.String()).Str("endpoint", link.endpoint.String()).Msg("transport.Dealer.run connected")
		if err := d.serve(ctx, conn, link); err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Str("endpoint", link.endpoint.String()).Msg("transport.Dealer.run connection lost")
			select {
			case d.inbox <- Message{Identity: d.identity, Received: time.Now(), lost: true}:
			case <-ctx.Done():
				return
			}
			if !sleepCtx(ctx, d.backoff(1)) {
				return
			}
		}
	}
}

func (d *Dealer) backoff(attempt int) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return session.NextBackoffDelay(d.cfg.Backoff, attempt, d.rng)
}

func (d *Dealer) dial(ctx context.Context, ep session.Endpoint) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, err
	}
	if !d.cfg.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := clientTLSConfig(d.cfg, ep.Address())
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// serve runs one connection until it fails or ctx is cancelled.
func (d *Dealer) serve(ctx context.Context, conn net.Conn, link *dealerLink) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	if err := frame.WriteFrame(conn, frame.Hello(d.nextID.Add(1), d.identity.Bytes()), d.limits); err != nil {
		_ = conn.Close()
		return err
	}

	errc := make(chan error, 2)
	go func() { errc <- d.readLoop(connCtx, conn) }()
	go func() { errc <- d.writeLoop(connCtx, conn, link.out) }()

	pending := 2
	var err error
	select {
	case err = <-errc:
		pending--
	case <-ctx.Done():
	}
	cancel()
	_ = conn.Close()
	for ; pending > 0; pending-- {
		<-errc
	}
	return err
}

func (d *Dealer) readLoop(ctx context.Context, conn net.Conn) error {
	reader := bufio.NewReader(conn)
	for {
		fr, err := frame.ReadFrame(reader, d.limits)
		if err != nil {
			return err
		}
		if fr.Header.MessageType != frame.MsgData {
			continue
		}
		select {
		case d.inbox <- Message{Identity: d.identity, Payload: fr.Payload, Received: time.Now()}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dealer) writeLoop(ctx context.Context, conn net.Conn, out <-chan []byte) error {
	for {
		select {
		case payload := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
			if err := frame.WriteFrame(conn, frame.Data(d.nextID.Add(1), d.identity.Bytes(), payload), d.limits); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
