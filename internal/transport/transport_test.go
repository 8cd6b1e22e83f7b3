package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/daqctl/internal/protocol/frame"
	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/danmuck/daqctl/internal/testutil/testlog"
	"github.com/danmuck/daqctl/internal/testutil/tlstest"
)

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.QueueLength = 8
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Backoff = session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	return cfg
}

func bindRouter(t *testing.T, cfg session.Config) (*Router, session.Endpoint) {
	t.Helper()
	r := NewRouter(cfg)
	if err := r.Bind(session.Endpoint{Host: "127.0.0.1", Port: 0}); err != nil {
		t.Fatalf("bind router: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	ep, err := session.ParseEndpoint(r.Addr().String())
	if err != nil {
		t.Fatalf("parse router addr: %v", err)
	}
	return r, ep
}

func connectDealer(t *testing.T, id session.Identity, cfg session.Config, ep session.Endpoint) *Dealer {
	t.Helper()
	d := NewDealer(id, cfg)
	if err := d.Connect(ep); err != nil {
		t.Fatalf("connect dealer: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustReceive(t *testing.T, poll func(context.Context, time.Duration) (Message, bool, error)) Message {
	t.Helper()
	msg, ok, err := poll(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("poll receive: %v", err)
	}
	if !ok {
		t.Fatalf("poll receive: timed out")
	}
	return msg
}

func TestRouterDealerExchange(t *testing.T) {
	testlog.Start(t)
	r, ep := bindRouter(t, testConfig())
	d := connectDealer(t, session.IdentityHV, testConfig(), ep)

	if err := d.Send([]byte("Ping")); err != nil {
		t.Fatalf("dealer send: %v", err)
	}
	msg := mustReceive(t, r.PollReceive)
	if msg.Identity != session.IdentityHV || string(msg.Payload) != "Ping" {
		t.Fatalf("unexpected router message: %+v", msg)
	}
	if !r.Connected(session.IdentityHV) {
		t.Fatalf("expected HV to be routable")
	}

	if err := r.SendTo(session.IdentityHV, []byte("Alive")); err != nil {
		t.Fatalf("router send: %v", err)
	}
	reply := mustReceive(t, d.PollReceive)
	if string(reply.Payload) != "Alive" {
		t.Fatalf("unexpected dealer message: %q", reply.Payload)
	}
}

func TestRouterPreservesPerPeerOrder(t *testing.T) {
	testlog.Start(t)
	r, ep := bindRouter(t, testConfig())
	d := connectDealer(t, session.IdentityRC, testConfig(), ep)
	want := []string{"Ping", "Connection successful", `{"response":"rc_read","result":null}`}
	for _, p := range want {
		if err := d.Send([]byte(p)); err != nil {
			t.Fatalf("send %q: %v", p, err)
		}
	}
	for _, p := range want {
		msg := mustReceive(t, r.PollReceive)
		if string(msg.Payload) != p {
			t.Fatalf("order mismatch got=%q want=%q", msg.Payload, p)
		}
	}
}

func TestRouterCloseFlushesQueuedPayloads(t *testing.T) {
	testlog.Start(t)
	r, ep := bindRouter(t, testConfig())
	d := connectDealer(t, session.IdentityHV, testConfig(), ep)
	if err := d.Send([]byte("Ping")); err != nil {
		t.Fatalf("dealer send: %v", err)
	}
	mustReceive(t, r.PollReceive)

	want := []string{"Alive", `{"command":"back","type":"clients"}`}
	for _, p := range want {
		if err := r.SendTo(session.IdentityHV, []byte(p)); err != nil {
			t.Fatalf("router send %q: %v", p, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, p := range want {
		msg := mustReceive(t, d.PollReceive)
		if string(msg.Payload) != p {
			t.Fatalf("got %q want %q", msg.Payload, p)
		}
	}
	if _, _, err := d.PollReceive(context.Background(), 3*time.Second); !errors.Is(err, ErrLinkLost) {
		t.Fatalf("expected ErrLinkLost after the router closed, got %v", err)
	}
}

func TestDealerReportsLinkLossOncePerConnection(t *testing.T) {
	testlog.Start(t)
	r, ep := bindRouter(t, testConfig())
	d := connectDealer(t, session.IdentityRC, testConfig(), ep)
	waitFor(t, "first dial", func() bool { return r.Connected(session.IdentityRC) })

	_ = r.Close()
	if _, _, err := d.PollReceive(context.Background(), 3*time.Second); !errors.Is(err, ErrLinkLost) {
		t.Fatalf("expected ErrLinkLost, got %v", err)
	}
	if _, ok, err := d.PollReceive(context.Background(), 50*time.Millisecond); ok || err != nil {
		t.Fatalf("link loss must be reported once, ok=%v err=%v", ok, err)
	}

	if err := d.Disconnect(ep); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func TestMessagesCarryArrivalTime(t *testing.T) {
	testlog.Start(t)
	r, ep := bindRouter(t, testConfig())
	d := connectDealer(t, session.IdentityHV, testConfig(), ep)
	before := time.Now()
	if err := d.Send([]byte("Ping")); err != nil {
		t.Fatalf("dealer send: %v", err)
	}
	msg := mustReceive(t, r.PollReceive)
	if msg.Received.Before(before) || time.Since(msg.Received) > 3*time.Second {
		t.Fatalf("unexpected arrival time %v (sent after %v)", msg.Received, before)
	}
}

func TestRouterSendToUnknownIdentity(t *testing.T) {
	testlog.Start(t)
	r, _ := bindRouter(t, testConfig())
	if err := r.SendTo(session.IdentityRC, []byte("Alive")); !errors.Is(err, ErrUnroutable) {
		t.Fatalf("expected ErrUnroutable, got %v", err)
	}
}

func TestRouterBindTwiceFails(t *testing.T) {
	testlog.Start(t)
	r, ep := bindRouter(t, testConfig())
	if err := r.Bind(ep); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
	other := NewRouter(testConfig())
	defer other.Close()
	if err := other.Bind(ep); err == nil {
		t.Fatalf("expected second router on %s to fail", ep)
	}
}

func TestPollReceiveTimeoutCancelAndClose(t *testing.T) {
	testlog.Start(t)
	r, _ := bindRouter(t, testConfig())

	start := time.Now()
	_, ok, err := r.PollReceive(context.Background(), 30*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected empty poll, ok=%v err=%v", ok, err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("poll returned before timeout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := r.PollReceive(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	_ = r.Close()
	if _, _, err := r.PollReceive(context.Background(), time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := r.SendTo(session.IdentityHV, []byte("Alive")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on send, got %v", err)
	}
}

func TestDealerQueuesUntilRouterBinds(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	ep, _ := session.ParseEndpoint(ln.Addr().String())
	_ = ln.Close()

	d := connectDealer(t, session.IdentityHV, testConfig(), ep)
	if err := d.Send([]byte("Ping")); err != nil {
		t.Fatalf("send before bind: %v", err)
	}

	r := NewRouter(testConfig())
	if err := r.Bind(ep); err != nil {
		t.Fatalf("bind router: %v", err)
	}
	defer r.Close()
	msg := mustReceive(t, r.PollReceive)
	if string(msg.Payload) != "Ping" {
		t.Fatalf("unexpected payload %q", msg.Payload)
	}
}

func TestDealerQueueFull(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.QueueLength = 2
	d := NewDealer(session.IdentityHV, cfg)
	defer d.Close()
	if err := d.Send([]byte("Ping")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Connect, got %v", err)
	}
	// Port 1 on loopback refuses connections, so nothing drains the queue.
	if err := d.Connect(session.Endpoint{Host: "127.0.0.1", Port: 1}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := d.Send([]byte("Ping")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := d.Send([]byte("Ping")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestDealerConnectIdempotentAndDisconnectResets(t *testing.T) {
	testlog.Start(t)
	r, ep := bindRouter(t, testConfig())
	d := connectDealer(t, session.IdentityHV, testConfig(), ep)
	if err := d.Connect(ep); err != nil {
		t.Fatalf("second connect to same endpoint: %v", err)
	}
	if err := d.Connect(session.Endpoint{Host: "127.0.0.1", Port: 1}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	waitFor(t, "first dial", func() bool { return d.Dials() == 1 && r.Connected(session.IdentityHV) })

	if err := d.Disconnect(ep); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := d.Disconnect(ep); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := d.Send([]byte("Ping")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
	waitFor(t, "router to drop peer", func() bool { return !r.Connected(session.IdentityHV) })

	if err := d.Connect(ep); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, "second dial", func() bool { return d.Dials() == 2 && r.Connected(session.IdentityHV) })
	if err := d.Send([]byte("Ping")); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	msg := mustReceive(t, r.PollReceive)
	if string(msg.Payload) != "Ping" {
		t.Fatalf("unexpected payload %q", msg.Payload)
	}
}

func TestRouterIdentityHandoverNewestWins(t *testing.T) {
	testlog.Start(t)
	r, ep := bindRouter(t, testConfig())

	// A half-dead peer: announces HV and then never reads or redials.
	stale, err := net.Dial("tcp", ep.Address())
	if err != nil {
		t.Fatalf("dial stale peer: %v", err)
	}
	defer stale.Close()
	if err := frame.WriteFrame(stale, frame.Hello(1, session.IdentityHV.Bytes()), frame.DefaultLimits()); err != nil {
		t.Fatalf("write stale hello: %v", err)
	}
	waitFor(t, "stale peer", func() bool { return r.Connected(session.IdentityHV) })

	d := connectDealer(t, session.IdentityHV, testConfig(), ep)
	waitFor(t, "dealer dial", func() bool { return d.Dials() == 1 })
	waitFor(t, "handover", func() bool {
		if err := r.SendTo(session.IdentityHV, []byte("Alive")); err != nil {
			return false
		}
		_, ok, _ := d.PollReceive(context.Background(), 50*time.Millisecond)
		return ok
	})

	_ = stale.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := stale.Read(buf)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("expected stale connection to be closed by the router")
		}
		break
	}
}

func TestRouterDealerMutualTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t)

	routerCfg := testConfig()
	routerCfg.SecurityMode = session.SecurityModeProduction
	routerCfg.TLS = ca.ConsoleTLS(t, true)
	r, ep := bindRouter(t, routerCfg)

	dealerCfg := testConfig()
	dealerCfg.SecurityMode = session.SecurityModeProduction
	dealerCfg.TLS = ca.AgentTLS(t, session.IdentityRC, true)
	d := connectDealer(t, session.IdentityRC, dealerCfg, ep)

	if err := d.Send([]byte("Ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := mustReceive(t, r.PollReceive)
	if msg.Identity != session.IdentityRC || string(msg.Payload) != "Ping" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestRouterRejectsHelloNotMatchingCertificate(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t)

	routerCfg := testConfig()
	routerCfg.TLS = ca.ConsoleTLS(t, true)
	r, ep := bindRouter(t, routerCfg)

	dealerCfg := testConfig()
	dealerCfg.TLS = ca.AgentTLS(t, session.IdentityRC, true)
	d := connectDealer(t, session.IdentityHV, dealerCfg, ep)

	waitFor(t, "dealer dial", func() bool { return d.Dials() >= 1 })
	_ = d.Send([]byte("Ping"))
	if _, ok, _ := r.PollReceive(context.Background(), 200*time.Millisecond); ok {
		t.Fatalf("router accepted a payload from a mismatched identity")
	}
	if r.Connected(session.IdentityHV) {
		t.Fatalf("mismatched identity must not be routable")
	}
}

func TestDealerRejectsInvalidSecurityConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.SecurityMode = session.SecurityModeProduction
	d := NewDealer(session.IdentityHV, cfg)
	defer d.Close()
	if err := d.Connect(session.Endpoint{Host: "127.0.0.1", Port: 1}); !errors.Is(err, session.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
}
