package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/daqctl/internal/clock"
	"github.com/danmuck/daqctl/internal/device"
	"github.com/danmuck/daqctl/internal/protocol/envelope"
	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/danmuck/daqctl/internal/testutil/testlog"
	"github.com/danmuck/daqctl/internal/transport"
)

// scripted is one PollReceive outcome; ok=false is a timeout.
type scripted struct {
	payload string
	ok      bool
	err     error
}

func recv(payload string) scripted { return scripted{payload: payload, ok: true} }

var (
	timeout  = scripted{}
	linkLost = scripted{err: transport.ErrLinkLost}
)

// fakeLink replays a script of receives and records every call. When the script
// runs out it cancels the run.
type fakeLink struct {
	mu        sync.Mutex
	script    []scripted
	cancel    context.CancelFunc
	events    []string
	sent      []string
	active    int
	maxActive int
}

func (f *fakeLink) Connect(ep session.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "connect")
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	return nil
}

func (f *fakeLink) Disconnect(ep session.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "disconnect")
	f.active--
	return nil
}

func (f *fakeLink) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "send:"+string(payload))
	f.sent = append(f.sent, string(payload))
	return nil
}

func (f *fakeLink) PollReceive(ctx context.Context, timeout time.Duration) (transport.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "poll")
	if len(f.script) == 0 {
		f.cancel()
		return transport.Message{}, false, context.Canceled
	}
	next := f.script[0]
	f.script = f.script[1:]
	if next.err != nil {
		return transport.Message{}, false, next.err
	}
	if !next.ok {
		return transport.Message{}, false, nil
	}
	return transport.Message{Identity: session.IdentityHV, Payload: []byte(next.payload)}, true, nil
}

func hvSession() session.Config {
	cfg := session.ClassConfig(session.IdentityHV)
	return cfg
}

func runScript(t *testing.T, cfg session.Config, handler Handler, script ...scripted) (*Agent, *fakeLink, *clock.SteppingClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	link := &fakeLink{script: script, cancel: cancel}
	clk := clock.Stepping(time.Unix(1700000000, 0))
	a, err := New(Config{
		Identity: session.IdentityHV,
		Endpoint: session.Endpoint{Host: "127.0.0.1", Port: session.DefaultHVPort},
		Session:  cfg,
		Clock:    clk,
	}, link, handler)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	return a, link, clk
}

func newHVHandler() *HVHandler {
	return NewHVHandler(device.NewSimulatedHV(device.DefaultHVPort, device.HVAllChannels()...), "")
}

func TestAgentConnectsOnlyOnExactAlive(t *testing.T) {
	testlog.Start(t)
	a, link, _ := runScript(t, hvSession(), newHVHandler(),
		recv("Hello"),
		recv("alive"),
		recv("Alive "),
		recv(`{"type":"clients","command":"back"}`),
	)
	if got := a.Stats().Sessions; got != 0 {
		t.Fatalf("agent connected without exact Alive: sessions=%d", got)
	}
	for _, s := range link.sent {
		if s == envelope.TokenConnectionSuccessful {
			t.Fatalf("confirmation sent without Alive: %v", link.sent)
		}
	}

	a, link, _ = runScript(t, hvSession(), newHVHandler(), recv("Hello"), recv("Alive"))
	if got := a.Stats().Sessions; got != 1 {
		t.Fatalf("expected one session, got %d", got)
	}
	want := []string{"Ping", "Connection successful"}
	if fmt.Sprint(link.sent) != fmt.Sprint(want) {
		t.Fatalf("sent got=%q want=%q", link.sent, want)
	}
}

func TestAgentReconnectsBeforeNextPing(t *testing.T) {
	testlog.Start(t)
	a, link, clk := runScript(t, hvSession(), newHVHandler(), timeout, timeout)

	want := []string{
		"connect",
		"send:Ping", "poll", "disconnect", "connect",
		"send:Ping", "poll", "disconnect", "connect",
		"send:Ping", "poll",
		"disconnect",
	}
	if fmt.Sprint(link.events) != fmt.Sprint(want) {
		t.Fatalf("events:\n got=%q\nwant=%q", link.events, want)
	}
	if link.maxActive != 1 {
		t.Fatalf("connections accumulated: max=%d", link.maxActive)
	}
	stats := a.Stats()
	if stats.Reconnects != 2 || stats.PingsSent != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 2*time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("expected two ping-interval sleeps, got %v", sleeps)
	}
}

func TestAgentPingsOncePerInterval(t *testing.T) {
	testlog.Start(t)
	_, link, _ := runScript(t, hvSession(), newHVHandler(), recv("noise"), recv("noise"), recv("noise"))
	pings := 0
	for _, s := range link.sent {
		if s == envelope.TokenPing {
			pings++
		}
	}
	if pings != 1 {
		t.Fatalf("expected one ping without clock movement, got %d", pings)
	}
}

func TestAgentSetVoltageScenario(t *testing.T) {
	testlog.Start(t)
	bus := device.NewSimulatedHV(device.DefaultHVPort, device.HVAllChannels()...)
	a, link, _ := runScript(t, hvSession(), NewHVHandler(bus, device.DefaultHVPort),
		recv("Alive"),
		recv(`{"type":"hv_command","command":"set_voltage","channel":"1,2,9","voltage_set":1500,"port":"/dev/ttyPS1"}`),
	)
	last := link.sent[len(link.sent)-1]
	if last != `{"response":"hv_voltage_set","result":[[1,2],[9]]}` {
		t.Fatalf("unexpected reply: %s", last)
	}
	board, _ := bus.Board(device.DefaultHVPort, 2)
	if board.Registers[device.RegVoltageSet] != 1500 {
		t.Fatalf("voltage not applied: %+v", board)
	}
	if a.Stats().Commands != 1 {
		t.Fatalf("unexpected stats: %+v", a.Stats())
	}
}

func TestAgentBackEndsLoopWithoutReply(t *testing.T) {
	testlog.Start(t)
	a, link, _ := runScript(t, hvSession(), newHVHandler(),
		recv("Alive"),
		recv(`{"type":"clients","command":"back"}`),
	)
	want := []string{"Ping", "Connection successful"}
	if fmt.Sprint(link.sent) != fmt.Sprint(want) {
		t.Fatalf("back must not be answered: sent=%q", link.sent)
	}
	if a.State() == session.StateConnected {
		t.Fatalf("agent still connected after back")
	}
	if a.Stats().Commands != 0 {
		t.Fatalf("back counted as command: %+v", a.Stats())
	}
}

func TestAgentInvalidJSONKeepsWaiting(t *testing.T) {
	testlog.Start(t)
	a, link, _ := runScript(t, hvSession(), newHVHandler(),
		recv("Alive"),
		recv(`{"type":"hv_command",`),
		recv(`{"type":"rc_command","command":"read_address","address":3}`),
		recv(`{"type":"hv_command","command":"set_power_on","channel":"1"}`),
	)
	stats := a.Stats()
	if stats.DecodeFailures != 2 || stats.Commands != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	last := link.sent[len(link.sent)-1]
	if last != `{"response":"hv_power_on","result":[[1],[]]}` {
		t.Fatalf("unexpected reply: %s", last)
	}
	if a.State() != session.StateConnected {
		t.Fatalf("decode failures must not end the session, state=%s", a.State())
	}
}

func TestAgentIgnoresStrayTokensWhileConnected(t *testing.T) {
	testlog.Start(t)
	a, link, _ := runScript(t, hvSession(), newHVHandler(), recv("Alive"), recv("Alive"), recv("Ping"))
	if len(link.sent) != 2 || a.Stats().DecodeFailures != 0 {
		t.Fatalf("stray tokens must be ignored: sent=%q stats=%+v", link.sent, a.Stats())
	}
}

func TestAgentCommandIdleTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := hvSession()
	cfg.CommandIdleTimeout = time.Minute
	a, _, _ := runScript(t, cfg, newHVHandler(), recv("Alive"), timeout)
	if a.State() == session.StateConnected {
		t.Fatalf("idle timeout must return to the heartbeat cycle")
	}
	if stats := a.Stats(); stats.Sessions != 1 || stats.Reconnects != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAgentLinkLossReturnsToHeartbeat(t *testing.T) {
	testlog.Start(t)
	a, link, _ := runScript(t, hvSession(), newHVHandler(), recv("Alive"), linkLost, recv("Alive"))

	want := []string{"Ping", "Connection successful", "Ping", "Connection successful"}
	if fmt.Sprint(link.sent) != fmt.Sprint(want) {
		t.Fatalf("sent got=%q want=%q", link.sent, want)
	}
	stats := a.Stats()
	if stats.LinkLosses != 1 || stats.Sessions != 2 || stats.Reconnects != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	connects := 0
	for _, e := range link.events {
		if e == "connect" {
			connects++
		}
	}
	if connects != 1 {
		t.Fatalf("the dealer redials on its own, got events %q", link.events)
	}
}

func TestAgentLinkLossWhileWaitingForAlive(t *testing.T) {
	testlog.Start(t)
	a, link, _ := runScript(t, hvSession(), newHVHandler(), linkLost, recv("Alive"))
	want := []string{"Ping", "Ping", "Connection successful"}
	if fmt.Sprint(link.sent) != fmt.Sprint(want) {
		t.Fatalf("sent got=%q want=%q", link.sent, want)
	}
	if a.State() != session.StateConnected {
		t.Fatalf("expected Connected, got %s", a.State())
	}
}

func TestNewValidatesHeartbeat(t *testing.T) {
	testlog.Start(t)
	cfg := hvSession()
	cfg.PingTimeout = cfg.PingInterval
	_, err := New(Config{Identity: session.IdentityHV, Session: cfg}, &fakeLink{}, newHVHandler())
	if !errors.Is(err, session.ErrInvalidPingTiming) {
		t.Fatalf("expected ErrInvalidPingTiming, got %v", err)
	}
	_, err = New(Config{Session: hvSession()}, &fakeLink{}, newHVHandler())
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
