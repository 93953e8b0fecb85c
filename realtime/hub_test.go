package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"topstepflow/config"
)

type invocation struct {
	target string
	args   []any
}

// fakeTransport records invocations and lets tests push server events and
// force drops.
type fakeTransport struct {
	mu         sync.Mutex
	invokes    []invocation
	onInv      func(string, []json.RawMessage)
	onClosed   func(error)
	closed     bool
	failInvoke bool
}

func (t *fakeTransport) Invoke(target string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failInvoke {
		return errors.New("invoke failed")
	}
	t.invokes = append(t.invokes, invocation{target: target, args: args})
	return nil
}

func (t *fakeTransport) Run(onInv func(string, []json.RawMessage), onClosed func(error)) {
	t.mu.Lock()
	t.onInv = onInv
	t.onClosed = onClosed
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) drop(err error) {
	t.mu.Lock()
	onClosed := t.onClosed
	t.mu.Unlock()
	onClosed(err)
}

func (t *fakeTransport) deliver(target string, args ...json.RawMessage) {
	t.mu.Lock()
	onInv := t.onInv
	t.mu.Unlock()
	onInv(target, args)
}

func (t *fakeTransport) commands() []invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]invocation(nil), t.invokes...)
}

func (t *fakeTransport) setFailInvoke(fail bool) {
	t.mu.Lock()
	t.failInvoke = fail
	t.mu.Unlock()
}

// fakeDialer hands out fake transports, optionally failing the first N
// dials.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failures   int
	tokens     []string
}

func (d *fakeDialer) dial(ctx context.Context, token string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial failed")
	}
	t := &fakeTransport{}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func testRealtimeConfig() config.RealtimeConfig {
	return config.RealtimeConfig{
		OpenTimeout:     time.Second,
		StopJoinTimeout: 2 * time.Second,
		Backoff:         []time.Duration{time.Millisecond},
		ControlRate:     10000,
		ControlBurst:    10000,
	}
}

func staticToken(string) TokenFunc {
	return func(context.Context) (string, error) { return "tok", nil }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartConnects(t *testing.T) {
	d := &fakeDialer{}
	h := NewHub("test", d.dial, staticToken("tok"), testRealtimeConfig())
	defer h.Stop()

	if !h.Start(context.Background()) {
		t.Fatal("start reported failure")
	}
	if !h.IsConnected() {
		t.Fatalf("state = %s, want connected", h.State())
	}
}

func TestStartFailureEntersReconnect(t *testing.T) {
	d := &fakeDialer{failures: 2}
	h := NewHub("test", d.dial, staticToken("tok"), testRealtimeConfig())
	defer h.Stop()

	if h.Start(context.Background()) {
		t.Fatal("start should report failure when the dial fails")
	}
	if !h.WaitForConnection(2 * time.Second) {
		t.Fatal("hub never recovered")
	}
	if got := d.dialCount(); got != 3 {
		t.Fatalf("dial count = %d, want 3", got)
	}
}

func TestBackoffDelaySequence(t *testing.T) {
	cfg := testRealtimeConfig()
	cfg.Backoff = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
	h := NewHub("test", (&fakeDialer{}).dial, staticToken("tok"), cfg)

	want := []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}
	var prev time.Duration
	for attempt, expected := range want {
		got := h.backoffDelay(attempt)
		if got != expected {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, got, expected)
		}
		if got < prev {
			t.Errorf("attempt %d: delay %v decreased from %v", attempt, got, prev)
		}
		prev = got
	}
}

func TestHandlerSurvivesReconnect(t *testing.T) {
	d := &fakeDialer{}
	h := NewHub("test", d.dial, staticToken("tok"), testRealtimeConfig())
	defer h.Stop()

	received := make(chan struct{}, 4)
	h.On("GatewayQuote", func([]json.RawMessage) {
		received <- struct{}{}
	})

	h.Start(context.Background())
	d.transport(0).drop(errors.New("socket reset"))

	waitFor(t, "reconnect", func() bool { return d.transport(1) != nil && h.IsConnected() })

	d.transport(1).deliver("GatewayQuote", json.RawMessage(`{"bid":1}`))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not replayed onto the rebuilt transport")
	}
}

func TestSendWithoutTransportReturnsFalse(t *testing.T) {
	h := NewHub("test", (&fakeDialer{}).dial, staticToken("tok"), testRealtimeConfig())
	if h.Send("SubscribeContractQuotes", "X") {
		t.Fatal("send on a stopped hub should report false")
	}
}

func TestDuplicateDropTriggersSingleReconnect(t *testing.T) {
	d := &fakeDialer{}
	h := NewHub("test", d.dial, staticToken("tok"), testRealtimeConfig())
	defer h.Stop()

	h.Start(context.Background())
	first := d.transport(0)
	first.drop(errors.New("reset"))
	first.drop(errors.New("reset again")) // stale transport, must be ignored

	waitFor(t, "reconnect", func() bool { return h.IsConnected() })
	time.Sleep(20 * time.Millisecond)

	if got := d.dialCount(); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}
}

func TestStopIdempotentDuringReconnect(t *testing.T) {
	d := &fakeDialer{failures: 1 << 20}
	h := NewHub("test", d.dial, staticToken("tok"), testRealtimeConfig())

	h.Start(context.Background())
	waitFor(t, "reconnect loop", func() bool { return d.dialCount() > 1 })

	done := make(chan struct{})
	go func() {
		h.Stop()
		h.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
	if h.State() != StateDisconnected {
		t.Fatalf("state after stop = %s", h.State())
	}
}

// A reconnect loop left over from a previous session (Stop's join wait is
// bounded, so a slow dial can outlive it) must exit at its next check
// instead of dialing for the dead session.
func TestStaleReconnectLoopExitsWithoutDialing(t *testing.T) {
	d := &fakeDialer{}
	h := NewHub("test", d.dial, staticToken("tok"), testRealtimeConfig())
	defer h.Stop()

	h.Start(context.Background())
	dialsBefore := d.dialCount()

	done := make(chan struct{})
	go h.reconnectLoop(context.Background(), done, h.gen-1)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stale reconnect loop did not exit")
	}

	if got := d.dialCount(); got != dialsBefore {
		t.Fatalf("stale loop dialed: %d dials before, %d after", dialsBefore, got)
	}
	if !h.IsConnected() {
		t.Fatal("live session lost its connection")
	}
}

func TestRestartAfterStopConnectsFreshSession(t *testing.T) {
	d := &fakeDialer{failures: 1 << 20}
	h := NewHub("test", d.dial, staticToken("tok"), testRealtimeConfig())
	defer h.Stop()

	h.Start(context.Background())
	waitFor(t, "reconnect loop", func() bool { return d.dialCount() > 1 })
	h.Stop()

	d.setFailures(0)
	if !h.Start(context.Background()) {
		t.Fatal("restart did not connect")
	}

	// only the new session may dial; with the old loop gone the count
	// settles immediately
	settled := d.dialCount()
	time.Sleep(50 * time.Millisecond)
	if got := d.dialCount(); got != settled {
		t.Fatalf("dialing continued after restart settled: %d -> %d", settled, got)
	}
	if !h.IsConnected() {
		t.Fatal("hub not connected after restart")
	}
}

func TestPanickingHandlerDoesNotKillDispatch(t *testing.T) {
	d := &fakeDialer{}
	h := NewHub("test", d.dial, staticToken("tok"), testRealtimeConfig())
	defer h.Stop()

	received := make(chan struct{}, 1)
	h.On("GatewayQuote", func([]json.RawMessage) { panic("bad payload") })
	h.On("GatewayQuote", func([]json.RawMessage) { received <- struct{}{} })

	h.Start(context.Background())
	d.transport(0).deliver("GatewayQuote", json.RawMessage(`{}`))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran after first panicked")
	}
}
