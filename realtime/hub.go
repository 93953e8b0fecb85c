package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"topstepflow/config"
	"topstepflow/logger"
)

// State is the lifecycle state of one hub connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Transport is one live connection to a hub endpoint. The production
// implementation is signalr.Conn; tests inject fakes.
type Transport interface {
	Invoke(target string, args ...any) error
	Run(onInvocation func(target string, arguments []json.RawMessage), onClosed func(error))
	Close() error
}

// DialFunc builds a fresh transport using the given token. It is invoked on
// every connect attempt so rotated tokens are picked up across reconnects.
type DialFunc func(ctx context.Context, token string) (Transport, error)

// TokenFunc resolves the current auth token. The hub never caches tokens
// itself; refresh policy belongs to the provider behind this function.
type TokenFunc func(ctx context.Context) (string, error)

// Handler receives the raw argument list of one server invocation.
type Handler func(arguments []json.RawMessage)

// Hub is a reconnecting hub connection. It owns the connect/disconnect
// lifecycle, replays handler registrations onto every rebuilt transport, and
// retries failed connections on a non-decreasing backoff until stopped.
// Transient connectivity never surfaces as an error to callers; Start and
// Send report booleans and the rest is logged.
type Hub struct {
	name     string
	dial     DialFunc
	token    TokenFunc
	backoff  []time.Duration
	openWait time.Duration
	joinWait time.Duration
	limiter  *rate.Limiter
	log      *logger.Log

	mu            sync.Mutex
	state         State
	transport     Transport
	handlers      map[string][]Handler
	openHooks     []func()
	stopHooks     []func()
	stopping      bool
	reconnecting  bool
	gen           uint64
	reconnectDone chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewHub creates a hub connection around a dialer and a token source. The
// name only labels log lines.
func NewHub(name string, dial DialFunc, token TokenFunc, cfg config.RealtimeConfig) *Hub {
	return &Hub{
		name:     name,
		dial:     dial,
		token:    token,
		backoff:  cfg.Backoff,
		openWait: cfg.OpenTimeout,
		joinWait: cfg.StopJoinTimeout,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ControlRate), cfg.ControlBurst),
		log:      logger.GetLogger(),
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for a named server event. Registrations made before
// or after Start both work; dispatch always consults the current handler
// table, so rebuilt transports see every registration.
func (h *Hub) On(event string, handler Handler) {
	h.mu.Lock()
	h.handlers[event] = append(h.handlers[event], handler)
	h.mu.Unlock()
}

// OnOpen registers a hook fired after the first connect and after every
// reconnect. The feeds use it for subscription replay.
func (h *Hub) OnOpen(hook func()) {
	h.mu.Lock()
	h.openHooks = append(h.openHooks, hook)
	h.mu.Unlock()
}

// OnStop registers a hook fired at the start of Stop, while the transport is
// still usable, so feeds can send best-effort unsubscribes.
func (h *Hub) OnStop(hook func()) {
	h.mu.Lock()
	h.stopHooks = append(h.stopHooks, hook)
	h.mu.Unlock()
}

// Start opens the connection, waiting a bounded time for the transport to
// come up. A failed open does not propagate: the reconnect loop takes over
// and Start reports false.
func (h *Hub) Start(ctx context.Context) bool {
	log := h.log.WithComponent("hub").WithFields(logger.Fields{"hub": h.name})

	h.mu.Lock()
	if h.state != StateDisconnected {
		connected := h.state == StateConnected
		h.mu.Unlock()
		return connected
	}
	h.stopping = false
	h.gen++
	h.reconnecting = false
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.state = StateConnecting
	err := h.openLocked(ctx)
	h.mu.Unlock()

	if err != nil {
		log.WithError(err).Warn("initial connect failed, entering reconnect")
		h.triggerReconnect()
		return false
	}

	log.Info("hub connected")
	h.fireOpenHooks()
	return true
}

// openLocked resolves a token, dials and wires a fresh transport. Called
// with the hub lock held so a rebuild never races a Send on a half-torn-down
// transport.
func (h *Hub) openLocked(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, h.openWait)
	defer cancel()

	token, err := h.token(dctx)
	if err != nil {
		h.state = StateDisconnected
		return err
	}
	t, err := h.dial(dctx, token)
	if err != nil {
		h.state = StateDisconnected
		return err
	}

	h.transport = t
	h.state = StateConnected
	t.Run(h.dispatch, func(err error) { h.transportClosed(t, err) })
	return nil
}

// transportClosed handles an unexpected drop. Late notifications from an
// already-replaced transport are ignored.
func (h *Hub) transportClosed(t Transport, err error) {
	h.mu.Lock()
	if h.stopping || h.transport != t {
		h.mu.Unlock()
		return
	}
	h.transport = nil
	h.state = StateDisconnected
	h.mu.Unlock()

	h.log.WithComponent("hub").WithFields(logger.Fields{"hub": h.name}).WithError(err).Warn("hub connection lost")
	h.triggerReconnect()
}

// triggerReconnect spawns the reconnect loop unless one is already running
// or a stop is in progress. Duplicate disconnect signals are no-ops.
func (h *Hub) triggerReconnect() {
	h.mu.Lock()
	if h.stopping || h.reconnecting {
		h.mu.Unlock()
		return
	}
	h.reconnecting = true
	h.reconnectDone = make(chan struct{})
	h.state = StateReconnecting
	done := h.reconnectDone
	ctx := h.ctx
	gen := h.gen
	h.mu.Unlock()

	go h.reconnectLoop(ctx, done, gen)
}

// reconnectLoop retries until it connects, the session context is cancelled,
// or the hub moves on to a newer session. The generation check keeps a loop
// that outlived a Stop/Start cycle (Stop's join wait is bounded) from
// dialing on behalf of the dead session.
func (h *Hub) reconnectLoop(ctx context.Context, done chan struct{}, gen uint64) {
	defer func() {
		h.mu.Lock()
		if h.gen == gen {
			h.reconnecting = false
		}
		h.mu.Unlock()
		close(done)
	}()

	log := h.log.WithComponent("hub").WithFields(logger.Fields{"hub": h.name})

	for attempt := 0; ; attempt++ {
		delay := h.backoffDelay(attempt)
		log.WithFields(logger.Fields{"attempt": attempt + 1, "delay": delay}).Info("scheduling reconnect")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		h.mu.Lock()
		if h.stopping || h.gen != gen {
			h.mu.Unlock()
			return
		}
		if h.transport != nil {
			h.transport.Close()
			h.transport = nil
		}
		err := h.openLocked(ctx)
		if err != nil {
			h.state = StateReconnecting
			h.mu.Unlock()
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt + 1}).Warn("reconnect attempt failed")
			continue
		}
		h.mu.Unlock()

		log.WithFields(logger.Fields{"attempt": attempt + 1}).Info("hub reconnected")
		h.fireOpenHooks()
		return
	}
}

// backoffDelay returns the delay before the given attempt, holding at the
// last configured value once the sequence is exhausted.
func (h *Hub) backoffDelay(attempt int) time.Duration {
	if len(h.backoff) == 0 {
		return time.Second
	}
	if attempt >= len(h.backoff) {
		return h.backoff[len(h.backoff)-1]
	}
	return h.backoff[attempt]
}

// Stop unsubscribes via the registered stop hooks, tears the transport down
// and joins any in-flight reconnect attempt with a bounded wait. Idempotent.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		return
	}
	h.stopping = true
	h.gen++
	hooks := make([]func(), len(h.stopHooks))
	copy(hooks, h.stopHooks)
	h.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}

	h.mu.Lock()
	t := h.transport
	h.transport = nil
	h.state = StateDisconnected
	cancel := h.cancel
	var done chan struct{}
	if h.reconnecting {
		done = h.reconnectDone
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		t.Close()
	}

	log := h.log.WithComponent("hub").WithFields(logger.Fields{"hub": h.name})
	if done != nil {
		select {
		case <-done:
		case <-time.After(h.joinWait):
			log.Warn("reconnect loop did not exit within join timeout")
		}
	}
	log.Info("hub stopped")
}

// Send forwards one invocation to the live transport. Failures are logged
// and reported as false, never raised.
func (h *Hub) Send(target string, args ...any) bool {
	h.mu.Lock()
	t := h.transport
	ctx := h.ctx
	h.mu.Unlock()

	log := h.log.WithComponent("hub").WithFields(logger.Fields{"hub": h.name, "target": target})

	if t == nil {
		log.Warn("send skipped, hub not connected")
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.limiter.Wait(ctx); err != nil {
		log.WithError(err).Warn("send aborted while rate limited")
		return false
	}
	if err := t.Invoke(target, args...); err != nil {
		log.WithError(err).Warn("send failed")
		return false
	}
	return true
}

// State reports the current connection state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsConnected reports whether the hub currently has a live transport.
func (h *Hub) IsConnected() bool {
	return h.State() == StateConnected
}

// WaitForConnection blocks until the hub is connected or the timeout
// elapses, reporting which happened.
func (h *Hub) WaitForConnection(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if h.IsConnected() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (h *Hub) fireOpenHooks() {
	h.mu.Lock()
	hooks := make([]func(), len(h.openHooks))
	copy(hooks, h.openHooks)
	h.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// dispatch fans one server invocation out to every handler registered for
// the event, in registration order. A panicking handler is contained so it
// cannot kill the transport's callback delivery.
func (h *Hub) dispatch(target string, arguments []json.RawMessage) {
	h.mu.Lock()
	handlers := append([]Handler(nil), h.handlers[target]...)
	h.mu.Unlock()

	for _, handler := range handlers {
		h.safeInvoke(target, handler, arguments)
	}
}

func (h *Hub) safeInvoke(target string, handler Handler, arguments []json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithComponent("hub").WithFields(logger.Fields{
				"hub":   h.name,
				"event": target,
				"panic": r,
			}).Error("event handler panicked, event dropped")
		}
	}()
	handler(arguments)
}

// sortedKeys is shared by the feeds for deterministic replay order within a
// channel.
func sortedKeys[K ~string | ~int, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
