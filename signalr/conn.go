package signalr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"topstepflow/logger"
)

// recordSeparator terminates every record of the SignalR JSON hub protocol.
const recordSeparator byte = 0x1e

// Hub protocol message types. Only the subset the gateway hubs exchange is
// handled; anything else is ignored by the read loop.
const (
	messageTypeInvocation = 1
	messageTypePing       = 6
	messageTypeClose      = 7
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// hubMessage is the wire shape shared by invocation, ping and close records.
type hubMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// invocationMessage is the outgoing invocation shape. Unlike hubMessage it
// always carries the arguments array, which the hub requires even when empty.
type invocationMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error"`
}

// Conn is one established SignalR JSON hub protocol connection over a raw
// websocket (skip-negotiation style). It does no reconnection of its own;
// callers rebuild a fresh Conn after a drop.
type Conn struct {
	ws        *websocket.Conn
	keepAlive time.Duration
	log       *logger.Log

	writeMu sync.Mutex

	closeOnce  sync.Once
	closed     chan struct{}
	notifyOnce sync.Once
}

// Dial opens a websocket to the hub URL, authenticating with the token as
// both an access_token query parameter and a bearer header, then performs
// the JSON protocol handshake. The context bounds the whole open sequence.
func Dial(ctx context.Context, hubURL, token string, keepAlive time.Duration) (*Conn, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial hub: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	c := &Conn{
		ws:        ws,
		keepAlive: keepAlive,
		log:       logger.GetLogger(),
		closed:    make(chan struct{}),
	}

	if err := c.handshake(ctx); err != nil {
		ws.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	if err := c.writeRecord(handshakeRequest{Protocol: "json", Version: 1}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetReadDeadline(deadline)
	} else {
		c.ws.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout))
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}
	c.ws.SetReadDeadline(time.Time{})

	records := splitRecords(data)
	if len(records) == 0 {
		return fmt.Errorf("empty handshake response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return fmt.Errorf("decode handshake response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return nil
}

// Run starts the read and keep-alive loops. Server invocations are delivered
// to onInvocation on the read goroutine; onClosed fires exactly once when the
// connection dies, with nil after a deliberate Close.
func (c *Conn) Run(onInvocation func(target string, arguments []json.RawMessage), onClosed func(error)) {
	go c.readLoop(onInvocation, onClosed)
	go c.pingLoop()
}

func (c *Conn) readLoop(onInvocation func(string, []json.RawMessage), onClosed func(error)) {
	log := c.log.WithComponent("signalr_conn")
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				c.notifyClosed(onClosed, nil)
			default:
				c.notifyClosed(onClosed, err)
			}
			return
		}

		for _, record := range splitRecords(data) {
			var msg hubMessage
			if err := json.Unmarshal(record, &msg); err != nil {
				log.WithError(err).Warn("dropping undecodable hub record")
				continue
			}
			switch msg.Type {
			case messageTypeInvocation:
				onInvocation(msg.Target, msg.Arguments)
			case messageTypePing:
				// server keep-alive, nothing to do
			case messageTypeClose:
				var closeErr error
				if msg.Error != "" {
					closeErr = fmt.Errorf("server closed hub: %s", msg.Error)
				}
				c.Close()
				c.notifyClosed(onClosed, closeErr)
				return
			}
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.writeRecord(hubMessage{Type: messageTypePing}); err != nil {
				c.log.WithComponent("signalr_conn").WithError(err).Warn("keep-alive ping failed")
				return
			}
		}
	}
}

func (c *Conn) notifyClosed(onClosed func(error), err error) {
	c.notifyOnce.Do(func() {
		if onClosed != nil {
			onClosed(err)
		}
	})
}

// Invoke sends a non-blocking hub invocation (fire and forget, no
// invocation id, so no completion is expected back).
func (c *Conn) Invoke(target string, args ...any) error {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode argument %d of %s: %w", i, target, err)
		}
		raw[i] = data
	}
	return c.writeRecord(invocationMessage{Type: messageTypeInvocation, Target: target, Arguments: raw})
}

// Close tears the websocket down. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writeRecord(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode hub record: %w", err)
	}
	data = append(data, recordSeparator)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return fmt.Errorf("connection closed")
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// splitRecords splits one websocket frame into hub protocol records. Frames
// may batch several records; a trailing separator leaves an empty tail that
// is dropped.
func splitRecords(data []byte) [][]byte {
	parts := bytes.Split(data, []byte{recordSeparator})
	records := parts[:0]
	for _, p := range parts {
		if len(p) > 0 {
			records = append(records, p)
		}
	}
	return records
}
