package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultRequestTimeout = 10 * time.Second

var ErrClosed = errors.New("media client is closed")

// frame is the JSON envelope spoken with the media gateway.
type frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Op        string `json:"op,omitempty"`
	Token     string `json:"token,omitempty"`
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Cause     string `json:"cause,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Client keeps one registered WebSocket to the operator's media gateway and
// reconnects lazily on the next command after a drop.
type Client struct {
	url     string
	token   string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	pending map[string]chan frame

	writeMu sync.Mutex
	seq     atomic.Uint64
	closed  atomic.Bool
	events  chan Event
}

func NewClient(url, token string, logger *slog.Logger) *Client {
	return &Client{
		url:     url,
		token:   token,
		timeout: defaultRequestTimeout,
		logger:  logger,
		pending: make(map[string]chan frame),
		events:  make(chan Event, 256),
	}
}

// Events yields session-state transitions. The channel stays open for the
// life of the client.
func (c *Client) Events() <-chan Event {
	return c.events
}

// EnsureRegistered connects and registers with the gateway unless a live
// registration already exists.
func (c *Client) EnsureRegistered(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

// StartCall places an operator-originated call and returns its session id.
func (c *Client) StartCall(ctx context.Context, to, from string) (string, error) {
	resp, err := c.call(ctx, frame{Op: "start_call", To: to, From: from})
	if err != nil {
		return "", fmt.Errorf("start media call: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("start media call: gateway returned no session id")
	}
	return resp.SessionID, nil
}

func (c *Client) Hangup(ctx context.Context, sessionID string) error {
	if _, err := c.call(ctx, frame{Op: "hangup", SessionID: sessionID}); err != nil {
		return fmt.Errorf("hangup media session %s: %w", sessionID, err)
	}
	return nil
}

// SetAutoAnswer flags the operator client to pick up the next inbound leg
// without ringing.
func (c *Client) SetAutoAnswer(ctx context.Context, enabled bool) error {
	if _, err := c.call(ctx, frame{Op: "auto_answer", Enabled: &enabled}); err != nil {
		return fmt.Errorf("set auto-answer: %w", err)
	}
	return nil
}

// HealthCheck reports whether the client holds a live registration.
func (c *Client) HealthCheck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("media gateway not registered")
	}
	return nil
}

// Close shuts the connection down and waits for the read loop to exit.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
	<-done
	return nil
}

func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	headers := make(http.Header)
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial media gateway (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial media gateway: %w", err)
	}

	if err := conn.WriteJSON(frame{Type: "register", Token: c.token}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send register: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	var ack frame
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read register ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if ack.Type != "registered" {
		_ = conn.Close()
		if ack.Error != "" {
			return nil, fmt.Errorf("register rejected: %s", ack.Error)
		}
		return nil, fmt.Errorf("unexpected register reply %q", ack.Type)
	}

	c.conn = conn
	c.done = make(chan struct{})
	go c.readLoop(conn, c.done)
	c.emit(Event{State: StateRegistered, At: time.Now()})
	return conn, nil
}

func (c *Client) call(ctx context.Context, req frame) (frame, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return frame{}, err
	}

	req.Type = "command"
	req.ID = strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan frame, 1)

	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return frame{}, fmt.Errorf("send %s: %w", req.Op, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-timer.C:
		return frame{}, fmt.Errorf("%s: no reply within %s", req.Op, c.timeout)
	case resp := <-ch:
		if resp.Error != "" {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		for id, ch := range c.pending {
			select {
			case ch <- frame{Type: "error", ID: id, Error: "media connection closed"}:
			default:
			}
		}
		c.mu.Unlock()
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.logger != nil {
				c.logger.Warn("media gateway connection lost", "error", err)
			}
			return
		}

		switch f.Type {
		case "result", "error":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
		case "session_state":
			c.emit(Event{SessionID: f.SessionID, State: State(f.State), Cause: f.Cause, At: time.Now()})
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Consumers that stop reading must not stall the read loop.
	}
}
