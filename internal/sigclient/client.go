package sigclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrGivingUp is returned by Send once the transport has exhausted its
	// reconnect attempts.
	ErrGivingUp = errors.New("signaling transport gave up reconnecting")
	// ErrClosed is returned by Send after an intentional Close.
	ErrClosed = errors.New("signaling transport closed")
)

// Conn is one established signaling socket.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// Dialer opens a signaling socket. Injected in tests.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Options configures a Client. Zero-value fields get working defaults.
type Options struct {
	Dialer    Dialer
	AfterFunc func(d time.Duration, f func()) *time.Timer
	OnFrame   func(payload []byte)
	OnStatus  func(Status)
	Logger    *slog.Logger
}

// Client maintains one signaling connection with automatic reconnect.
//
// Messages sent while the socket is down are queued and flushed in order
// when it reopens. After MaxAttempts consecutive dial failures the client
// enters StateGivingUp and stays there.
type Client struct {
	url  string
	opts Options

	mu     sync.Mutex
	status Status
	conn   Conn
	queue  [][]byte
	timer  *time.Timer
	gen    int
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes writes to the current conn, which is required by
	// gorilla connections.
	writeMu sync.Mutex

	// notifyMu keeps OnStatus callbacks ordered when transitions race.
	notifyMu sync.Mutex
}

func New(url string, opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = wsDial
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = time.AfterFunc
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		url:    url,
		opts:   opts,
		status: Status{State: StateDisconnected},
	}
}

func wsDial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return wsConn{conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) ReadMessage() ([]byte, error) {
	_, payload, err := c.conn.ReadMessage()
	return payload, err
}

func (c wsConn) WriteMessage(payload []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c wsConn) Close() error { return c.conn.Close() }

// Connect starts the transport. It returns immediately; progress is
// reported through OnStatus.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.status.State != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	next, act := transition(c.status, evDial)
	changed := c.setStatusLocked(next)
	gen := c.gen
	c.mu.Unlock()

	c.notify(next, changed)
	if act == actDial {
		go c.dial(gen)
	}
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Send marshals v and writes it to the socket, queueing it if the socket is
// down. Queued messages are flushed in send order on reconnect.
func (c *Client) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.status.State {
	case StateGivingUp:
		c.mu.Unlock()
		return ErrGivingUp
	case StateOpen:
		conn := c.conn
		gen := c.gen
		c.mu.Unlock()
		if err := c.write(conn, payload); err != nil {
			// Keep the message: the reconnect flushes the queue.
			c.mu.Lock()
			c.queue = append(c.queue, payload)
			c.mu.Unlock()
			c.connLost(gen)
		}
		return nil
	default:
		c.queue = append(c.queue, payload)
		c.mu.Unlock()
		return nil
	}
}

// Close shuts the transport down intentionally. No reconnect follows.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
	}
	next, _ := transition(c.status, evCloseRequested)
	changed := c.setStatusLocked(next)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.notify(next, changed)
}

func (c *Client) dial(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.status.State != StateConnecting {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()

	conn, err := c.opts.Dialer(ctx, c.url)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		next, act := transition(c.status, evDialFail)
		changed := c.setStatusLocked(next)
		switch act {
		case actScheduleRetry:
			c.scheduleRetryLocked(next.Attempt)
		case actGiveUp:
			c.queue = nil
			c.opts.Logger.Warn("signaling reconnect abandoned", "attempts", MaxAttempts)
		}
		c.mu.Unlock()
		c.notify(next, changed)
		return
	}

	c.conn = conn
	next, act := transition(c.status, evDialOK)
	changed := c.setStatusLocked(next)
	var pending [][]byte
	if act == actFlushQueue {
		pending = c.queue
		c.queue = nil
	}
	c.mu.Unlock()
	c.notify(next, changed)

	go c.readLoop(gen, conn)

	for i, payload := range pending {
		if err := c.write(conn, payload); err != nil {
			// Requeue what did not make it, preserving order.
			c.mu.Lock()
			c.queue = append(pending[i:], c.queue...)
			c.mu.Unlock()
			c.connLost(gen)
			return
		}
	}
}

func (c *Client) readLoop(gen int, conn Conn) {
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			c.connLost(gen)
			return
		}
		if c.opts.OnFrame != nil {
			c.opts.OnFrame(payload)
		}
	}
}

func (c *Client) connLost(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.status.State != StateOpen {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	next, act := transition(c.status, evConnLost)
	changed := c.setStatusLocked(next)
	if act == actScheduleRetry {
		c.scheduleRetryLocked(next.Attempt)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.notify(next, changed)
}

// scheduleRetryLocked arms the reconnect timer for the given attempt.
// Called with c.mu held, after c.gen reflects the generation the retry
// belongs to.
func (c *Client) scheduleRetryLocked(attempt int) {
	gen := c.gen
	c.timer = c.opts.AfterFunc(retryDelay(attempt), func() {
		c.dial(gen)
	})
}

func (c *Client) write(conn Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(payload)
}

func (c *Client) setStatusLocked(next Status) (changed bool) {
	if next == c.status {
		return false
	}
	c.status = next
	return true
}

func (c *Client) notify(st Status, changed bool) {
	if !changed || c.opts.OnStatus == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.opts.OnStatus(st)
}
