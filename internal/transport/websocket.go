// Package transport connects an engine to a relay over websockets.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/secsync/internal/engine"
	"github.com/roach88/secsync/internal/ir"
)

const sendBufferSize = 64

// ErrClosed is returned by Send after the connection was closed.
var ErrClosed = errors.New("transport: connection closed")

// ErrNotOpen is returned by Send before the connection is open.
var ErrNotOpen = errors.New("transport: connection not open")

// Option configures a WebSocket transport.
type Option func(*WebSocket)

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(w *WebSocket) {
		w.dialer = d
	}
}

// WithWriteTimeout bounds each websocket write.
//
// Default: 10s
func WithWriteTimeout(d time.Duration) Option {
	return func(w *WebSocket) {
		w.writeTimeout = d
	}
}

// WithPingInterval sets how often an idle connection is pinged. Zero
// disables pings.
//
// Default: 30s
func WithPingInterval(d time.Duration) Option {
	return func(w *WebSocket) {
		w.pingInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *WebSocket) {
		w.logger = l
	}
}

// WebSocket is an engine.Transport that dials a relay.
type WebSocket struct {
	baseURL      string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
}

var _ engine.Transport = (*WebSocket)(nil)

// New returns a transport for the relay at baseURL.
func New(baseURL string, opts ...Option) *WebSocket {
	w := &WebSocket{
		baseURL:      baseURL,
		dialer:       websocket.DefaultDialer,
		writeTimeout: 10 * time.Second,
		pingInterval: 30 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Connect starts dialing and returns immediately. The returned connection
// reports ir.Connected or ir.Disconnected through deliver.
func (w *WebSocket) Connect(ctx context.Context, params engine.ConnectParams, deliver func(ir.Inbound)) (engine.Conn, error) {
	target, err := URL(w.baseURL, params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		deliver:      deliver,
		send:         make(chan []byte, sendBufferSize),
		cancel:       cancel,
		writeTimeout: w.writeTimeout,
		pingInterval: w.pingInterval,
		logger:       w.logger.With("document_id", params.DocumentID),
	}
	go c.run(ctx, w.dialer, target)
	return c, nil
}

// conn is one websocket connection. Writes go through a single writer
// goroutine, reads through a single reader goroutine.
type conn struct {
	deliver      func(ir.Inbound)
	send         chan []byte
	cancel       context.CancelFunc
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	open   bool
	closed bool

	disconnectOnce sync.Once
}

func (c *conn) Send(msg ir.Outbound) error {
	data, err := ir.MarshalOutbound(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case !c.open:
		return ErrNotOpen
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send %s: buffer full", msg.MessageType())
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *conn) disconnected(err error) {
	c.disconnectOnce.Do(func() {
		c.deliver(ir.Disconnected{Err: err})
	})
}

func (c *conn) run(ctx context.Context, dialer *websocket.Dialer, target string) {
	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.logger.Info("dial failed", "error", err)
		c.disconnected(fmt.Errorf("dial relay: %w", err))
		return
	}
	defer ws.Close()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.disconnected(ErrClosed)
		return
	}
	c.open = true
	c.mu.Unlock()

	c.deliver(ir.Connected{})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readPump(ws)
		cancel()
	}()

	err = c.writePump(ctx, ws)
	ws.Close()
	if rerr := <-readErr; err == nil {
		err = rerr
	}
	c.disconnected(err)
}

func (c *conn) readPump(ws *websocket.Conn) error {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := ir.ParseInbound(data)
		if err != nil {
			c.logger.Warn("dropping unparseable message", "error", err)
			continue
		}
		c.deliver(msg)
	}
}

func (c *conn) writePump(ctx context.Context, ws *websocket.Conn) error {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		t := time.NewTicker(c.pingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(c.writeTimeout)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil
		case data := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ping:
			deadline := time.Now().Add(c.writeTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
