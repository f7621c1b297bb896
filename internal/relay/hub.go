package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/secsync/internal/ir"
)

const writeTimeout = 10 * time.Second

// document holds the connections of one document. mu also serializes the
// lineage and clock decisions of the document's writes.
type document struct {
	id string

	mu      sync.Mutex
	clients map[string]*client
}

func newDocument(id string) *document {
	return &document{id: id, clients: make(map[string]*client)}
}

// client is one websocket connection.
type client struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// enqueue queues msg for the writer. A client that cannot keep up is
// dropped.
func (c *client) enqueue(msg ir.Inbound) {
	data, err := ir.MarshalInbound(msg)
	if err != nil {
		c.logger.Error("encode message", "type", msg.MessageType(), "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.closeLocked()
	}
}

// close stops the writer once it has flushed what is queued.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump writes queued messages until the send channel is closed.
func (c *client) writePump() {
	defer c.ws.Close()
	for data := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("write failed", "error", err)
			return
		}
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Called with d.mu held.
func (d *document) add(c *client) {
	d.clients[c.id] = c
}

// Called with d.mu held.
func (d *document) remove(c *client) {
	delete(d.clients, c.id)
}

// broadcast sends msg to every client except the sender.
// Called with d.mu held.
func (d *document) broadcast(from *client, msg ir.Inbound) {
	for id, c := range d.clients {
		if id == from.id {
			continue
		}
		c.enqueue(msg)
	}
}
