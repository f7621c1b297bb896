package engine

import (
	"context"
	"encoding/json"

	"github.com/roach88/secsync/internal/ephemeral"
	"github.com/roach88/secsync/internal/ir"
)

// command is an item of the control queue.
type command interface {
	isCommand()
}

type connectCmd struct{}

type disconnectCmd struct{}

// reconnectCmd fires when a reconnect timer scheduled under gen expires.
type reconnectCmd struct {
	gen uint64
}

// lifecycleCmd carries ir.Connected or ir.Disconnected from the transport.
type lifecycleCmd struct {
	gen uint64
	msg ir.Inbound
}

type ephemeralCmd struct {
	data []byte
}

type customCmd struct {
	payload json.RawMessage
}

func (connectCmd) isCommand()    {}
func (disconnectCmd) isCommand() {}
func (reconnectCmd) isCommand()  {}
func (lifecycleCmd) isCommand()  {}
func (ephemeralCmd) isCommand()  {}
func (customCmd) isCommand()     {}

// incomingEvent is a relay message stamped with its connection generation.
type incomingEvent struct {
	gen uint64
	msg ir.Inbound
}

// snapshotRef is a snapshot the engine holds a key for.
type snapshotRef struct {
	entry ir.SnapshotProofChainEntry
	key   []byte
}

type snapshotInFlight struct {
	snapshotRef
	changes []Change
}

type updateInFlight struct {
	refSnapshotID string
	clock         int64
	changes       []Change
}

// knownSnapshot is what the next connection resumes from.
type knownSnapshot struct {
	entry  ir.SnapshotProofChainEntry
	key    []byte
	clocks map[string]int64
}

// session is the per-connection state. It is replaced wholesale on
// disconnect.
type session struct {
	documentLoaded      bool
	active              *snapshotRef
	snapshotInFlight    *snapshotInFlight
	updatesInFlight     []updateInFlight
	ledger              *ClockLedger
	latestServerVersion *int64

	snapshotSaveFailures int
	forceSnapshot        bool

	ephemeral            *ephemeral.Session
	ephemeralInitialized bool
}

func newSession() session {
	return session{ledger: NewClockLedger()}
}

func (e *Engine) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case connectCmd:
		e.handleConnect(ctx)
	case disconnectCmd:
		e.handleDisconnect()
	case reconnectCmd:
		if c.gen != e.gen || !e.shouldReconnect || e.state != StateDisconnected {
			return
		}
		e.connect(ctx)
	case lifecycleCmd:
		if c.gen != e.gen {
			e.logger.Debug("dropping stale lifecycle event", "type", c.msg.MessageType(), "gen", c.gen)
			return
		}
		if _, ok := c.msg.(ir.Disconnected); ok {
			// Messages read before the close still apply.
			e.flushIncoming(ctx)
			if c.gen != e.gen {
				return
			}
		}
		e.handleLifecycle(c.msg)
	case ephemeralCmd:
		e.sendEphemeral(ephemeral.Outgoing{Type: ephemeral.TypeMessage, Data: c.data})
	case customCmd:
		if e.conn == nil || e.state != StateConnected {
			e.logger.Debug("dropping custom message: not connected")
			return
		}
		if err := e.conn.Send(ir.OutboundCustom{Payload: c.payload}); err != nil {
			e.logger.Warn("send custom message failed", "error", err)
		}
	}
}

func (e *Engine) handleConnect(ctx context.Context) {
	if e.state.Terminal() {
		e.logger.Warn("connect ignored", "state", e.state)
		return
	}
	e.shouldReconnect = true
	if e.state == StateConnecting || e.state == StateConnected {
		return
	}
	e.cancelReconnect()
	e.backoff.Reset()
	e.connect(ctx)
}

func (e *Engine) handleDisconnect() {
	e.shouldReconnect = false
	e.cancelReconnect()
	if e.state.Terminal() {
		return
	}
	e.connectionLost()
}

// connect starts a new connection attempt under a fresh generation.
func (e *Engine) connect(ctx context.Context) {
	e.gen++
	gen := e.gen
	e.state = StateConnecting

	params := ConnectParams{
		DocumentID: e.docID,
		SessionKey: e.sessionKey,
		Mode:       SyncComplete,
	}
	if e.known != nil {
		params.Mode = SyncDelta
		params.KnownSnapshotID = e.known.entry.SnapshotID
		params.KnownSnapshotUpdateClocks = e.known.clocks
	}

	e.logger.Info("connecting", "mode", params.Mode, "gen", gen)

	conn, err := e.transport.Connect(ctx, params, func(msg ir.Inbound) {
		e.deliver(gen, msg)
	})
	if err != nil {
		e.logger.Warn("connect failed", "error", err)
		e.state = StateDisconnected
		e.scheduleReconnect()
		return
	}
	e.conn = conn
}

// deliver routes a transport event to its queue.
// Thread-safe: called from transport goroutines.
func (e *Engine) deliver(gen uint64, msg ir.Inbound) {
	switch msg.(type) {
	case ir.Connected, ir.Disconnected:
		e.control.Enqueue(lifecycleCmd{gen: gen, msg: msg})
	case ir.CustomMessage:
		e.custom.Enqueue(incomingEvent{gen: gen, msg: msg})
	default:
		e.incoming.Enqueue(incomingEvent{gen: gen, msg: msg})
	}
}

func (e *Engine) handleLifecycle(msg ir.Inbound) {
	switch m := msg.(type) {
	case ir.Connected:
		if e.state != StateConnecting {
			return
		}
		e.state = StateConnected
		e.ephemeralSession()
		e.backoff.Reset()
		e.logger.Info("connected")

	case ir.Disconnected:
		e.logger.Info("disconnected", "error", m.Err)
		e.connectionLost()
	}
}

// flushIncoming handles every queued relay message.
func (e *Engine) flushIncoming(ctx context.Context) {
	for {
		ev, ok := e.incoming.TryDequeue()
		if !ok {
			return
		}
		e.handleIncomingEvent(ctx, ev)
	}
}

// connectionLost tears down the connection and session. Unacknowledged
// changes go back to the front of the pending queue and the active
// snapshot becomes the known snapshot for the next connection.
func (e *Engine) connectionLost() {
	e.closeConn()
	e.gen++

	if e.sess.active != nil {
		e.known = &knownSnapshot{
			entry:  e.sess.active.entry,
			key:    e.sess.active.key,
			clocks: e.sess.ledger.Clocks(e.sess.active.entry.SnapshotID),
		}
	}
	e.restoreInFlight()
	e.sess = newSession()
	e.incoming.Clear()
	e.custom.Clear()
	e.state = StateDisconnected

	if e.shouldReconnect {
		e.scheduleReconnect()
	}
}

// terminate ends the engine in a terminal state.
func (e *Engine) terminate(state State) {
	e.shouldReconnect = false
	e.cancelReconnect()
	e.closeConn()
	e.gen++
	e.restoreInFlight()
	e.sess = newSession()
	e.incoming.Clear()
	e.custom.Clear()
	e.state = state
	e.logger.Error("sync stopped", "state", state)
}

// restoreInFlight puts the changes of the snapshot and updates awaiting
// acknowledgement back in front of the pending queue.
func (e *Engine) restoreInFlight() {
	var changes []Change
	if s := e.sess.snapshotInFlight; s != nil {
		changes = append(changes, s.changes...)
	}
	for _, u := range e.sess.updatesInFlight {
		changes = append(changes, u.changes...)
	}
	e.sess.snapshotInFlight = nil
	e.sess.updatesInFlight = nil
	e.pending.PushFront(changes...)
}

func (e *Engine) scheduleReconnect() {
	e.cancelReconnect()
	d := e.backoff.NextBackOff()
	gen := e.gen
	e.logger.Info("reconnect scheduled", "delay", d)
	e.stopReconnect = e.scheduler.AfterFunc(d, func() {
		e.control.Enqueue(reconnectCmd{gen: gen})
	})
}

func (e *Engine) cancelReconnect() {
	if e.stopReconnect != nil {
		e.stopReconnect()
		e.stopReconnect = nil
	}
}

func (e *Engine) closeConn() {
	if e.conn == nil {
		return
	}
	if err := e.conn.Close(); err != nil {
		e.logger.Debug("close connection", "error", err)
	}
	e.conn = nil
}
