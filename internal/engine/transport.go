package engine

import (
	"context"

	"github.com/roach88/secsync/internal/ir"
)

// SyncMode selects how much of the document the relay sends on connect.
type SyncMode string

const (
	// SyncComplete requests the latest snapshot and all its updates.
	SyncComplete SyncMode = "complete"
	// SyncDelta requests only what follows the known snapshot and clocks.
	SyncDelta SyncMode = "delta"
)

// ConnectParams are sent to the relay when opening a connection.
type ConnectParams struct {
	DocumentID string
	SessionKey string
	Mode       SyncMode

	KnownSnapshotID           string
	KnownSnapshotUpdateClocks map[string]int64
}

// Transport opens connections to a relay.
//
// Connect must not block on the network. The connection reports its
// progress through deliver: ir.Connected once open, then relay messages,
// then exactly one ir.Disconnected. deliver may be called from any
// goroutine.
type Transport interface {
	Connect(ctx context.Context, params ConnectParams, deliver func(ir.Inbound)) (Conn, error)
}

// Conn is an open or opening relay connection.
type Conn interface {
	Send(msg ir.Outbound) error
	Close() error
}
