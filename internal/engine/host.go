package engine

import (
	"context"
	"encoding/json"

	"github.com/roach88/secsync/internal/ir"
)

// Change is one opaque document change produced by the host editor.
type Change []byte

// DocumentUpdateKind says what made the document change.
type DocumentUpdateKind string

const (
	SnapshotReceived DocumentUpdateKind = "snapshot-received"
	UpdateReceived   DocumentUpdateKind = "update-received"
	SnapshotSaved    DocumentUpdateKind = "snapshot-saved"
	UpdateSaved      DocumentUpdateKind = "update-saved"
)

// DocumentUpdatedEvent is passed to Host.OnDocumentUpdated.
type DocumentUpdatedEvent struct {
	Kind       DocumentUpdateKind
	SnapshotID string

	// Clock is set for update events.
	Clock int64
}

// SnapshotKeyRequest identifies the snapshot whose key the engine needs.
// PublicData is nil when the engine only knows the snapshot id, e.g. when
// resuming from a known snapshot.
type SnapshotKeyRequest struct {
	SnapshotID string
	PublicData *ir.SnapshotPublicData
}

// NewSnapshotData is the state the host wants to publish as a snapshot.
type NewSnapshotData struct {
	// SnapshotID is optional. The engine generates one when empty.
	SnapshotID string
	Data       []byte
	Key        []byte
}

// ShouldSendSnapshotParams is passed to Host.ShouldSendSnapshot.
type ShouldSendSnapshotParams struct {
	ActiveSnapshotID    string
	LatestServerVersion *int64
}

// Host is implemented by the application that owns the document. The
// engine calls it from its event loop, one call at a time.
type Host interface {
	ApplySnapshot(ctx context.Context, content []byte) error
	GetSnapshotKey(ctx context.Context, req SnapshotKeyRequest) ([]byte, error)
	GetUpdateKey(ctx context.Context, pub ir.UpdatePublicData) ([]byte, error)
	GetNewSnapshotData(ctx context.Context) (NewSnapshotData, error)

	DeserializeChanges(data []byte) ([]Change, error)
	SerializeChanges(changes []Change) ([]byte, error)
	ApplyChanges(ctx context.Context, changes []Change) error

	ApplyEphemeralMessage(ctx context.Context, content []byte, author string) error
	ShouldSendSnapshot(params ShouldSendSnapshotParams) bool
	IsValidClient(ctx context.Context, pubKey string) (bool, error)

	OnDocumentUpdated(ev DocumentUpdatedEvent)
	OnCustomMessage(ctx context.Context, payload json.RawMessage) error
	OnStatusChange(status Status)
}

// NopHooks implements the optional Host methods. Embed it in a host that
// only cares about the document callbacks.
type NopHooks struct{}

func (NopHooks) ApplyEphemeralMessage(context.Context, []byte, string) error { return nil }
func (NopHooks) ShouldSendSnapshot(ShouldSendSnapshotParams) bool            { return false }
func (NopHooks) IsValidClient(context.Context, string) (bool, error)         { return true, nil }
func (NopHooks) OnDocumentUpdated(DocumentUpdatedEvent)                      {}
func (NopHooks) OnCustomMessage(context.Context, json.RawMessage) error      { return nil }
func (NopHooks) OnStatusChange(Status)                                       {}
