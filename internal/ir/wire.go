package ir

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire message types. Client and relay share the type strings; direction
// decides which variant a type string parses into.
const (
	TypeDocument           = "document"
	TypeSnapshot           = "snapshot"
	TypeSnapshotSaved      = "snapshot-saved"
	TypeSnapshotSaveFailed = "snapshot-save-failed"
	TypeUpdate             = "update"
	TypeUpdateSaved        = "update-saved"
	TypeUpdateSaveFailed   = "update-save-failed"
	TypeEphemeralMessage   = "ephemeral-message"
	TypeDocumentNotFound   = "document-not-found"
	TypeUnauthorized       = "unauthorized"
	TypeDocumentError      = "document-error"
	TypeCustom             = "custom"

	// Lifecycle signals produced by a transport, never sent on the wire.
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
)

// ErrUnknownMessageType is returned when a wire message carries a type the
// receiving side does not understand.
var ErrUnknownMessageType = errors.New("unknown message type")

// Inbound is a message delivered to a client: relay messages plus the
// transport's lifecycle signals. Sealed - only the types below implement it.
type Inbound interface {
	MessageType() string
	inbound()
}

// DocumentMessage is the initial load of a document.
type DocumentMessage struct {
	Snapshot           *Snapshot
	SnapshotProofChain []SnapshotProofChainEntry
	Updates            []Update
	ServerData         *ServerData
}

// SnapshotMessage is a snapshot accepted by the relay from another client.
type SnapshotMessage struct {
	Snapshot           Snapshot
	SnapshotProofChain []SnapshotProofChainEntry
}

// SnapshotSavedMessage acknowledges the snapshot this client sent.
type SnapshotSavedMessage struct {
	SnapshotID string
	ServerData *ServerData
}

// SnapshotSaveFailedMessage rejects the snapshot this client sent. The relay
// may bundle its current snapshot and updates so the client can catch up.
type SnapshotSaveFailedMessage struct {
	Snapshot           *Snapshot
	SnapshotProofChain []SnapshotProofChainEntry
	Updates            []Update
}

// UpdateMessage is an update accepted by the relay from another client.
type UpdateMessage struct {
	Update Update
}

// UpdateSavedMessage acknowledges an update this client sent.
type UpdateSavedMessage struct {
	SnapshotID string
	Clock      int64
	ServerData *ServerData
}

// UpdateSaveFailedMessage rejects an update this client sent.
type UpdateSaveFailedMessage struct {
	SnapshotID          string
	Clock               int64
	RequiresNewSnapshot bool
}

// EphemeralMessageReceived carries an ephemeral message from another client.
type EphemeralMessageReceived struct {
	Message EphemeralMessage
}

// DocumentNotFoundMessage reports that the relay has no such document.
type DocumentNotFoundMessage struct{}

// UnauthorizedMessage reports that the session key was rejected.
type UnauthorizedMessage struct{}

// DocumentErrorMessage reports a relay-side failure for the document.
type DocumentErrorMessage struct {
	Reason string
}

// CustomMessage is an application extension message. Its payload is opaque
// to the sync protocol.
type CustomMessage struct {
	Payload json.RawMessage
}

// Connected signals that the transport is open.
type Connected struct{}

// Disconnected signals that the transport closed. Err is nil for a clean close.
type Disconnected struct {
	Err error
}

func (DocumentMessage) MessageType() string           { return TypeDocument }
func (SnapshotMessage) MessageType() string           { return TypeSnapshot }
func (SnapshotSavedMessage) MessageType() string      { return TypeSnapshotSaved }
func (SnapshotSaveFailedMessage) MessageType() string { return TypeSnapshotSaveFailed }
func (UpdateMessage) MessageType() string             { return TypeUpdate }
func (UpdateSavedMessage) MessageType() string        { return TypeUpdateSaved }
func (UpdateSaveFailedMessage) MessageType() string   { return TypeUpdateSaveFailed }
func (EphemeralMessageReceived) MessageType() string  { return TypeEphemeralMessage }
func (DocumentNotFoundMessage) MessageType() string   { return TypeDocumentNotFound }
func (UnauthorizedMessage) MessageType() string       { return TypeUnauthorized }
func (DocumentErrorMessage) MessageType() string      { return TypeDocumentError }
func (CustomMessage) MessageType() string             { return TypeCustom }
func (Connected) MessageType() string                 { return TypeConnected }
func (Disconnected) MessageType() string              { return TypeDisconnected }

func (DocumentMessage) inbound()           {}
func (SnapshotMessage) inbound()           {}
func (SnapshotSavedMessage) inbound()      {}
func (SnapshotSaveFailedMessage) inbound() {}
func (UpdateMessage) inbound()             {}
func (UpdateSavedMessage) inbound()        {}
func (UpdateSaveFailedMessage) inbound()   {}
func (EphemeralMessageReceived) inbound()  {}
func (DocumentNotFoundMessage) inbound()   {}
func (UnauthorizedMessage) inbound()       {}
func (DocumentErrorMessage) inbound()      {}
func (CustomMessage) inbound()             {}
func (Connected) inbound()                 {}
func (Disconnected) inbound()              {}

// Outbound is a message a client sends to the relay. Sealed.
type Outbound interface {
	MessageType() string
	outbound()
}

// OutboundSnapshot submits a new snapshot.
type OutboundSnapshot struct {
	Snapshot            Snapshot
	LatestServerVersion *int64
}

// OutboundUpdate submits a new update.
type OutboundUpdate struct {
	Update Update
}

// OutboundEphemeralMessage broadcasts an ephemeral message.
type OutboundEphemeralMessage struct {
	Message EphemeralMessage
}

// OutboundCustom sends an application extension message.
type OutboundCustom struct {
	Payload json.RawMessage
}

func (OutboundSnapshot) MessageType() string         { return TypeSnapshot }
func (OutboundUpdate) MessageType() string           { return TypeUpdate }
func (OutboundEphemeralMessage) MessageType() string { return TypeEphemeralMessage }
func (OutboundCustom) MessageType() string           { return TypeCustom }

func (OutboundSnapshot) outbound()         {}
func (OutboundUpdate) outbound()           {}
func (OutboundEphemeralMessage) outbound() {}
func (OutboundCustom) outbound()           {}

// envelope is the JSON shape shared by every wire message.
type envelope struct {
	Type                string                    `json:"type"`
	Snapshot            *Snapshot                 `json:"snapshot,omitempty"`
	SnapshotProofChain  []SnapshotProofChainEntry `json:"snapshotProofChain,omitempty"`
	Updates             []Update                  `json:"updates,omitempty"`
	Update              *Update                   `json:"update,omitempty"`
	EphemeralMessage    *EphemeralMessage         `json:"ephemeralMessage,omitempty"`
	SnapshotID          string                    `json:"snapshotId,omitempty"`
	Clock               *int64                    `json:"clock,omitempty"`
	RequiresNewSnapshot bool                      `json:"requiresNewSnapshot,omitempty"`
	ServerData          *ServerData               `json:"serverData,omitempty"`
	LatestServerVersion *int64                    `json:"latestServerVersion,omitempty"`
	Reason              string                    `json:"reason,omitempty"`
	Payload             json.RawMessage           `json:"payload,omitempty"`
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode wire message: %w", err)
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("decode wire message: missing type")
	}
	return env, nil
}

func missing(typ, field string) error {
	return fmt.Errorf("%s message: missing %s", typ, field)
}

// ParseInbound decodes a relay-to-client wire message.
func ParseInbound(data []byte) (Inbound, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeDocument:
		return DocumentMessage{
			Snapshot:           env.Snapshot,
			SnapshotProofChain: env.SnapshotProofChain,
			Updates:            env.Updates,
			ServerData:         env.ServerData,
		}, nil
	case TypeSnapshot:
		if env.Snapshot == nil {
			return nil, missing(env.Type, "snapshot")
		}
		return SnapshotMessage{Snapshot: *env.Snapshot, SnapshotProofChain: env.SnapshotProofChain}, nil
	case TypeSnapshotSaved:
		if env.SnapshotID == "" {
			return nil, missing(env.Type, "snapshotId")
		}
		return SnapshotSavedMessage{SnapshotID: env.SnapshotID, ServerData: env.ServerData}, nil
	case TypeSnapshotSaveFailed:
		return SnapshotSaveFailedMessage{
			Snapshot:           env.Snapshot,
			SnapshotProofChain: env.SnapshotProofChain,
			Updates:            env.Updates,
		}, nil
	case TypeUpdate:
		if env.Update == nil {
			return nil, missing(env.Type, "update")
		}
		return UpdateMessage{Update: *env.Update}, nil
	case TypeUpdateSaved:
		if env.SnapshotID == "" || env.Clock == nil {
			return nil, missing(env.Type, "snapshotId or clock")
		}
		return UpdateSavedMessage{SnapshotID: env.SnapshotID, Clock: *env.Clock, ServerData: env.ServerData}, nil
	case TypeUpdateSaveFailed:
		if env.SnapshotID == "" || env.Clock == nil {
			return nil, missing(env.Type, "snapshotId or clock")
		}
		return UpdateSaveFailedMessage{
			SnapshotID:          env.SnapshotID,
			Clock:               *env.Clock,
			RequiresNewSnapshot: env.RequiresNewSnapshot,
		}, nil
	case TypeEphemeralMessage:
		if env.EphemeralMessage == nil {
			return nil, missing(env.Type, "ephemeralMessage")
		}
		return EphemeralMessageReceived{Message: *env.EphemeralMessage}, nil
	case TypeDocumentNotFound:
		return DocumentNotFoundMessage{}, nil
	case TypeUnauthorized:
		return UnauthorizedMessage{}, nil
	case TypeDocumentError:
		return DocumentErrorMessage{Reason: env.Reason}, nil
	case TypeCustom:
		return CustomMessage{Payload: env.Payload}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// MarshalInbound encodes a relay-to-client wire message. Lifecycle signals
// cannot be marshaled.
func MarshalInbound(msg Inbound) ([]byte, error) {
	env := envelope{Type: msg.MessageType()}

	switch m := msg.(type) {
	case DocumentMessage:
		env.Snapshot = m.Snapshot
		env.SnapshotProofChain = m.SnapshotProofChain
		env.Updates = m.Updates
		env.ServerData = m.ServerData
	case SnapshotMessage:
		env.Snapshot = &m.Snapshot
		env.SnapshotProofChain = m.SnapshotProofChain
	case SnapshotSavedMessage:
		env.SnapshotID = m.SnapshotID
		env.ServerData = m.ServerData
	case SnapshotSaveFailedMessage:
		env.Snapshot = m.Snapshot
		env.SnapshotProofChain = m.SnapshotProofChain
		env.Updates = m.Updates
	case UpdateMessage:
		env.Update = &m.Update
	case UpdateSavedMessage:
		env.SnapshotID = m.SnapshotID
		env.Clock = &m.Clock
		env.ServerData = m.ServerData
	case UpdateSaveFailedMessage:
		env.SnapshotID = m.SnapshotID
		env.Clock = &m.Clock
		env.RequiresNewSnapshot = m.RequiresNewSnapshot
	case EphemeralMessageReceived:
		env.EphemeralMessage = &m.Message
	case DocumentNotFoundMessage, UnauthorizedMessage:
	case DocumentErrorMessage:
		env.Reason = m.Reason
	case CustomMessage:
		env.Payload = m.Payload
	default:
		return nil, fmt.Errorf("%w: cannot marshal %q", ErrUnknownMessageType, msg.MessageType())
	}

	return json.Marshal(env)
}

// ParseOutbound decodes a client-to-relay wire message.
func ParseOutbound(data []byte) (Outbound, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeSnapshot:
		if env.Snapshot == nil {
			return nil, missing(env.Type, "snapshot")
		}
		return OutboundSnapshot{Snapshot: *env.Snapshot, LatestServerVersion: env.LatestServerVersion}, nil
	case TypeUpdate:
		if env.Update == nil {
			return nil, missing(env.Type, "update")
		}
		return OutboundUpdate{Update: *env.Update}, nil
	case TypeEphemeralMessage:
		if env.EphemeralMessage == nil {
			return nil, missing(env.Type, "ephemeralMessage")
		}
		return OutboundEphemeralMessage{Message: *env.EphemeralMessage}, nil
	case TypeCustom:
		return OutboundCustom{Payload: env.Payload}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// MarshalOutbound encodes a client-to-relay wire message.
func MarshalOutbound(msg Outbound) ([]byte, error) {
	env := envelope{Type: msg.MessageType()}

	switch m := msg.(type) {
	case OutboundSnapshot:
		env.Snapshot = &m.Snapshot
		env.LatestServerVersion = m.LatestServerVersion
	case OutboundUpdate:
		env.Update = &m.Update
	case OutboundEphemeralMessage:
		env.EphemeralMessage = &m.Message
	case OutboundCustom:
		env.Payload = m.Payload
	default:
		return nil, fmt.Errorf("%w: cannot marshal %q", ErrUnknownMessageType, msg.MessageType())
	}

	return json.Marshal(env)
}
