// Package ephemeral implements short-lived, session-authenticated messages
// such as cursor positions and presence.
//
// Every connection creates a fresh local session with a random id and a
// message counter. Before a peer's messages are accepted, the peer has to
// prove it holds the signing key for its claimed identity by signing both
// session ids. Afterwards a message is only accepted when its counter is
// strictly greater than the last accepted one, which rejects replays and
// reordering.
package ephemeral

import (
	"encoding/binary"
	"fmt"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/syncerr"
)

// MessageType is the first plaintext byte of an ephemeral message.
type MessageType byte

const (
	TypeInitialize           MessageType = 1
	TypeProofAndRequestProof MessageType = 2
	TypeProof                MessageType = 3
	TypeMessage              MessageType = 4
)

const (
	// SessionIDSize is the length of a session id in bytes.
	SessionIDSize = 24

	counterSize = 8
	headerSize  = 1 + SessionIDSize + counterSize
)

func (t MessageType) String() string {
	switch t {
	case TypeInitialize:
		return "initialize"
	case TypeProofAndRequestProof:
		return "proofAndRequestProof"
	case TypeProof:
		return "proof"
	case TypeMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

func (t MessageType) valid() bool {
	return t >= TypeInitialize && t <= TypeMessage
}

// Payload is a decrypted ephemeral message.
type Payload struct {
	Type      MessageType
	SessionID []byte
	Counter   uint64
	Data      []byte

	// Author is the wire form of the signing public key.
	Author string
}

// CreateParams describes an ephemeral message to create.
type CreateParams struct {
	Type       MessageType
	SessionID  []byte
	Counter    uint64
	Data       []byte
	DocID      string
	Key        []byte
	SigningKey crypto.SigningKeyPair
}

func encodePlaintext(t MessageType, sessionID []byte, counter uint64, data []byte) []byte {
	buf := make([]byte, headerSize, headerSize+len(data))
	buf[0] = byte(t)
	copy(buf[1:1+SessionIDSize], sessionID)
	binary.BigEndian.PutUint64(buf[1+SessionIDSize:headerSize], counter)
	return append(buf, data...)
}

// Create encrypts and signs an ephemeral message.
func Create(p CreateParams) (ir.EphemeralMessage, error) {
	if len(p.SessionID) != SessionIDSize {
		return ir.EphemeralMessage{}, fmt.Errorf("create ephemeral message: session id must be %d bytes", SessionIDSize)
	}
	if !p.Type.valid() {
		return ir.EphemeralMessage{}, fmt.Errorf("create ephemeral message: invalid type %s", p.Type)
	}

	pub := ir.EphemeralPublicData{DocID: p.DocID, PubKey: p.SigningKey.PublicKeyString()}
	pubIR := pub.ToIR()

	plaintext := encodePlaintext(p.Type, p.SessionID, p.Counter, p.Data)
	ciphertext, nonce, err := crypto.Encrypt(p.Key, plaintext, ir.AdditionalData(pubIR))
	if err != nil {
		return ir.EphemeralMessage{}, fmt.Errorf("create ephemeral message: %w", err)
	}

	sig := crypto.Sign(p.SigningKey.PrivateKey, crypto.DomainEphemeralMessage, ir.SigningPayload(ciphertext, nonce, pubIR))

	return ir.EphemeralMessage{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Signature:  sig,
		PublicData: pub,
	}, nil
}

// Open authenticates and decrypts msg. Checks run in order: signature,
// document id, decryption, plaintext layout, message type.
func Open(msg ir.EphemeralMessage, key []byte, docID string) (*Payload, error) {
	pubIR := msg.PublicData.ToIR()

	if !crypto.Verify(msg.PublicData.PubKey, crypto.DomainEphemeralMessage,
		ir.SigningPayload(msg.Ciphertext, msg.Nonce, pubIR), msg.Signature) {
		return nil, syncerr.New(syncerr.CodeEphemeralSignature, "")
	}

	if msg.PublicData.DocID != docID {
		return nil, syncerr.New(syncerr.CodeEphemeralDocID,
			fmt.Sprintf("ephemeral docId %q, expected %q", msg.PublicData.DocID, docID))
	}

	plaintext, err := crypto.Decrypt(key, msg.Ciphertext, msg.Nonce, ir.AdditionalData(pubIR))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeEphemeralDecrypt, err)
	}

	if len(plaintext) < headerSize {
		return nil, syncerr.New(syncerr.CodeEphemeralMalformed,
			fmt.Sprintf("plaintext of %d bytes is shorter than the header", len(plaintext)))
	}

	t := MessageType(plaintext[0])
	if !t.valid() {
		return nil, syncerr.New(syncerr.CodeEphemeralUnknownType, t.String())
	}

	return &Payload{
		Type:      t,
		SessionID: append([]byte(nil), plaintext[1:1+SessionIDSize]...),
		Counter:   binary.BigEndian.Uint64(plaintext[1+SessionIDSize : headerSize]),
		Data:      plaintext[headerSize:],
		Author:    msg.PublicData.PubKey,
	}, nil
}
