package ephemeral

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/syncerr"
)

const proofSize = SessionIDSize + ed25519.SignatureSize

// RemoteSession is the verified session of a peer.
type RemoteSession struct {
	SessionID []byte
	Counter   uint64
}

// Session is the local ephemeral session of one connection. It is not safe
// for concurrent use.
type Session struct {
	ID      []byte
	counter uint64

	// ValidSessions maps an author's public key to its verified session.
	ValidSessions map[string]RemoteSession
}

// NewSession creates a session with a random id.
func NewSession() (*Session, error) {
	id, err := crypto.RandomBytes(SessionIDSize)
	if err != nil {
		return nil, fmt.Errorf("new ephemeral session: %w", err)
	}
	return NewSessionWithID(id), nil
}

// NewSessionWithID creates a session with a fixed id.
func NewSessionWithID(id []byte) *Session {
	return &Session{
		ID:            append([]byte(nil), id...),
		ValidSessions: make(map[string]RemoteSession),
	}
}

// Outgoing is a message the session wants to send.
type Outgoing struct {
	Type MessageType
	Data []byte
}

// Result is the outcome of handling a received payload. Content is set for
// an accepted message. Reply is set when the handshake requires an answer.
type Result struct {
	Content []byte
	Reply   *Outgoing
}

// Seal creates the next outgoing message of this session, incrementing
// the session counter.
func (s *Session) Seal(out Outgoing, docID string, key []byte, kp crypto.SigningKeyPair) (ir.EphemeralMessage, error) {
	s.counter++
	return Create(CreateParams{
		Type:       out.Type,
		SessionID:  s.ID,
		Counter:    s.counter,
		Data:       out.Data,
		DocID:      docID,
		Key:        key,
		SigningKey: kp,
	})
}

// Counter returns the counter of the last sealed message.
func (s *Session) Counter() uint64 {
	return s.counter
}

// Verified reports whether author has a verified session.
func (s *Session) Verified(author string) bool {
	_, ok := s.ValidSessions[author]
	return ok
}

func proofMessage(remoteSessionID, currentSessionID []byte) []byte {
	return ir.MustMarshalCanonical(ir.Object{
		"remoteClientSessionId":  ir.String(crypto.Encode(remoteSessionID)),
		"currentClientSessionId": ir.String(crypto.Encode(currentSessionID)),
	})
}

// createProof proves to the holder of remoteSessionID that this session
// belongs to the key pair's owner.
func (s *Session) createProof(remoteSessionID []byte, kp crypto.SigningKeyPair) []byte {
	sig := crypto.SignRaw(kp.PrivateKey, crypto.DomainEphemeralSessionProof, proofMessage(remoteSessionID, s.ID))
	buf := make([]byte, 0, proofSize)
	buf = append(buf, remoteSessionID...)
	return append(buf, sig...)
}

// Handle advances the handshake with the payload's author.
//
// An initialize, or a message from a peer that has not proven its session,
// is answered with proofAndRequestProof. A valid proof marks the peer's
// session verified, and proofAndRequestProof is answered with a proof. A
// proof addressed to another session id is ignored, and a proof from a
// verified session must carry a counter greater than the last. A message
// from a verified session is accepted only with a counter greater than the
// last.
func (s *Session) Handle(p *Payload, kp crypto.SigningKeyPair) (Result, error) {
	switch p.Type {
	case TypeInitialize:
		return s.requestProof(p, kp), nil

	case TypeProof, TypeProofAndRequestProof:
		if len(p.Data) != proofSize {
			return Result{}, syncerr.New(syncerr.CodeEphemeralMalformed,
				fmt.Sprintf("proof of %d bytes", len(p.Data)))
		}
		target := p.Data[:SessionIDSize]
		if !bytes.Equal(target, s.ID) {
			return Result{}, nil
		}

		pub, err := crypto.ParsePublicKey(p.Author)
		if err != nil {
			return Result{}, syncerr.Wrap(syncerr.CodeEphemeralMalformed, err)
		}
		if !crypto.VerifyRaw(pub, crypto.DomainEphemeralSessionProof, proofMessage(s.ID, p.SessionID), p.Data[SessionIDSize:]) {
			return Result{}, syncerr.New(syncerr.CodeEphemeralSignature, "invalid session proof")
		}

		// A proof from an already verified session must not wind its counter back.
		if known, ok := s.ValidSessions[p.Author]; ok && bytes.Equal(known.SessionID, p.SessionID) {
			if p.Counter <= known.Counter {
				return Result{}, syncerr.New(syncerr.CodeEphemeralReplay,
					fmt.Sprintf("proof counter %d not after %d", p.Counter, known.Counter))
			}
		}
		s.ValidSessions[p.Author] = RemoteSession{SessionID: p.SessionID, Counter: p.Counter}

		if p.Type == TypeProofAndRequestProof {
			return Result{Reply: &Outgoing{Type: TypeProof, Data: s.createProof(p.SessionID, kp)}}, nil
		}
		return Result{}, nil

	case TypeMessage:
		remote, ok := s.ValidSessions[p.Author]
		if !ok || !bytes.Equal(remote.SessionID, p.SessionID) {
			return s.requestProof(p, kp), nil
		}
		if p.Counter <= remote.Counter {
			return Result{}, syncerr.New(syncerr.CodeEphemeralReplay,
				fmt.Sprintf("counter %d not after %d", p.Counter, remote.Counter))
		}
		remote.Counter = p.Counter
		s.ValidSessions[p.Author] = remote
		return Result{Content: p.Data}, nil

	default:
		return Result{}, syncerr.New(syncerr.CodeEphemeralUnknownType, p.Type.String())
	}
}

func (s *Session) requestProof(p *Payload, kp crypto.SigningKeyPair) Result {
	return Result{Reply: &Outgoing{Type: TypeProofAndRequestProof, Data: s.createProof(p.SessionID, kp)}}
}
