// Package update creates and verifies encrypted incremental updates.
//
// An update is scoped to one snapshot and carries a per-author clock that
// starts at 0 and grows by exactly one with every update the author
// publishes against that snapshot. The clock is part of the signed public
// data.
package update

import (
	"errors"
	"fmt"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/syncerr"
)

// NoClock is the current clock of an author without updates on a snapshot.
const NoClock int64 = -1

// CreateParams describes an update to create.
type CreateParams struct {
	Content       []byte
	DocID         string
	RefSnapshotID string
	Clock         int64
	Key           []byte
	SigningKey    crypto.SigningKeyPair
}

// Create encrypts and signs a new update.
func Create(p CreateParams) (ir.Update, error) {
	if p.DocID == "" || p.RefSnapshotID == "" {
		return ir.Update{}, errors.New("create update: docId and refSnapshotId are required")
	}
	if p.Clock < 0 {
		return ir.Update{}, fmt.Errorf("create update: negative clock %d", p.Clock)
	}

	pub := ir.UpdatePublicData{
		DocID:         p.DocID,
		PubKey:        p.SigningKey.PublicKeyString(),
		RefSnapshotID: p.RefSnapshotID,
		Clock:         p.Clock,
	}
	pubIR := pub.ToIR()

	ciphertext, nonce, err := crypto.Encrypt(p.Key, p.Content, ir.AdditionalData(pubIR))
	if err != nil {
		return ir.Update{}, fmt.Errorf("create update %s/%d: %w", p.RefSnapshotID, p.Clock, err)
	}

	sig := crypto.Sign(p.SigningKey.PrivateKey, crypto.DomainUpdate, ir.SigningPayload(ciphertext, nonce, pubIR))

	return ir.Update{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Signature:  sig,
		PublicData: pub,
	}, nil
}

// VerifyParams describes what a received update is checked against.
type VerifyParams struct {
	Key   []byte
	DocID string

	// CurrentRefSnapshotID is the active snapshot the update must reference.
	CurrentRefSnapshotID string

	// CurrentClock is the author's last applied clock on the active
	// snapshot, or NoClock.
	CurrentClock int64
}

// Verify authenticates u and returns its decrypted content. Checks run in a
// fixed order: signature, document, referenced snapshot, clock, decryption.
//
// An update at or below CurrentClock fails with CodeUpdateReplay, which is
// not fatal. Callers skip such updates.
func Verify(u ir.Update, p VerifyParams) ([]byte, error) {
	pubIR := u.PublicData.ToIR()

	if !crypto.Verify(u.PublicData.PubKey, crypto.DomainUpdate,
		ir.SigningPayload(u.Ciphertext, u.Nonce, pubIR), u.Signature) {
		return nil, syncerr.New(syncerr.CodeUpdateSignature, "")
	}

	if u.PublicData.DocID != p.DocID {
		return nil, syncerr.New(syncerr.CodeUpdateGeneric,
			fmt.Sprintf("update docId %q, expected %q", u.PublicData.DocID, p.DocID))
	}

	if u.PublicData.RefSnapshotID != p.CurrentRefSnapshotID {
		return nil, syncerr.New(syncerr.CodeUpdateRefSnapshot,
			fmt.Sprintf("update references %s, active snapshot is %s", u.PublicData.RefSnapshotID, p.CurrentRefSnapshotID))
	}

	if u.PublicData.Clock <= p.CurrentClock {
		return nil, syncerr.New(syncerr.CodeUpdateReplay,
			fmt.Sprintf("clock %d already applied (current %d)", u.PublicData.Clock, p.CurrentClock))
	}

	if u.PublicData.Clock != p.CurrentClock+1 {
		return nil, syncerr.New(syncerr.CodeUpdateClockGap,
			fmt.Sprintf("clock %d after %d", u.PublicData.Clock, p.CurrentClock))
	}

	content, err := crypto.Decrypt(p.Key, u.Ciphertext, u.Nonce, ir.AdditionalData(pubIR))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeUpdateDecrypt, err)
	}
	return content, nil
}
