// Package snapshot creates and verifies encrypted document snapshots.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/proof"
	"github.com/roach88/secsync/internal/syncerr"
)

// CreateParams describes a snapshot to create.
type CreateParams struct {
	// Content is the serialized document state.
	Content []byte

	// PublicData supplies DocID, SnapshotID, ParentSnapshotID and
	// ParentSnapshotUpdateClocks. PubKey and ParentSnapshotProof are
	// filled in by Create.
	PublicData ir.SnapshotPublicData

	Key        []byte
	SigningKey crypto.SigningKeyPair

	// ParentSnapshotCiphertextHash and GrandParentSnapshotProof are empty
	// for a root snapshot.
	ParentSnapshotCiphertextHash string
	GrandParentSnapshotProof     string
}

// Create encrypts and signs a new snapshot.
func Create(p CreateParams) (ir.Snapshot, error) {
	if p.PublicData.DocID == "" || p.PublicData.SnapshotID == "" {
		return ir.Snapshot{}, errors.New("create snapshot: docId and snapshotId are required")
	}

	pub := p.PublicData
	pub.PubKey = p.SigningKey.PublicKeyString()
	pub.ParentSnapshotProof = proof.ComputeParentProof(
		p.GrandParentSnapshotProof,
		pub.ParentSnapshotID,
		p.ParentSnapshotCiphertextHash,
	)
	if pub.ParentSnapshotUpdateClocks == nil {
		pub.ParentSnapshotUpdateClocks = map[string]int64{}
	}

	pubIR := pub.ToIR()
	ciphertext, nonce, err := crypto.Encrypt(p.Key, p.Content, ir.AdditionalData(pubIR))
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("create snapshot %s: %w", pub.SnapshotID, err)
	}

	sig := crypto.Sign(p.SigningKey.PrivateKey, crypto.DomainSnapshot, ir.SigningPayload(ciphertext, nonce, pubIR))

	return ir.Snapshot{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Signature:  sig,
		PublicData: pub,
	}, nil
}

// VerifyParams describes what a received snapshot is checked against.
type VerifyParams struct {
	Key   []byte
	DocID string

	// Parent is the snapshot the receiver holds as active. When set, the
	// snapshot must name it as parent and carry the recomputed proof.
	Parent *ir.SnapshotProofChainEntry

	// CurrentClientPublicKey and ParentUpdateClock, when both set, require
	// the snapshot to record the receiver's last update clock on the parent.
	CurrentClientPublicKey string
	ParentUpdateClock      *int64
}

// Verify authenticates snap and returns its decrypted content. Checks run
// in a fixed order and the first failure determines the error code:
// signature, document id, parent proof, parent update clock, decryption.
func Verify(snap ir.Snapshot, p VerifyParams) ([]byte, error) {
	pubIR := snap.PublicData.ToIR()

	if !crypto.Verify(snap.PublicData.PubKey, crypto.DomainSnapshot,
		ir.SigningPayload(snap.Ciphertext, snap.Nonce, pubIR), snap.Signature) {
		return nil, syncerr.New(syncerr.CodeSnapshotSignature, "")
	}

	if snap.PublicData.DocID != p.DocID {
		return nil, syncerr.New(syncerr.CodeSnapshotDocID,
			fmt.Sprintf("snapshot docId %q, expected %q", snap.PublicData.DocID, p.DocID))
	}

	if p.Parent != nil && !proof.IsValidParent(*p.Parent, snap.PublicData) {
		return nil, syncerr.New(syncerr.CodeSnapshotAncestor,
			fmt.Sprintf("snapshot %s does not descend from %s", snap.PublicData.SnapshotID, p.Parent.SnapshotID))
	}

	if p.CurrentClientPublicKey != "" && p.ParentUpdateClock != nil {
		got, ok := snap.PublicData.ParentSnapshotUpdateClocks[p.CurrentClientPublicKey]
		if !ok || got != *p.ParentUpdateClock {
			return nil, syncerr.New(syncerr.CodeSnapshotParentClock,
				fmt.Sprintf("parent update clock %d, expected %d", got, *p.ParentUpdateClock))
		}
	}

	content, err := crypto.Decrypt(p.Key, snap.Ciphertext, snap.Nonce, ir.AdditionalData(pubIR))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeSnapshotDecrypt, err)
	}
	return content, nil
}
