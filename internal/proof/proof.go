// Package proof implements the snapshot proof chain.
//
// Every snapshot commits to its parent through parentSnapshotProof, a hash
// over the parent's own proof, id and ciphertext hash. Following the links
// from a known snapshot to a new one proves the new snapshot descends from
// the known one without downloading the intermediate ciphertexts.
package proof

import (
	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
)

// ComputeParentProof returns the proof a child snapshot carries for its
// parent. A root snapshot passes empty strings for all three inputs.
func ComputeParentProof(grandParentSnapshotProof, parentSnapshotID, parentSnapshotCiphertextHash string) string {
	obj := ir.Object{
		"grandParentSnapshotProof":     ir.String(grandParentSnapshotProof),
		"parentSnapshotId":             ir.String(parentSnapshotID),
		"parentSnapshotCiphertextHash": ir.String(parentSnapshotCiphertextHash),
	}
	return crypto.Hash(ir.MustMarshalCanonical(obj))
}

// RootProof is the parentSnapshotProof of a snapshot without a parent.
func RootProof() string {
	return ComputeParentProof("", "", "")
}

// ChildProof returns the proof a snapshot whose parent is entry must carry.
func ChildProof(parent ir.SnapshotProofChainEntry) string {
	return ComputeParentProof(parent.ParentSnapshotProof, parent.SnapshotID, parent.SnapshotCiphertextHash)
}

// EntryFor returns the proof chain entry describing snap.
func EntryFor(snap ir.Snapshot) ir.SnapshotProofChainEntry {
	return ir.SnapshotProofChainEntry{
		SnapshotID:             snap.PublicData.SnapshotID,
		SnapshotCiphertextHash: crypto.HashString(snap.Ciphertext),
		ParentSnapshotProof:    snap.PublicData.ParentSnapshotProof,
	}
}

// IsValidParent reports whether pub names parent as its parent and carries
// the proof recomputed from it.
func IsValidParent(parent ir.SnapshotProofChainEntry, pub ir.SnapshotPublicData) bool {
	return pub.ParentSnapshotID == parent.SnapshotID &&
		pub.ParentSnapshotProof == ChildProof(parent)
}

// IsValidAncestor reports whether chain links known to current.
//
// chain lists the snapshots after known, oldest first, ending with current.
// When known and current are the same snapshot the chain is not consulted.
func IsValidAncestor(known ir.SnapshotProofChainEntry, chain []ir.SnapshotProofChainEntry, current ir.SnapshotProofChainEntry) bool {
	if known == current {
		return true
	}
	if len(chain) == 0 {
		return false
	}
	if chain[0].ParentSnapshotProof != ChildProof(known) {
		return false
	}
	if chain[len(chain)-1] != current {
		return false
	}
	for i := 1; i < len(chain); i++ {
		if chain[i].ParentSnapshotProof != ChildProof(chain[i-1]) {
			return false
		}
	}
	return true
}
