package testutil

import (
	"bytes"
	"testing"

	"github.com/roach88/secsync/internal/crypto"
)

// SigningKey returns a deterministic key pair derived from seed, so golden
// output that contains public keys stays stable across runs.
func SigningKey(t testing.TB, seed byte) crypto.SigningKeyPair {
	t.Helper()
	kp, err := crypto.SigningKeyPairFromSeed(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("derive signing key: %v", err)
	}
	return kp
}

// DocumentKey returns a deterministic symmetric key.
func DocumentKey(seed byte) []byte {
	return bytes.Repeat([]byte{seed}, crypto.KeySize)
}
