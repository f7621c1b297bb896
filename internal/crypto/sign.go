package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// Signature domains. Each record kind signs under its own context so a
// signature can never be replayed as a different kind of message.
const (
	DomainSnapshot              = "secsync_snapshot"
	DomainUpdate                = "secsync_update"
	DomainEphemeralMessage      = "secsync_ephemeral_message"
	DomainEphemeralSessionProof = "secsync_ephemeral_session_proof"
)

// ErrBadPublicKey is returned for a public key that is not a valid Ed25519 key.
var ErrBadPublicKey = errors.New("invalid public key")

// SigningKeyPair is an author's Ed25519 identity.
type SigningKeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateSigningKeyPair returns a new random key pair.
func GenerateSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return SigningKeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// SigningKeyPairFromSeed derives a key pair from a 32-byte seed.
func SigningKeyPairFromSeed(seed []byte) (SigningKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return SigningKeyPair{}, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return SigningKeyPair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// PublicKeyString returns the wire form of the key pair's public key.
func (kp SigningKeyPair) PublicKeyString() string {
	return Encode(kp.PublicKey)
}

// ParsePublicKey parses the wire form of an Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadPublicKey, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func domainMessage(domain string, message []byte) []byte {
	buf := make([]byte, 0, len(domain)+1+len(message))
	buf = append(buf, domain...)
	buf = append(buf, 0)
	return append(buf, message...)
}

// SignRaw signs message under domain and returns the raw signature bytes.
func SignRaw(priv ed25519.PrivateKey, domain string, message []byte) []byte {
	return ed25519.Sign(priv, domainMessage(domain, message))
}

// Sign signs message under domain and returns the base64url signature.
func Sign(priv ed25519.PrivateKey, domain string, message []byte) string {
	return Encode(SignRaw(priv, domain, message))
}

// VerifyRaw checks a raw signature over message under domain.
func VerifyRaw(pub ed25519.PublicKey, domain string, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, domainMessage(domain, message), sig)
}

// Verify checks a base64url signature over message under domain. The public
// key is in wire form. Malformed keys or signatures verify as false.
func Verify(pubKey, domain string, message []byte, signature string) bool {
	pub, err := ParsePublicKey(pubKey)
	if err != nil {
		return false
	}
	sig, err := Decode(signature)
	if err != nil {
		return false
	}
	return VerifyRaw(pub, domain, message, sig)
}
