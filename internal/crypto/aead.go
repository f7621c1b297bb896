package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of a document, snapshot or update key.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the XChaCha20-Poly1305 nonce size.
	NonceSize = chacha20poly1305.NonceSizeX
)

// ErrDecrypt is returned when a ciphertext fails authentication.
var ErrDecrypt = errors.New("decryption failed")

// Encrypt seals plaintext under key with a fresh random nonce. The additional
// data is authenticated but not encrypted. It returns the base64url
// ciphertext and nonce.
func Encrypt(key, plaintext, additionalData []byte) (ciphertext, nonce string, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", "", fmt.Errorf("init aead: %w", err)
	}

	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return "", "", fmt.Errorf("read nonce: %w", err)
	}

	ct := aead.Seal(nil, n, plaintext, additionalData)
	return Encode(ct), Encode(n), nil
}

// Decrypt opens a base64url ciphertext produced by Encrypt.
func Decrypt(key []byte, ciphertext, nonce string, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	ct, err := Decode(ciphertext)
	if err != nil {
		return nil, err
	}
	n, err := Decode(nonce)
	if err != nil {
		return nil, err
	}
	if len(n) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce size %d", ErrDecrypt, len(n))
	}

	pt, err := aead.Open(nil, n, ct, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
