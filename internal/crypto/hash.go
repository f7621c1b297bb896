package crypto

import "golang.org/x/crypto/blake2b"

// Hash returns the base64url BLAKE2b-256 digest of data.
func Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return Encode(sum[:])
}

// HashString hashes the UTF-8 bytes of s. Ciphertext hashes are computed
// over the base64url ciphertext string as carried on the wire.
func HashString(s string) string {
	return Hash([]byte(s))
}
