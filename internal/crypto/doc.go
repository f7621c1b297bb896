// Package crypto wraps the primitives secsync builds on: XChaCha20-Poly1305
// for payload encryption, Ed25519 for domain-separated signatures, BLAKE2b
// for ciphertext hashes and proofs, and unpadded base64url for every binary
// value that crosses the wire.
package crypto
