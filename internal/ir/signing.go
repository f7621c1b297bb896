package ir

import "encoding/base64"

// AdditionalData returns the canonical encoding of a record's public data.
// It is bound to the ciphertext as AEAD additional data.
func AdditionalData(publicData Object) []byte {
	return MustMarshalCanonical(publicData)
}

// SigningPayload returns the bytes an author signs for a record: the
// canonical encoding of the ciphertext, the nonce and the base64url
// canonical public data.
func SigningPayload(ciphertext, nonce string, publicData Object) []byte {
	return MustMarshalCanonical(Object{
		"ciphertext": String(ciphertext),
		"nonce":      String(nonce),
		"publicData": String(base64.RawURLEncoding.EncodeToString(AdditionalData(publicData))),
	})
}
