package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	ct, nonce, err := Encrypt(key, []byte("Hello World"), []byte("aad"))
	require.NoError(t, err)

	n, err := Decode(nonce)
	require.NoError(t, err)
	assert.Len(t, n, NonceSize)

	pt, err := Decrypt(key, ct, nonce, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, "Hello World", string(pt))
}

func TestDecryptRejectsTampering(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	ct, nonce, err := Encrypt(key, []byte("secret"), []byte("aad"))
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		_, err := Decrypt(other, ct, nonce, []byte("aad"))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("wrong additional data", func(t *testing.T) {
		_, err := Decrypt(key, ct, nonce, []byte("other"))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("flipped ciphertext byte", func(t *testing.T) {
		raw, err := Decode(ct)
		require.NoError(t, err)
		raw[0] ^= 0xff
		_, err = Decrypt(key, Encode(raw), nonce, []byte("aad"))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("short nonce", func(t *testing.T) {
		_, err := Decrypt(key, ct, Encode([]byte("short")), []byte("aad"))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("bad base64", func(t *testing.T) {
		_, err := Decrypt(key, "!!", nonce, []byte("aad"))
		assert.Error(t, err)
	})
}

func TestEncryptRejectsShortKey(t *testing.T) {
	_, _, err := Encrypt([]byte("short"), []byte("x"), nil)
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	sig := Sign(kp.PrivateKey, DomainSnapshot, []byte("message"))

	assert.True(t, Verify(kp.PublicKeyString(), DomainSnapshot, []byte("message"), sig))
	assert.False(t, Verify(kp.PublicKeyString(), DomainUpdate, []byte("message"), sig), "domain separated")
	assert.False(t, Verify(kp.PublicKeyString(), DomainSnapshot, []byte("other"), sig))

	other, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	assert.False(t, Verify(other.PublicKeyString(), DomainSnapshot, []byte("message"), sig))
}

func TestVerifyMalformedInputs(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	sig := Sign(kp.PrivateKey, DomainUpdate, []byte("m"))

	assert.False(t, Verify("not base64!", DomainUpdate, []byte("m"), sig))
	assert.False(t, Verify(Encode([]byte("short")), DomainUpdate, []byte("m"), sig))
	assert.False(t, Verify(kp.PublicKeyString(), DomainUpdate, []byte("m"), "!!"))
	assert.False(t, Verify(kp.PublicKeyString(), DomainUpdate, []byte("m"), Encode([]byte("short"))))
}

func TestSigningKeyPairFromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)

	a, err := SigningKeyPairFromSeed(seed)
	require.NoError(t, err)
	b, err := SigningKeyPairFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKeyString(), b.PublicKeyString())

	_, err = SigningKeyPairFromSeed([]byte("short"))
	assert.Error(t, err)
}

func TestHash(t *testing.T) {
	h1 := HashString("abc")
	h2 := HashString("abc")
	h3 := HashString("abd")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)

	raw, err := Decode(h1)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.NotContains(t, h1, "=")
}

func TestParseKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	got, err := ParseKey(Encode(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = ParseKey(Encode([]byte("short")))
	assert.Error(t, err)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
