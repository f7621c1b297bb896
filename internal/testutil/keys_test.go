package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSigningKeyDeterministic(t *testing.T) {
	a := SigningKey(t, 1)
	b := SigningKey(t, 1)
	c := SigningKey(t, 2)

	assert.Equal(t, a.PublicKeyString(), b.PublicKeyString())
	assert.NotEqual(t, a.PublicKeyString(), c.PublicKeyString())
}

func TestDocumentKeySize(t *testing.T) {
	assert.Len(t, DocumentKey(7), 32)
}
