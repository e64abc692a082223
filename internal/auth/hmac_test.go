package auth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignIsDeterministic(t *testing.T) {
	a := Sign("nonce-1234", "secret")
	b := Sign("nonce-1234", "secret")
	assert.Equal(t, a, b)

	raw, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 16, "md5 digests are 16 bytes")
}

// Reference value computed with python:
// base64.b64encode(hmac.new(b'key', b'The quick brown fox jumps over the lazy dog', hashlib.md5).digest())
func TestSignKnownVector(t *testing.T) {
	assert.Equal(t, "gAcHE0Y+d0m5DC3CSRHidQ==", Sign("The quick brown fox jumps over the lazy dog", "key"))
}

func TestSignSingleBitChanges(t *testing.T) {
	data := []byte("payload")
	key := []byte("rolesecret")
	base := Sign(string(data), string(key))

	for i := range data {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), data...)
			flipped[i] ^= 1 << bit
			assert.NotEqual(t, base, Sign(string(flipped), string(key)), "data byte %d bit %d", i, bit)
		}
	}

	for i := range key {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), key...)
			flipped[i] ^= 1 << bit
			assert.NotEqual(t, base, Sign(string(data), string(flipped)), "key byte %d bit %d", i, bit)
		}
	}
}

func TestVerify(t *testing.T) {
	digest := Sign("abc", "k")
	assert.True(t, Verify("abc", "k", digest))
	assert.False(t, Verify("abd", "k", digest))
	assert.False(t, Verify("abc", "k", "not base64 !!"))
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce(8)
	require.NoError(t, err)
	b, err := NewNonce(8)
	require.NoError(t, err)

	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
