// Package auth implements the keyed hash used by the Cobra role_secret
// authentication method and by signed republishing.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Sign returns base64(HMAC-MD5(key, data)). It is deterministic and has no
// side effects.
func Sign(data, key string) string {
	mac := hmac.New(md5.New, []byte(key))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether digest is the signature of data under key, using a
// constant time comparison.
func Verify(data, key, digest string) bool {
	expected, err := base64.StdEncoding.DecodeString(Sign(data, key))
	if err != nil {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(digest)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// NewNonce returns a random hex nonce of n bytes, as handed out by the server
// during the handshake.
func NewNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
