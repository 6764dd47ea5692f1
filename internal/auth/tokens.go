package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// newToken mints an opaque 256-bit random value, hex encoded. Used for
// authorization codes, access tokens, and refresh tokens alike.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
