package broadcast

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// EndpointBytes is the entropy of an overlay endpoint token.
const EndpointBytes = 32

// EndpointLength is the length of the hex-encoded token.
const EndpointLength = EndpointBytes * 2

// NewEndpoint returns a random, URL-safe overlay endpoint token.
func NewEndpoint() (string, error) {
	b := make([]byte, EndpointBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidEndpoint reports whether s has the shape of an overlay endpoint token.
func ValidEndpoint(s string) bool {
	if len(s) != EndpointLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
