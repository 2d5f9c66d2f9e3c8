package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const adminKeyBytes = 16

// GenerateAdminKey returns a new random admin key (32 hex characters).
func GenerateAdminKey() (string, error) {
	b := make([]byte, adminKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("could not read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// VerifyAdminKey compares the candidate with the room's admin key in constant time.
// An empty room key (rooms created without a key) never verifies.
func VerifyAdminKey(roomKey, candidate string) bool {
	if roomKey == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(roomKey), []byte(candidate)) == 1
}
