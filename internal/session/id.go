package session

import (
	"crypto/rand"
	"encoding/hex"
)

// idLength is the byte length whose hex encoding yields the 8 lowercase hex
// characters spec.md §3 specifies for session ids.
const idLength = 4

// generateID returns 8 lowercase hex characters drawn uniformly at random.
func generateID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
