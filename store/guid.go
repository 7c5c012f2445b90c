package store

import (
	"crypto/rand"
	"fmt"
)

const (
	guidAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	guidLength   = 8
)

// newGUID creates a short random id with the given prefix, e.g. "pending-k3f9a2x1".
func newGUID(prefix string) (string, error) {
	buf := make([]byte, guidLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate guid: %w", err)
	}
	id := make([]byte, guidLength)
	for i := 0; i < guidLength; i++ {
		id[i] = guidAlphabet[int(buf[i])%len(guidAlphabet)]
	}
	return fmt.Sprintf("%s-%s", prefix, string(id)), nil
}
