package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// Commit returns the commitment for a submission: the hex-encoded SHA-256
// of its exact bytes. The protocol's safety depends on this being a real
// cryptographic commitment; a participant must not be able to find a second
// submission with the same commitment after seeing the trigger condition.
func Commit(submission string) string {
	sum := sha256.Sum256([]byte(submission))
	return hex.EncodeToString(sum[:])
}
