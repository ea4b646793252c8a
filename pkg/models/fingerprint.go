package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the deterministic content hash that distinguishes
// duplicate submissions from conflicting reuse of an idempotency key.
// Inputs are canonicalized (trimmed, whitespace-collapsed command text) and
// joined with newlines before hashing.
func Fingerprint(channel Channel, tenantID, conversationID, actorID, commandText string) string {
	canonical := strings.Join([]string{
		string(channel),
		tenantID,
		conversationID,
		actorID,
		strings.Join(strings.Fields(commandText), " "),
	}, "\n")
	sum := sha256.Sum256([]byte(canonical))
	return "fp:" + hex.EncodeToString(sum[:])
}
