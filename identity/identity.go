// Package identity generates document ids and the deterministic keys derived
// from them. Document ids are opaque, URL-safe and collision-resistant across
// the process fleet; derived keys are pure functions of their inputs so every
// component computes the same key for the same entity.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NewDocumentID returns a new globally unique document id.
func NewDocumentID() string {
	return uuid.NewString()
}

// ChunkID derives the id of a payload chunk from its document and ordinal.
// The same value is used as the chunk's upload idempotency key.
func ChunkID(documentID string, ordinal int) string {
	return documentID + ":" + strconv.Itoa(ordinal)
}

// StepKey derives the idempotency key a saga step passes to its adapter.
func StepKey(documentID, stepName string) string {
	return documentID + ":" + stepName
}

// RelationID derives the canonical id of a directed typed edge. Fields are
// separated by NUL so distinct triples can never collide after concatenation.
func RelationID(sourceID, targetID, relationType string) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(targetID))
	h.Write([]byte{0})
	h.Write([]byte(relationType))
	return hex.EncodeToString(h.Sum(nil))
}

// ChunkOrdinal parses the ordinal back out of a chunk id. Returns -1 when the
// id is not a chunk id.
func ChunkOrdinal(chunkID string) int {
	idx := strings.LastIndexByte(chunkID, ':')
	if idx < 0 {
		return -1
	}
	n, err := strconv.Atoi(chunkID[idx+1:])
	if err != nil {
		return -1
	}
	return n
}
