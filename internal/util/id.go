package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 128-bit random hex id, with an optional type prefix
// (e.g. "job_3f2a..."). Used for analysis job ids.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
