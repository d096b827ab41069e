// Package sha256 fingerprints fetched markup for archive filenames.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// shortLen is the number of hex characters kept by Short.
const shortLen = 16

// Digest returns the full hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Short returns the first 16 hex characters of Digest, compact enough
// for a filename while still distinguishing snapshots of the same day.
func Short(data []byte) string {
	return Digest(data)[:shortLen]
}
