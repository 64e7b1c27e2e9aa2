// Package fileid provides deterministic artwork identifiers derived from image content.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
)

const prefix = "img:"

// ImageID returns a stable artwork ID for the given image bytes.
// The same image always yields the same ID, so re-ingesting a file is detected
// as a duplicate instead of creating a second artwork.
func ImageID(content []byte) string {
	hash := sha256.Sum256(content)
	return prefix + hex.EncodeToString(hash[:16])
}

// ContentHash returns the full hex SHA-256 of content.
func ContentHash(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
