package hipaa

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashIdentifier returns the hex SHA-256 of an identifier. Stored records,
// audit entries and events reference people only through this hash.
func HashIdentifier(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
