package item

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// NewID derives a collision-resistant identifier from creation time and
// content. The time prefix keeps directory listings roughly chronological;
// the hash suffix disambiguates items produced within the same second.
func NewID(kind Kind, sourceID, body string, createdAt time.Time) string {
	h := sha256.Sum256([]byte(string(kind) + "\x00" + sourceID + "\x00" + body))
	return fmt.Sprintf("%s-%x", createdAt.UTC().Format("20060102T150405"), h[:6])
}
