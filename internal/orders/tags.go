package orders

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zerodte/straddlebot/internal/models"
)

// GenerateOrderTag builds a deterministic client order tag for a position's
// entry attempt, plus a short random nonce so a legitimate resubmission never
// collides with the broker's duplicate-order check.
func GenerateOrderTag(pos *models.Position, accountID string) string {
	canonical := fmt.Sprintf("straddle-%s-%s-%.2f-%d-%s",
		pos.Symbol, pos.Expiration.Format("060102"), pos.Strike, pos.Quantity, accountID)

	hash := sha256.Sum256([]byte(canonical))
	base := "straddle-" + hex.EncodeToString(hash[:])[:8]

	nonceBytes := make([]byte, 2)
	if _, err := rand.Read(nonceBytes); err != nil {
		// Fallback to time-based nonce if crypto/rand fails
		nonceBytes[0] = byte(time.Now().UnixNano() & 0xFF)
		nonceBytes[1] = byte((time.Now().UnixNano() >> 8) & 0xFF)
	}
	return base + "-" + hex.EncodeToString(nonceBytes)
}

// LegTag appends the leg side to a shared entry tag so both legs of one
// attempt trace back to the same submission.
func LegTag(tag string, legType models.LegType) string {
	return tag + "-" + string(legType)
}
