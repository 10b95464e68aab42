package models

import (
	"time"

	"github.com/google/uuid"
)

// RedemptionRecord is the append-only audit entry for one successful
// redemption. Records are immutable once created.
type RedemptionRecord struct {
	ID     uuid.UUID `json:"id"`     // Primary identifier.
	CardID uuid.UUID `json:"cardId"` // Redeemed card.

	RedeemedBy string    `json:"redeemedBy,omitempty"` // Redeeming identity, if known.
	Amount     float64   `json:"amount"`               // Full face value credited.
	RedeemedAt time.Time `json:"redeemedAt"`           // Commit time of the transition.

	IPAddress string `json:"ipAddress,omitempty"` // Client address at redemption.
	UserAgent string `json:"userAgent,omitempty"` // Client user agent at redemption.
}
