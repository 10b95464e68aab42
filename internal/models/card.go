package models

import (
	"time"

	"github.com/google/uuid"
)

// Card represents a prepaid value code with a fixed face amount.
type Card struct {
	ID uuid.UUID `json:"id"` // Primary identifier.

	Code            string  `json:"code"`            // Canonical grouped code (XXXX-XXXX-XXXX-XXXX).
	Balance         float64 `json:"balance"`         // Redeemable value; always equals OriginalBalance.
	OriginalBalance float64 `json:"originalBalance"` // Face value at generation time.

	Redeemed bool `json:"redeemed"` // Whether the card has been redeemed.
	Expired  bool `json:"expired"`  // Whether the card has been marked expired.

	ExpiresAt *time.Time `json:"expiresAt,omitempty"` // Expiration time, if any.
	CreatedAt time.Time  `json:"createdAt"`           // Creation timestamp.
	CreatedBy string     `json:"createdBy,omitempty"` // Identity that generated the card.

	RedeemedAt *time.Time `json:"redeemedAt,omitempty"` // Redemption time, if redeemed.
	RedeemedBy string     `json:"redeemedBy,omitempty"` // Identity that redeemed the card.
}

// Active reports whether the card can still be redeemed at the given time.
func (c *Card) Active(now time.Time) bool {
	if c.Redeemed || c.Expired {
		return false
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return false
	}
	return true
}
