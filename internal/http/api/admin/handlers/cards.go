package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cardvault/cardvault/internal/engine"
	"github.com/cardvault/cardvault/internal/models"
)

// CardHandler handles admin card operations.
type CardHandler struct {
	engine *engine.Engine
}

// NewCardHandler constructs a CardHandler.
func NewCardHandler(eng *engine.Engine) *CardHandler {
	return &CardHandler{engine: eng}
}

// generateCardRequest captures the payload for generating one card.
type generateCardRequest struct {
	Amount     float64 `json:"amount"`                // Card face value.
	ExpiryDays *int    `json:"expiry_days,omitempty"` // Optional validity in days.
	AuthKey    string  `json:"auth_key,omitempty"`    // Optional issuer key.
}

// Generate issues a single card.
func (h *CardHandler) Generate(c *gin.Context) {
	var body generateCardRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	card, errGen := h.engine.Generate(c.Request.Context(), engine.GenerateParams{
		Amount:     body.Amount,
		ExpiryDays: body.ExpiryDays,
		Identity:   sessionIdentity(c),
		AuthKey:    body.AuthKey,
	})
	if errGen != nil {
		writeEngineError(c, errGen)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"card": formatCard(card)})
}

// batchGenerateRequest captures the payload for batch generation.
type batchGenerateRequest struct {
	Count      int     `json:"count"`                 // Number of cards to issue.
	Amount     float64 `json:"amount"`                // Face value of each card.
	ExpiryDays *int    `json:"expiry_days,omitempty"` // Optional validity in days.
	AuthKey    string  `json:"auth_key,omitempty"`    // Optional issuer key.
}

// GenerateBatch issues several cards in one persisted write.
func (h *CardHandler) GenerateBatch(c *gin.Context) {
	var body batchGenerateRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	cards, errGen := h.engine.GenerateBatch(c.Request.Context(), body.Count, engine.GenerateParams{
		Amount:     body.Amount,
		ExpiryDays: body.ExpiryDays,
		Identity:   sessionIdentity(c),
		AuthKey:    body.AuthKey,
	})
	if errGen != nil {
		writeEngineError(c, errGen)
		return
	}
	out := make([]gin.H, 0, len(cards))
	for _, card := range cards {
		out = append(out, formatCard(card))
	}
	c.JSON(http.StatusCreated, gin.H{"cards": out, "count": len(out)})
}

// List returns all cards, newest first. Empty for non-admin sessions.
func (h *CardHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cards": formatCards(h.engine.ListCards())})
}

// ListUnredeemed returns active cards. Empty for non-admin sessions.
func (h *CardHandler) ListUnredeemed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cards": formatCards(h.engine.ListUnredeemed())})
}

// ListRedemptions returns the redemption history, newest first. Empty
// for non-admin sessions.
func (h *CardHandler) ListRedemptions(c *gin.Context) {
	records := h.engine.ListRedemptions()
	out := make([]gin.H, 0, len(records))
	for _, rec := range records {
		out = append(out, gin.H{
			"id":          rec.ID,
			"card_id":     rec.CardID,
			"redeemed_by": rec.RedeemedBy,
			"amount":      rec.Amount,
			"redeemed_at": rec.RedeemedAt,
			"ip_address":  rec.IPAddress,
			"user_agent":  rec.UserAgent,
		})
	}
	c.JSON(http.StatusOK, gin.H{"redemptions": out})
}

// Stats returns collection totals for the admin panel.
func (h *CardHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": h.engine.CardStats()})
}

// sessionIdentity returns the attributed session identity or "admin".
func sessionIdentity(c *gin.Context) string {
	if v, exists := c.Get("identity"); exists {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "admin"
}

// formatCard shapes a card for API responses.
func formatCard(card models.Card) gin.H {
	item := gin.H{
		"id":               card.ID,
		"code":             card.Code,
		"balance":          card.Balance,
		"original_balance": card.OriginalBalance,
		"redeemed":         card.Redeemed,
		"expired":          card.Expired,
		"created_at":       card.CreatedAt,
		"created_by":       card.CreatedBy,
	}
	if card.ExpiresAt != nil {
		item["expires_at"] = card.ExpiresAt
	}
	if card.RedeemedAt != nil {
		item["redeemed_at"] = card.RedeemedAt
		item["redeemed_by"] = card.RedeemedBy
	}
	return item
}

func formatCards(cards []models.Card) []gin.H {
	out := make([]gin.H, 0, len(cards))
	for _, card := range cards {
		out = append(out, formatCard(card))
	}
	return out
}

// writeEngineError maps engine error kinds onto HTTP responses.
func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, engine.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
	case errors.Is(err, engine.ErrInvalidExpiry):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expiry"})
	case errors.Is(err, engine.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
	}
}
