package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cardvault/cardvault/internal/engine"
	"github.com/cardvault/cardvault/internal/store"
)

// RedeemHandler handles code submission and wallet balance.
type RedeemHandler struct {
	engine *engine.Engine
}

// NewRedeemHandler constructs a RedeemHandler.
func NewRedeemHandler(eng *engine.Engine) *RedeemHandler {
	return &RedeemHandler{engine: eng}
}

// redeemRequest defines the request body for redemption.
type redeemRequest struct {
	Code string `json:"code"`
}

// Redeem submits a code to the redemption engine. The response shape
// depends on the outcome: a redeemed amount, escalation progress, or
// the unlock notice.
func (h *RedeemHandler) Redeem(c *gin.Context) {
	var body redeemRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	origin := store.Origin{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	out, errRedeem := h.engine.Redeem(c.Request.Context(), body.Code, clientIdentity(c), origin)
	if errRedeem != nil {
		writeEngineError(c, errRedeem)
		return
	}

	switch out.Status {
	case engine.StatusRedeemed:
		c.JSON(http.StatusOK, gin.H{
			"status":  string(out.Status),
			"amount":  out.Amount,
			"balance": h.engine.Balance(),
		})
	case engine.StatusUnlocked:
		c.JSON(http.StatusOK, gin.H{
			"status":    string(out.Status),
			"privilege": h.engine.CurrentLevel().String(),
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":   string(out.Status),
			"progress": out.Progress,
		})
	}
}

// Wallet returns the accumulated balance.
func (h *RedeemHandler) Wallet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"balance": h.engine.Balance()})
}
