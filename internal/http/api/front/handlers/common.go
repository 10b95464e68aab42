package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cardvault/cardvault/internal/engine"
)

// clientIdentity returns the rate-limit identity for an unauthenticated
// caller: the session identity when one was attributed by middleware,
// otherwise the client address.
func clientIdentity(c *gin.Context) string {
	if v, exists := c.Get("identity"); exists {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "anonymous"
}

// writeEngineError maps engine error kinds onto HTTP responses. Reasons
// are coded strings, never stack traces.
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
	case errors.Is(err, engine.ErrInvalidCode):
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid code"})
	case errors.Is(err, engine.ErrAlreadyRedeemed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "already redeemed"})
	case errors.Is(err, engine.ErrExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "card expired"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
	}
}
