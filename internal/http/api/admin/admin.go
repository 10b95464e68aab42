// Package admin registers the privileged routes. Authorization is
// decided by the engine's access controller: generation rejects with
// unauthorized, while listing endpoints fail closed and return empty
// sequences. The session middleware here only attributes an identity
// from a presented JWT; it never blocks a request.
package admin

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cardvault/cardvault/internal/config"
	"github.com/cardvault/cardvault/internal/engine"
	"github.com/cardvault/cardvault/internal/http/api/admin/handlers"
	"github.com/cardvault/cardvault/internal/security"
)

// RegisterAdminRoutes registers the admin route group.
func RegisterAdminRoutes(r *gin.Engine, eng *engine.Engine, authCfg config.AuthConfig) {
	if r == nil || eng == nil {
		return
	}

	group := r.Group("/v0/admin")
	group.Use(sessionIdentityMiddleware(authCfg))

	cardHandler := handlers.NewCardHandler(eng)
	group.POST("/cards", cardHandler.Generate)
	group.POST("/cards/batch", cardHandler.GenerateBatch)
	group.GET("/cards", cardHandler.List)
	group.GET("/cards/unredeemed", cardHandler.ListUnredeemed)
	group.GET("/redemptions", cardHandler.ListRedemptions)
	group.GET("/stats", cardHandler.Stats)
}

// sessionIdentityMiddleware attributes the session identity from a
// bearer token when one is presented and valid.
func sessionIdentityMiddleware(authCfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.Next()
			return
		}
		claims, errJWT := security.ParseSessionToken(authCfg.JWTSecret, strings.TrimSpace(token))
		if errJWT == nil && claims.Identity != "" {
			c.Set("identity", claims.Identity)
		}
		c.Next()
	}
}
