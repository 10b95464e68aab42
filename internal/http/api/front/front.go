// Package front registers the public-facing routes: redemption, wallet
// balance, and the admin login pair.
package front

import (
	"github.com/gin-gonic/gin"

	"github.com/cardvault/cardvault/internal/config"
	"github.com/cardvault/cardvault/internal/engine"
	"github.com/cardvault/cardvault/internal/http/api/front/handlers"
)

// RegisterFrontRoutes registers the public front-end routes.
func RegisterFrontRoutes(r *gin.Engine, eng *engine.Engine, authCfg config.AuthConfig) {
	if r == nil || eng == nil {
		return
	}

	front := r.Group("/v0/front")

	authHandler := handlers.NewAuthHandler(eng, authCfg)
	front.POST("/login", authHandler.Login)
	front.POST("/logout", authHandler.Logout)

	redeemHandler := handlers.NewRedeemHandler(eng)
	front.POST("/redeem", redeemHandler.Redeem)
	front.GET("/wallet", redeemHandler.Wallet)
}
