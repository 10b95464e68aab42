package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cardvault/cardvault/internal/config"
	"github.com/cardvault/cardvault/internal/engine"
	"github.com/cardvault/cardvault/internal/security"
)

// AuthHandler handles the admin login and logout endpoints.
type AuthHandler struct {
	engine  *engine.Engine
	authCfg config.AuthConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(eng *engine.Engine, authCfg config.AuthConfig) *AuthHandler {
	return &AuthHandler{engine: eng, authCfg: authCfg}
}

// loginRequest defines the request body for login.
type loginRequest struct {
	Password string `json:"password"`
}

// Login verifies the admin credential, grants admin privilege, and
// issues a session JWT for the UI to present on later requests.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	password := strings.TrimSpace(body.Password)
	if password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing password"})
		return
	}

	if errLogin := h.engine.Login(c.Request.Context(), password); errLogin != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, errToken := security.GenerateSessionToken(h.authCfg.JWTSecret, "admin", h.authCfg.JWTExpiry())
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "privilege": h.engine.CurrentLevel().String()})
}

// Logout revokes admin privilege.
func (h *AuthHandler) Logout(c *gin.Context) {
	if errLogout := h.engine.Logout(c.Request.Context()); errLogout != nil {
		writeEngineError(c, errLogout)
		return
	}
	c.JSON(http.StatusOK, gin.H{"privilege": h.engine.CurrentLevel().String()})
}
