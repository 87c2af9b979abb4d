package http

import (
	"net/http"
	"strings"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/services"
	"livesignal/pkg/errors"
	"livesignal/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues session tokens for local development. Production
// deployments get tokens from the wallet login service instead.
type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	Wallet string `json:"wallet" binding:"required"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Wallet = strings.TrimSpace(req.Wallet)
	if err := validation.ValidateWallet(req.Wallet); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.authService.GenerateToken(domain.Identity(req.Wallet))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"wallet":        req.Wallet,
		"session_token": token,
		"expires_in":    int(h.tokenTTL / time.Second),
	})
}
