package middleware

import (
	"strings"

	"livesignal/internal/core/domain"
	"livesignal/internal/core/ports"
	apperrors "livesignal/pkg/errors"

	"github.com/gin-gonic/gin"
)

// IdentityKey is the gin context key holding the authenticated wallet.
const IdentityKey = "identity"

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a bearer session token and stores the wallet it
// resolves to under IdentityKey.
func AuthMiddleware(sessions ports.SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("bearer session token required"))
			return
		}

		identity, err := sessions.ValidateSession(token)
		if err != nil {
			abortWithError(c, apperrors.NewUnauthorizedError("invalid session"))
			return
		}

		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// OptionalAuthMiddleware resolves a bearer token when one is present and lets
// anonymous requests through.
func OptionalAuthMiddleware(sessions ports.SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if identity, err := sessions.ValidateSession(token); err == nil {
				c.Set(IdentityKey, identity)
			}
		}
		c.Next()
	}
}

// Identity returns the wallet stored by AuthMiddleware.
func Identity(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return "", false
	}
	id, ok := v.(domain.Identity)
	return id, ok && id != ""
}

func abortWithError(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"error":   string(err.Code),
		"message": err.Message,
	})
}

