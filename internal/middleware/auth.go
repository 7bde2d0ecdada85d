package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dm-service/internal/identity"
)

// IdentityContextKey is the gin context key holding the resolved identity.
const IdentityContextKey = "identity"

// AuthMiddleware resolves the caller from the X-User-ID header set by the trusted gateway.
// Websocket clients, which cannot set headers, may pass user_id as a query parameter.
func AuthMiddleware(directory identity.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" {
			userID = strings.TrimSpace(c.Query("user_id"))
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
			return
		}

		ident, err := directory.Lookup(c.Request.Context(), userID)
		if errors.Is(err, identity.ErrUnknownUser) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "failed to resolve user"})
			return
		}

		c.Set(IdentityContextKey, ident)
		c.Set("userID", ident.UserID)
		c.Next()
	}
}

// CurrentIdentity returns the identity stored by AuthMiddleware.
func CurrentIdentity(c *gin.Context) (identity.Identity, bool) {
	val, ok := c.Get(IdentityContextKey)
	if !ok {
		return identity.Identity{}, false
	}
	ident, ok := val.(identity.Identity)
	return ident, ok
}
