package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// RequireAccessToken verifies an access token and injects identity into request context.
// Browsers cannot set headers on websocket upgrades, so an access_token query
// parameter is accepted as a fallback.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := ""
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if strings.HasPrefix(raw, bearerPrefix) {
			tok = strings.TrimPrefix(raw, bearerPrefix)
		} else if q := c.Query("access_token"); q != "" {
			tok = q
		}
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithUserID(c.Request.Context(), claims.UserID)
		c.Request = c.Request.WithContext(ctx)

		// Also store on gin context for handler convenience.
		c.Set("user_id", claims.UserID)

		c.Next()
	}
}

// RequireUser rejects tokens issued for anyone but userID. The agent acts for
// exactly one participant.
func RequireUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := UserID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if uid != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token not issued for this agent"})
			return
		}
		c.Next()
	}
}
