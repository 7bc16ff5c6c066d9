package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const tenantIDKey = "tenant_id"

// sessionClaims is the dashboard session token payload.
type sessionClaims struct {
	jwt.Claims
	TenantID int64 `json:"tenant_id"`
}

// Session validates the dashboard's HS256 session token and attaches the
// tenant id to the gin context. Requests without a valid session get 401.
func Session(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized", "error_description": "Session token required.",
			})
			return
		}

		token, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid_token", "error_description": "Malformed session token.",
			})
			return
		}

		var claims sessionClaims
		if err := token.Claims(key, &claims); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid_token", "error_description": "Invalid session signature.",
			})
			return
		}
		if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil || claims.TenantID == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid_token", "error_description": "Expired or incomplete session.",
			})
			return
		}

		c.Set(tenantIDKey, claims.TenantID)
		c.Next()
	}
}

// GetTenantID extracts the authenticated tenant from the gin context.
func GetTenantID(c *gin.Context) (int64, bool) {
	value, ok := c.Get(tenantIDKey)
	if !ok {
		return 0, false
	}
	tenantID, ok := value.(int64)
	return tenantID, ok && tenantID != 0
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := c.Cookie("sl_session"); err == nil {
		return strings.TrimSpace(cookie)
	}
	return ""
}
