package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cruvz/streaming-analytics/internal/auth"
	"github.com/cruvz/streaming-analytics/pkg/response"
)

// ContextClaims is the gin context key holding *auth.Claims.
const ContextClaims = "claims"

// JWT validates the bearer scope token and stores its claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Abort(c, http.StatusUnauthorized, "missing authorization header")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			response.Abort(c, http.StatusUnauthorized, "invalid authorization header")
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Abort(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// Claims returns the claims set by JWT, or nil.
func Claims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

// RequireStreamAccess rejects tokens that are not granted the stream named by the route param.
func RequireStreamAccess(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := Claims(c)
		if claims == nil {
			response.Abort(c, http.StatusUnauthorized, "missing scope token")
			return
		}
		if !claims.CanViewStream(c.Param(param)) {
			response.Abort(c, http.StatusForbidden, "stream not permitted")
			return
		}
		c.Next()
	}
}
