package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/cruvz/streaming-analytics/pkg/response"
)

// RequireRole allows only scope tokens carrying one of roles. Must run after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := Claims(c)
		if claims == nil {
			response.Abort(c, http.StatusUnauthorized, "missing scope token")
			return
		}
		if !slices.Contains(roles, claims.Role) {
			response.Abort(c, http.StatusForbidden, "role "+claims.Role+" not permitted")
			return
		}
		c.Next()
	}
}
