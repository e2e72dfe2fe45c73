package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cruvz/streaming-analytics/pkg/response"
)

// IngestKeyHeader carries the shared key of event producers.
const IngestKeyHeader = "X-Ingest-Key"

// IngestKey guards event ingest with a shared key. An empty key disables the check.
func IngestKey(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(IngestKeyHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			response.Abort(c, http.StatusUnauthorized, "invalid ingest key")
			return
		}
		c.Next()
	}
}
