package sessionlog

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cruvz/streaming-analytics/pkg/response"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Lister reads logged sessions.
type Lister interface {
	ListByStream(ctx context.Context, streamID string, limit int) ([]Row, error)
}

// Handler handles GET /analytics/streams/:id/sessions.
type Handler struct {
	repo Lister
}

// NewHandler creates a session log handler.
func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// List returns the most recent finalized sessions of a stream (?limit, default 50, max 500).
func (h *Handler) List(c *gin.Context) {
	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = min(n, maxLimit)
	}
	list, err := h.repo.ListByStream(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, gin.H{"sessions": list})
}
