package streams

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/cruvz/streaming-analytics/pkg/response"
)

// Handler exposes stream lifecycle commands.
type Handler struct {
	registry *Registry
}

// NewHandler creates a streams handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// CreateRequest is the body for POST /streams.
type CreateRequest struct {
	ID      string `json:"id" binding:"required"`
	OwnerID string `json:"owner_id"`
	Title   string `json:"title"`
}

// Create handles POST /streams.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	s, err := h.registry.Register(c.Request.Context(), req.ID, req.OwnerID, req.Title)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.Created(c, s)
}

// List handles GET /streams.
func (h *Handler) List(c *gin.Context) {
	response.OK(c, gin.H{"streams": h.registry.List()})
}

// Get handles GET /streams/:id.
func (h *Handler) Get(c *gin.Context) {
	s, ok := h.registry.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, ErrUnknownStream.Error())
		return
	}
	response.OK(c, s)
}

// Start handles POST /streams/:id/start.
func (h *Handler) Start(c *gin.Context) {
	s, err := h.registry.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, s)
}

// Stop handles POST /streams/:id/stop.
func (h *Handler) Stop(c *gin.Context) {
	s, err := h.registry.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, s)
}

// Fail handles POST /streams/:id/fail with an optional {"reason": "..."} body.
func (h *Handler) Fail(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	s, err := h.registry.Fail(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, s)
}

// Recover handles POST /streams/:id/recover.
func (h *Handler) Recover(c *gin.Context) {
	s, err := h.registry.Recover(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, s)
}

// WriteError maps registry errors to HTTP responses.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnknownStream):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrStreamExists), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStreamNotAccepting):
		response.Conflict(c, err.Error())
	default:
		response.Internal(c, "stream operation failed")
	}
}
