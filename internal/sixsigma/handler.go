package sixsigma

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cruvz/streaming-analytics/pkg/response"
)

const (
	defaultRange = 24 * time.Hour
	maxRange     = 90 * 24 * time.Hour
)

// Handler serves /six-sigma.
type Handler struct {
	engine *Engine
}

// NewHandler creates a six sigma handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// ParseRange parses a window such as "90m", "24h" or "7d".
func ParseRange(s string) (time.Duration, error) {
	if s == "" {
		return defaultRange, nil
	}
	var (
		d   time.Duration
		err error
	)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		n, err = strconv.Atoi(days)
		d = time.Duration(n) * 24 * time.Hour
	} else {
		d, err = time.ParseDuration(s)
	}
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid range %q", s)
	}
	if d > maxRange {
		return 0, fmt.Errorf("range exceeds %s", maxRange)
	}
	return d, nil
}

// List handles GET /six-sigma/metrics?category=&range=.
func (h *Handler) List(c *gin.Context) {
	window, err := ParseRange(c.Query("range"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	category := c.Query("category")
	ctx := c.Request.Context()

	series, err := h.engine.Series(ctx, category, window)
	if err != nil {
		response.ServiceUnavailable(c, "quality metrics unavailable")
		return
	}
	summary, err := h.engine.Aggregate(ctx, category, window)
	if err != nil {
		response.ServiceUnavailable(c, "quality metrics unavailable")
		return
	}
	response.OK(c, gin.H{
		"category":  category,
		"range":     window.String(),
		"aggregate": summary,
		"metrics":   series,
		"targets":   h.engine.Targets(),
	})
}

// RecordRequest is the POST /six-sigma/metrics body.
type RecordRequest struct {
	MetricName string     `json:"metric_name" binding:"required"`
	Category   string     `json:"metric_type"`
	Value      *float64   `json:"value" binding:"required"`
	Target     *float64   `json:"target"`
	Date       *time.Time `json:"date"`
}

// Record handles POST /six-sigma/metrics. A missing target uses the declared one.
func (h *Handler) Record(c *gin.Context) {
	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	var target float64
	switch {
	case req.Target != nil:
		target = *req.Target
	default:
		t, ok := h.engine.targets[req.MetricName]
		if !ok {
			response.BadRequest(c, "target is required for undeclared metrics")
			return
		}
		target = t.Value
	}
	var at time.Time
	if req.Date != nil {
		at = *req.Date
	}
	m, err := h.engine.Record(c.Request.Context(), req.Category, req.MetricName, *req.Value, target, at)
	if errors.Is(err, ErrInvalidMeasurement) {
		response.BadRequest(c, err.Error())
		return
	}
	if errors.Is(err, ErrDuplicateMetric) {
		response.Conflict(c, "quality metric already recorded for this time")
		return
	}
	if err != nil {
		response.ServiceUnavailable(c, "failed to store quality metric")
		return
	}
	response.Created(c, m)
}
