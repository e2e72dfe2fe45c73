package ingest

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/cruvz/streaming-analytics/internal/sessions"
	"github.com/cruvz/streaming-analytics/internal/streams"
	"github.com/cruvz/streaming-analytics/pkg/response"
)

// MaxBatch is the largest accepted POST /events/batch payload.
const MaxBatch = 500

// Handler accepts events over HTTP.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// BatchItem is the outcome of one event of a batch.
type BatchItem struct {
	Index  int     `json:"index"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Event handles POST /events.
func (h *Handler) Event(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ev, err := Decode(body)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	res, err := h.dispatcher.Apply(c.Request.Context(), ev, SourceHTTP)
	if err != nil {
		writeError(c, err)
		return
	}
	if ev.Type == TypeViewerJoined {
		response.Created(c, res)
		return
	}
	response.OK(c, res)
}

// Batch handles POST /events/batch. Events are applied in order and failures do not stop the batch.
func (h *Handler) Batch(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	evs, err := DecodeBatch(body)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if len(evs) > MaxBatch {
		response.PayloadTooLarge(c, fmt.Sprintf("batch exceeds %d events", MaxBatch))
		return
	}
	items := make([]BatchItem, 0, len(evs))
	failed := 0
	for i, ev := range evs {
		res, err := h.dispatcher.Apply(c.Request.Context(), ev, SourceHTTP)
		item := BatchItem{Index: i}
		if err != nil {
			item.Error = err.Error()
			failed++
		} else {
			item.Result = &res
		}
		items = append(items, item)
	}
	response.OK(c, gin.H{"accepted": len(evs) - failed, "failed": failed, "results": items})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBadEvent):
		response.BadRequest(c, err.Error())
	case errors.Is(err, sessions.ErrUnknownSession):
		response.NotFound(c, err.Error())
	default:
		streams.WriteError(c, err)
	}
}
