package analytics

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/models"
	"github.com/cruvz/streaming-analytics/internal/sixsigma"
	"github.com/cruvz/streaming-analytics/pkg/response"
	"github.com/cruvz/streaming-analytics/pkg/storage"
)

const (
	recentWindow     = 60
	defaultRangeDays = 7
	maxRangeDays     = 366
	sigmaWindow      = time.Hour
)

// Streams is the registry view the handler reads.
type Streams interface {
	Get(id string) (models.StreamState, bool)
	Active() []models.StreamState
}

// Live is the cache view the handler reads.
type Live interface {
	GetLiveViewerCount(ctx context.Context, streamID string) int
	GetRecentMetrics(streamID string, n int) iter.Seq[models.QualityPoint]
}

// Sigma supplies the recent quality score shown on the dashboard.
type Sigma interface {
	Aggregate(ctx context.Context, category string, window time.Duration) (sixsigma.Summary, error)
}

// RemoteLive is implemented by caches that can read quality points written by other instances.
type RemoteLive interface {
	RemoteRecentMetrics(ctx context.Context, streamID string, n int) ([]models.QualityPoint, error)
}

// ExportLinks signs download links for exported days.
type ExportLinks interface {
	PresignedDownloadURL(ctx context.Context, key string) (string, error)
}

// Handler serves /analytics.
type Handler struct {
	streams Streams
	live    Live
	agg     *Aggregator
	sigma   Sigma
	exports ExportLinks
	now     func() time.Time
}

// NewHandler creates an analytics handler. sigma may be nil.
func NewHandler(streams Streams, live Live, agg *Aggregator, sigma Sigma) *Handler {
	return &Handler{streams: streams, live: live, agg: agg, sigma: sigma, now: time.Now}
}

// SetExportLinks enables GET /analytics/streams/:id/export/:date.
func (h *Handler) SetExportLinks(e ExportLinks) {
	h.exports = e
}

// StreamLive is a stream's current figures.
type StreamLive struct {
	StreamID     string                `json:"stream_id"`
	Title        string                `json:"title,omitempty"`
	Status       models.StreamStatus   `json:"status"`
	LiveViewers  int                   `json:"live_viewers"`
	PeakViewers  int                   `json:"peak_viewers"`
	AvgBitrate   float64               `json:"avg_bitrate"`
	AvgLatencyMs float64               `json:"avg_latency_ms"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	Recent       []models.QualityPoint `json:"recent,omitempty"`
}

func (h *Handler) liveFigures(ctx context.Context, s models.StreamState, withRecent bool) StreamLive {
	out := StreamLive{
		StreamID:    s.ID,
		Title:       s.Title,
		Status:      s.Status,
		LiveViewers: h.live.GetLiveViewerCount(ctx, s.ID),
		PeakViewers: s.PeakViewers,
		StartedAt:   s.StartedAt,
	}
	var q models.QualitySummary
	for p := range h.live.GetRecentMetrics(s.ID, recentWindow) {
		q.Add(models.QualitySummary{Samples: 1, BitrateSum: p.Bitrate, LatencyMsSum: p.LatencyMs})
		if withRecent {
			out.Recent = append(out.Recent, p)
		}
	}
	// Streams ingested by another instance only have points in the shared tier.
	if withRecent && q.Samples == 0 {
		if remote, ok := h.live.(RemoteLive); ok {
			if pts, err := remote.RemoteRecentMetrics(ctx, s.ID, recentWindow); err == nil {
				for _, p := range pts {
					q.Add(models.QualitySummary{Samples: 1, BitrateSum: p.Bitrate, LatencyMsSum: p.LatencyMs})
				}
				out.Recent = pts
			}
		}
	}
	out.AvgBitrate = round1(q.AvgBitrate())
	out.AvgLatencyMs = round1(q.AvgLatencyMs())
	return out
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// DashboardResponse is the GET /analytics/dashboard payload.
type DashboardResponse struct {
	GeneratedAt   time.Time                   `json:"generated_at"`
	ActiveStreams int                         `json:"active_streams"`
	TotalViewers  int                         `json:"total_viewers"`
	SigmaLevel    *sixsigma.Summary           `json:"sigma_level,omitempty"`
	Streams       []StreamLive                `json:"streams"`
	Today         []models.DailyAnalyticsView `json:"today"`
	Degraded      bool                        `json:"degraded,omitempty"` // sigma summary unavailable
}

// Dashboard handles GET /analytics/dashboard.
func (h *Handler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	now := h.now()
	active := h.streams.Active()
	resp := DashboardResponse{
		GeneratedAt:   now.UTC(),
		ActiveStreams: len(active),
		Streams:       make([]StreamLive, 0, len(active)),
		Today:         make([]models.DailyAnalyticsView, 0, len(active)),
	}
	for _, s := range active {
		l := h.liveFigures(ctx, s, false)
		resp.TotalViewers += l.LiveViewers
		resp.Streams = append(resp.Streams, l)
		if row, ok := h.agg.Snapshot(s.ID, now); ok {
			resp.Today = append(resp.Today, row.View())
		}
	}
	if h.sigma != nil {
		s, err := h.sigma.Aggregate(ctx, "", sigmaWindow)
		if err != nil {
			resp.Degraded = true
			h.agg.logger.Warn("dashboard sigma summary failed", zap.Error(err))
		} else {
			resp.SigmaLevel = &s
		}
	}
	response.OK(c, resp)
}

// OverviewResponse is the GET /analytics/overview payload.
type OverviewResponse struct {
	ActiveStreams int    `json:"activeStreams"`
	TotalViewers  int    `json:"totalViewers"`
	AvgLatency    int    `json:"avgLatency"`
	Bandwidth     string `json:"bandwidth"`
}

// Overview handles GET /analytics/overview. Bandwidth is the estimated egress in Gbps.
func (h *Handler) Overview(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		resp    OverviewResponse
		latency models.QualitySummary
		kbps    float64
	)
	for _, s := range h.streams.Active() {
		resp.ActiveStreams++
		l := h.liveFigures(ctx, s, false)
		resp.TotalViewers += l.LiveViewers
		kbps += l.AvgBitrate * float64(l.LiveViewers)
		if l.AvgLatencyMs > 0 {
			latency.Add(models.QualitySummary{Samples: 1, LatencyMsSum: l.AvgLatencyMs})
		}
	}
	resp.AvgLatency = int(math.Round(latency.AvgLatencyMs()))
	resp.Bandwidth = fmt.Sprintf("%.1f", kbps/1e6)
	response.OK(c, resp)
}

// RangeResponse is the GET /analytics/streams/:id payload.
type RangeResponse struct {
	StreamID string                      `json:"stream_id"`
	From     string                      `json:"from"`
	To       string                      `json:"to"`
	Degraded bool                        `json:"degraded,omitempty"`
	Totals   RangeTotals                 `json:"totals"`
	Days     []models.DailyAnalyticsView `json:"days"`
}

// RangeTotals sums a range of days. Unique viewers are not additive across days and are left out.
type RangeTotals struct {
	TotalViews              int64   `json:"total_views"`
	TotalWatchTimeSeconds   int64   `json:"total_watch_time"`
	AvgWatchDurationSeconds float64 `json:"avg_watch_duration"`
	PeakConcurrentViewers   int64   `json:"peak_concurrent_viewers"`
}

// StreamRange handles GET /analytics/streams/:id?from=YYYY-MM-DD&to=YYYY-MM-DD.
func (h *Handler) StreamRange(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.streams.Get(id); !ok {
		response.NotFound(c, "unknown stream")
		return
	}
	from, to, err := parseRange(c.Query("from"), c.Query("to"), h.now())
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	rows, degraded := h.agg.Range(c.Request.Context(), id, from, to)
	resp := RangeResponse{
		StreamID: id,
		From:     from.Format(models.DateLayout),
		To:       to.Format(models.DateLayout),
		Degraded: degraded,
		Days:     make([]models.DailyAnalyticsView, 0, len(rows)),
	}
	for _, row := range rows {
		resp.Days = append(resp.Days, row.View())
		resp.Totals.TotalViews += row.TotalViews
		resp.Totals.TotalWatchTimeSeconds += row.TotalWatchTimeSeconds
		resp.Totals.PeakConcurrentViewers = max(resp.Totals.PeakConcurrentViewers, row.PeakConcurrentViewers)
	}
	if resp.Totals.TotalViews > 0 {
		resp.Totals.AvgWatchDurationSeconds = round1(float64(resp.Totals.TotalWatchTimeSeconds) / float64(resp.Totals.TotalViews))
	}
	response.OK(c, resp)
}

func parseRange(fromStr, toStr string, now time.Time) (time.Time, time.Time, error) {
	to := models.Day(now)
	if toStr != "" {
		t, err := time.Parse(models.DateLayout, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to date %q", toStr)
		}
		to = t
	}
	from := to.AddDate(0, 0, -(defaultRangeDays - 1))
	if fromStr != "" {
		t, err := time.Parse(models.DateLayout, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from date %q", fromStr)
		}
		from = t
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, errors.New("from is after to")
	}
	if to.Sub(from) > maxRangeDays*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("range exceeds %d days", maxRangeDays)
	}
	return from, to, nil
}

// StreamLiveView handles GET /analytics/streams/:id/live.
func (h *Handler) StreamLiveView(c *gin.Context) {
	s, ok := h.streams.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "unknown stream")
		return
	}
	response.OK(c, h.liveFigures(c.Request.Context(), s, true))
}

// ExportLink handles GET /analytics/streams/:id/export/:date. Only closed days are exported.
func (h *Handler) ExportLink(c *gin.Context) {
	if h.exports == nil {
		response.ServiceUnavailable(c, "exports are not configured")
		return
	}
	id := c.Param("id")
	if _, ok := h.streams.Get(id); !ok {
		response.NotFound(c, "unknown stream")
		return
	}
	date, err := time.Parse(models.DateLayout, c.Param("date"))
	if err != nil {
		response.BadRequest(c, "invalid date")
		return
	}
	if !date.Before(models.Day(h.now()).AddDate(0, 0, -1)) {
		response.Conflict(c, "day is not closed yet")
		return
	}
	url, err := h.exports.PresignedDownloadURL(c.Request.Context(), storage.AnalyticsKey(id, date.Format(models.DateLayout)))
	if err != nil {
		response.Internal(c, "could not sign export link")
		return
	}
	response.OK(c, gin.H{"stream_id": id, "date": date.Format(models.DateLayout), "url": url})
}
