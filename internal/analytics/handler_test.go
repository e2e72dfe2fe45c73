package analytics

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruvz/streaming-analytics/internal/models"
	"github.com/cruvz/streaming-analytics/internal/sixsigma"
)

type fakeStreams map[string]models.StreamState

func (f fakeStreams) Get(id string) (models.StreamState, bool) {
	s, ok := f[id]
	return s, ok
}

func (f fakeStreams) Active() []models.StreamState {
	var out []models.StreamState
	for _, s := range f {
		if s.Status == models.StreamActive {
			out = append(out, s)
		}
	}
	return out
}

type fakeLive struct {
	counts map[string]int
	points map[string][]models.QualityPoint
}

func (f fakeLive) GetLiveViewerCount(_ context.Context, id string) int { return f.counts[id] }

func (f fakeLive) GetRecentMetrics(id string, n int) iter.Seq[models.QualityPoint] {
	return func(yield func(models.QualityPoint) bool) {
		pts := f.points[id]
		if len(pts) > n {
			pts = pts[len(pts)-n:]
		}
		for _, p := range pts {
			if !yield(p) {
				return
			}
		}
	}
}

type fakeSigma struct{ err error }

func (f fakeSigma) Aggregate(_ context.Context, category string, window time.Duration) (sixsigma.Summary, error) {
	if f.err != nil {
		return sixsigma.Summary{}, f.err
	}
	return sixsigma.Summary{Category: category, Window: window.String(), SigmaLevel: 4.5, Samples: 12}, nil
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

func serve[T any](t *testing.T, h *Handler, target string) (int, envelope[T]) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/analytics/dashboard", h.Dashboard)
	r.GET("/analytics/overview", h.Overview)
	r.GET("/analytics/streams/:id", h.StreamRange)
	r.GET("/analytics/streams/:id/live", h.StreamLiveView)
	r.GET("/analytics/streams/:id/export/:date", h.ExportLink)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	var body envelope[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func fixture() *Handler {
	streams := fakeStreams{
		"S1": {ID: "S1", Status: models.StreamActive, PeakViewers: 9},
		"S2": {ID: "S2", Status: models.StreamActive},
		"S3": {ID: "S3", Status: models.StreamEnded},
	}
	live := fakeLive{
		counts: map[string]int{"S1": 1000, "S2": 500},
		points: map[string][]models.QualityPoint{
			"S1": {{Bitrate: 2000, LatencyMs: 40}, {Bitrate: 3000, LatencyMs: 60}},
			"S2": {{Bitrate: 1000, LatencyMs: 30}},
		},
	}
	h := NewHandler(streams, live, NewAggregator(newMemStore(), nil, nil, nil), fakeSigma{})
	h.now = func() time.Time { return day1.AddDate(0, 0, 2).Add(12 * time.Hour) }
	return h
}

func TestOverview(t *testing.T) {
	code, body := serve[OverviewResponse](t, fixture(), "/analytics/overview")

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, OverviewResponse{
		ActiveStreams: 2,
		TotalViewers:  1500,
		AvgLatency:    40,
		Bandwidth:     "3.0",
	}, body.Data)
}

func TestDashboardIncludesTodayRows(t *testing.T) {
	h := fixture()
	h.agg.RecordSession(session("s1", "v1", "US", "tv", h.now(), 30))

	code, body := serve[DashboardResponse](t, h, "/analytics/dashboard")

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, body.Data.ActiveStreams)
	assert.Equal(t, 1500, body.Data.TotalViewers)
	require.NotNil(t, body.Data.SigmaLevel)
	assert.Equal(t, 4.5, body.Data.SigmaLevel.SigmaLevel)
	require.Len(t, body.Data.Today, 1)
	assert.Equal(t, "S1", body.Data.Today[0].StreamID)
	assert.Equal(t, []models.BreakdownEntry{{Label: "US", Count: 1, Percent: 100}}, body.Data.Today[0].GeographicBreakdown)
}

func TestDashboardFlagsMissingSigma(t *testing.T) {
	h := fixture()
	h.sigma = fakeSigma{err: errors.New("db down")}

	code, body := serve[DashboardResponse](t, h, "/analytics/dashboard")

	require.Equal(t, http.StatusOK, code)
	assert.True(t, body.Data.Degraded)
	assert.Nil(t, body.Data.SigmaLevel)
	assert.Equal(t, 2, body.Data.ActiveStreams)

	_, body = serve[DashboardResponse](t, fixture(), "/analytics/dashboard")
	assert.False(t, body.Data.Degraded)
}

func TestStreamRange(t *testing.T) {
	h := fixture()
	h.agg.RecordSession(session("s1", "v1", "US", "tv", day1.Add(time.Hour), 30))
	h.agg.RecordSession(session("s2", "v2", "US", "mobile", day1.AddDate(0, 0, 1), 90))

	code, body := serve[RangeResponse](t, h, "/analytics/streams/S1?from=2026-03-01&to=2026-03-04")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2026-03-01", body.Data.From)
	require.Len(t, body.Data.Days, 2)
	assert.Equal(t, "2026-03-02", body.Data.Days[0].Date)
	assert.Equal(t, int64(2), body.Data.Totals.TotalViews)
	assert.Equal(t, 60.0, body.Data.Totals.AvgWatchDurationSeconds)

	code, body = serve[RangeResponse](t, h, "/analytics/streams/S1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2026-02-26", body.Data.From)
	assert.Equal(t, "2026-03-04", body.Data.To)
}

func TestStreamRangeRejectsBadInput(t *testing.T) {
	h := fixture()
	cases := map[string]int{
		"/analytics/streams/S9":                               http.StatusNotFound,
		"/analytics/streams/S1?from=yesterday":                http.StatusBadRequest,
		"/analytics/streams/S1?from=2026-03-05&to=2026-03-01": http.StatusBadRequest,
		"/analytics/streams/S1?from=2024-01-01&to=2026-03-01": http.StatusBadRequest,
		"/analytics/streams/S1/live":                          http.StatusOK,
		"/analytics/streams/S9/live":                          http.StatusNotFound,
	}
	for target, want := range cases {
		code, _ := serve[any](t, h, target)
		assert.Equal(t, want, code, target)
	}
}

func TestStreamLiveViewCarriesRecentPoints(t *testing.T) {
	code, body := serve[StreamLive](t, fixture(), "/analytics/streams/S1/live")

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1000, body.Data.LiveViewers)
	assert.Equal(t, 9, body.Data.PeakViewers)
	assert.Equal(t, 2500.0, body.Data.AvgBitrate)
	assert.Equal(t, 50.0, body.Data.AvgLatencyMs)
	assert.Len(t, body.Data.Recent, 2)
}

type remoteLive struct {
	fakeLive
	remote []models.QualityPoint
}

func (r remoteLive) RemoteRecentMetrics(_ context.Context, _ string, n int) ([]models.QualityPoint, error) {
	return r.remote[max(0, len(r.remote)-n):], nil
}

func TestStreamLiveViewFallsBackToRemotePoints(t *testing.T) {
	streams := fakeStreams{"S1": {ID: "S1", Status: models.StreamActive}}
	live := remoteLive{
		fakeLive: fakeLive{counts: map[string]int{"S1": 3}},
		remote:   []models.QualityPoint{{StreamID: "S1", Bitrate: 1000, LatencyMs: 20}, {StreamID: "S1", Bitrate: 3000, LatencyMs: 40}},
	}
	h := NewHandler(streams, live, nil, nil)

	code, body := serve[StreamLive](t, h, "/analytics/streams/S1/live")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body.Data.Recent, 2)
	assert.Equal(t, 2000.0, body.Data.AvgBitrate)
	assert.Equal(t, 30.0, body.Data.AvgLatencyMs)
}

type fakeLinks struct{}

func (fakeLinks) PresignedDownloadURL(_ context.Context, key string) (string, error) {
	return "https://signed/" + key, nil
}

func TestExportLink(t *testing.T) {
	h := fixture()
	code, _ := serve[map[string]string](t, h, "/analytics/streams/S1/export/2026-03-02")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	h.SetExportLinks(fakeLinks{})
	code, body := serve[map[string]string](t, h, "/analytics/streams/S1/export/2026-03-02")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "https://signed/analytics/S1/2026-03-02.json", body.Data["url"])

	code, _ = serve[map[string]string](t, h, "/analytics/streams/S1/export/2026-03-03")
	assert.Equal(t, http.StatusConflict, code)
	code, _ = serve[map[string]string](t, h, "/analytics/streams/S1/export/march")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = serve[map[string]string](t, h, "/analytics/streams/S9/export/2026-03-02")
	assert.Equal(t, http.StatusNotFound, code)
}
