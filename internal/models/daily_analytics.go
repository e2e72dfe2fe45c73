package models

import (
	"math"
	"sort"
	"time"
)

// DateLayout is the calendar date format used for analytics rows.
const DateLayout = "2006-01-02"

// UnknownLabel is the breakdown label for sessions without geo or device data.
const UnknownLabel = "unknown"

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DailyAnalytics is the per-stream, per-day rollup. Breakdowns hold exact counts; percentages are derived on read.
type DailyAnalytics struct {
	StreamID              string           `json:"stream_id"`
	Date                  time.Time        `json:"date"`
	UniqueViewers         int64            `json:"unique_viewers"`
	TotalViews            int64            `json:"total_views"`
	PeakConcurrentViewers int64            `json:"peak_concurrent_viewers"`
	TotalWatchTimeSeconds int64            `json:"total_watch_time"`
	GeographicCounts      map[string]int64 `json:"geographic_data"`
	DeviceCounts          map[string]int64 `json:"device_data"`
	Quality               QualitySummary   `json:"quality_metrics"`
}

// AvgWatchDurationSeconds is total watch time divided by total views.
func (d DailyAnalytics) AvgWatchDurationSeconds() float64 {
	if d.TotalViews == 0 {
		return 0
	}
	return float64(d.TotalWatchTimeSeconds) / float64(d.TotalViews)
}

// Clone returns a deep copy.
func (d DailyAnalytics) Clone() DailyAnalytics {
	out := d
	out.GeographicCounts = cloneCounts(d.GeographicCounts)
	out.DeviceCounts = cloneCounts(d.DeviceCounts)
	return out
}

func cloneCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// BreakdownEntry is one label of a percentage breakdown.
type BreakdownEntry struct {
	Label   string  `json:"label"`
	Count   int64   `json:"count"`
	Percent float64 `json:"percent"`
}

// Breakdown converts counts into percentages rounded to one decimal, sorted by count descending then label.
func Breakdown(counts map[string]int64) []BreakdownEntry {
	var total int64
	for _, c := range counts {
		total += c
	}
	out := make([]BreakdownEntry, 0, len(counts))
	for label, c := range counts {
		e := BreakdownEntry{Label: label, Count: c}
		if total > 0 {
			e.Percent = math.Round(float64(c)/float64(total)*1000) / 10
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// DailyAnalyticsView is the presentation shape of a DailyAnalytics row.
type DailyAnalyticsView struct {
	StreamID                string           `json:"stream_id"`
	Date                    string           `json:"date"`
	UniqueViewers           int64            `json:"unique_viewers"`
	TotalViews              int64            `json:"total_views"`
	PeakConcurrentViewers   int64            `json:"peak_concurrent_viewers"`
	TotalWatchTimeSeconds   int64            `json:"total_watch_time"`
	AvgWatchDurationSeconds float64          `json:"avg_watch_duration"`
	GeographicBreakdown     []BreakdownEntry `json:"geographic_data"`
	DeviceBreakdown         []BreakdownEntry `json:"device_data"`
	AvgBitrate              float64          `json:"avg_bitrate"`
	AvgLatencyMs            float64          `json:"avg_latency_ms"`
	QualitySamples          int64            `json:"quality_samples"`
}

// View renders d for API responses and exports.
func (d DailyAnalytics) View() DailyAnalyticsView {
	return DailyAnalyticsView{
		StreamID:                d.StreamID,
		Date:                    d.Date.Format(DateLayout),
		UniqueViewers:           d.UniqueViewers,
		TotalViews:              d.TotalViews,
		PeakConcurrentViewers:   d.PeakConcurrentViewers,
		TotalWatchTimeSeconds:   d.TotalWatchTimeSeconds,
		AvgWatchDurationSeconds: math.Round(d.AvgWatchDurationSeconds()*10) / 10,
		GeographicBreakdown:     Breakdown(d.GeographicCounts),
		DeviceBreakdown:         Breakdown(d.DeviceCounts),
		AvgBitrate:              d.Quality.AvgBitrate(),
		AvgLatencyMs:            d.Quality.AvgLatencyMs(),
		QualitySamples:          d.Quality.Samples,
	}
}
