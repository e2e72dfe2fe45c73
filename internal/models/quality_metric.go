package models

import "time"

// QualityMetric is one evaluated measurement in the six sigma time series.
type QualityMetric struct {
	MetricName string    `json:"metric_name"`
	Category   string    `json:"metric_type"`
	Value      float64   `json:"value"`
	Target     float64   `json:"target"`
	SigmaLevel int       `json:"sigma_level"`
	ErrorRate  float64   `json:"error_rate"`
	DPMO       float64   `json:"dpmo"`
	Date       time.Time `json:"date"`
}

// QualityPoint is a cached per-stream quality sample.
type QualityPoint struct {
	StreamID  string    `json:"stream_id"`
	Timestamp time.Time `json:"timestamp"`
	Bitrate   float64   `json:"bitrate"`
	LatencyMs float64   `json:"latency_ms"`
}
