package models

import "time"

// ViewerMeta describes the client behind a viewer session.
type ViewerMeta struct {
	ViewerID  string `json:"id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	Country   string `json:"country,omitempty"`
	Device    string `json:"device,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// QualitySample is one playback quality report from a viewer.
type QualitySample struct {
	Timestamp time.Time `json:"timestamp"`
	Bitrate   float64   `json:"bitrate"`
	LatencyMs float64   `json:"latency_ms"`
}

// QualitySummary is the running sum over a set of quality samples.
type QualitySummary struct {
	Samples      int64   `json:"samples"`
	BitrateSum   float64 `json:"bitrate_sum"`
	LatencyMsSum float64 `json:"latency_ms_sum"`
}

// Add folds other into s.
func (s *QualitySummary) Add(other QualitySummary) {
	s.Samples += other.Samples
	s.BitrateSum += other.BitrateSum
	s.LatencyMsSum += other.LatencyMsSum
}

// AvgBitrate returns the mean bitrate or 0 without samples.
func (s QualitySummary) AvgBitrate() float64 {
	if s.Samples == 0 {
		return 0
	}
	return s.BitrateSum / float64(s.Samples)
}

// AvgLatencyMs returns the mean latency or 0 without samples.
func (s QualitySummary) AvgLatencyMs() float64 {
	if s.Samples == 0 {
		return 0
	}
	return s.LatencyMsSum / float64(s.Samples)
}

// ViewerSession is one viewer connection to a stream.
type ViewerSession struct {
	SessionID            string          `json:"session_id"`
	StreamID             string          `json:"stream_id"`
	Viewer               ViewerMeta      `json:"viewer"`
	JoinedAt             time.Time       `json:"joined_at"`
	LastSeenAt           time.Time       `json:"last_seen_at"`
	LeftAt               *time.Time      `json:"left_at,omitempty"`
	WatchDurationSeconds int64           `json:"watch_duration_seconds"`
	PeakConcurrent       int             `json:"peak_concurrent"`
	Quality              []QualitySample `json:"quality,omitempty"`
	QualitySummary       QualitySummary  `json:"quality_summary"`
}

// ViewerIdentity returns the key used to deduplicate unique viewers within a day.
func (s ViewerSession) ViewerIdentity() string {
	switch {
	case s.Viewer.ViewerID != "":
		return "id:" + s.Viewer.ViewerID
	case s.Viewer.UserID != "":
		return "user:" + s.Viewer.UserID
	case s.Viewer.IP != "":
		return "ip:" + s.Viewer.IP
	default:
		return "session:" + s.SessionID
	}
}
