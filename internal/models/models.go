package models

import (
	"fmt"
	"strings"
	"time"
)

// KeyframeRecord is a frame selected by the keyframe selector
type KeyframeRecord struct {
	TimestampSec float64 `json:"timestamp_sec"`
	TimestampFmt string  `json:"timestamp_fmt"`
	ImagePayload []byte  `json:"-"` // JPEG bytes
	ChangeScore  float64 `json:"change_score"`
}

// SegmentObservation is the structured description of a single keyframe
type SegmentObservation struct {
	Scene     string   `json:"scene"`
	Objects   []string `json:"objects"`
	Action    string   `json:"action"`
	OCR       string   `json:"ocr"`
	Timestamp string   `json:"timestamp"`
}

// FileInfo describes the analyzed source
type FileInfo struct {
	Filename    string  `json:"filename"`
	DurationSec float64 `json:"duration_sec"`
}

// AnalysisResult is the output of one analysis run
type AnalysisResult struct {
	FileInfo FileInfo             `json:"file_info"`
	Timeline []SegmentObservation `json:"timeline"`
	Report   string               `json:"report"`
}

// Run is a persisted analysis result
type Run struct {
	ID        string         `json:"id"`
	VideoName string         `json:"video_name"`
	CreatedAt time.Time      `json:"created_at"`
	Result    AnalysisResult `json:"result"`
}

// SearchHit is an observation matched by a similarity search
type SearchHit struct {
	RunID       string             `json:"run_id"`
	VideoName   string             `json:"video_name"`
	Observation SegmentObservation `json:"observation"`
	Similarity  float64            `json:"similarity"`
}

// FormatTimestamp renders seconds as mm:ss. Minutes are not wrapped at 60.
func FormatTimestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	whole := int(sec)
	return fmt.Sprintf("%02d:%02d", whole/60, whole%60)
}

// Text flattens the observation into one line for embedding and search
func (o SegmentObservation) Text() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{o.Scene, o.Action, strings.Join(o.Objects, ", "), o.OCR} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " | ")
}
