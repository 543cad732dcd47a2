// Package analyzer asks a vision model to describe each keyframe and keeps
// the descriptions that come back well formed.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdougie/vision/internal/models"
)

// DefaultTimeout bounds a single keyframe request
const DefaultTimeout = 30 * time.Second

// Prompt is the instruction sent with every keyframe
const Prompt = `Analyze this video keyframe and reply with one valid JSON object only (no markdown, no code fences).
Focus only on the person in the exact centre of the frame. Ignore the background and anyone else.

JSON structure:
{
  "scene": "short description of the scene",
  "objects": ["key objects related to the central person"],
  "action": "what the central person is doing, in detail",
  "ocr": "any text visible in the frame, or an empty string"
}`

// Describer is a vision model that answers a prompt about one JPEG image
type Describer interface {
	Describe(ctx context.Context, jpeg []byte, prompt string) (string, error)
}

// SegmentFailure records why one keyframe produced no observation
type SegmentFailure struct {
	Timestamp string
	Err       error
}

func (e *SegmentFailure) Error() string {
	return fmt.Sprintf("segment at %s: %v", e.Timestamp, e.Err)
}

func (e *SegmentFailure) Unwrap() error { return e.Err }

// Analyzer fans keyframes out to a Describer
type Analyzer struct {
	describer Describer
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates an analyzer; a non-positive timeout means DefaultTimeout
func New(describer Describer, timeout time.Duration, logger *slog.Logger) *Analyzer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Analyzer{describer: describer, timeout: timeout, logger: logger}
}

// Analyze describes every keyframe concurrently and returns the observations
// that succeeded, in keyframe order. Failed keyframes are logged and dropped.
func (a *Analyzer) Analyze(ctx context.Context, keyframes []models.KeyframeRecord) []models.SegmentObservation {
	slots := make([]*models.SegmentObservation, len(keyframes))

	// errgroup.Group without a context: one failure never cancels siblings
	var g errgroup.Group
	for i, kf := range keyframes {
		g.Go(func() error {
			obs, err := a.analyzeOne(ctx, kf)
			if err != nil {
				a.logger.Warn("keyframe analysis failed, dropping segment", "timestamp", kf.TimestampFmt, "error", err)
				return nil
			}
			slots[i] = obs
			return nil
		})
	}
	_ = g.Wait()

	timeline := make([]models.SegmentObservation, 0, len(keyframes))
	for _, obs := range slots {
		if obs != nil {
			timeline = append(timeline, *obs)
		}
	}

	a.logger.Info("segment analysis finished", "keyframes", len(keyframes), "segments", len(timeline), "dropped", len(keyframes)-len(timeline))
	return timeline
}

func (a *Analyzer) analyzeOne(ctx context.Context, kf models.KeyframeRecord) (*models.SegmentObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	content, err := a.describer.Describe(ctx, kf.ImagePayload, Prompt)
	if err != nil {
		return nil, &SegmentFailure{Timestamp: kf.TimestampFmt, Err: err}
	}

	obs, err := ParseObservation(content)
	if err != nil {
		return nil, &SegmentFailure{Timestamp: kf.TimestampFmt, Err: err}
	}
	obs.Timestamp = kf.TimestampFmt

	a.logger.Debug("keyframe analyzed", "timestamp", kf.TimestampFmt, "duration", time.Since(start))
	return obs, nil
}

// rawObservation uses pointers so absent fields can be told apart from empty ones
type rawObservation struct {
	Scene   *string   `json:"scene"`
	Objects *[]string `json:"objects"`
	Action  *string   `json:"action"`
	OCR     *string   `json:"ocr"`
}

// ParseObservation decodes a model reply into an observation. Markdown code
// fences are removed first; all four fields must be present.
func ParseObservation(content string) (*models.SegmentObservation, error) {
	cleaned := StripFences(content)
	if cleaned == "" {
		return nil, errors.New("empty response")
	}

	var raw rawObservation
	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid JSON response: trailing data after object")
	}

	var missing []string
	if raw.Scene == nil {
		missing = append(missing, "scene")
	}
	if raw.Objects == nil {
		missing = append(missing, "objects")
	}
	if raw.Action == nil {
		missing = append(missing, "action")
	}
	if raw.OCR == nil {
		missing = append(missing, "ocr")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("response missing fields: %s", strings.Join(missing, ", "))
	}

	return &models.SegmentObservation{
		Scene:   *raw.Scene,
		Objects: *raw.Objects,
		Action:  *raw.Action,
		OCR:     *raw.OCR,
	}, nil
}

// StripFences removes ```json and ``` markers and surrounding whitespace
func StripFences(content string) string {
	content = strings.ReplaceAll(content, "```json", "")
	content = strings.ReplaceAll(content, "```", "")
	return strings.TrimSpace(content)
}
