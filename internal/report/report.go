// Package report turns a timeline of observations into a narrative report.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdougie/vision/internal/models"
)

const (
	// NoDataMessage is returned without any model call when the timeline is empty
	NoDataMessage = "No analysis data available."
	// FallbackMessage replaces the report when generation fails
	FallbackMessage = "Failed to generate report."
	// DefaultTimeout bounds the single report request
	DefaultTimeout = 60 * time.Second
)

const promptTemplate = `Below are timeline notes from a video analysis, one entry per keyframe.

Data:
%s

Task:
Write a professional Markdown analysis report.
Focus only on the behaviour of the person in the centre of the frame (body movement, expressions). Do not describe the background or anyone else.

Output format:
# Video Analysis Report

## Summary (TL;DR)
(3-5 sentences on what the central person mainly does)

## Timeline Highlights
- **[timestamp]**: action

## Detailed Observations
(details of the person's actions and the scene)
`

// Narrator is a text model that answers a single prompt
type Narrator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// AggregationFailure records why the narrative could not be produced
type AggregationFailure struct {
	Segments int
	Err      error
}

func (e *AggregationFailure) Error() string {
	return fmt.Sprintf("report over %d segments: %v", e.Segments, e.Err)
}

func (e *AggregationFailure) Unwrap() error { return e.Err }

// Aggregator builds the report with one Narrator call
type Aggregator struct {
	narrator Narrator
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates an aggregator; a non-positive timeout means DefaultTimeout
func New(narrator Narrator, timeout time.Duration, logger *slog.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Aggregator{narrator: narrator, timeout: timeout, logger: logger}
}

// Summarize returns the narrative for timeline. It never fails: an empty
// timeline yields NoDataMessage and any error yields FallbackMessage.
func (a *Aggregator) Summarize(ctx context.Context, timeline []models.SegmentObservation) string {
	if len(timeline) == 0 {
		return NoDataMessage
	}

	text, err := a.generate(ctx, timeline)
	if err != nil {
		a.logger.Error("report generation failed", "error", &AggregationFailure{Segments: len(timeline), Err: err})
		return FallbackMessage
	}
	return text
}

func (a *Aggregator) generate(ctx context.Context, timeline []models.SegmentObservation) (string, error) {
	prompt, err := BuildPrompt(timeline)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	text, err := a.narrator.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty report")
	}

	a.logger.Info("report generated", "segments", len(timeline), "duration", time.Since(start), "chars", len(text))
	return text, nil
}

// BuildPrompt embeds the indented JSON timeline in the report instruction
func BuildPrompt(timeline []models.SegmentObservation) (string, error) {
	data, err := json.MarshalIndent(timeline, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode timeline: %w", err)
	}
	return fmt.Sprintf(promptTemplate, data), nil
}
