// Package pipeline runs keyframe selection, segment analysis and report
// generation for one video.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/vision/internal/analyzer"
	"github.com/bdougie/vision/internal/extractor"
	"github.com/bdougie/vision/internal/keyframe"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/report"
	"github.com/bdougie/vision/internal/storage"
)

// Progress stages reported to an Observer
const (
	StageKeyframesSelected = "keyframes_selected"
	StageSegmentsAnalyzed  = "segments_analyzed"
	StageReportReady       = "report_ready"
)

// Event describes a completed stage of a run
type Event struct {
	RunID     string `json:"run_id"`
	Stage     string `json:"stage"`
	Keyframes int    `json:"keyframes,omitempty"`
	Segments  int    `json:"segments,omitempty"`
}

// Observer receives events in stage order from the goroutine calling Run
type Observer func(Event)

// Opener starts decoding a video
type Opener func(ctx context.Context, path string) (extractor.Source, error)

// Pipeline wires the analysis stages together
type Pipeline struct {
	open       Opener
	selector   *keyframe.Selector
	analyzer   *analyzer.Analyzer
	aggregator *report.Aggregator
	store      storage.Storage
	logger     *slog.Logger
}

// Option customises a Pipeline
type Option func(*Pipeline)

// WithStorage persists every completed run
func WithStorage(store storage.Storage) Option {
	return func(p *Pipeline) { p.store = store }
}

// WithOpener replaces ffmpeg decoding, mainly for tests
func WithOpener(open Opener) Option {
	return func(p *Pipeline) { p.open = open }
}

// New creates a pipeline that decodes with ffmpeg unless WithOpener is given
func New(selector *keyframe.Selector, an *analyzer.Analyzer, agg *report.Aggregator, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		selector:   selector,
		analyzer:   an,
		aggregator: agg,
		logger:     logger,
	}
	p.open = func(ctx context.Context, path string) (extractor.Source, error) {
		return extractor.Open(ctx, path, logger)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run analyzes the video at videoPath. The only error returned for a readable
// pipeline is *extractor.DecodeError (or the context error when ctx ends);
// model failures degrade the result instead. observe may be nil.
func (p *Pipeline) Run(ctx context.Context, videoPath string, observe Observer) (*models.Run, error) {
	if observe == nil {
		observe = func(Event) {}
	}
	run := &models.Run{
		ID:        uuid.NewString(),
		VideoName: filepath.Base(videoPath),
		CreatedAt: time.Now().UTC(),
	}
	logger := p.logger.With("run_id", run.ID, "video", run.VideoName)
	start := time.Now()

	keyframes, err := p.selectKeyframes(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	logger.Info("keyframes selected", "count", len(keyframes))
	observe(Event{RunID: run.ID, Stage: StageKeyframesSelected, Keyframes: len(keyframes)})

	timeline := p.analyzer.Analyze(ctx, keyframes)
	observe(Event{RunID: run.ID, Stage: StageSegmentsAnalyzed, Keyframes: len(keyframes), Segments: len(timeline)})

	text := p.aggregator.Summarize(ctx, timeline)
	// Segments and the report degrade on a cancelled ctx; never pass that off as a result
	if err := ctx.Err(); err != nil {
		logger.Warn("analysis cancelled", "error", err)
		return nil, err
	}
	observe(Event{RunID: run.ID, Stage: StageReportReady, Keyframes: len(keyframes), Segments: len(timeline)})

	duration := 0.0
	if n := len(keyframes); n > 0 {
		duration = keyframes[n-1].TimestampSec
	}
	run.Result = models.AnalysisResult{
		FileInfo: models.FileInfo{Filename: run.VideoName, DurationSec: duration},
		Timeline: timeline,
		Report:   text,
	}

	if p.store != nil {
		if err := p.store.Save(ctx, run); err != nil {
			logger.Error("failed to store run", "error", err)
		}
	}

	logger.Info("analysis finished", "segments", len(timeline), "duration", time.Since(start))
	return run, nil
}

func (p *Pipeline) selectKeyframes(ctx context.Context, videoPath string) ([]models.KeyframeRecord, error) {
	src, err := p.open(ctx, videoPath)
	if err != nil {
		return nil, asDecodeError(videoPath, err)
	}
	// Release the decoder before the slow remote stages
	defer src.Close()

	keyframes, err := p.selector.Select(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, asDecodeError(videoPath, err)
	}
	return keyframes, nil
}

func asDecodeError(path string, err error) error {
	var de *extractor.DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &extractor.DecodeError{Path: path, Err: fmt.Errorf("read frames: %w", err)}
}
