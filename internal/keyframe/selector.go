// Package keyframe selects visually significant, time-deduplicated frames
// from a decoded video stream.
package keyframe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"math"

	"github.com/bdougie/vision/internal/extractor"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/phash"
)

// Config controls sampling and the change-detection policy
type Config struct {
	Stride       int     `yaml:"stride"`      // hash every Stride-th decoded frame
	RegionFrac   float64 `yaml:"region"`      // centred region of interest, fraction of width and height
	Threshold    int     `yaml:"threshold"`   // Hamming distance strictly above this is a change
	MinGap       float64 `yaml:"min_gap_sec"` // seconds between accepted keyframes
	MaxKeyframes int     `yaml:"max_keyframes"`
	JPEGQuality  int     `yaml:"jpeg_quality"`
}

// DefaultConfig returns the production selection policy
func DefaultConfig() Config {
	return Config{
		Stride:       3,
		RegionFrac:   0.5,
		Threshold:    5,
		MinGap:       1.0,
		MaxKeyframes: 20,
		JPEGQuality:  70,
	}
}

func (c Config) validate() error {
	switch {
	case c.Stride < 1:
		return fmt.Errorf("stride must be >= 1, got %d", c.Stride)
	case c.RegionFrac <= 0 || c.RegionFrac > 1:
		return fmt.Errorf("region fraction must be in (0, 1], got %v", c.RegionFrac)
	case c.MaxKeyframes < 1:
		return fmt.Errorf("max keyframes must be >= 1, got %d", c.MaxKeyframes)
	case c.JPEGQuality < 1 || c.JPEGQuality > 100:
		return fmt.Errorf("jpeg quality must be in [1, 100], got %d", c.JPEGQuality)
	}
	return nil
}

// state is the accumulator threaded through the scan
type state struct {
	ref          phash.Hash
	hasRef       bool
	lastAccepted float64
}

func initialState() state {
	return state{lastAccepted: math.Inf(-1)}
}

// decision is the outcome of one sampled frame
type decision struct {
	accept bool
	score  int
}

// step folds one sampled frame hash into the accumulator. The reference
// always advances to h, so detection is frame-to-frame rather than relative
// to the last accepted keyframe.
func (c Config) step(s state, h phash.Hash, t float64) (state, decision) {
	significant := true
	dist := 0
	if s.hasRef {
		dist = phash.Distance(s.ref, h)
		significant = dist > c.Threshold
	}

	d := decision{score: dist}
	if significant && t-s.lastAccepted >= c.MinGap {
		d.accept = true
		s.lastAccepted = t
	}

	s.ref = h
	s.hasRef = true
	return s, d
}

// Selector scans a frame source for keyframes
type Selector struct {
	cfg    Config
	logger *slog.Logger
}

// NewSelector creates a selector with the given policy
func NewSelector(cfg Config, logger *slog.Logger) (*Selector, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid keyframe config: %w", err)
	}
	return &Selector{cfg: cfg, logger: logger}, nil
}

// Select consumes src to the end and returns at most MaxKeyframes records in
// ascending timestamp order. Keyframes beyond the cap are counted but not
// encoded; the earliest ones are kept.
func (s *Selector) Select(ctx context.Context, src extractor.Source) ([]models.KeyframeRecord, error) {
	var (
		st       = initialState()
		records  []models.KeyframeRecord
		decoded  int
		sampled  int
		overflow int
	)

	skipper, canSkip := src.(extractor.Skipper)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Frames arrive in decode order, so decoded is the next frame's index
		if canSkip && decoded%s.cfg.Stride != 0 {
			err := skipper.Skip()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("skip frame %d: %w", decoded, err)
			}
			decoded++
			continue
		}

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read frame %d: %w", decoded, err)
		}
		decoded++

		if frame.Index%s.cfg.Stride != 0 {
			continue
		}
		sampled++

		roi := frame.Image.SubImage(phash.CenterRegion(frame.Image.Bounds(), s.cfg.RegionFrac))
		h := phash.Compute(roi)

		var d decision
		st, d = s.cfg.step(st, h, frame.Timestamp)
		if !d.accept {
			continue
		}

		if len(records) >= s.cfg.MaxKeyframes {
			overflow++
			continue
		}

		payload, err := encodeJPEG(frame.Image, s.cfg.JPEGQuality)
		if err != nil {
			return nil, fmt.Errorf("encode keyframe at %.2fs: %w", frame.Timestamp, err)
		}
		records = append(records, models.KeyframeRecord{
			TimestampSec: frame.Timestamp,
			TimestampFmt: models.FormatTimestamp(frame.Timestamp),
			ImagePayload: payload,
			ChangeScore:  float64(d.score),
		})
		s.logger.Debug("keyframe accepted", "timestamp", frame.Timestamp, "hash", h, "distance", d.score)
	}

	s.logger.Info("keyframe selection finished",
		"decoded", decoded,
		"sampled", sampled,
		"selected", len(records),
		"dropped_over_cap", overflow,
	)
	return records, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
