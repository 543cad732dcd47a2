package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdougie/vision/internal/analyzer"
	"github.com/bdougie/vision/internal/extractor"
	"github.com/bdougie/vision/internal/keyframe"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/report"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// gradientFrame draws a horizontal ramp; rising and falling ramps hash 64 bits
// apart. Row 0 carries a per-segment marker outside the hashed region so every
// keyframe encodes to distinct JPEG bytes.
func gradientFrame(rising bool, marker uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 36, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 36; x++ {
			v := uint8(20 + 6*x)
			if !rising {
				v = uint8(230 - 6*x)
			}
			if y == 0 {
				v = marker
			}
			i := img.PixOffset(x, y)
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 0xff
		}
	}
	return img
}

// segmentVideo returns n segments of 1.5s at 30 fps with alternating ramps
func segmentVideo(n int) []extractor.Frame {
	const perSegment = 45
	frames := make([]extractor.Frame, 0, n*perSegment)
	for seg := 0; seg < n; seg++ {
		img := gradientFrame(seg%2 == 0, uint8(seg*10))
		for j := 0; j < perSegment; j++ {
			idx := seg*perSegment + j
			frames = append(frames, extractor.Frame{Index: idx, Timestamp: float64(idx) / 30, Image: img})
		}
	}
	return frames
}

func sliceOpener(frames []extractor.Frame) Opener {
	return func(ctx context.Context, path string) (extractor.Source, error) {
		return extractor.NewSliceSource(frames), nil
	}
}

type describeFunc func(ctx context.Context, jpeg []byte, prompt string) (string, error)

func (f describeFunc) Describe(ctx context.Context, jpeg []byte, prompt string) (string, error) {
	return f(ctx, jpeg, prompt)
}

type recordingNarrator struct {
	mu      sync.Mutex
	prompts []string
	reply   string
}

func (r *recordingNarrator) Generate(ctx context.Context, prompt string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)
	return r.reply, nil
}

type memoryStore struct {
	saved []*models.Run
	err   error
}

func (m *memoryStore) Save(ctx context.Context, run *models.Run) error {
	m.saved = append(m.saved, run)
	return m.err
}
func (m *memoryStore) Load(ctx context.Context, id string) (*models.Run, error) { return nil, nil }
func (m *memoryStore) List(ctx context.Context, limit int) ([]models.Run, error) {
	return nil, nil
}
func (m *memoryStore) Close() error { return nil }

func okReply(ctx context.Context, jpeg []byte, prompt string) (string, error) {
	return `{"scene":"studio","objects":["chair"],"action":"waving","ocr":""}`, nil
}

func newPipeline(t *testing.T, d analyzer.Describer, n report.Narrator, timeout time.Duration, opts ...Option) *Pipeline {
	t.Helper()
	sel, err := keyframe.NewSelector(keyframe.DefaultConfig(), quiet)
	if err != nil {
		t.Fatalf("NewSelector() error = %v", err)
	}
	return New(sel, analyzer.New(d, timeout, quiet), report.New(n, time.Second, quiet), quiet, opts...)
}

func TestRunDropsTimedOutKeyframe(t *testing.T) {
	frames := segmentVideo(20)

	// Run the selector alone to learn the third keyframe's payload
	sel, _ := keyframe.NewSelector(keyframe.DefaultConfig(), quiet)
	records, err := sel.Select(context.Background(), extractor.NewSliceSource(frames))
	if err != nil || len(records) != 20 {
		t.Fatalf("fixture yields %d keyframes (%v), want 20", len(records), err)
	}
	third := records[2]

	d := describeFunc(func(ctx context.Context, jpeg []byte, prompt string) (string, error) {
		if bytes.Equal(jpeg, third.ImagePayload) {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return okReply(ctx, jpeg, prompt)
	})
	narrator := &recordingNarrator{reply: "# Video Analysis Report"}
	p := newPipeline(t, d, narrator, 100*time.Millisecond, WithOpener(sliceOpener(frames)))

	run, err := p.Run(context.Background(), "/videos/demo.mp4", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	res := run.Result
	if len(res.Timeline) != 19 {
		t.Fatalf("timeline has %d entries, want 19", len(res.Timeline))
	}
	for _, obs := range res.Timeline {
		if obs.Timestamp == third.TimestampFmt {
			t.Fatalf("keyframe %s should have been dropped", third.TimestampFmt)
		}
	}
	if res.FileInfo.Filename != "demo.mp4" || res.FileInfo.DurationSec != records[19].TimestampSec {
		t.Errorf("file info = %+v, want demo.mp4 lasting %v", res.FileInfo, records[19].TimestampSec)
	}
	if res.Report != "# Video Analysis Report" {
		t.Errorf("report = %q", res.Report)
	}

	if len(narrator.prompts) != 1 {
		t.Fatalf("narrator called %d times, want 1", len(narrator.prompts))
	}
	if got := strings.Count(narrator.prompts[0], `"timestamp"`); got != 19 {
		t.Errorf("report prompt has %d timeline entries, want 19", got)
	}
	if strings.Contains(narrator.prompts[0], `"timestamp": "`+third.TimestampFmt+`"`) {
		t.Errorf("report prompt includes dropped keyframe %s", third.TimestampFmt)
	}
}

func TestRunEmitsStagesInOrder(t *testing.T) {
	p := newPipeline(t, describeFunc(okReply), &recordingNarrator{reply: "ok"}, time.Second,
		WithOpener(sliceOpener(segmentVideo(3))))

	var events []Event
	run, err := p.Run(context.Background(), "clip.mp4", func(e Event) { events = append(events, e) })
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{StageKeyframesSelected, StageSegmentsAnalyzed, StageReportReady}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.Stage != want[i] || e.RunID != run.ID {
			t.Errorf("event %d = %+v, want stage %s for run %s", i, e, want[i], run.ID)
		}
	}
	if events[0].Keyframes != 3 || events[1].Segments != 3 {
		t.Errorf("event counts = %+v", events)
	}
}

func TestRunMissingVideoIsDecodeError(t *testing.T) {
	p := newPipeline(t, describeFunc(okReply), &recordingNarrator{}, time.Second)

	_, err := p.Run(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"), nil)
	if !extractor.IsDecodeError(err) {
		t.Fatalf("Run() error = %v, want DecodeError", err)
	}
}

func TestRunWrapsOpenFailures(t *testing.T) {
	failing := func(ctx context.Context, path string) (extractor.Source, error) {
		return nil, errors.New("corrupt header")
	}
	p := newPipeline(t, describeFunc(okReply), &recordingNarrator{}, time.Second, WithOpener(failing))

	_, err := p.Run(context.Background(), "bad.mp4", nil)
	var de *extractor.DecodeError
	if !errors.As(err, &de) || de.Path != "bad.mp4" {
		t.Fatalf("Run() error = %v, want DecodeError for bad.mp4", err)
	}
}

func TestRunEmptyVideo(t *testing.T) {
	narrator := &recordingNarrator{reply: "unused"}
	p := newPipeline(t, describeFunc(okReply), narrator, time.Second, WithOpener(sliceOpener(nil)))

	run, err := p.Run(context.Background(), "empty.mp4", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(run.Result.Timeline) != 0 || run.Result.FileInfo.DurationSec != 0 {
		t.Errorf("result = %+v, want empty timeline and zero duration", run.Result)
	}
	if run.Result.Report != report.NoDataMessage {
		t.Errorf("report = %q, want %q", run.Result.Report, report.NoDataMessage)
	}
	if len(narrator.prompts) != 0 {
		t.Error("narrator called for an empty timeline")
	}
}

func TestRunAllSegmentsFail(t *testing.T) {
	narrator := &recordingNarrator{reply: "unused"}
	failing := describeFunc(func(ctx context.Context, jpeg []byte, prompt string) (string, error) {
		return "", errors.New("401 unauthorized")
	})
	p := newPipeline(t, failing, narrator, time.Second, WithOpener(sliceOpener(segmentVideo(4))))

	run, err := p.Run(context.Background(), "clip.mp4", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Result.Report != report.NoDataMessage || len(narrator.prompts) != 0 {
		t.Errorf("report = %q after %d narrator calls, want no-data message without a call", run.Result.Report, len(narrator.prompts))
	}
	if run.Result.FileInfo.DurationSec != 4.5 {
		t.Errorf("duration = %v, want 4.5 from the last keyframe", run.Result.FileInfo.DurationSec)
	}
}

func TestRunStoresResultAndIgnoresStoreErrors(t *testing.T) {
	store := &memoryStore{err: errors.New("disk full")}
	p := newPipeline(t, describeFunc(okReply), &recordingNarrator{reply: "ok"}, time.Second,
		WithOpener(sliceOpener(segmentVideo(2))), WithStorage(store))

	run, err := p.Run(context.Background(), "clip.mp4", nil)
	if err != nil {
		t.Fatalf("Run() error = %v, store failures must not be fatal", err)
	}
	if len(store.saved) != 1 || store.saved[0].ID != run.ID {
		t.Errorf("stored runs = %d, want the returned run", len(store.saved))
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := newPipeline(t, describeFunc(okReply), &recordingNarrator{}, time.Second, WithOpener(sliceOpener(segmentVideo(2))))

	if _, err := p.Run(ctx, "clip.mp4", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRunCancelledDuringAnalysisStoresNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The client goes away while the first keyframe is being described
	d := describeFunc(func(c context.Context, jpeg []byte, prompt string) (string, error) {
		cancel()
		<-c.Done()
		return "", c.Err()
	})
	narrator := &recordingNarrator{reply: "# Report"}
	store := &memoryStore{}
	p := newPipeline(t, d, narrator, time.Second, WithOpener(sliceOpener(segmentVideo(3))), WithStorage(store))

	var stages []string
	run, err := p.Run(ctx, "clip.mp4", func(e Event) { stages = append(stages, e.Stage) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if run != nil {
		t.Errorf("Run() returned %+v for a cancelled analysis", run.Result)
	}
	if len(store.saved) != 0 {
		t.Errorf("stored %d runs, want none", len(store.saved))
	}
	for _, s := range stages {
		if s == StageReportReady {
			t.Error("report_ready emitted for a cancelled analysis")
		}
	}
}
