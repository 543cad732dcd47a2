package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bdougie/vision/internal/models"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeNarrator struct {
	calls   int
	prompt  string
	reply   string
	err     error
	block   bool
	timeout bool
}

func (f *fakeNarrator) Generate(ctx context.Context, prompt string) (string, error) {
	f.calls++
	f.prompt = prompt
	if f.block {
		<-ctx.Done()
		f.timeout = errors.Is(ctx.Err(), context.DeadlineExceeded)
		return "", ctx.Err()
	}
	return f.reply, f.err
}

func sampleTimeline() []models.SegmentObservation {
	return []models.SegmentObservation{
		{Scene: "office", Objects: []string{"laptop"}, Action: "typing", OCR: "", Timestamp: "00:00"},
		{Scene: "office", Objects: []string{"mug"}, Action: "drinking", OCR: "COFFEE", Timestamp: "00:02"},
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name      string
		timeline  []models.SegmentObservation
		narrator  *fakeNarrator
		want      string
		wantCalls int
	}{
		{
			name:      "empty timeline makes no call",
			timeline:  nil,
			narrator:  &fakeNarrator{reply: "unused"},
			want:      NoDataMessage,
			wantCalls: 0,
		},
		{
			name:      "success",
			timeline:  sampleTimeline(),
			narrator:  &fakeNarrator{reply: "# Video Analysis Report"},
			want:      "# Video Analysis Report",
			wantCalls: 1,
		},
		{
			name:      "narrator error",
			timeline:  sampleTimeline(),
			narrator:  &fakeNarrator{err: errors.New("502 bad gateway")},
			want:      FallbackMessage,
			wantCalls: 1,
		},
		{
			name:      "blank reply",
			timeline:  sampleTimeline(),
			narrator:  &fakeNarrator{reply: "  \n"},
			want:      FallbackMessage,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.narrator, time.Second, quiet).Summarize(context.Background(), tt.timeline)
			if got != tt.want {
				t.Errorf("Summarize() = %q, want %q", got, tt.want)
			}
			if tt.narrator.calls != tt.wantCalls {
				t.Errorf("narrator called %d times, want %d", tt.narrator.calls, tt.wantCalls)
			}
		})
	}
}

func TestSummarizeTimesOut(t *testing.T) {
	n := &fakeNarrator{block: true}
	got := New(n, 20*time.Millisecond, quiet).Summarize(context.Background(), sampleTimeline())
	if got != FallbackMessage {
		t.Errorf("Summarize() = %q, want fallback", got)
	}
	if !n.timeout {
		t.Error("narrator context did not carry a deadline")
	}
}

func TestPromptContainsFullTimeline(t *testing.T) {
	n := &fakeNarrator{reply: "ok"}
	New(n, time.Second, quiet).Summarize(context.Background(), sampleTimeline())

	for _, want := range []string{`"timestamp": "00:02"`, `"action": "drinking"`, `"ocr": "COFFEE"`, "## Timeline Highlights", "centre of the frame"} {
		if !strings.Contains(n.prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildPromptIndentsJSON(t *testing.T) {
	prompt, err := BuildPrompt(sampleTimeline()[:1])
	if err != nil {
		t.Fatalf("BuildPrompt() error = %v", err)
	}
	if !strings.Contains(prompt, "[\n  {\n    \"scene\": \"office\"") {
		t.Errorf("timeline is not indented JSON:\n%s", prompt)
	}
}

func TestAggregationFailureUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &AggregationFailure{Segments: 3, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("AggregationFailure does not unwrap to its cause")
	}
	if err.Error() != "report over 3 segments: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}
