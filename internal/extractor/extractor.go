package extractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const defaultFPS = 30.0

// Frame is one decoded video frame
type Frame struct {
	Index     int
	Timestamp float64 // seconds, Index / fps
	Image     *image.RGBA
}

// Source yields decoded frames in native decode order. Next returns io.EOF
// once the stream is exhausted.
type Source interface {
	Next() (Frame, error)
	Close() error
}

// Skipper is implemented by sources that can advance past a frame without
// materialising its image. Skip follows the same io.EOF contract as Next.
type Skipper interface {
	Skip() error
}

// DecodeError reports a video that could not be opened or decoded
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode video '%s': %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is or wraps a DecodeError
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// VideoInfo is the subset of ffprobe stream metadata the pipeline needs
type VideoInfo struct {
	Width      int
	Height     int
	FPS        float64
	FrameCount int
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
}

// Probe reads the first video stream's geometry and frame rate with ffprobe
func Probe(ctx context.Context, videoPath string) (*VideoInfo, error) {
	// Check if video file exists
	if _, err := os.Stat(videoPath); err != nil {
		return nil, &DecodeError{Path: videoPath, Err: err}
	}

	cmd := exec.CommandContext(ctx,
		"ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_streams",
		"-of", "json",
		videoPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, &DecodeError{Path: videoPath, Err: fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))}
	}

	return parseProbe(videoPath, output)
}

func parseProbe(videoPath string, output []byte) (*VideoInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, &DecodeError{Path: videoPath, Err: fmt.Errorf("invalid ffprobe output: %w", err)}
	}

	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return nil, &DecodeError{Path: videoPath, Err: fmt.Errorf("invalid frame size %dx%d", s.Width, s.Height)}
		}
		info := &VideoInfo{
			Width:  s.Width,
			Height: s.Height,
			FPS:    parseRate(s.AvgFrameRate),
		}
		if info.FPS <= 0 {
			info.FPS = parseRate(s.RFrameRate)
		}
		info.FrameCount, _ = strconv.Atoi(s.NbFrames)
		return info, nil
	}

	return nil, &DecodeError{Path: videoPath, Err: errors.New("no video stream found")}
}

// parseRate parses ffprobe rates such as "30000/1001" or "25"
func parseRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// ffmpegSource streams rgb24 frames from an ffmpeg pipe
type ffmpegSource struct {
	path    string
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	reader  *bufio.Reader
	stderr  bytes.Buffer
	info    VideoInfo
	buf     []byte
	index   int
	logger  *slog.Logger
	waited  bool
	waitErr error
}

// Open probes the video and starts an ffmpeg process that decodes every frame
// at its native rate into raw RGB.
func Open(ctx context.Context, videoPath string, logger *slog.Logger) (Source, error) {
	info, err := Probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	if info.FPS <= 0 {
		logger.Warn("unknown frame rate, assuming default", "video", videoPath, "fps", defaultFPS)
		info.FPS = defaultFPS
	}

	// Start ffmpeg with pipe output
	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-v", "error",
		"-i", videoPath,
		"-map", "0:v:0",
		"-vsync", "0",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)

	src := &ffmpegSource{
		path:   videoPath,
		cmd:    cmd,
		info:   *info,
		buf:    make([]byte, info.Width*info.Height*3),
		logger: logger,
	}
	cmd.Stderr = &src.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DecodeError{Path: videoPath, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &DecodeError{Path: videoPath, Err: fmt.Errorf("start ffmpeg: %w", err)}
	}
	src.stdout = stdout
	src.reader = bufio.NewReaderSize(stdout, len(src.buf))

	logger.Debug("decoding video", "video", videoPath, "width", info.Width, "height", info.Height, "fps", info.FPS, "frames", info.FrameCount)
	return src, nil
}

func (s *ffmpegSource) Next() (Frame, error) {
	if err := s.read(); err != nil {
		return Frame{}, err
	}

	img := image.NewRGBA(image.Rect(0, 0, s.info.Width, s.info.Height))
	for i, j := 0, 0; i < len(s.buf); i, j = i+3, j+4 {
		img.Pix[j] = s.buf[i]
		img.Pix[j+1] = s.buf[i+1]
		img.Pix[j+2] = s.buf[i+2]
		img.Pix[j+3] = 0xff
	}

	frame := Frame{
		Index:     s.index,
		Timestamp: float64(s.index) / s.info.FPS,
		Image:     img,
	}
	s.index++
	return frame, nil
}

// Skip consumes one raw frame without converting it
func (s *ffmpegSource) Skip() error {
	if err := s.read(); err != nil {
		return err
	}
	s.index++
	return nil
}

// read fills buf with the next raw frame. When ffmpeg produced no frame at
// all and exited with an error, the file is undecodable and that is reported
// as a DecodeError rather than an empty stream.
func (s *ffmpegSource) read() error {
	_, err := io.ReadFull(s.reader, s.buf)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		s.logger.Warn("truncated trailing frame discarded", "index", s.index)
	}
	if s.index == 0 {
		if werr := s.wait(); werr != nil {
			return &DecodeError{Path: s.path, Err: fmt.Errorf("ffmpeg decoded no frames: %w: %s", werr, strings.TrimSpace(s.stderr.String()))}
		}
	}
	return io.EOF
}

func (s *ffmpegSource) wait() error {
	if !s.waited {
		s.waited = true
		s.waitErr = s.cmd.Wait()
	}
	return s.waitErr
}

func (s *ffmpegSource) Close() error {
	// Drain so ffmpeg is not blocked writing when we stop early
	_, _ = io.Copy(io.Discard, s.stdout)
	if err := s.wait(); err != nil && s.index > 0 {
		s.logger.Warn("ffmpeg exited with error", "error", err, "stderr", strings.TrimSpace(s.stderr.String()))
	}
	return nil
}

// SliceSource serves frames from memory
type SliceSource struct {
	frames []Frame
	pos    int
}

// NewSliceSource builds a Source from already decoded frames
func NewSliceSource(frames []Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

func (s *SliceSource) Next() (Frame, error) {
	if s.pos >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *SliceSource) Close() error { return nil }
