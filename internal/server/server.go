// Package server exposes video upload, analysis and stored-run queries over HTTP.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bdougie/vision/internal/extractor"
	"github.com/bdougie/vision/internal/llm"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/pipeline"
	"github.com/bdougie/vision/internal/retry"
	"github.com/bdougie/vision/internal/storage"
)

// Analyzer runs the analysis pipeline for one video file
type Analyzer interface {
	Run(ctx context.Context, videoPath string, observe pipeline.Observer) (*models.Run, error)
}

// Chatter answers questions about stored observations
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Options configures the HTTP surface
type Options struct {
	VideoDir       string
	MaxUploadBytes int64
	Version        string
	AllowedOrigin  string // empty allows any origin for the websocket
	RetryPolicy    retry.Policy
}

// Server holds the handlers' dependencies
type Server struct {
	opts     Options
	analyzer Analyzer
	store    storage.Storage
	chat     Chatter
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a server. store and chat may be nil, which disables the run
// and query endpoints respectively.
func New(opts Options, analyzer Analyzer, store storage.Storage, chat Chatter, logger *slog.Logger) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 500 << 20
	}
	s := &Server{
		opts:     opts,
		analyzer: analyzer,
		store:    store,
		chat:     chat,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if opts.AllowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == opts.AllowedOrigin
		},
	}
	return s
}

// Handler returns the routed handler with request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /upload-video", s.handleUpload)
	mux.HandleFunc("GET /api/videos", s.handleListVideos)
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /api/analyze/ws", s.handleAnalyzeStream)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/query", s.handleQuery)
	return s.logRequests(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "vision-analyzer",
		"version": s.opts.Version,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	original := filepath.Base(header.Filename)
	if original == "." || original == string(filepath.Separator) || strings.HasPrefix(original, ".") {
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}

	if err := os.MkdirAll(s.opts.VideoDir, 0755); err != nil {
		s.logger.Error("failed to create video directory", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save video")
		return
	}

	// The short uuid keeps same-second uploads of one file name apart
	name := fmt.Sprintf("video_%d_%s_%s", time.Now().Unix(), uuid.NewString()[:8], original)
	path := filepath.Join(s.opts.VideoDir, name)
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		s.logger.Error("failed to create video file", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save video")
		return
	}
	written, err := io.Copy(out, file)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		s.logger.Error("failed to write video", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save video")
		return
	}

	s.logger.Info("video uploaded", "filename", name, "bytes", written)
	writeJSON(w, http.StatusOK, map[string]string{"filename": name, "status": "success"})
}

type videoInfo struct {
	Filename  string  `json:"filename"`
	CreatedAt float64 `json:"created_at"`
	Size      int64   `json:"size"`
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	videos := []videoInfo{}
	entries, err := os.ReadDir(s.opts.VideoDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("failed to list videos", "error", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".mp4") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		videos = append(videos, videoInfo{
			Filename:  e.Name(),
			CreatedAt: float64(info.ModTime().UnixNano()) / 1e9,
			Size:      info.Size(),
		})
	}
	sort.Slice(videos, func(i, j int) bool { return videos[i].CreatedAt > videos[j].CreatedAt })
	writeJSON(w, http.StatusOK, videos)
}

type analyzeRequest struct {
	Filename string `json:"filename"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	path, status, msg := s.resolveVideo(req.Filename)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}

	run, err := s.analyzer.Run(r.Context(), path, nil)
	if err != nil {
		status, msg := analysisErrorStatus(err)
		s.logger.Error("analysis failed", "filename", req.Filename, "error", err)
		writeError(w, status, msg)
		return
	}

	w.Header().Set("X-Run-ID", run.ID)
	writeJSON(w, http.StatusOK, run.Result)
}

type progressMessage struct {
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id,omitempty"`
	Keyframes int                    `json:"keyframes,omitempty"`
	Segments  int                    `json:"segments,omitempty"`
	Result    *models.AnalysisResult `json:"result,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
}

// handleAnalyzeStream runs an analysis and streams stage events over a websocket
func (s *Server) handleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	path, status, msg := s.resolveVideo(filename)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends; a read error means it went away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(m progressMessage) {
		if err := conn.WriteJSON(m); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			cancel()
		}
	}

	run, err := s.analyzer.Run(ctx, path, func(e pipeline.Event) {
		send(progressMessage{Type: e.Stage, RunID: e.RunID, Keyframes: e.Keyframes, Segments: e.Segments})
	})
	if err != nil {
		_, msg := analysisErrorStatus(err)
		s.logger.Error("analysis failed", "filename", filename, "error", err)
		send(progressMessage{Type: "error", Detail: msg})
	} else {
		send(progressMessage{Type: "done", RunID: run.ID, Result: &run.Result})
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "run storage is disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "run storage is disabled")
		return
	}
	run, err := s.store.Load(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load run", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// resolveVideo maps a client supplied name to a file inside the video directory
func (s *Server) resolveVideo(name string) (string, int, string) {
	if name == "" {
		return "", http.StatusBadRequest, "filename is required"
	}
	if filepath.Base(name) != name || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", http.StatusBadRequest, "filename must be a plain file name"
	}
	path := filepath.Join(s.opts.VideoDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", http.StatusNotFound, "Video not found"
	}
	return path, http.StatusOK, ""
}

func analysisErrorStatus(err error) (int, string) {
	switch {
	case extractor.IsDecodeError(err):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "analysis cancelled"
	default:
		return http.StatusInternalServerError, "analysis failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError uses the {"detail": ...} shape clients already parse
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes the websocket upgrade through to the underlying connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
