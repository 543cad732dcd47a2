package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bdougie/vision/internal/models"
)

var (
	// ErrNotFound is returned by Load for an unknown run ID
	ErrNotFound = errors.New("run not found")
	// ErrSearchUnavailable is returned by Search when no embedder is configured
	ErrSearchUnavailable = errors.New("similarity search unavailable")
)

// Storage defines the interface for storing analysis runs
type Storage interface {
	// Save persists a completed run
	Save(ctx context.Context, run *models.Run) error

	// Load returns the run with the given ID or ErrNotFound
	Load(ctx context.Context, id string) (*models.Run, error)

	// List returns up to limit runs, newest first
	List(ctx context.Context, limit int) ([]models.Run, error)

	Close() error
}

// Searcher finds stored observations similar to a free-text query
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]models.SearchHit, error)
}

// Embedder turns texts into vectors for similarity search
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// FileStorage keeps each run as a JSON file under <outputDir>/<video>/runs
type FileStorage struct {
	mu        sync.Mutex
	outputDir string
	logger    *slog.Logger
}

// NewFileStorage creates a new file backed storage manager
func NewFileStorage(outputDir string, logger *slog.Logger) (*FileStorage, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FileStorage{outputDir: outputDir, logger: logger}, nil
}

// Save writes the run atomically through a temporary file
func (s *FileStorage) Save(ctx context.Context, run *models.Run) error {
	if _, err := uuid.Parse(run.ID); err != nil {
		return fmt.Errorf("invalid run id '%s': %w", run.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.outputDir, safeName(run.VideoName), "runs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for results: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".run-*.json")
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write results file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}

	path := filepath.Join(dir, run.ID+".json")
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store results file: %w", err)
	}

	s.logger.Debug("run saved", "id", run.ID, "path", path)
	return nil
}

// Load reads a single run by ID
func (s *FileStorage) Load(ctx context.Context, id string) (*models.Run, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	matches, err := filepath.Glob(filepath.Join(s.outputDir, "*", "runs", id+".json"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	return readRun(matches[0])
}

// List reads every stored run and returns the newest first
func (s *FileStorage) List(ctx context.Context, limit int) ([]models.Run, error) {
	matches, err := filepath.Glob(filepath.Join(s.outputDir, "*", "runs", "*.json"))
	if err != nil {
		return nil, err
	}

	runs := make([]models.Run, 0, len(matches))
	for _, path := range matches {
		if strings.HasPrefix(filepath.Base(path), ".") {
			continue
		}
		run, err := readRun(path)
		if err != nil {
			s.logger.Warn("skipping unreadable run file", "path", path, "error", err)
			continue
		}
		runs = append(runs, *run)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *FileStorage) Close() error { return nil }

func readRun(path string) (*models.Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read results file: %w", err)
	}
	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	return &run, nil
}

// safeName reduces a video name to a single path element
func safeName(name string) string {
	name = filepath.Base(strings.TrimSuffix(name, filepath.Ext(name)))
	if name == "." || name == ".." || name == string(filepath.Separator) || name == "" {
		return "video"
	}
	return name
}
