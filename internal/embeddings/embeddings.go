package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bdougie/vision/internal/retry"
)

// Embedder is a remote model that turns texts into vectors
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Service manages embedding generation and caching
type Service struct {
	embedder Embedder
	policy   retry.Policy
	logger   *slog.Logger
	cache    sync.Map // Thread-safe map for caching embeddings
}

// NewService wraps embedder with a per-text cache and retries
func NewService(embedder Embedder, policy retry.Policy, logger *slog.Logger) *Service {
	return &Service{
		embedder: embedder,
		policy:   policy,
		logger:   logger,
	}
}

// Embed returns one vector per text. Cached texts are not sent again; the
// remaining ones go out in a single retried request.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var (
		missing []string
		slots   = map[string][]int{}
	)
	for i, text := range texts {
		// Check cache first
		if cached, ok := s.cache.Load(text); ok {
			out[i] = cached.([]float32)
			continue
		}
		if _, queued := slots[text]; !queued {
			missing = append(missing, text)
		}
		slots[text] = append(slots[text], i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := retry.Do(ctx, s.policy, s.logger, func(ctx context.Context) ([][]float32, error) {
		return s.embedder.Embed(ctx, missing)
	})
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(missing), err)
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embed %d texts: got %d vectors", len(missing), len(vectors))
	}

	for i, text := range missing {
		// Cache the successful result
		s.cache.Store(text, vectors[i])
		for _, idx := range slots[text] {
			out[idx] = vectors[i]
		}
	}

	s.logger.Debug("embeddings generated", "requested", len(texts), "computed", len(missing))
	return out, nil
}
