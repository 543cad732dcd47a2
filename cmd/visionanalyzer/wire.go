package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdougie/vision/internal/analyzer"
	"github.com/bdougie/vision/internal/config"
	"github.com/bdougie/vision/internal/embeddings"
	"github.com/bdougie/vision/internal/keyframe"
	"github.com/bdougie/vision/internal/llm"
	"github.com/bdougie/vision/internal/pipeline"
	"github.com/bdougie/vision/internal/report"
	"github.com/bdougie/vision/internal/server"
	"github.com/bdougie/vision/internal/storage"
)

// deps are the long-lived components shared by analyze and serve
type deps struct {
	pipeline *pipeline.Pipeline
	store    storage.Storage // nil when the backend is "none"
	chat     server.Chatter  // nil when the provider cannot chat
}

func (d *deps) Close() {
	if d.store != nil {
		d.store.Close()
	}
}

type modelClient interface {
	analyzer.Describer
	report.Narrator
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deps, error) {
	var (
		model    modelClient
		chat     server.Chatter
		embedder storage.Embedder
	)

	switch cfg.Vision.Provider {
	case config.ProviderOllama:
		o, err := llm.NewOllama(ctx, llm.OllamaConfig{
			URL:         cfg.Vision.OllamaURL,
			VisionModel: cfg.Vision.Model,
			TextModel:   cfg.Narrative.Model,
		}, logger)
		if err != nil {
			return nil, err
		}
		model = o
	default:
		o := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:            cfg.Vision.APIKey,
			BaseURL:           cfg.Vision.BaseURL,
			VisionModel:       cfg.Vision.Model,
			VisionTemperature: cfg.Vision.Temperature,
			VisionTopP:        cfg.Vision.TopP,
			ImageFormat:       cfg.Vision.ImageFormat,
			TextModel:         cfg.Narrative.Model,
			TextTemperature:   cfg.Narrative.Temperature,
			EmbeddingModel:    cfg.Embedding.Model,
		}, logger)
		model = o
		chat = o
		if cfg.Embedding.Model != "" {
			embedder = embeddings.NewService(o, cfg.Retry, logger)
		}
	}

	store, err := openStorage(ctx, cfg, embedder, logger)
	if err != nil {
		return nil, err
	}

	selector, err := keyframe.NewSelector(cfg.Keyframe, logger)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	opts := []pipeline.Option{}
	if store != nil {
		opts = append(opts, pipeline.WithStorage(store))
	}
	p := pipeline.New(
		selector,
		analyzer.New(model, cfg.Vision.Timeout, logger),
		report.New(model, cfg.Narrative.Timeout, logger),
		logger,
		opts...,
	)

	return &deps{pipeline: p, store: store, chat: chat}, nil
}

func openStorage(ctx context.Context, cfg *config.Config, embedder storage.Embedder, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendSQLite:
		s, err := storage.NewSQLiteStorage(cfg.Storage.SQLitePath, embedder, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := storage.NewPostgresStorage(ctx, cfg.Storage.Postgres, embedder, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendFile:
		s, err := storage.NewFileStorage(cfg.Storage.OutputDir, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
