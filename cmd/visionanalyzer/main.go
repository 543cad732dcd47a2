package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/bdougie/vision/internal/config"
	"github.com/bdougie/vision/internal/extractor"
	"github.com/bdougie/vision/internal/keyframe"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/pipeline"
	"github.com/bdougie/vision/internal/server"
	"github.com/bdougie/vision/internal/storage"
)

const version = "0.2.0"

const usage = `Usage: visionanalyzer <command> [flags]

Commands:
  analyze    -video path/to/video.mp4 [-out result.json]
  keyframes  -video path/to/video.mp4 [-dir frames]
  serve      start the HTTP API
  init-db    create the postgres schema

Every command accepts -config (default config.yaml).
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Load .env file if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "analyze":
		err = runAnalyze(ctx, args)
	case "keyframes":
		err = runKeyframes(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "init-db":
		err = runInitDB(ctx, args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", "error", err)
		if extractor.IsDecodeError(err) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

// setup loads configuration and installs the default logger
func setup(configPath string, needsModels bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)
	slog.SetDefault(logger)

	if err := cfg.Validate(needsModels); err != nil {
		return nil, nil, err
	}
	logger.Debug("configuration loaded", "config", cfg)
	return cfg, logger, nil
}

func runAnalyze(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("analyze", flag.ExitOnError)
	configPath := fset.String("config", "config.yaml", "path to the YAML config file")
	videoPath := fset.String("video", "", "video to analyze")
	outPath := fset.String("out", "", "write the result JSON here instead of stdout")
	fset.Parse(args)

	if *videoPath == "" {
		fset.Usage()
		return errors.New("-video is required")
	}

	cfg, logger, err := setup(*configPath, true)
	if err != nil {
		return err
	}

	deps, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	start := time.Now()
	run, err := deps.pipeline.Run(ctx, *videoPath, func(e pipeline.Event) {
		logger.Info("stage complete", "stage", e.Stage, "keyframes", e.Keyframes, "segments", e.Segments)
	})
	if err != nil {
		return err
	}
	logger.Info("analysis complete", "run_id", run.ID, "segments", len(run.Result.Timeline), "elapsed", time.Since(start).Round(time.Millisecond))

	return writeResult(*outPath, run.Result)
}

func writeResult(path string, result models.AnalysisResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if path == "" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// runKeyframes selects keyframes without calling any model, for tuning the
// selection policy against real footage
func runKeyframes(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("keyframes", flag.ExitOnError)
	configPath := fset.String("config", "config.yaml", "path to the YAML config file")
	videoPath := fset.String("video", "", "video to scan")
	dir := fset.String("dir", "", "write each keyframe as a JPEG into this directory")
	fset.Parse(args)

	if *videoPath == "" {
		fset.Usage()
		return errors.New("-video is required")
	}

	cfg, logger, err := setup(*configPath, false)
	if err != nil {
		return err
	}

	selector, err := keyframe.NewSelector(cfg.Keyframe, logger)
	if err != nil {
		return err
	}
	src, err := extractor.Open(ctx, *videoPath, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	records, err := selector.Select(ctx, src)
	if err != nil {
		return err
	}

	if *dir != "" {
		if err := os.MkdirAll(*dir, 0755); err != nil {
			return fmt.Errorf("create keyframe directory: %w", err)
		}
	}
	for i, r := range records {
		fmt.Printf("%2d  %s  %8.3fs  score=%2.0f\n", i, r.TimestampFmt, r.TimestampSec, r.ChangeScore)
		if *dir == "" {
			continue
		}
		name := filepath.Join(*dir, fmt.Sprintf("keyframe_%02d_%07.3f.jpg", i, r.TimestampSec))
		if err := os.WriteFile(name, r.ImagePayload, 0644); err != nil {
			return fmt.Errorf("write keyframe: %w", err)
		}
	}
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fset.String("config", "config.yaml", "path to the YAML config file")
	addr := fset.String("addr", "", "listen address (overrides server.addr)")
	fset.Parse(args)

	cfg, logger, err := setup(*configPath, true)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	deps, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	srv := server.New(server.Options{
		VideoDir:       cfg.Server.VideoDir,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		Version:        version,
		AllowedOrigin:  cfg.Server.AllowedOrigin,
		RetryPolicy:    cfg.Retry,
	}, deps.pipeline, deps.store, deps.chat, logger)

	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}

func runInitDB(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("init-db", flag.ExitOnError)
	configPath := fset.String("config", "config.yaml", "path to the YAML config file")
	fset.Parse(args)

	cfg, logger, err := setup(*configPath, false)
	if err != nil {
		return err
	}
	if cfg.Storage.Backend != config.BackendPostgres {
		return fmt.Errorf("init-db needs the postgres backend, configured backend is %q", cfg.Storage.Backend)
	}

	if err := storage.InitSchema(ctx, cfg.Storage.Postgres, cfg.Embedding.Dimensions); err != nil {
		return err
	}
	logger.Info("database schema ready", "dimensions", cfg.Embedding.Dimensions)
	return nil
}
