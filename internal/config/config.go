// Package config loads service settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdougie/vision/internal/keyframe"
	"github.com/bdougie/vision/internal/retry"
	"github.com/bdougie/vision/internal/storage"
)

// Providers for the vision and narrative models
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Storage backends
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

type Vision struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	OllamaURL   string        `yaml:"ollama_url"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	TopP        float32       `yaml:"top_p"`
	Timeout     time.Duration `yaml:"timeout"`
	ImageFormat string        `yaml:"image_format"`
}

type Narrative struct {
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Embedding struct {
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

type Storage struct {
	Backend    string                 `yaml:"backend"`
	OutputDir  string                 `yaml:"output_dir"`
	SQLitePath string                 `yaml:"sqlite_path"`
	Postgres   storage.PostgresConfig `yaml:"postgres"`
}

type Server struct {
	Addr          string `yaml:"addr"`
	VideoDir      string `yaml:"video_dir"`
	MaxUploadMB   int64  `yaml:"max_upload_mb"`
	AllowedOrigin string `yaml:"allowed_origin"`
}

type Config struct {
	Vision    Vision          `yaml:"vision"`
	Narrative Narrative       `yaml:"narrative"`
	Embedding Embedding       `yaml:"embedding"`
	Keyframe  keyframe.Config `yaml:"keyframe"`
	Retry     retry.Policy    `yaml:"retry"`
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Log       struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns the settings used when nothing is configured
func Default() *Config {
	cfg := &Config{
		Vision: Vision{
			Provider:    ProviderOpenAI,
			BaseURL:     "https://open.bigmodel.cn/api/paas/v4",
			OllamaURL:   "http://localhost:11434",
			Model:       "glm-4v-flash",
			Temperature: 0.3,
			TopP:        0.8,
			Timeout:     30 * time.Second,
			ImageFormat: "data_url",
		},
		Narrative: Narrative{
			Model:       "glm-4-flash",
			Temperature: 0.5,
			Timeout:     60 * time.Second,
		},
		Embedding: Embedding{
			Model:      "embedding-2",
			Dimensions: 1024,
		},
		Keyframe: keyframe.DefaultConfig(),
		Retry:    retry.DefaultPolicy(),
		Storage: Storage{
			Backend:    BackendFile,
			OutputDir:  "output",
			SQLitePath: "vision.db",
		},
		Server: Server{
			Addr:        ":8000",
			VideoDir:    "videos",
			MaxUploadMB: 500,
		},
	}
	cfg.Log.Level = "info"
	return cfg
}

// Load reads path over the defaults, then applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("open config %s: %w", path, err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}

	setString(&c.Vision.APIKey, "VISION_API_KEY", "ZHIPU_API_KEY")
	setString(&c.Vision.BaseURL, "VISION_BASE_URL")
	setString(&c.Vision.Model, "VISION_MODEL")
	setString(&c.Vision.Provider, "VISION_PROVIDER")
	setString(&c.Vision.OllamaURL, "OLLAMA_URL")
	setString(&c.Narrative.Model, "NARRATIVE_MODEL")
	setString(&c.Embedding.Model, "EMBEDDING_MODEL")
	setString(&c.Storage.Backend, "STORE")
	setString(&c.Storage.Postgres.URL, "POSTGRES_URL")
	setString(&c.Storage.SQLitePath, "SQLITE_PATH")
	setString(&c.Storage.OutputDir, "OUTPUT_DIR")
	setString(&c.Server.VideoDir, "VIDEO_DIR")
	setString(&c.Log.Level, "LOG_LEVEL")

	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Addr = ":" + port
	}
	return nil
}

// Validate reports every problem at once. Remote model settings are only
// checked when needsModels is set.
func (c *Config) Validate(needsModels bool) error {
	var problems []string

	if needsModels {
		switch c.Vision.Provider {
		case ProviderOpenAI:
			if strings.TrimSpace(c.Vision.APIKey) == "" {
				problems = append(problems, "API key is required (VISION_API_KEY or ZHIPU_API_KEY)")
			}
			if strings.TrimSpace(c.Vision.BaseURL) == "" {
				problems = append(problems, "base URL is required")
			}
			if c.Vision.ImageFormat != "data_url" && c.Vision.ImageFormat != "base64" {
				problems = append(problems, fmt.Sprintf("image_format must be data_url or base64, got %q", c.Vision.ImageFormat))
			}
		case ProviderOllama:
			if strings.TrimSpace(c.Vision.OllamaURL) == "" {
				problems = append(problems, "ollama URL is required")
			}
		default:
			problems = append(problems, fmt.Sprintf("unknown vision provider %q", c.Vision.Provider))
		}
		if c.Vision.Model == "" || c.Narrative.Model == "" {
			problems = append(problems, "vision and narrative models are required")
		}
	}

	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.OutputDir == "" {
			problems = append(problems, "storage output_dir is required for the file backend")
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			problems = append(problems, "storage sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.Postgres.URL == "" && c.Storage.Postgres.Host == "" {
			problems = append(problems, "postgres url or host is required for the postgres backend")
		}
	case BackendNone:
	default:
		problems = append(problems, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

// MaskKey hides all but the ends of an API key for logging
func MaskKey(key string) string {
	if len(key) < 13 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// LogValue lets the config be logged without leaking secrets
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("provider", c.Vision.Provider),
		slog.String("api_key", MaskKey(c.Vision.APIKey)),
		slog.String("base_url", c.Vision.BaseURL),
		slog.String("vision_model", c.Vision.Model),
		slog.String("narrative_model", c.Narrative.Model),
		slog.String("storage", c.Storage.Backend),
		slog.String("log_level", c.Log.Level),
	)
}
