package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/vision/internal/models"
)

// PostgresConfig holds connection details for PostgreSQL. URL takes
// precedence over the individual fields.
type PostgresConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
}

// ConnString builds the connection URL
func (c PostgresConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + c.Port,
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// PostgresStorage stores runs in PostgreSQL and observation embeddings in a
// pgvector column for cosine search.
type PostgresStorage struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *slog.Logger
}

// NewPostgresStorage creates a new PostgreSQL storage connection. embedder may
// be nil, in which case observations are stored without vectors.
func NewPostgresStorage(ctx context.Context, config PostgresConfig, embedder Embedder, logger *slog.Logger) (*PostgresStorage, error) {
	// Connect to PostgreSQL
	pool, err := pgxpool.New(ctx, config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStorage{pool: pool, embedder: embedder, logger: logger}, nil
}

// Close closes the database connection
func (s *PostgresStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Save stores the run and one row per observation in a single transaction
func (s *PostgresStorage) Save(ctx context.Context, run *models.Run) error {
	result, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	vectors := s.embedTimeline(ctx, run.Result.Timeline)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, video_name, created_at, result) VALUES ($1, $2, $3, $4)`,
		run.ID, run.VideoName, run.CreatedAt, result)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}

	for i, obs := range run.Result.Timeline {
		observation, err := json.Marshal(obs)
		if err != nil {
			return fmt.Errorf("failed to encode observation: %w", err)
		}

		var embedding any
		if vectors != nil {
			embedding = pgvector.NewVector(vectors[i])
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO observations
			(run_id, position, timestamp, content, observation, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			run.ID, i, obs.Timestamp, obs.Text(), observation, embedding)
		if err != nil {
			return fmt.Errorf("failed to store observation %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// embedTimeline returns nil when vectors are unavailable; the run is still stored
func (s *PostgresStorage) embedTimeline(ctx context.Context, timeline []models.SegmentObservation) [][]float32 {
	if s.embedder == nil || len(timeline) == 0 {
		return nil
	}
	texts := make([]string, len(timeline))
	for i, obs := range timeline {
		texts[i] = obs.Text()
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		// Log error but continue without embedding
		s.logger.Warn("failed to generate embeddings, storing run without vectors", "error", err)
		return nil
	}
	return vectors
}

// Load returns a stored run by ID
func (s *PostgresStorage) Load(ctx context.Context, id string) (*models.Run, error) {
	run := &models.Run{ID: id}
	var result []byte
	err := s.pool.QueryRow(ctx,
		`SELECT video_name, created_at, result FROM runs WHERE id::text = $1`, id).
		Scan(&run.VideoName, &run.CreatedAt, &result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if err := json.Unmarshal(result, &run.Result); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return run, nil
}

// List returns up to limit runs, newest first
func (s *PostgresStorage) List(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, video_name, created_at, result FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var (
			run    models.Run
			result []byte
		)
		if err := rows.Scan(&run.ID, &run.VideoName, &run.CreatedAt, &result); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal(result, &run.Result); err != nil {
			return nil, fmt.Errorf("failed to decode run %s: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Search finds observations with similar content across all runs
func (s *PostgresStorage) Search(ctx context.Context, query string, limit int) ([]models.SearchHit, error) {
	if s.embedder == nil {
		return nil, ErrSearchUnavailable
	}

	// Generate embedding for query
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	if len(vectors) == 0 {
		return nil, errors.New("embedder returned no query vector")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT o.run_id::text, r.video_name, o.observation,
		1 - (o.embedding <=> $1) AS similarity
		FROM observations o
		JOIN runs r ON o.run_id = r.id
		WHERE o.embedding IS NOT NULL
		ORDER BY o.embedding <=> $1
		LIMIT $2`,
		pgvector.NewVector(vectors[0]), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar observations: %w", err)
	}
	defer rows.Close()

	var hits []models.SearchHit
	for rows.Next() {
		var (
			hit         models.SearchHit
			observation []byte
		)
		if err := rows.Scan(&hit.RunID, &hit.VideoName, &observation, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		if err := json.Unmarshal(observation, &hit.Observation); err != nil {
			return nil, fmt.Errorf("failed to decode observation: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// InitSchema creates the database schema if it doesn't exist. dim is the
// embedding vector size of the configured embedding model.
func InitSchema(ctx context.Context, config PostgresConfig, dim int) error {
	if dim <= 0 || dim > 2000 {
		return fmt.Errorf("embedding dimension must be in [1, 2000] for an ivfflat index, got %d", dim)
	}

	// Connect to PostgreSQL
	conn, err := pgx.Connect(ctx, config.ConnString())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	// Create vector extension if it doesn't exist
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	// Create tables
	_, err = conn.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS runs (
            id UUID PRIMARY KEY,
            video_name VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            result JSONB NOT NULL
        );

        CREATE TABLE IF NOT EXISTS observations (
            id SERIAL PRIMARY KEY,
            run_id UUID REFERENCES runs(id) ON DELETE CASCADE,
            position INTEGER NOT NULL,
            timestamp VARCHAR(16) NOT NULL,
            content TEXT NOT NULL,
            observation JSONB NOT NULL,
            embedding vector(%d),
            UNIQUE(run_id, position)
        );
    `, dim))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	// Create indexes
	_, err = conn.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
        CREATE INDEX IF NOT EXISTS idx_observations_run_id ON observations(run_id);
        CREATE INDEX IF NOT EXISTS idx_observations_embedding ON observations USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}
