package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bdougie/vision/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    video_name TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    result TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    timestamp TEXT NOT NULL,
    content TEXT NOT NULL,
    observation TEXT NOT NULL,
    embedding TEXT,
    PRIMARY KEY (run_id, position)
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// SQLiteStorage keeps runs in a single-file database. Embeddings are stored
// as JSON arrays and ranked in process.
type SQLiteStorage struct {
	db       *sql.DB
	embedder Embedder
	logger   *slog.Logger
}

// NewSQLiteStorage opens (or creates) the database at path
func NewSQLiteStorage(path string, embedder Embedder, logger *slog.Logger) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return &SQLiteStorage{db: db, embedder: embedder, logger: logger}, nil
}

func (s *SQLiteStorage) Close() error { return s.db.Close() }

// Save stores the run and its observations in one transaction
func (s *SQLiteStorage) Save(ctx context.Context, run *models.Run) error {
	result, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	var vectors [][]float32
	if s.embedder != nil && len(run.Result.Timeline) > 0 {
		texts := make([]string, len(run.Result.Timeline))
		for i, obs := range run.Result.Timeline {
			texts[i] = obs.Text()
		}
		if vectors, err = s.embedder.Embed(ctx, texts); err != nil {
			s.logger.Warn("failed to generate embeddings, storing run without vectors", "error", err)
			vectors = nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, video_name, created_at, result) VALUES (?, ?, ?, ?)`,
		run.ID, run.VideoName, run.CreatedAt.UTC(), string(result)); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}

	for i, obs := range run.Result.Timeline {
		observation, err := json.Marshal(obs)
		if err != nil {
			return fmt.Errorf("failed to encode observation: %w", err)
		}
		var embedding sql.NullString
		if vectors != nil {
			data, err := json.Marshal(vectors[i])
			if err != nil {
				return fmt.Errorf("failed to encode embedding: %w", err)
			}
			embedding = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO observations (run_id, position, timestamp, content, observation, embedding)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, i, obs.Timestamp, obs.Text(), string(observation), embedding); err != nil {
			return fmt.Errorf("failed to store observation %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Load returns a stored run by ID
func (s *SQLiteStorage) Load(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, video_name, created_at, result FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// List returns up to limit runs, newest first
func (s *SQLiteStorage) List(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, video_name, created_at, result FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Search ranks every stored observation vector by cosine similarity to the query
func (s *SQLiteStorage) Search(ctx context.Context, query string, limit int) ([]models.SearchHit, error) {
	if s.embedder == nil {
		return nil, ErrSearchUnavailable
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	if len(vectors) == 0 {
		return nil, errors.New("embedder returned no query vector")
	}
	queryVec := vectors[0]

	rows, err := s.db.QueryContext(ctx,
		`SELECT o.run_id, r.video_name, o.observation, o.embedding
		FROM observations o JOIN runs r ON o.run_id = r.id
		WHERE o.embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar observations: %w", err)
	}
	defer rows.Close()

	var hits []models.SearchHit
	for rows.Next() {
		var (
			hit                    models.SearchHit
			observation, embedding string
			vec                    []float32
		)
		if err := rows.Scan(&hit.RunID, &hit.VideoName, &observation, &embedding); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		if err := json.Unmarshal([]byte(observation), &hit.Observation); err != nil {
			return nil, fmt.Errorf("failed to decode observation: %w", err)
		}
		if err := json.Unmarshal([]byte(embedding), &vec); err != nil {
			return nil, fmt.Errorf("failed to decode embedding: %w", err)
		}
		hit.Similarity = cosine(queryVec, vec)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func scanRun(scan func(dest ...any) error) (*models.Run, error) {
	var (
		run       models.Run
		createdAt time.Time
		result    string
	)
	if err := scan(&run.ID, &run.VideoName, &createdAt, &result); err != nil {
		return nil, err
	}
	run.CreatedAt = createdAt
	if err := json.Unmarshal([]byte(result), &run.Result); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", run.ID, err)
	}
	return &run, nil
}

// cosine returns 0 for mismatched or zero vectors
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
