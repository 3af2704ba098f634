package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PgVectorBackend stores each collection as a Postgres table with a
// vector(dim) column. Requires the pgvector extension.
type PgVectorBackend struct {
	db *sql.DB
}

// NewPgVectorBackend connects to Postgres and enables the vector extension.
func NewPgVectorBackend(ctx context.Context, dsn string) (*PgVectorBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPgVectorBackendFromDB(ctx, db)
}

// NewPgVectorBackendFromDB reuses an existing *sql.DB.
func NewPgVectorBackendFromDB(ctx context.Context, db *sql.DB) (*PgVectorBackend, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, fmt.Errorf("enable pgvector: %w", err)
	}
	return &PgVectorBackend{db: db}, nil
}

func (b *PgVectorBackend) CollectionDimension(ctx context.Context, name string) (int, bool, error) {
	// atttypmod holds the declared dimension of a vector(n) column.
	var dim int
	err := b.db.QueryRowContext(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relname = $1 AND n.nspname = current_schema() AND a.attname = 'embedding' AND NOT a.attisdropped
	`, name).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return dim, true, nil
}

func (b *PgVectorBackend) CreateCollection(ctx context.Context, name string, dim int) error {
	table := pq.QuoteIdentifier(name)
	index := pq.QuoteIdentifier(name + "_embedding_idx")
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id         uuid PRIMARY KEY,
  embedding  vector(%d) NOT NULL,
  payload    jsonb,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops);
`, table, dim, index, table)
	_, err := b.db.ExecContext(ctx, ddl)
	return err
}

func (b *PgVectorBackend) DeleteCollection(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+pq.QuoteIdentifier(name))
	return err
}

// Upsert writes the points in one transaction.
func (b *PgVectorBackend) Upsert(ctx context.Context, name string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`
INSERT INTO %s (id, embedding, payload) VALUES ($1, $2::vector, $3)
ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload
`, pq.QuoteIdentifier(name))

	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, stmt, p.ID, toVectorLiteral(p.Vector), payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *PgVectorBackend) Search(ctx context.Context, name string, query []float32, limit int, scoreThreshold float32) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, payload, 1 - (embedding <=> $1::vector) AS score
FROM %s
WHERE 1 - (embedding <=> $1::vector) >= $2
ORDER BY embedding <=> $1::vector
LIMIT $3
`, pq.QuoteIdentifier(name)), toVectorLiteral(query), scoreThreshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var payload []byte
		var score float64
		if err := rows.Scan(&h.ID, &payload, &score); err != nil {
			return nil, err
		}
		h.Score = float32(score)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &h.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (b *PgVectorBackend) Points(ctx context.Context, name string, limit int) ([]Point, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, embedding::text, payload FROM %s ORDER BY created_at ASC LIMIT $1
`, pq.QuoteIdentifier(name)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		var vec string
		var payload []byte
		if err := rows.Scan(&p.ID, &vec, &payload); err != nil {
			return nil, err
		}
		if p.Vector, err = parseVectorLiteral(vec); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *PgVectorBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func toVectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func parseVectorLiteral(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return []float32{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector: %w", err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
