// Package vectorstore wraps the long-term memory store: four named
// collections of embedded documents with priority and access metadata, searched by
// cosine similarity. The choice of embedding model and any ANN indexing
// strategy are explicitly out of scope (§1 non-goals); this package ranks
// candidates in application code, which is sufficient at the cardinalities
// this system targets.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Collection names fixed by §6 of the specification.
const (
	CollectionConversationHistory = "conversation_history"
	CollectionKnowledgeBase       = "knowledge_base"
	CollectionSkillMemory         = "skill_memory"
	CollectionSkillRegistry       = "skill_registry"
)

// Priority is the retention-weight tier a memory record is filed under.
type Priority string

const (
	PriorityCritical  Priority = "critical"
	PriorityHigh      Priority = "high"
	PriorityNormal    Priority = "normal"
	PriorityTemporary Priority = "temporary"
)

// Record is a single stored document plus the metadata §4.10's retention
// score is derived from.
type Record struct {
	ID          string
	Document    string
	Embedding   []float64
	Metadata    map[string]any
	CreatedAt   time.Time
	LastAccess  time.Time
	AccessCount int
	Priority    Priority
}

// Store wraps a pgxpool connection to the long-term memory database.
type Store struct {
	pool *pgxpool.Pool
}

// New dials dsn, verifies connectivity, and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_records (
			collection   TEXT NOT NULL,
			id           TEXT NOT NULL,
			document     TEXT NOT NULL,
			embedding    JSONB NOT NULL,
			metadata     JSONB NOT NULL DEFAULT '{}',
			priority     TEXT NOT NULL DEFAULT 'normal',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_access  TIMESTAMPTZ NOT NULL DEFAULT now(),
			access_count INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_collection_priority
			ON memory_records (collection, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_collection_last_access
			ON memory_records (collection, last_access)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// Upsert writes or replaces a record, resetting created_at only on first
// insert.
func (s *Store) Upsert(ctx context.Context, collection string, rec Record) error {
	embJSON, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_records (collection, id, document, embedding, metadata, priority, created_at, last_access, access_count)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9)
		ON CONFLICT (collection, id) DO UPDATE SET
			document     = EXCLUDED.document,
			embedding    = EXCLUDED.embedding,
			metadata     = EXCLUDED.metadata,
			priority     = EXCLUDED.priority,
			last_access  = EXCLUDED.last_access,
			access_count = EXCLUDED.access_count
	`, collection, rec.ID, rec.Document, embJSON, metaJSON, rec.Priority, rec.CreatedAt, rec.LastAccess, rec.AccessCount)
	if err != nil {
		return fmt.Errorf("upsert memory record: %w", err)
	}
	return nil
}

// TouchAccess increments the access counter and bumps last_access to now.
func (s *Store) TouchAccess(ctx context.Context, collection, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE memory_records SET access_count = access_count + 1, last_access = $3
		WHERE collection = $1 AND id = $2
	`, collection, id, now)
	return err
}

// Scored pairs a candidate record with its cosine similarity to a query
// embedding.
type Scored struct {
	Record     Record
	Similarity float64
}

// Query returns every record in collection paired with its cosine
// similarity to queryEmbedding. Callers apply the similarity floor and
// retention-score ranking themselves (§4.10); this keeps the ranking policy
// out of the storage layer.
func (s *Store) Query(ctx context.Context, collection string, queryEmbedding []float64) ([]Scored, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document, embedding, metadata, priority, created_at, last_access, access_count
		FROM memory_records WHERE collection = $1
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var (
			rec         Record
			embJSON     []byte
			metaJSON    []byte
			priority    string
		)
		if err := rows.Scan(&rec.ID, &rec.Document, &embJSON, &metaJSON, &priority, &rec.CreatedAt, &rec.LastAccess, &rec.AccessCount); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		if err := json.Unmarshal(embJSON, &rec.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		rec.Priority = Priority(priority)
		out = append(out, Scored{Record: rec, Similarity: cosineSimilarity(queryEmbedding, rec.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the total record count across every collection, used by RAG
// to evaluate the soft ceiling before retrieval (§4.10).
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM memory_records`).Scan(&n)
	return n, err
}

// PruneTemporaryOldest deletes up to limit temporary-priority records from
// collection, oldest-by-created_at first. Used by RAG's soft-ceiling prune.
func (s *Store) PruneTemporaryOldest(ctx context.Context, collection string, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM memory_records WHERE (collection, id) IN (
			SELECT collection, id FROM memory_records
			WHERE collection = $1 AND priority = $2
			ORDER BY created_at ASC
			LIMIT $3
		)
	`, collection, PriorityTemporary, limit)
	if err != nil {
		return 0, fmt.Errorf("prune temporary oldest: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneTemporaryStale deletes up to limit temporary-priority records from
// collection whose last_access predates cutoff. Used by the dream cycle's
// memory-prune phase (§4.11).
func (s *Store) PruneTemporaryStale(ctx context.Context, collection string, cutoff time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM memory_records WHERE (collection, id) IN (
			SELECT collection, id FROM memory_records
			WHERE collection = $1 AND priority = $2 AND last_access < $3
			LIMIT $4
		)
	`, collection, PriorityTemporary, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("prune temporary stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
