// Package rag implements retrieval-augmented context assembly (§4.10):
// embed the query, fetch from each collection, drop low-similarity
// candidates, rank by a blended retention score, and compose a
// header-delimited context block for prompt assembly.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kestrelrun/sentinel/internal/vectorstore"
)

// Embedder turns text into a vector. The choice of embedding model is an
// explicit non-goal; callers supply whichever implementation fits their
// deployment.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Config holds retrieval, ranking, and pruning thresholds.
type Config struct {
	PerCollectionLimit int
	SimilarityFloor    float64
	TopN               int
	SoftCeilingRatio   float64
	HardCap            int64
	PruneBatchSize     int
}

var collections = []string{
	vectorstore.CollectionConversationHistory,
	vectorstore.CollectionKnowledgeBase,
	vectorstore.CollectionSkillMemory,
}

// Retriever ties an Embedder to a vectorstore.Store under the ranking and
// pruning policy of §4.10.
type Retriever struct {
	cfg     Config
	store   *vectorstore.Store
	embed   Embedder
}

// New constructs a Retriever.
func New(cfg Config, store *vectorstore.Store, embed Embedder) *Retriever {
	return &Retriever{cfg: cfg, store: store, embed: embed}
}

// ranked pairs a scored candidate with its computed retention score.
type ranked struct {
	scored vectorstore.Scored
	score  float64
}

// ContextBlock assembles the prompt context for a query: embeds the
// text, retrieves and prunes if needed, filters by similarity floor,
// ranks by retention score, and returns the top N as a header-delimited
// block. Returns an empty string if nothing survives — the orchestrator
// passes no context in that case.
func (r *Retriever) ContextBlock(ctx context.Context, query string, now time.Time) (string, error) {
	if err := r.enforceCeiling(ctx); err != nil {
		return "", fmt.Errorf("enforce vector ceiling: %w", err)
	}

	queryEmbedding, err := r.embed.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	var candidates []ranked
	for _, collection := range collections {
		scored, err := r.store.Query(ctx, collection, queryEmbedding)
		if err != nil {
			return "", fmt.Errorf("query collection %s: %w", collection, err)
		}
		sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
		if len(scored) > r.cfg.PerCollectionLimit {
			scored = scored[:r.cfg.PerCollectionLimit]
		}
		for _, s := range scored {
			if s.Similarity < r.cfg.SimilarityFloor {
				continue
			}
			candidates = append(candidates, ranked{scored: s, score: retentionScore(s.Record, now)})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > r.cfg.TopN {
		candidates = candidates[:r.cfg.TopN]
	}
	if len(candidates) == 0 {
		return "", nil
	}
	return buildContextBlock(candidates), nil
}

// retentionScore implements §4.10's exact formula.
func retentionScore(rec vectorstore.Record, now time.Time) float64 {
	ageDays := now.Sub(rec.CreatedAt).Hours() / 24
	if ageDays < 0.01 {
		ageDays = 0.01
	}
	recency := 1 / (1 + ageDays/30)

	frequency := float64(rec.AccessCount) / 10
	if frequency > 1 {
		frequency = 1
	}

	var priorityWeight float64
	switch rec.Priority {
	case vectorstore.PriorityCritical:
		priorityWeight = 1.0
	case vectorstore.PriorityHigh:
		priorityWeight = 0.8
	case vectorstore.PriorityNormal:
		priorityWeight = 0.5
	case vectorstore.PriorityTemporary:
		priorityWeight = 0.2
	}

	return 0.3*recency + 0.3*frequency + 0.4*priorityWeight
}

func buildContextBlock(candidates []ranked) string {
	var b strings.Builder
	for i, c := range candidates {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "--- memory %d (similarity=%.3f) ---\n%s\n", i+1, c.scored.Similarity, c.scored.Record.Document)
	}
	return b.String()
}

// enforceCeiling prunes oldest temporary-priority records per collection
// when the total vector count exceeds the soft ceiling, ahead of every
// retrieval (§4.10).
func (r *Retriever) enforceCeiling(ctx context.Context) error {
	total, err := r.store.Count(ctx)
	if err != nil {
		return err
	}
	softCeiling := float64(r.cfg.HardCap) * r.cfg.SoftCeilingRatio
	if float64(total) <= softCeiling {
		return nil
	}
	for _, collection := range collections {
		if _, err := r.store.PruneTemporaryOldest(ctx, collection, r.cfg.PruneBatchSize); err != nil {
			return fmt.Errorf("prune collection %s: %w", collection, err)
		}
	}
	return nil
}
