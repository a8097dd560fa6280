// Package retrieval finds candidate tables for a question through semantic
// search over schema cards, with optional reranking.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex returns the nearest schema cards to a vector. Each returned
// table carries the vector similarity in RelevanceScore.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, limit int) ([]catalog.Table, error)
}

// Reranker scores (query, document) pairs; higher is more relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// Searcher is the stable retrieval contract consumed by the workflow.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]catalog.Table, error)
}

var DefaultSensitiveKeywords = []string{"工资", "薪水", "底薪", "密码", "密钥", "token", "salary", "password"}

type Config struct {
	Logger   *slog.Logger
	Embedder Embedder
	Index    VectorIndex
	// Reranker is optional; without it results keep vector order.
	Reranker Reranker

	MinRecall         int
	RerankPool        int
	RerankThreshold   float64
	SensitiveKeywords []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Embedder == nil {
		return errors.New("embedder is required")
	}
	if cfg.Index == nil {
		return errors.New("vector index is required")
	}
	if cfg.MinRecall <= 0 {
		cfg.MinRecall = 50
	}
	if cfg.RerankPool <= 0 {
		cfg.RerankPool = 20
	}
	if cfg.SensitiveKeywords == nil {
		cfg.SensitiveKeywords = DefaultSensitiveKeywords
	}
	return nil
}

// Adapter implements Searcher over injected embedding, index and rerank
// capabilities.
type Adapter struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retrieval config: %w", err)
	}
	return &Adapter{log: cfg.Logger, cfg: cfg}, nil
}

const (
	rerankQueryChars = 256
	rerankDocChars   = 512
)

// Search returns at most k tables for query. An empty result is not an error:
// it is returned for blank or sensitive queries, when nothing is recalled,
// and when the best reranked score is below the threshold.
func (a *Adapter) Search(ctx context.Context, query string, k int) ([]catalog.Table, error) {
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 {
		return []catalog.Table{}, nil
	}
	if kw, ok := a.sensitiveKeyword(query); ok {
		a.log.Warn("retrieval: query blocked by sensitive keyword", "keyword", kw)
		return []catalog.Table{}, nil
	}

	start := time.Now()
	vector, err := a.cfg.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	recall := max(k*10, a.cfg.MinRecall)
	hits, err := a.cfg.Index.Search(ctx, vector, recall)
	if err != nil {
		return nil, fmt.Errorf("failed to search vector index: %w", err)
	}

	candidates := dedupe(hits)
	if len(candidates) == 0 {
		a.log.Info("retrieval: no candidates from vector index", "query", query)
		return []catalog.Table{}, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RelevanceScore > candidates[j].RelevanceScore
	})

	final := candidates
	if a.cfg.Reranker != nil {
		reranked, cutoff, err := a.rerank(ctx, query, candidates)
		switch {
		case err != nil:
			a.log.Warn("retrieval: rerank failed, using vector order", "error", err)
		case cutoff:
			a.log.Info("retrieval: top rerank score below threshold", "threshold", a.cfg.RerankThreshold)
			return []catalog.Table{}, nil
		default:
			final = reranked
		}
	}

	if len(final) > k {
		final = final[:k]
	}
	a.log.Info("retrieval: found tables", "tables", catalog.Names(final), "duration", time.Since(start))
	return final, nil
}

func (a *Adapter) rerank(ctx context.Context, query string, candidates []catalog.Table) ([]catalog.Table, bool, error) {
	pool := append([]catalog.Table(nil), candidates[:min(a.cfg.RerankPool, len(candidates))]...)
	docs := make([]string, len(pool))
	for i, c := range pool {
		docs[i] = truncateRunes(c.SchemaText, rerankDocChars)
	}

	scores, err := a.cfg.Reranker.Rerank(ctx, truncateRunes(query, rerankQueryChars), docs)
	if err != nil {
		return nil, false, err
	}
	if len(scores) != len(pool) {
		return nil, false, fmt.Errorf("reranker returned %d scores for %d documents", len(scores), len(pool))
	}
	for i := range pool {
		pool[i].RelevanceScore = scores[i]
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].RelevanceScore > pool[j].RelevanceScore
	})
	if pool[0].RelevanceScore < a.cfg.RerankThreshold {
		return nil, true, nil
	}
	return pool, false, nil
}

func (a *Adapter) sensitiveKeyword(query string) (string, bool) {
	lower := strings.ToLower(query)
	for _, kw := range a.cfg.SensitiveKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

func dedupe(hits []catalog.Table) []catalog.Table {
	seen := make(map[string]struct{}, len(hits))
	out := make([]catalog.Table, 0, len(hits))
	for _, h := range hits {
		key := h.FullName()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
