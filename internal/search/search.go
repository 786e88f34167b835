// Package search implements the hybrid search dispatcher (C10): a
// semantic pass over the embedding index blended with a lexical pass
// over the full-text index, degrading gracefully to lexical-only when
// the vector index is unavailable or empty.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/cortexmemory/cortex/internal/lexical"
	"github.com/cortexmemory/cortex/internal/logging"
	"github.com/cortexmemory/cortex/internal/store"
	"github.com/cortexmemory/cortex/internal/temporal"
	"github.com/cortexmemory/cortex/internal/vecidx"
)

var log = logging.GetLogger("search")

// Weights controls the semantic/lexical blend; defaults 0.7/0.3.
type Weights struct {
	Semantic float64
	Lexical  float64
}

// DefaultWeights returns the default semantic/lexical blend.
func DefaultWeights() Weights { return Weights{Semantic: 0.7, Lexical: 0.3} }

// Embedder turns a query string into a vector for the semantic pass.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Query is the argument set for Search.
type Query struct {
	Text     string
	Project  string
	TopK     int
	AsOf     *string
	FactType string
	Tags     []string
}

// Result is a single hit, with project/content/fact_type/consensus_score
// populated from the facts table and Score the blended relevance.
type Result struct {
	FactID         int64
	Project        string
	Content        string
	FactType       string
	ConsensusScore float64
	Score          float64
}

// Engine dispatches a query across the semantic and lexical indexes.
type Engine struct {
	pool     *store.Pool
	vectors  *vecidx.Index
	lex      *lexical.Index
	embedder Embedder
	weights  Weights
}

// New returns a search Engine. embedder may be nil, in which case the
// semantic pass is always skipped.
func New(pool *store.Pool, vectors *vecidx.Index, lex *lexical.Index, embedder Embedder, weights Weights) *Engine {
	if weights.Semantic == 0 && weights.Lexical == 0 {
		weights = DefaultWeights()
	}
	return &Engine{pool: pool, vectors: vectors, lex: lex, embedder: embedder, weights: weights}
}

// Search runs q and returns up to q.TopK results ordered by descending
// blended score, ties broken by ascending fact id.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.TopK == 0 {
		return nil, nil
	}
	topK := q.TopK
	if topK < 0 {
		topK = 5
	}

	candidateIDs, err := e.filteredCandidates(ctx, q)
	if err != nil {
		return nil, err
	}
	if candidateIDs != nil && len(candidateIDs) == 0 {
		return nil, nil
	}

	lexFilters := lexical.Filters{Project: q.Project, FactType: q.FactType, Tags: q.Tags}
	lexResults, err := e.lex.Search(ctx, q.Text, lexFilters, topK*4)
	if err != nil {
		return nil, fmt.Errorf("search: lexical: %w", err)
	}
	lexResults = restrictToCandidates(lexResults, candidateIDs)

	var semResults []vecidx.Result
	semanticAvailable := e.embedder != nil && e.vectors != nil && e.vectors.Enabled()
	if semanticAvailable {
		vec, embedErr := e.embedder.Embed(ctx, q.Text)
		if embedErr != nil {
			log.Warn("query embedding failed, degrading to lexical-only", "error", embedErr)
			semanticAvailable = false
		} else {
			semResults, err = e.vectors.Search(ctx, vec, candidateIDs, topK*4)
			if err != nil {
				log.Warn("semantic search failed, degrading to lexical-only", "error", err)
				semanticAvailable = false
			}
		}
	}
	if semanticAvailable && len(semResults) == 0 {
		semanticAvailable = false
	}

	var blended map[int64]float64
	if semanticAvailable {
		blended = blend(semResults, lexResults, e.weights)
	} else {
		blended = make(map[int64]float64, len(lexResults))
		for _, r := range lexResults {
			blended[r.FactID] = r.Score
		}
	}

	ids := make([]int64, 0, len(blended))
	for id := range blended {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if blended[ids[i]] != blended[ids[j]] {
			return blended[ids[i]] > blended[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > topK {
		ids = ids[:topK]
	}

	return e.hydrate(ctx, ids, blended)
}

func restrictToCandidates(results []lexical.Result, candidateIDs []int64) []lexical.Result {
	if candidateIDs == nil {
		return results
	}
	allowed := make(map[int64]bool, len(candidateIDs))
	for _, id := range candidateIDs {
		allowed[id] = true
	}
	out := results[:0]
	for _, r := range results {
		if allowed[r.FactID] {
			out = append(out, r)
		}
	}
	return out
}

func blend(semantic []vecidx.Result, lexicalResults []lexical.Result, w Weights) map[int64]float64 {
	scores := make(map[int64]float64)
	for _, r := range semantic {
		scores[r.FactID] += w.Semantic * r.Score
	}
	for _, r := range lexicalResults {
		scores[r.FactID] += w.Lexical * r.Score
	}
	return scores
}

// filteredCandidates returns, when q.AsOf is set, the ids of facts in
// q.Project that satisfy the as-of predicate, and nil when it is not
// (meaning "don't restrict by id"). FactType and Tags are not applied
// here. An empty, non-nil slice means the filters matched nothing.
func (e *Engine) filteredCandidates(ctx context.Context, q Query) ([]int64, error) {
	if q.AsOf == nil {
		return nil, nil
	}
	pred := temporal.AsOfPredicate(*q.AsOf)
	fragment, args := pred.SQL()
	query := `SELECT id FROM facts WHERE project = ? AND ` + fragment
	allArgs := append([]any{q.Project}, args...)

	var ids []int64
	err := e.pool.WithConnection(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, allArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("search: as_of candidates: %w", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

func (e *Engine) hydrate(ctx context.Context, ids []int64, scores map[int64]float64) ([]Result, error) {
	out := make([]Result, 0, len(ids))
	err := e.pool.WithConnection(ctx, func(db *sql.DB) error {
		for _, id := range ids {
			var r Result
			err := db.QueryRowContext(ctx, `SELECT id, project, content, fact_type, consensus_score FROM facts WHERE id = ?`, id).
				Scan(&r.FactID, &r.Project, &r.Content, &r.FactType, &r.ConsensusScore)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return err
			}
			r.Score = scores[id]
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: hydrate: %w", err)
	}
	return out, nil
}
