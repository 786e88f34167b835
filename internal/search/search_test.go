package search

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/cortexmemory/cortex/internal/lexical"
	"github.com/cortexmemory/cortex/internal/store"
	"github.com/cortexmemory/cortex/internal/testutil"
	"github.com/cortexmemory/cortex/internal/vecidx"
)

func vectorEmbedder(vectors map[string][]float32) *testutil.StubEmbedder {
	return &testutil.StubEmbedder{Fn: func(ctx context.Context, text string) ([]float32, error) {
		return vectors[text], nil
	}}
}

func failingEmbedder(err error) *testutil.StubEmbedder {
	return &testutil.StubEmbedder{Fn: func(ctx context.Context, text string) ([]float32, error) {
		return nil, err
	}}
}

func newTestSetup(t *testing.T, embedder Embedder, weights Weights) (*Engine, *store.Pool, *vecidx.Index) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	pool, err := store.Open(path, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	if err := pool.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	vectors := vecidx.New(pool, embedder != nil)
	lex := lexical.New(pool)
	return New(pool, vectors, lex, embedder, weights), pool, vectors
}

func insertFact(t *testing.T, pool *store.Pool, project, content, factType string) int64 {
	t.Helper()
	var id int64
	err := pool.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO facts (project, content, fact_type, tags, valid_from, created_at, updated_at)
			VALUES (?, ?, ?, '[]', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`,
			project, content, factType)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		t.Fatalf("insertFact: %v", err)
	}
	return id
}

func unitVector(dim int, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func TestSearchFallsBackToLexicalWhenNoEmbedder(t *testing.T) {
	engine, pool, _ := newTestSetup(t, nil, Weights{})
	ctx := context.Background()
	insertFact(t, pool, "p1", "redis caches sessions in memory", "knowledge")
	insertFact(t, pool, "p1", "postgres stores durable records", "knowledge")

	results, err := engine.Search(ctx, Query{Text: "redis", Project: "p1", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 lexical match, got %d", len(results))
	}
	if results[0].Content != "redis caches sessions in memory" {
		t.Fatalf("unexpected result: %+v", results[0])
	}
}

func TestSearchBlendsSemanticAndLexical(t *testing.T) {
	id1Text := "redis caches sessions"
	id2Text := "postgres stores records"
	vectorsByText := map[string][]float32{
		id1Text: unitVector(vecidx.Dimension, 0),
		id2Text: unitVector(vecidx.Dimension, 1),
		"query": unitVector(vecidx.Dimension, 0),
	}
	embedder := vectorEmbedder(vectorsByText)
	engine, pool, vectors := newTestSetup(t, embedder, Weights{})
	ctx := context.Background()

	id1 := insertFact(t, pool, "p1", id1Text, "knowledge")
	id2 := insertFact(t, pool, "p1", id2Text, "knowledge")

	if err := vectors.Upsert(ctx, id1, vectorsByText[id1Text], "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := vectors.Upsert(ctx, id2, vectorsByText[id2Text], "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := engine.Search(ctx, Query{Text: "query", Project: "p1", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].FactID != id1 {
		t.Fatalf("expected semantically closer fact %d to rank first, got %d", id1, results[0].FactID)
	}
}

func TestSearchDegradesWhenEmbeddingFails(t *testing.T) {
	embedder := failingEmbedder(sql.ErrConnDone)
	engine, pool, _ := newTestSetup(t, embedder, Weights{})
	ctx := context.Background()
	insertFact(t, pool, "p1", "redis caches sessions", "knowledge")

	results, err := engine.Search(ctx, Query{Text: "redis", Project: "p1", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected lexical-only fallback to still return a match, got %d", len(results))
	}
}

func TestSearchRespectsAsOfFilter(t *testing.T) {
	engine, pool, _ := newTestSetup(t, nil, Weights{})
	ctx := context.Background()
	insertFact(t, pool, "p1", "redis caches sessions", "knowledge")

	past := "2020-01-01T00:00:00Z"
	results, err := engine.Search(ctx, Query{Text: "redis", Project: "p1", TopK: 5, AsOf: &past})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no facts valid before creation, got %d", len(results))
	}
}

func TestSearchTopKZeroReturnsEmptyResults(t *testing.T) {
	engine, pool, _ := newTestSetup(t, nil, Weights{})
	ctx := context.Background()
	insertFact(t, pool, "p1", "redis caches sessions", "knowledge")

	results, err := engine.Search(ctx, Query{Text: "redis", Project: "p1", TopK: 0})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected top_k=0 to return an empty list, got %d", len(results))
	}
}

func TestSearchTopKLimitsResults(t *testing.T) {
	engine, pool, _ := newTestSetup(t, nil, Weights{})
	ctx := context.Background()
	insertFact(t, pool, "p1", "redis one", "knowledge")
	insertFact(t, pool, "p1", "redis two", "knowledge")
	insertFact(t, pool, "p1", "redis three", "knowledge")

	results, err := engine.Search(ctx, Query{Text: "redis", Project: "p1", TopK: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected exactly 2 results, got %d", len(results))
	}
}
