package lexical

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/cortexmemory/cortex/internal/store"
)

func newTestIndex(t *testing.T) (*Index, *store.Pool) {
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
	return New(pool), pool
}

func insertFact(t *testing.T, pool *store.Pool, project, content, factType string) int64 {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	var id int64
	err := pool.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO facts (project, content, fact_type, tags, valid_from, created_at, updated_at)
			VALUES (?, ?, ?, '[]', ?, ?, ?)`,
			project, content, factType, now, now, now)
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

func TestSearchMatchesContent(t *testing.T) {
	idx, pool := newTestIndex(t)
	ctx := context.Background()

	before, err := idx.Search(ctx, "ratelimit", Filters{Project: "api"}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(before) != 0 {
		t.Fatalf("expected no matches before insert, got %d", len(before))
	}

	id := insertFact(t, pool, "api", "the ratelimit bucket refills every second", "config")

	after, err := idx.Search(ctx, "ratelimit", Filters{Project: "api"}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(after) != 1 || after[0].FactID != id {
		t.Fatalf("expected exactly the inserted fact to match, got %+v", after)
	}
}

func TestSearchFiltersByProject(t *testing.T) {
	idx, pool := newTestIndex(t)
	ctx := context.Background()

	insertFact(t, pool, "other", "shared keyword appears here", "knowledge")
	insertFact(t, pool, "api", "shared keyword appears here too", "knowledge")

	results, err := idx.Search(ctx, "shared", Filters{Project: "api"}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Project != "api" {
		t.Fatalf("expected only the api-scoped fact, got %+v", results)
	}
}

func TestEscapeFTS5QueryQuotesTokens(t *testing.T) {
	got := escapeFTS5Query(`rate: 100/min`)
	want := `"rate:" AND "100/min"`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestNormalizeBM25Monotonic(t *testing.T) {
	better := normalizeBM25(-10)
	worse := normalizeBM25(-1)
	if better <= worse {
		t.Fatalf("expected more negative bm25 to score higher: better=%v worse=%v", better, worse)
	}
	if normalizeBM25(0) != 1.0 {
		t.Fatalf("expected bm25=0 to normalize to 1.0, got %v", normalizeBM25(0))
	}
}
