package facts

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/cortexmemory/cortex/internal/graph"
	"github.com/cortexmemory/cortex/internal/ledger"
	"github.com/cortexmemory/cortex/internal/store"
	"github.com/cortexmemory/cortex/internal/testutil"
	"github.com/cortexmemory/cortex/internal/vecidx"
)

func newTestRepo(t *testing.T, embedder Embedder, extractor graph.Extractor) (*Repository, *store.Pool) {
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
	l := ledger.New(pool, 1000)
	vectors := vecidx.New(pool, embedder != nil)
	g := graph.New(pool)
	clock := testutil.FixedClock{T: "2026-01-01T00:00:00Z"}
	return New(pool, l, vectors, g, embedder, extractor, clock), pool
}

func TestStoreRejectsEmptyProjectOrContent(t *testing.T) {
	repo, _ := newTestRepo(t, nil, nil)
	ctx := context.Background()

	if _, err := repo.Store(ctx, StoreInput{Project: "", Content: "x"}); err == nil {
		t.Fatal("expected error for empty project")
	}
	if _, err := repo.Store(ctx, StoreInput{Project: "p", Content: "  "}); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestStoreAppendsLedgerEntryAndEmbedsAndExtracts(t *testing.T) {
	embedder := &testutil.StubEmbedder{}
	extractor := &testutil.StubExtractor{}
	repo, pool := newTestRepo(t, embedder, extractor)
	ctx := context.Background()

	id, err := repo.Store(ctx, StoreInput{Project: "p1", Content: "redis caches sessions", FactType: "knowledge"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero fact id")
	}
	if embedder.Calls != 1 {
		t.Fatalf("expected embedder called once, got %d", embedder.Calls)
	}
	if extractor.Calls != 1 {
		t.Fatalf("expected extractor called once, got %d", extractor.Calls)
	}

	var ledgerCount int
	err = pool.WithConnection(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE action = 'store'`).Scan(&ledgerCount)
	})
	if err != nil {
		t.Fatalf("count ledger entries: %v", err)
	}
	if ledgerCount != 1 {
		t.Fatalf("expected exactly 1 store ledger entry, got %d", ledgerCount)
	}

	result, err := repo.Recall(ctx, "p1", 10, 0)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(result) != 1 || result[0].ID != id {
		t.Fatalf("expected recalled fact to match stored one, got %+v", result)
	}
}

func TestStoreManyIsAtomic(t *testing.T) {
	repo, _ := newTestRepo(t, nil, nil)
	ctx := context.Background()

	ids, err := repo.StoreMany(ctx, []StoreInput{
		{Project: "p1", Content: "first fact"},
		{Project: "p1", Content: "second fact"},
	})
	if err != nil {
		t.Fatalf("StoreMany: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}

	recalled, err := repo.Recall(ctx, "p1", 10, 0)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(recalled) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(recalled))
	}
}

func TestUpdateDeprecatesOldAndLinksLineage(t *testing.T) {
	repo, _ := newTestRepo(t, nil, nil)
	ctx := context.Background()

	id, err := repo.Store(ctx, StoreInput{Project: "p1", Content: "original"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	newContent := "revised"
	newID, err := repo.Update(ctx, id, UpdateInput{Content: &newContent})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newID == id {
		t.Fatal("expected a distinct new fact id")
	}

	history, err := repo.History(ctx, "p1", nil)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 facts in history, got %d", len(history))
	}

	var oldFact, newFact *Fact
	for i := range history {
		if history[i].ID == id {
			oldFact = &history[i]
		}
		if history[i].ID == newID {
			newFact = &history[i]
		}
	}
	if oldFact == nil || oldFact.Active() {
		t.Fatal("expected old fact to be deprecated")
	}
	if newFact == nil || !newFact.Active() {
		t.Fatal("expected new fact to be active")
	}
	if newFact.Meta["previous_fact_id"] == nil {
		t.Fatal("expected new fact's meta to link back to the old fact")
	}
}

func TestUpdateOnMissingFactReturnsNotFound(t *testing.T) {
	repo, _ := newTestRepo(t, nil, nil)
	ctx := context.Background()

	_, err := repo.Update(ctx, 999, UpdateInput{})
	if err == nil {
		t.Fatal("expected error for missing fact")
	}
}

func TestDeprecateIsIdempotent(t *testing.T) {
	repo, _ := newTestRepo(t, nil, nil)
	ctx := context.Background()

	id, err := repo.Store(ctx, StoreInput{Project: "p1", Content: "fact"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	changed, err := repo.Deprecate(ctx, id, "manual")
	if err != nil {
		t.Fatalf("Deprecate: %v", err)
	}
	if !changed {
		t.Fatal("expected first deprecate to report a change")
	}

	changed, err = repo.Deprecate(ctx, id, "manual again")
	if err != nil {
		t.Fatalf("Deprecate: %v", err)
	}
	if changed {
		t.Fatal("expected second deprecate to be a no-op")
	}
}

func TestRecallExcludesDeprecatedFacts(t *testing.T) {
	repo, _ := newTestRepo(t, nil, nil)
	ctx := context.Background()

	id, err := repo.Store(ctx, StoreInput{Project: "p1", Content: "fact"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := repo.Deprecate(ctx, id, ""); err != nil {
		t.Fatalf("Deprecate: %v", err)
	}

	recalled, err := repo.Recall(ctx, "p1", 10, 0)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(recalled) != 0 {
		t.Fatalf("expected no active facts, got %d", len(recalled))
	}
}

func TestHistoryAsOfFiltersToPointInTime(t *testing.T) {
	repo, _ := newTestRepo(t, nil, nil)
	ctx := context.Background()

	id, err := repo.Store(ctx, StoreInput{Project: "p1", Content: "fact"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := repo.Deprecate(ctx, id, ""); err != nil {
		t.Fatalf("Deprecate: %v", err)
	}

	past := "2025-01-01T00:00:00Z"
	history, err := repo.History(ctx, "p1", &past)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected no facts valid before creation, got %d", len(history))
	}
}
