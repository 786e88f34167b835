package coordinator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cortexmemory/cortex/internal/facts"
	"github.com/cortexmemory/cortex/internal/search"
	"github.com/cortexmemory/cortex/pkg/config"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Database.AutoEmbed = false
	cfg.Batch.FlushMS = 1
	cfg.Batch.MaxOps = 10

	e, err := Open(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestStoreAndRecall(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Store(ctx, facts.StoreInput{Project: "p1", Content: "redis caches sessions"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero fact id")
	}

	recalled, err := e.Recall(ctx, "p1", 10, 0)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(recalled) != 1 || recalled[0].ID != id {
		t.Fatalf("unexpected recall result: %+v", recalled)
	}
}

func TestRecallCacheInvalidatesOnStore(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Store(ctx, facts.StoreInput{Project: "p1", Content: "first"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := e.Recall(ctx, "p1", 10, 0); err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if e.cache.Len() != 1 {
		t.Fatalf("expected 1 cached entry, got %d", e.cache.Len())
	}

	if _, err := e.Store(ctx, facts.StoreInput{Project: "p1", Content: "second"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if e.cache.Len() != 0 {
		t.Fatalf("expected cache to be invalidated after a store, got %d entries", e.cache.Len())
	}

	recalled, err := e.Recall(ctx, "p1", 10, 0)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(recalled) != 2 {
		t.Fatalf("expected 2 facts after cache refresh, got %d", len(recalled))
	}
}

func TestSearchFallsBackToLexicalWithoutEmbedder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Store(ctx, facts.StoreInput{Project: "p1", Content: "redis caches sessions"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := e.Search(ctx, search.Query{Text: "redis", Project: "p1", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 lexical result, got %d", len(results))
	}
}

func TestUpdateAndDeprecateInvalidateCache(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Store(ctx, facts.StoreInput{Project: "p1", Content: "original"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := e.Recall(ctx, "p1", 10, 0); err != nil {
		t.Fatalf("Recall: %v", err)
	}

	newContent := "revised"
	newID, err := e.Update(ctx, id, facts.UpdateInput{Content: &newContent}, "p1")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newID == id {
		t.Fatal("expected a new fact id from Update")
	}
	if e.cache.Len() != 0 {
		t.Fatalf("expected cache invalidated after update, got %d entries", e.cache.Len())
	}

	changed, err := e.Deprecate(ctx, newID, "manual", "p1")
	if err != nil {
		t.Fatalf("Deprecate: %v", err)
	}
	if !changed {
		t.Fatal("expected deprecate to report a change")
	}
}

func TestVerifyLedgerAfterMixedOperations(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Store(ctx, facts.StoreInput{Project: "p1", Content: "fact one"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	agentID, err := e.RegisterAgent(ctx, "alice", "human", "", "default")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := e.Vote(ctx, id, agentID, 1, "", "p1"); err != nil {
		t.Fatalf("Vote: %v", err)
	}

	result, err := e.VerifyLedger(ctx)
	if err != nil {
		t.Fatalf("VerifyLedger: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected a valid ledger, got %+v", result)
	}
}

func TestExportLedgerWritesFile(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Store(ctx, facts.StoreInput{Project: "p1", Content: "fact one"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "export.json")
	result, err := e.ExportLedger(ctx, outPath, 1)
	if err != nil {
		t.Fatalf("ExportLedger: %v", err)
	}
	if result.Path != outPath {
		t.Fatalf("expected result path %q, got %q", outPath, result.Path)
	}
	if result.Count != 1 {
		t.Fatalf("expected 1 exported entry, got %d", result.Count)
	}
	if result.FileHash == "" || result.MerkleRoot == "" {
		t.Fatalf("expected non-empty file_hash/merkle_root, got %+v", result)
	}
}

func TestStatsReportsCircuitAndCache(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Store(ctx, facts.StoreInput{Project: "p1", Content: "fact one"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.FactCount != 1 {
		t.Fatalf("expected 1 fact, got %d", stats.FactCount)
	}
	if stats.CircuitState != "closed" {
		t.Fatalf("expected closed circuit, got %q", stats.CircuitState)
	}
}
