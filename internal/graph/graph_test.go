package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cortexmemory/cortex/internal/store"
)

func newTestGraph(t *testing.T) *Index {
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
	return New(pool)
}

func TestApplyUpsertsEntitiesAndIncrementsMentions(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	ts := "2026-01-01T00:00:00Z"

	entities := []Entity{{Name: "redis", Type: "service"}}
	if err := g.Apply(ctx, "infra", 1, entities, nil, ts); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := g.Apply(ctx, "infra", 2, entities, nil, ts); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	rec, err := g.Entity(ctx, "infra", "redis")
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if rec == nil {
		t.Fatal("expected entity to exist")
	}
	if rec.MentionCount != 2 {
		t.Fatalf("expected mention_count 2, got %d", rec.MentionCount)
	}
}

func TestApplyCreatesRelationsAndSubgraph(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	ts := "2026-01-01T00:00:00Z"

	entities := []Entity{{Name: "api", Type: "service"}, {Name: "redis", Type: "service"}}
	relations := []Relation{{SourceName: "api", TargetName: "redis", Type: "depends_on"}}
	if err := g.Apply(ctx, "infra", 1, entities, relations, ts); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	sg, err := g.Subgraph(ctx, "infra", 10)
	if err != nil {
		t.Fatalf("Subgraph: %v", err)
	}
	if len(sg.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(sg.Entities))
	}
	if len(sg.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(sg.Edges))
	}
	if sg.Edges[0].Type != "depends_on" || sg.Edges[0].Weight != 1.0 {
		t.Fatalf("unexpected edge: %+v", sg.Edges[0])
	}
}

func TestApplyRepeatedRelationIncrementsWeight(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	ts := "2026-01-01T00:00:00Z"

	entities := []Entity{{Name: "api", Type: "service"}, {Name: "redis", Type: "service"}}
	relations := []Relation{{SourceName: "api", TargetName: "redis", Type: "depends_on"}}
	if err := g.Apply(ctx, "infra", 1, entities, relations, ts); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := g.Apply(ctx, "infra", 2, entities, relations, ts); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	sg, err := g.Subgraph(ctx, "infra", 10)
	if err != nil {
		t.Fatalf("Subgraph: %v", err)
	}
	if len(sg.Edges) != 1 || sg.Edges[0].Weight != 2.0 {
		t.Fatalf("expected single edge with weight 2.0, got %+v", sg.Edges)
	}
}

func TestEntityLookupMissingReturnsNil(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	rec, err := g.Entity(ctx, "infra", "nope")
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for missing entity, got %+v", rec)
	}
}
