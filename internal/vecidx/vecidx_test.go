package vecidx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cortexmemory/cortex/internal/store"
)

func newTestIndex(t *testing.T, enabled bool) (*Index, *store.Pool) {
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
	return New(pool, enabled), pool
}

func vec(vals ...float32) []float32 {
	out := make([]float32, Dimension)
	copy(out, vals)
	return out
}

func TestDisabledIndexReturnsErrDisabled(t *testing.T) {
	idx, _ := newTestIndex(t, false)
	ctx := context.Background()

	if err := idx.Upsert(ctx, 1, vec(1), "2026-01-01T00:00:00Z"); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, err := idx.Search(ctx, vec(1), nil, 5); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestWrongDimensionRejected(t *testing.T) {
	idx, _ := newTestIndex(t, true)
	ctx := context.Background()

	if err := idx.Upsert(ctx, 1, []float32{1, 2, 3}, "2026-01-01T00:00:00Z"); err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestCosineSimilarityRanksClosestFirst(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Fatalf("expected ~1.0 for identical vectors, got %v", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got > 0.001 || got < -0.001 {
		t.Fatalf("expected ~0.0 for orthogonal vectors, got %v", got)
	}
	if got := cosineSimilarity([]float32{}, []float32{}); got != 0 {
		t.Fatalf("expected 0 for zero-length vectors, got %v", got)
	}
}

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	v := vec(0.1, 0.2, -0.3)
	buf := encodeVector(v)
	got, err := decodeVector(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("round trip mismatch at %d: %v vs %v", i, got[i], v[i])
		}
	}
}
