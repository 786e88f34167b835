// Package vecidx implements the embedded embedding index (C5): a
// fixed-dimension vector store with cosine-distance nearest-neighbor
// search. There is no out-of-process vector database — the core must
// not require network transport — so vectors live as BLOBs in the
// store's own database file and search is a streamed table scan.
package vecidx

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/cortexmemory/cortex/internal/store"
)

// Dimension is the fixed embedding width the index accepts.
const Dimension = 384

// ErrDisabled is returned by every operation when the index was
// constructed with enabled=false — e.g. the host has no embedder
// configured. Callers (notably internal/search) treat this as a signal
// to fall back to the lexical index rather than a hard failure.
var ErrDisabled = errors.New("vecidx: index disabled")

// ErrDimension is returned when a vector's length does not match Dimension.
var ErrDimension = errors.New("vecidx: vector has wrong dimension")

// Index is the embedded cosine-similarity vector store.
type Index struct {
	pool    *store.Pool
	enabled bool
}

// New returns an Index backed by pool. enabled=false makes every method
// behave as if the vector extension were unavailable on the host,
// store operations proceed without embeddings and search
// degrades to lexical-only.
func New(pool *store.Pool, enabled bool) *Index {
	return &Index{pool: pool, enabled: enabled}
}

// Enabled reports whether the index is active.
func (idx *Index) Enabled() bool { return idx.enabled }

// Upsert stores or replaces the embedding for factID.
func (idx *Index) Upsert(ctx context.Context, factID int64, vector []float32, now string) error {
	if !idx.enabled {
		return ErrDisabled
	}
	if len(vector) != Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), Dimension)
	}

	blob := encodeVector(vector)
	return idx.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO vector_embeddings (fact_id, vector, dimension, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(fact_id) DO UPDATE SET vector = excluded.vector, created_at = excluded.created_at`,
			factID, blob, Dimension, now,
		)
		return err
	})
}

// Delete removes the embedding for factID, if any.
func (idx *Index) Delete(ctx context.Context, factID int64) error {
	if !idx.enabled {
		return ErrDisabled
	}
	return idx.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM vector_embeddings WHERE fact_id = ?`, factID)
		return err
	})
}

// Result is a single nearest-neighbor match.
type Result struct {
	FactID int64
	Score  float64 // cosine similarity, higher is closer
}

// Search returns the topK facts (restricted to candidateFactIDs, if
// non-nil) whose stored embedding is closest to query by cosine
// similarity, ordered by descending score with ties broken by
// ascending fact id for determinism.
func (idx *Index) Search(ctx context.Context, query []float32, candidateFactIDs []int64, topK int) ([]Result, error) {
	if !idx.enabled {
		return nil, ErrDisabled
	}
	if len(query) != Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(query), Dimension)
	}
	if topK <= 0 {
		return nil, nil
	}

	var candidateSet map[int64]bool
	if candidateFactIDs != nil {
		candidateSet = make(map[int64]bool, len(candidateFactIDs))
		for _, id := range candidateFactIDs {
			candidateSet[id] = true
		}
	}

	var results []Result
	err := idx.pool.WithConnection(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT fact_id, vector FROM vector_embeddings`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var factID int64
			var blob []byte
			if err := rows.Scan(&factID, &blob); err != nil {
				return err
			}
			if candidateSet != nil && !candidateSet[factID] {
				continue
			}
			vec, err := decodeVector(blob)
			if err != nil {
				continue // malformed row; skip rather than fail the whole search
			}
			score := cosineSimilarity(query, vec)
			results = append(results, Result{FactID: factID, Score: score})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FactID < results[j].FactID
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Prune deletes every embedding whose fact_id no longer has a
// corresponding row in facts. A fact's embedding is normally removed
// together with the fact by the foreign key's cascade; Prune removes
// any that remain. Embeddings of deprecated facts are not removed,
// since deprecation leaves the fact row in place.
func (idx *Index) Prune(ctx context.Context) (int64, error) {
	if !idx.enabled {
		return 0, ErrDisabled
	}
	var removed int64
	err := idx.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM vector_embeddings WHERE fact_id NOT IN (SELECT id FROM facts)`)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vecidx: malformed vector blob of length %d", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

// cosineSimilarity returns the cosine of the angle between a and b,
// guarding against zero-length or zero-norm vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
