package consensus

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/cortexmemory/cortex/internal/ledger"
	"github.com/cortexmemory/cortex/internal/store"
)

func newTestEngine(t *testing.T, thresholds Thresholds) (*Engine, *store.Pool) {
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
	if thresholds == (Thresholds{}) {
		thresholds = Thresholds{Verified: 1.6, Disputed: 0.4, LearningRate: 0.1}
	}
	return New(pool, l, thresholds), pool
}

func insertFact(t *testing.T, pool *store.Pool, project, content string) int64 {
	t.Helper()
	var id int64
	err := pool.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO facts (project, content, fact_type, tags, valid_from, created_at, updated_at)
			VALUES (?, ?, 'knowledge', '[]', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`,
			project, content)
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

func TestRegisterAgentDefaultsToHalfReputation(t *testing.T) {
	e, pool := newTestEngine(t, Thresholds{})
	ctx := context.Background()

	id, err := e.RegisterAgent(ctx, "alice", "human", "", "default", "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	var rep float64
	err = pool.WithConnection(ctx, func(db *sql.DB) error {
		return db.QueryRow(`SELECT reputation_score FROM agents WHERE id = ?`, id).Scan(&rep)
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rep != 0.5 {
		t.Fatalf("expected default reputation 0.5, got %v", rep)
	}
}

func TestVoteUnanimousPositiveCrossesVerifiedThreshold(t *testing.T) {
	e, pool := newTestEngine(t, Thresholds{})
	ctx := context.Background()
	factID := insertFact(t, pool, "p1", "the sky is blue")

	for i := 0; i < 4; i++ {
		agentID, err := e.RegisterAgent(ctx, "agent", "ai", "", "default", "2026-01-01T00:00:00Z")
		if err != nil {
			t.Fatalf("RegisterAgent: %v", err)
		}
		if _, err := e.Vote(ctx, factID, agentID, 1, "", "2026-01-01T00:00:00Z"); err != nil {
			t.Fatalf("Vote: %v", err)
		}
	}

	var confidence string
	var score float64
	err := pool.WithConnection(ctx, func(db *sql.DB) error {
		return db.QueryRow(`SELECT confidence, consensus_score FROM facts WHERE id = ?`, factID).Scan(&confidence, &score)
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// Every vote is +1 at equal weight, so weighted_sum/total_weight = 1.0
	// and score clamps to the maximum of 2.0.
	if score != 2.0 {
		t.Fatalf("expected score 2.0 for unanimous positive votes, got %v", score)
	}
	if confidence != "verified" {
		t.Fatalf("expected confidence verified, got %q", confidence)
	}
}

func TestVoteZeroRemovesVote(t *testing.T) {
	e, pool := newTestEngine(t, Thresholds{})
	ctx := context.Background()
	factID := insertFact(t, pool, "p1", "fact")
	agentID, err := e.RegisterAgent(ctx, "agent", "ai", "", "default", "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	if _, err := e.Vote(ctx, factID, agentID, 1, "", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	score, err := e.Vote(ctx, factID, agentID, 0, "", "2026-01-01T00:00:01Z")
	if err != nil {
		t.Fatalf("Vote(0): %v", err)
	}
	if score != 1.0 {
		t.Fatalf("expected score to reset to 1.0 after removing the only vote, got %v", score)
	}
}

func TestVoteUnknownAgentReturnsNotFound(t *testing.T) {
	e, pool := newTestEngine(t, Thresholds{})
	ctx := context.Background()
	factID := insertFact(t, pool, "p1", "fact")

	_, err := e.Vote(ctx, factID, "does-not-exist", 1, "", "2026-01-01T00:00:00Z")
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestVoteLegacyAppliesSimpleFormula(t *testing.T) {
	e, pool := newTestEngine(t, Thresholds{})
	ctx := context.Background()
	factID := insertFact(t, pool, "p1", "fact")

	score, err := e.VoteLegacy(ctx, factID, "legacy-alice", 1, "", "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("VoteLegacy: %v", err)
	}
	if score != 1.1 {
		t.Fatalf("expected score 1.1 (1.0 + 0.1*1), got %v", score)
	}
}

func TestRecomputeAllScoresAppliesReputationRetroactively(t *testing.T) {
	e, pool := newTestEngine(t, Thresholds{})
	ctx := context.Background()
	factID := insertFact(t, pool, "p1", "fact")

	agentID, err := e.RegisterAgent(ctx, "agent", "ai", "", "default", "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := e.Vote(ctx, factID, agentID, 1, "", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("Vote: %v", err)
	}

	// Directly bump the agent's reputation, bypassing the normal EMA
	// update path, to simulate a reputation change that a standing
	// vote's own weight hasn't picked up yet.
	err = pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE agents SET reputation_score = 0.9 WHERE id = ?`, agentID)
		return err
	})
	if err != nil {
		t.Fatalf("bump reputation: %v", err)
	}

	processed, err := e.RecomputeAllScores(ctx, "2026-01-02T00:00:00Z")
	if err != nil {
		t.Fatalf("RecomputeAllScores: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 fact recomputed, got %d", processed)
	}

	var score float64
	err = pool.WithConnection(ctx, func(db *sql.DB) error {
		return db.QueryRow(`SELECT consensus_score FROM facts WHERE id = ?`, factID).Scan(&score)
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if score != 2.0 {
		t.Fatalf("expected score 2.0 after recompute (single +1 vote still weights to 1.0 regardless of magnitude), got %v", score)
	}
}

func TestSetTrustAndTrustEdges(t *testing.T) {
	e, _ := newTestEngine(t, Thresholds{})
	ctx := context.Background()

	if err := e.SetTrust(ctx, "alice", "bob", 0.8, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("SetTrust: %v", err)
	}
	edges, err := e.TrustEdges(ctx, "alice")
	if err != nil {
		t.Fatalf("TrustEdges: %v", err)
	}
	if len(edges) != 1 || edges[0].Target != "bob" || edges[0].Weight != 0.8 {
		t.Fatalf("unexpected edges: %+v", edges)
	}
}
