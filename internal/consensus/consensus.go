// Package consensus implements the reputation-weighted multi-agent
// consensus engine (C9): agent registration, voting, the weighted score
// formula, confidence-threshold resolution, reputation updates, legacy
// unweighted voting, and trust edges.
package consensus

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/cortexmemory/cortex/internal/cortexerr"
	"github.com/cortexmemory/cortex/internal/ledger"
	"github.com/cortexmemory/cortex/internal/logging"
	"github.com/cortexmemory/cortex/internal/store"
)

// recomputeFanOut bounds how many facts are recomputed concurrently
// during RecomputeAllScores, so a reputation change affecting many
// facts at once doesn't open one transaction per fact unbounded.
const recomputeFanOut = 8

var log = logging.GetLogger("consensus")

// Thresholds holds the configurable score boundaries and learning rate.
type Thresholds struct {
	Verified       float64 // default 1.6
	Disputed       float64 // default 0.4
	LearningRate   float64 // default 0.1, the EMA alpha
}

// Legacy thresholds are fixed by the unweighted formula's own scale.
const (
	legacyVerified = 1.5
	legacyDisputed = 0.5
)

// Engine owns agent, vote, and trust-edge state.
type Engine struct {
	pool       *store.Pool
	ledger     *ledger.Ledger
	thresholds Thresholds
}

// New returns an Engine backed by pool and ledger l.
func New(pool *store.Pool, l *ledger.Ledger, thresholds Thresholds) *Engine {
	return &Engine{pool: pool, ledger: l, thresholds: thresholds}
}

// Agent is a single registered voter.
type Agent struct {
	ID         string
	Name       string
	Type       string
	Reputation float64
	Tenant     string
	Active     bool
}

// RegisterAgent creates an active agent with default reputation 0.5.
// Names need not be unique; ids are generated.
func (e *Engine) RegisterAgent(ctx context.Context, name, agentType, publicKey, tenant string, now string) (string, error) {
	if !store.IsValidAgentType(agentType) {
		return "", cortexerr.Invalid("unknown agent type %q", agentType)
	}
	if tenant == "" {
		tenant = "default"
	}
	id := uuid.NewString()
	err := e.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO agents (id, name, agent_type, public_key, tenant, reputation_score, last_active_at)
			VALUES (?, ?, ?, ?, ?, 0.5, ?)`,
			id, name, agentType, nullableString(publicKey), tenant, now,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("consensus: register agent: %w", err)
	}
	return id, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Vote records agent's vote on fact_id, recomputes the fact's
// consensus_score, updates confidence on threshold crossings, and
// appends a vote ledger entry. value=0 removes the agent's prior vote.
func (e *Engine) Vote(ctx context.Context, factID int64, agentID string, value int, reason string, now string) (float64, error) {
	if value < -1 || value > 1 {
		return 0, cortexerr.Invalid("vote value must be -1, 0, or 1")
	}

	var newScore float64
	err := e.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		agent, err := loadAgent(tx, agentID)
		if err != nil {
			return err
		}
		if agent == nil || !agent.Active {
			return cortexerr.NotFoundf("agent %q not found or inactive", agentID)
		}

		var project string
		if err := tx.QueryRow(`SELECT project FROM facts WHERE id = ?`, factID).Scan(&project); err == sql.ErrNoRows {
			return cortexerr.NotFoundf("fact %d not found", factID)
		} else if err != nil {
			return err
		}

		if value == 0 {
			if _, err := tx.Exec(`DELETE FROM votes WHERE fact_id = ? AND agent_id = ?`, factID, agentID); err != nil {
				return err
			}
		} else {
			_, err := tx.Exec(`
				INSERT INTO votes (fact_id, agent_id, value, weight, rep_at_vote, decay_factor, created_at, reason)
				VALUES (?, ?, ?, ?, ?, 1.0, ?, ?)
				ON CONFLICT(fact_id, agent_id) DO UPDATE SET
					value = excluded.value, weight = excluded.weight, rep_at_vote = excluded.rep_at_vote,
					decay_factor = 1.0, created_at = excluded.created_at, reason = excluded.reason`,
				factID, agentID, value, agent.Reputation, agent.Reputation, now, nullableString(reason),
			)
			if err != nil {
				return err
			}
		}

		score, err := recomputeWeightedScore(tx, factID)
		if err != nil {
			return err
		}
		newScore = score

		if _, err := tx.Exec(`UPDATE facts SET consensus_score = ?, updated_at = ? WHERE id = ?`, score, now, factID); err != nil {
			return err
		}

		if _, err := e.ledger.Append(tx, project, "vote", map[string]any{
			"fact_id": factID, "agent_id": agentID, "value": value, "new_score": score,
		}, now); err != nil {
			return err
		}

		return e.resolveIfThresholdCrossed(tx, project, factID, score, now)
	})
	if err != nil {
		return 0, err
	}
	return newScore, nil
}

type agentRow struct {
	ID         string
	Reputation float64
	Active     bool
}

func loadAgent(tx *sql.Tx, id string) (*agentRow, error) {
	var a agentRow
	err := tx.QueryRow(`SELECT id, reputation_score, is_active FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Reputation, &a.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// recomputeWeightedScore implements the weighted score formula: each active
// vote is weighted by max(recorded weight, the agent's current
// reputation) so a reputation change retroactively affects standing
// votes, times its decay_factor.
func recomputeWeightedScore(tx *sql.Tx, factID int64) (float64, error) {
	rows, err := tx.Query(`
		SELECT v.value, v.weight, v.decay_factor, a.reputation_score
		FROM votes v JOIN agents a ON a.id = v.agent_id
		WHERE v.fact_id = ? AND a.is_active = 1`, factID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var weightedSum, totalWeight float64
	for rows.Next() {
		var value int
		var weight, decay, currentRep float64
		if err := rows.Scan(&value, &weight, &decay, &currentRep); err != nil {
			return 0, err
		}
		w := math.Max(weight, currentRep) * decay
		weightedSum += float64(value) * w
		totalWeight += w
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	score := 1.0
	if totalWeight > 0 {
		score = 1.0 + weightedSum/totalWeight
	}
	if score < 0 {
		score = 0
	}
	if score > 2 {
		score = 2
	}
	return score, nil
}

func (e *Engine) resolveIfThresholdCrossed(tx *sql.Tx, project string, factID int64, score float64, now string) error {
	var finalState string
	switch {
	case score >= e.thresholds.Verified:
		finalState = "verified"
	case score <= e.thresholds.Disputed:
		finalState = "disputed"
	default:
		return nil
	}

	var alreadyResolved string
	err := tx.QueryRow(`SELECT final_state FROM consensus_outcomes WHERE fact_id = ?`, factID).Scan(&alreadyResolved)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if alreadyResolved == finalState {
		return nil
	}

	if _, err := tx.Exec(`UPDATE facts SET confidence = ?, updated_at = ? WHERE id = ?`, finalState, now, factID); err != nil {
		return err
	}

	rows, err := tx.Query(`SELECT agent_id, value FROM votes WHERE fact_id = ?`, factID)
	if err != nil {
		return err
	}
	type vote struct {
		agentID string
		value   int
	}
	var votes []vote
	for rows.Next() {
		var v vote
		if err := rows.Scan(&v.agentID, &v.value); err != nil {
			rows.Close()
			return err
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	var reputationSum float64
	expectAgree := finalState == "verified"
	for _, v := range votes {
		agreed := (v.value > 0) == expectAgree
		if v.value == 0 {
			continue
		}
		observed := 0.0
		if agreed {
			observed = 1.0
		}
		if err := e.updateReputation(tx, v.agentID, observed, agreed, now); err != nil {
			return err
		}
		var rep float64
		if err := tx.QueryRow(`SELECT reputation_score FROM agents WHERE id = ?`, v.agentID).Scan(&rep); err != nil {
			return err
		}
		reputationSum += rep
	}

	_, err = tx.Exec(`
		INSERT INTO consensus_outcomes (fact_id, final_state, final_score, resolved_at, total_votes, unique_agents, reputation_sum)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fact_id) DO UPDATE SET
			final_state = excluded.final_state, final_score = excluded.final_score,
			resolved_at = excluded.resolved_at, total_votes = excluded.total_votes,
			unique_agents = excluded.unique_agents, reputation_sum = excluded.reputation_sum`,
		factID, finalState, score, now, len(votes), len(votes), reputationSum,
	)
	if err != nil {
		return err
	}

	_, err = e.ledger.Append(tx, project, "consensus_resolve", map[string]any{
		"fact_id": factID, "final_state": finalState, "final_score": score,
	}, now)
	return err
}

// updateReputation applies the exponential moving average reputation
// update: new_rep = alpha*observed + (1-alpha)*old_rep, clamped [0,1],
// and increments the agent's successful_votes or disputed_votes counter.
func (e *Engine) updateReputation(tx *sql.Tx, agentID string, observed float64, agreed bool, now string) error {
	alpha := e.thresholds.LearningRate
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}

	var oldRep float64
	if err := tx.QueryRow(`SELECT reputation_score FROM agents WHERE id = ?`, agentID).Scan(&oldRep); err != nil {
		return err
	}
	newRep := alpha*observed + (1-alpha)*oldRep
	if newRep < 0 {
		newRep = 0
	}
	if newRep > 1 {
		newRep = 1
	}

	counterCol := "disputed_votes"
	if agreed {
		counterCol = "successful_votes"
	}
	_, err := tx.Exec(fmt.Sprintf(`
		UPDATE agents SET reputation_score = ?, total_votes = total_votes + 1,
			%s = %s + 1, last_active_at = ? WHERE id = ?`, counterCol, counterCol),
		newRep, now, agentID,
	)
	return err
}

// VoteLegacy records an unweighted vote by agent name (no registered
// agent id), using the legacy scoring formula. Migration 9 backfills
// these into the weighted tables under a synthetic agent, but new
// legacy votes continue to use the simple formula for compatibility.
func (e *Engine) VoteLegacy(ctx context.Context, factID int64, agentName string, value int, reason, now string) (float64, error) {
	if value < -1 || value > 1 {
		return 0, cortexerr.Invalid("vote value must be -1, 0, or 1")
	}
	var newScore float64
	err := e.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		var project string
		if err := tx.QueryRow(`SELECT project FROM facts WHERE id = ?`, factID).Scan(&project); err == sql.ErrNoRows {
			return cortexerr.NotFoundf("fact %d not found", factID)
		} else if err != nil {
			return err
		}

		if value == 0 {
			if _, err := tx.Exec(`DELETE FROM legacy_votes WHERE fact_id = ? AND agent_name = ?`, factID, agentName); err != nil {
				return err
			}
		} else {
			_, err := tx.Exec(`
				INSERT INTO legacy_votes (fact_id, agent_name, value, created_at, reason)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(fact_id, agent_name) DO UPDATE SET value = excluded.value, created_at = excluded.created_at, reason = excluded.reason`,
				factID, agentName, value, now, nullableString(reason),
			)
			if err != nil {
				return err
			}
		}

		var sum int
		if err := tx.QueryRow(`SELECT COALESCE(SUM(value), 0) FROM legacy_votes WHERE fact_id = ?`, factID).Scan(&sum); err != nil {
			return err
		}
		score := 1.0 + 0.1*float64(sum)
		if score < 0 {
			score = 0
		}
		if score > 2 {
			score = 2
		}
		newScore = score

		if _, err := tx.Exec(`UPDATE facts SET consensus_score = ?, updated_at = ? WHERE id = ?`, score, now, factID); err != nil {
			return err
		}

		var confidence string
		switch {
		case score >= legacyVerified:
			confidence = "verified"
		case score <= legacyDisputed:
			confidence = "disputed"
		default:
			confidence = ""
		}
		if confidence != "" {
			if _, err := tx.Exec(`UPDATE facts SET confidence = ? WHERE id = ?`, confidence, factID); err != nil {
				return err
			}
		}

		_, err := e.ledger.Append(tx, project, "vote", map[string]any{
			"fact_id": factID, "agent_name": agentName, "value": value, "new_score": score, "legacy": true,
		}, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("consensus: legacy vote: %w", err)
	}
	return newScore, nil
}

// SetTrust upserts a directed trust edge, informational only — it is
// never folded into the score formula above.
func (e *Engine) SetTrust(ctx context.Context, sourceAgent, targetAgent string, weight float64, now string) error {
	if weight < 0 || weight > 1 {
		return cortexerr.Invalid("trust weight must be within [0,1]")
	}
	return e.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO trust_edges (source_agent, target_agent, weight, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(source_agent, target_agent) DO UPDATE SET weight = excluded.weight, updated_at = excluded.updated_at`,
			sourceAgent, targetAgent, weight, now,
		)
		return err
	})
}

// TrustEdge is a single directed, weighted trust relationship.
type TrustEdge struct {
	Source string
	Target string
	Weight float64
}

// RecomputeAllScores re-derives the consensus_score of every fact that
// has at least one vote, re-checking threshold crossings along the
// way. A reputation update retroactively changes every standing vote's
// effective weight (recomputeWeightedScore takes max(recorded weight,
// current reputation)), so this is how that retroactive effect is
// actually applied in bulk rather than only the next time someone
// votes on a given fact. Facts are processed concurrently, bounded by
// recomputeFanOut; processed counts the ones that completed before any
// error aborted the rest.
func (e *Engine) RecomputeAllScores(ctx context.Context, now string) (int64, error) {
	var factIDs []int64
	err := e.pool.WithConnection(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT DISTINCT fact_id FROM votes`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			factIDs = append(factIDs, id)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("consensus: list voted facts: %w", err)
	}

	var processed atomic.Int64
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(recomputeFanOut)

	for _, factID := range factIDs {
		factID := factID
		group.Go(func() error {
			if err := e.recomputeOne(gctx, factID, now); err != nil {
				return fmt.Errorf("consensus: recompute fact %d: %w", factID, err)
			}
			processed.Inc()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return processed.Load(), err
	}
	log.Info("recomputed consensus scores", "facts", processed.Load())
	return processed.Load(), nil
}

func (e *Engine) recomputeOne(ctx context.Context, factID int64, now string) error {
	return e.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		var project string
		if err := tx.QueryRow(`SELECT project FROM facts WHERE id = ?`, factID).Scan(&project); err != nil {
			return err
		}
		score, err := recomputeWeightedScore(tx, factID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE facts SET consensus_score = ?, updated_at = ? WHERE id = ?`, score, now, factID); err != nil {
			return err
		}
		return e.resolveIfThresholdCrossed(tx, project, factID, score, now)
	})
}

// TrustEdges returns every trust edge originating from sourceAgent.
func (e *Engine) TrustEdges(ctx context.Context, sourceAgent string) ([]TrustEdge, error) {
	var edges []TrustEdge
	err := e.pool.WithConnection(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT source_agent, target_agent, weight FROM trust_edges WHERE source_agent = ?`, sourceAgent)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e TrustEdge
			if err := rows.Scan(&e.Source, &e.Target, &e.Weight); err != nil {
				return err
			}
			edges = append(edges, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("consensus: trust edges: %w", err)
	}
	return edges, nil
}
