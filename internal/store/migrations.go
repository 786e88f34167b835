package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cortexmemory/cortex/internal/logging"
)

var log = logging.GetLogger("store")

// migration9AddWeightedConsensus introduces the reputation-weighted
// consensus tables (agents, votes, consensus_outcomes, trust_edges) and
// backfills every row in legacy_votes into votes, registering a synthetic
// agent per distinct legacy agent_name at reputation 0.5.
func migration9AddWeightedConsensus(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			agent_type TEXT NOT NULL CHECK (agent_type IN ('ai', 'human', 'oracle', 'system', 'legacy')),
			public_key TEXT,
			tenant TEXT NOT NULL DEFAULT 'default',
			reputation_score REAL NOT NULL DEFAULT 0.5 CHECK (reputation_score >= 0.0 AND reputation_score <= 1.0),
			total_votes INTEGER NOT NULL DEFAULT 0,
			successful_votes INTEGER NOT NULL DEFAULT 0,
			disputed_votes INTEGER NOT NULL DEFAULT 0,
			last_active_at TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			is_verified BOOLEAN NOT NULL DEFAULT 0,
			meta TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant)`,
		`CREATE TABLE IF NOT EXISTS votes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fact_id INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			value INTEGER NOT NULL CHECK (value IN (-1, 0, 1)),
			weight REAL NOT NULL,
			rep_at_vote REAL NOT NULL,
			decay_factor REAL NOT NULL DEFAULT 1.0 CHECK (decay_factor > 0.0 AND decay_factor <= 1.0),
			created_at TEXT NOT NULL,
			reason TEXT,
			FOREIGN KEY (fact_id) REFERENCES facts(id) ON DELETE CASCADE,
			FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE,
			UNIQUE(fact_id, agent_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_votes_fact ON votes(fact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_votes_agent ON votes(agent_id)`,
		`CREATE TABLE IF NOT EXISTS consensus_outcomes (
			fact_id INTEGER PRIMARY KEY,
			final_state TEXT NOT NULL CHECK (final_state IN ('verified', 'disputed', 'undecided')),
			final_score REAL NOT NULL,
			resolved_at TEXT NOT NULL,
			total_votes INTEGER NOT NULL,
			unique_agents INTEGER NOT NULL,
			reputation_sum REAL NOT NULL,
			FOREIGN KEY (fact_id) REFERENCES facts(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS trust_edges (
			source_agent TEXT NOT NULL,
			target_agent TEXT NOT NULL,
			weight REAL NOT NULL CHECK (weight >= 0.0 AND weight <= 1.0),
			updated_at TEXT NOT NULL,
			PRIMARY KEY (source_agent, target_agent)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration 9: %w", err)
		}
	}

	return backfillLegacyVotes(tx)
}

// backfillLegacyVotes maps each distinct legacy_votes.agent_name into a
// synthetic agent (type "legacy", reputation 0.5) and copies its votes
// into the weighted votes table with weight = rep_at_vote = 0.5.
func backfillLegacyVotes(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT DISTINCT agent_name FROM legacy_votes`)
	if err != nil {
		return fmt.Errorf("backfill: list legacy agents: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("backfill: scan legacy agent: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("backfill: iterate legacy agents: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, name := range names {
		agentID := "legacy:" + name
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO agents (id, name, agent_type, tenant, reputation_score, last_active_at)
			 VALUES (?, ?, 'legacy', 'default', 0.5, ?)`,
			agentID, name, now,
		); err != nil {
			return fmt.Errorf("backfill: insert synthetic agent %q: %w", name, err)
		}

		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO votes (fact_id, agent_id, value, weight, rep_at_vote, decay_factor, created_at, reason)
			 SELECT fact_id, ?, value, 0.5, 0.5, 1.0, created_at, reason
			 FROM legacy_votes WHERE agent_name = ?`,
			agentID, name,
		); err != nil {
			return fmt.Errorf("backfill: copy votes for %q: %w", name, err)
		}
	}

	return nil
}

// migration is a single version-gated schema change, applied inside its
// own transaction. Migrations are forward-only; a failed migration rolls
// back and aborts startup.
type migration struct {
	version int
	apply   func(*sql.Tx) error
}

// migrations lists every migration above the initial (version 1) baseline
// embedded in CoreSchema, in ascending version order. Add future
// migrations here.
var migrations = []migration{
	{version: 9, apply: migration9AddWeightedConsensus},
}

// runMigrations applies every migration whose version exceeds the
// current schema_version, each inside its own transaction, in ascending
// order. A failed migration rolls back and the error aborts startup.
func runMigrations(db *sql.DB) error {
	current, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("runMigrations: read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		log.Info("migration applied", "version", m.version)
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := m.apply(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
		return fmt.Errorf("record schema_version: %w", err)
	}
	return tx.Commit()
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
