package store

// SchemaVersion is the current schema version. The baseline schema is
// recorded as version 1 in schema_version, and migration 9, the
// reputation-weighted consensus migration, brings it to 9.
const SchemaVersion = 9

// CoreSchema contains the main table definitions for the fact store.
const CoreSchema = `
PRAGMA foreign_keys = ON;

-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- =============================================================================
-- FACTS TABLE
-- Immutable-by-convention records with a temporal validity window.
-- =============================================================================
CREATE TABLE IF NOT EXISTS facts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project TEXT NOT NULL,
	content TEXT NOT NULL,
	fact_type TEXT NOT NULL DEFAULT 'knowledge',
	tags TEXT NOT NULL DEFAULT '[]',   -- JSON array of strings
	confidence TEXT NOT NULL DEFAULT 'stated' CHECK (
		confidence IN ('stated', 'inferred', 'observed', 'verified', 'disputed')
	),
	valid_from TEXT NOT NULL,
	valid_until TEXT,
	source TEXT,
	meta TEXT NOT NULL DEFAULT '{}',  -- JSON object
	consensus_score REAL NOT NULL DEFAULT 1.0 CHECK (consensus_score >= 0.0 AND consensus_score <= 2.0),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_project ON facts(project);
CREATE INDEX IF NOT EXISTS idx_facts_project_active ON facts(project, valid_until);
CREATE INDEX IF NOT EXISTS idx_facts_fact_type ON facts(fact_type);
CREATE INDEX IF NOT EXISTS idx_facts_created_at ON facts(created_at);
CREATE INDEX IF NOT EXISTS idx_facts_valid_from ON facts(valid_from);

-- =============================================================================
-- VECTOR EMBEDDINGS TABLE (C5)
-- One row per fact with a successfully computed embedding.
-- =============================================================================
CREATE TABLE IF NOT EXISTS vector_embeddings (
	fact_id INTEGER PRIMARY KEY,
	vector BLOB NOT NULL,
	dimension INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY (fact_id) REFERENCES facts(id) ON DELETE CASCADE
);

-- =============================================================================
-- ENTITIES / ENTITY RELATIONS (C11)
-- =============================================================================
CREATE TABLE IF NOT EXISTS entities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project TEXT NOT NULL,
	name TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT 'unknown',
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	mention_count INTEGER NOT NULL DEFAULT 0,
	meta TEXT NOT NULL DEFAULT '{}',
	UNIQUE(project, name)
);

CREATE INDEX IF NOT EXISTS idx_entities_project ON entities(project);

CREATE TABLE IF NOT EXISTS entity_relations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_entity_id INTEGER NOT NULL,
	target_entity_id INTEGER NOT NULL,
	relation_type TEXT NOT NULL,
	weight REAL NOT NULL DEFAULT 1.0,
	first_seen TEXT NOT NULL,
	source_fact_id INTEGER NOT NULL,
	FOREIGN KEY (source_entity_id) REFERENCES entities(id) ON DELETE CASCADE,
	FOREIGN KEY (target_entity_id) REFERENCES entities(id) ON DELETE CASCADE,
	FOREIGN KEY (source_fact_id) REFERENCES facts(id) ON DELETE CASCADE,
	UNIQUE(source_entity_id, target_entity_id, relation_type)
);

CREATE INDEX IF NOT EXISTS idx_entity_relations_source ON entity_relations(source_entity_id);
CREATE INDEX IF NOT EXISTS idx_entity_relations_target ON entity_relations(target_entity_id);

-- =============================================================================
-- LEDGER (C8)
-- =============================================================================
CREATE TABLE IF NOT EXISTS ledger_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '{}',
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_project ON ledger_entries(project);

CREATE TABLE IF NOT EXISTS merkle_checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	root_hash TEXT NOT NULL,
	start_tx_id INTEGER NOT NULL,
	end_tx_id INTEGER NOT NULL,
	tx_count INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_merkle_checkpoints_range ON merkle_checkpoints(start_tx_id, end_tx_id);

CREATE TABLE IF NOT EXISTS audit_exports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	path TEXT NOT NULL,
	file_hash TEXT NOT NULL,
	start_id INTEGER NOT NULL,
	end_id INTEGER NOT NULL,
	merkle_root TEXT,
	exported_at TEXT NOT NULL
);

-- =============================================================================
-- LEGACY CONSENSUS
-- Unweighted voting table. Superseded by the reputation-weighted tables
-- added in migration 9 (see migrations.go); kept as a compatibility
-- shim for legacy unweighted votes.
-- =============================================================================
CREATE TABLE IF NOT EXISTS legacy_votes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fact_id INTEGER NOT NULL,
	agent_name TEXT NOT NULL,
	value INTEGER NOT NULL CHECK (value IN (-1, 0, 1)),
	created_at TEXT NOT NULL,
	reason TEXT,
	FOREIGN KEY (fact_id) REFERENCES facts(id) ON DELETE CASCADE,
	UNIQUE(fact_id, agent_name)
);
`

// FTSSchema contains the full-text search configuration (C6).
// Standalone FTS5 table (not external-content) for reliable sync via triggers.
const FTSSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
	id UNINDEXED,
	project UNINDEXED,
	content,
	tags,
	fact_type UNINDEXED
);

CREATE TRIGGER IF NOT EXISTS facts_fts_insert AFTER INSERT ON facts BEGIN
	INSERT INTO facts_fts(id, project, content, tags, fact_type)
	VALUES (new.id, new.project, new.content, new.tags, new.fact_type);
END;

CREATE TRIGGER IF NOT EXISTS facts_fts_delete AFTER DELETE ON facts BEGIN
	DELETE FROM facts_fts WHERE id = old.id;
END;

CREATE TRIGGER IF NOT EXISTS facts_fts_update AFTER UPDATE ON facts BEGIN
	UPDATE facts_fts SET
		project = new.project,
		content = new.content,
		tags = new.tags,
		fact_type = new.fact_type
	WHERE id = old.id;
END;
`

// FactTypes lists the built-in, non-exhaustive fact_type enumeration.
// Unknown values are stored verbatim but flagged — this list is advisory,
// not a CHECK constraint, because the enumeration is explicitly open.
var FactTypes = []string{
	"knowledge", "decision", "error", "ghost", "config", "bridge", "axiom", "rule",
}

// IsKnownFactType reports whether t is one of the recognized fact types.
func IsKnownFactType(t string) bool {
	for _, ft := range FactTypes {
		if ft == t {
			return true
		}
	}
	return false
}

// ConfidenceLevels lists the closed confidence enumeration.
var ConfidenceLevels = []string{"stated", "inferred", "observed", "verified", "disputed"}

// IsValidConfidence reports whether c is a recognized confidence level.
func IsValidConfidence(c string) bool {
	for _, cl := range ConfidenceLevels {
		if cl == c {
			return true
		}
	}
	return false
}

// AgentTypes lists the closed agent_type enumeration.
var AgentTypes = []string{"ai", "human", "oracle", "system", "legacy"}

// IsValidAgentType reports whether t is a recognized agent type.
func IsValidAgentType(t string) bool {
	for _, at := range AgentTypes {
		if at == t {
			return true
		}
	}
	return false
}
