// Package graph implements the entity/relation graph index (C11).
// Entity extraction itself is a pluggable collaborator (Extractor);
// this package owns the upsert/aggregate semantics and the subgraph
// and entity lookups over extracted mentions.
package graph

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cortexmemory/cortex/internal/logging"
	"github.com/cortexmemory/cortex/internal/store"
)

var log = logging.GetLogger("graph")

// Entity is a single extracted mention, prior to aggregation.
type Entity struct {
	Name string
	Type string
}

// Relation is a single extracted co-mention between two entities.
type Relation struct {
	SourceName string
	TargetName string
	Type       string
}

// Extractor is the pluggable entity/relation extraction collaborator
// extract(text, project, ts) -> (entities, relations). Failures
// are non-fatal to the caller — internal/facts logs and continues.
type Extractor interface {
	Extract(ctx context.Context, text, project, ts string) ([]Entity, []Relation, error)
}

// Index owns the entities/entity_relations tables.
type Index struct {
	pool *store.Pool
}

// New returns a graph Index backed by pool.
func New(pool *store.Pool) *Index {
	return &Index{pool: pool}
}

// Apply upserts every extracted entity (incrementing mention_count,
// refreshing last_seen) and every extracted relation (incrementing
// weight on repeat observation) for a single originating fact. Entities
// are keyed by (project, name); relations are keyed by
// (source_entity, target_entity, relation_type).
func (g *Index) Apply(ctx context.Context, project string, factID int64, entities []Entity, relations []Relation, ts string) error {
	if len(entities) == 0 && len(relations) == 0 {
		return nil
	}
	return g.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		ids := make(map[string]int64, len(entities))
		for _, e := range entities {
			id, err := upsertEntity(tx, project, e, ts)
			if err != nil {
				return fmt.Errorf("graph: upsert entity %q: %w", e.Name, err)
			}
			ids[e.Name] = id
		}

		for _, r := range relations {
			srcID, ok := ids[r.SourceName]
			if !ok {
				var err error
				srcID, err = upsertEntity(tx, project, Entity{Name: r.SourceName, Type: "unknown"}, ts)
				if err != nil {
					return err
				}
			}
			dstID, ok := ids[r.TargetName]
			if !ok {
				var err error
				dstID, err = upsertEntity(tx, project, Entity{Name: r.TargetName, Type: "unknown"}, ts)
				if err != nil {
					return err
				}
			}
			if err := upsertRelation(tx, srcID, dstID, r.Type, factID, ts); err != nil {
				return fmt.Errorf("graph: upsert relation %s->%s: %w", r.SourceName, r.TargetName, err)
			}
		}
		return nil
	})
}

func upsertEntity(tx *sql.Tx, project string, e Entity, ts string) (int64, error) {
	_, err := tx.Exec(`
		INSERT INTO entities (project, name, entity_type, first_seen, last_seen, mention_count, meta)
		VALUES (?, ?, ?, ?, ?, 1, '{}')
		ON CONFLICT(project, name) DO UPDATE SET
			last_seen = excluded.last_seen,
			mention_count = mention_count + 1`,
		project, e.Name, e.Type, ts, ts,
	)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := tx.QueryRow(`SELECT id FROM entities WHERE project = ? AND name = ?`, project, e.Name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func upsertRelation(tx *sql.Tx, sourceID, targetID int64, relType string, factID int64, ts string) error {
	_, err := tx.Exec(`
		INSERT INTO entity_relations (source_entity_id, target_entity_id, relation_type, weight, first_seen, source_fact_id)
		VALUES (?, ?, ?, 1.0, ?, ?)
		ON CONFLICT(source_entity_id, target_entity_id, relation_type) DO UPDATE SET
			weight = weight + 1.0`,
		sourceID, targetID, relType, ts, factID,
	)
	return err
}

// EntityRecord is a single entity row, as returned by lookups.
type EntityRecord struct {
	ID           int64
	Project      string
	Name         string
	Type         string
	FirstSeen    string
	LastSeen     string
	MentionCount int
}

// Entity looks up a single entity by (project, name).
func (g *Index) Entity(ctx context.Context, project, name string) (*EntityRecord, error) {
	var rec EntityRecord
	err := g.pool.WithConnection(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `
			SELECT id, project, name, entity_type, first_seen, last_seen, mention_count
			FROM entities WHERE project = ? AND name = ?`, project, name).
			Scan(&rec.ID, &rec.Project, &rec.Name, &rec.Type, &rec.FirstSeen, &rec.LastSeen, &rec.MentionCount)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("graph: lookup entity: %w", err)
	}
	return &rec, nil
}

// RelationEdge is a single directed, weighted relation in a subgraph.
type RelationEdge struct {
	SourceID int64
	TargetID int64
	Type     string
	Weight   float64
}

// Subgraph is a bounded slice of the entity graph for a project.
type Subgraph struct {
	Entities []EntityRecord
	Edges    []RelationEdge
}

// Subgraph returns up to limit entities for project (ordered by
// descending mention_count) and every relation between them.
func (g *Index) Subgraph(ctx context.Context, project string, limit int) (*Subgraph, error) {
	if limit <= 0 {
		limit = 50
	}
	sg := &Subgraph{}
	err := g.pool.WithConnection(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, project, name, entity_type, first_seen, last_seen, mention_count
			FROM entities WHERE project = ? ORDER BY mention_count DESC, id ASC LIMIT ?`, project, limit)
		if err != nil {
			return err
		}
		ids := make(map[int64]bool)
		for rows.Next() {
			var e EntityRecord
			if err := rows.Scan(&e.ID, &e.Project, &e.Name, &e.Type, &e.FirstSeen, &e.LastSeen, &e.MentionCount); err != nil {
				rows.Close()
				return err
			}
			sg.Entities = append(sg.Entities, e)
			ids[e.ID] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for id := range ids {
			erows, err := db.QueryContext(ctx, `
				SELECT source_entity_id, target_entity_id, relation_type, weight
				FROM entity_relations WHERE source_entity_id = ?`, id)
			if err != nil {
				return err
			}
			for erows.Next() {
				var e RelationEdge
				if err := erows.Scan(&e.SourceID, &e.TargetID, &e.Type, &e.Weight); err != nil {
					erows.Close()
					return err
				}
				if ids[e.TargetID] {
					sg.Edges = append(sg.Edges, e)
				}
			}
			if err := erows.Err(); err != nil {
				erows.Close()
				return err
			}
			erows.Close()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph: subgraph: %w", err)
	}
	return sg, nil
}
