// Package facts implements the fact repository (C7): the record model
// and the store/store_many/update/deprecate/recall/history operations.
// Every mutation here also appends exactly one ledger entry (C8) inside
// the same transaction as the row write; embedding (C5) and entity
// extraction (C11) happen afterward, outside the transaction, since
// both are best-effort collaborator calls that must not hold a database
// connection across a suspension point.
package facts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cortexmemory/cortex/internal/cortexerr"
	"github.com/cortexmemory/cortex/internal/graph"
	"github.com/cortexmemory/cortex/internal/ledger"
	"github.com/cortexmemory/cortex/internal/logging"
	"github.com/cortexmemory/cortex/internal/store"
	"github.com/cortexmemory/cortex/internal/temporal"
	"github.com/cortexmemory/cortex/internal/vecidx"
)

var log = logging.GetLogger("facts")

// Fact is a single record, active or deprecated.
type Fact struct {
	ID             int64
	Project        string
	Content        string
	FactType       string
	Tags           []string
	Confidence     string
	ValidFrom      string
	ValidUntil     *string
	Source         *string
	Meta           map[string]any
	ConsensusScore float64
	CreatedAt      string
	UpdatedAt      string
}

// Active reports whether the fact currently holds (valid_until is unset).
func (f *Fact) Active() bool { return f.ValidUntil == nil }

// Embedder turns text into a fixed-dimension vector. Pluggable; the
// repository tolerates its absence and any call failure entirely.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Repository is the fact store's mutation and query surface.
type Repository struct {
	pool      *store.Pool
	ledger    *ledger.Ledger
	vectors   *vecidx.Index
	graph     *graph.Index
	embedder  Embedder
	extractor graph.Extractor
	clock     temporal.Clock
}

// New returns a Repository. embedder and extractor may be nil, in which
// case embedding and extraction are simply skipped.
func New(pool *store.Pool, l *ledger.Ledger, vectors *vecidx.Index, g *graph.Index, embedder Embedder, extractor graph.Extractor, clock temporal.Clock) *Repository {
	if clock == nil {
		clock = temporal.SystemClock{}
	}
	return &Repository{pool: pool, ledger: l, vectors: vectors, graph: g, embedder: embedder, extractor: extractor, clock: clock}
}

// StoreInput is the argument set for Store and StoreMany.
type StoreInput struct {
	Project    string
	Content    string
	FactType   string
	Tags       []string
	Confidence string
	Source     *string
	Meta       map[string]any
	ValidFrom  string // optional; defaults to now
}

func (in *StoreInput) normalize(now string) error {
	in.Project = strings.TrimSpace(in.Project)
	in.Content = strings.TrimSpace(in.Content)
	if in.Project == "" || in.Content == "" {
		return cortexerr.Invalid("project and content must be non-empty")
	}
	if in.FactType == "" {
		in.FactType = "knowledge"
	}
	if !store.IsKnownFactType(in.FactType) {
		log.Warn("unrecognized fact_type stored verbatim", "fact_type", in.FactType)
	}
	if in.Confidence == "" {
		in.Confidence = "stated"
	}
	if !store.IsValidConfidence(in.Confidence) {
		return cortexerr.Invalid("unrecognized confidence level %q", in.Confidence)
	}
	if in.Tags == nil {
		in.Tags = []string{}
	}
	if in.Meta == nil {
		in.Meta = map[string]any{}
	}
	if in.ValidFrom == "" {
		in.ValidFrom = now
	}
	return nil
}

// Store inserts one fact, appends a ledger entry, and (best-effort,
// after the transaction commits) embeds its content and extracts
// entities/relations.
func (r *Repository) Store(ctx context.Context, in StoreInput) (int64, error) {
	ids, err := r.StoreMany(ctx, []StoreInput{in})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// StoreMany inserts every fact in one atomic transaction — all commit or
// none do — appending one ledger entry per fact in insertion order.
// Embedding and extraction for the whole batch happen afterward.
func (r *Repository) StoreMany(ctx context.Context, inputs []StoreInput) ([]int64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	now := r.clock.Now()
	for i := range inputs {
		if err := inputs[i].normalize(now); err != nil {
			return nil, err
		}
	}

	ids := make([]int64, len(inputs))
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		for i, in := range inputs {
			id, err := insertFactRow(tx, in, now)
			if err != nil {
				return fmt.Errorf("facts: insert: %w", err)
			}
			ids[i] = id

			if _, err := r.ledger.Append(tx, in.Project, "store", map[string]any{
				"fact_id": id, "fact_type": in.FactType,
			}, now); err != nil {
				return fmt.Errorf("facts: ledger append: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, in := range inputs {
		r.embedAndExtract(ctx, ids[i], in.Project, in.Content, now)
	}
	return ids, nil
}

func insertFactRow(tx *sql.Tx, in StoreInput, now string) (int64, error) {
	tagsJSON, err := json.Marshal(in.Tags)
	if err != nil {
		return 0, err
	}
	metaJSON, err := json.Marshal(in.Meta)
	if err != nil {
		return 0, err
	}
	res, err := tx.Exec(`
		INSERT INTO facts (project, content, fact_type, tags, confidence, valid_from, source, meta, consensus_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1.0, ?, ?)`,
		in.Project, in.Content, in.FactType, string(tagsJSON), in.Confidence, in.ValidFrom, nullable(in.Source), string(metaJSON), now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// embedAndExtract runs the embedder and extractor outside any database
// transaction (per the concurrency model's suspension-point rule) and
// logs, rather than fails, on error.
func (r *Repository) embedAndExtract(ctx context.Context, factID int64, project, content, now string) {
	if r.embedder != nil && r.vectors != nil && r.vectors.Enabled() {
		vec, err := r.embedder.Embed(ctx, content)
		if err != nil {
			log.Warn("embedding failed, fact stored without vector", "fact_id", factID, "error", err)
		} else if err := r.vectors.Upsert(ctx, factID, vec, now); err != nil {
			log.Warn("embedding upsert failed", "fact_id", factID, "error", err)
		}
	}

	if r.extractor != nil && r.graph != nil {
		entities, relations, err := r.extractor.Extract(ctx, content, project, now)
		if err != nil {
			log.Warn("entity extraction failed", "fact_id", factID, "error", err)
		} else if err := r.graph.Apply(ctx, project, factID, entities, relations, now); err != nil {
			log.Warn("graph apply failed", "fact_id", factID, "error", err)
		}
	}
}

// UpdateInput carries the optional fields update() may change.
type UpdateInput struct {
	Content *string
	Tags    []string
	Meta    map[string]any
}

// Update creates a new fact with merged fields and deprecates the prior
// one, atomically. Two ledger entries are appended in order: a
// deprecate entry for the prior fact, then an update entry for the new
// one — keeping the action taxonomy's separate "deprecate" and
// "update" kinds.
func (r *Repository) Update(ctx context.Context, factID int64, in UpdateInput) (int64, error) {
	now := r.clock.Now()
	var newID int64
	var project, content string

	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		old, err := loadFactForUpdate(tx, factID)
		if err != nil {
			return err
		}
		if old == nil || !old.Active() {
			return cortexerr.NotFoundf("fact %d is missing or inactive", factID)
		}

		newContent := old.Content
		if in.Content != nil {
			newContent = strings.TrimSpace(*in.Content)
			if newContent == "" {
				return cortexerr.Invalid("content must be non-empty")
			}
		}
		newTags := old.Tags
		if in.Tags != nil {
			newTags = in.Tags
		}
		newMeta := map[string]any{}
		for k, v := range old.Meta {
			newMeta[k] = v
		}
		for k, v := range in.Meta {
			newMeta[k] = v
		}
		newMeta["previous_fact_id"] = factID

		tagsJSON, err := json.Marshal(newTags)
		if err != nil {
			return err
		}
		metaJSON, err := json.Marshal(newMeta)
		if err != nil {
			return err
		}

		res, err := tx.Exec(`
			INSERT INTO facts (project, content, fact_type, tags, confidence, valid_from, source, meta, consensus_score, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1.0, ?, ?)`,
			old.Project, newContent, old.FactType, string(tagsJSON), old.Confidence, now, nullable(old.Source), string(metaJSON), now, now,
		)
		if err != nil {
			return err
		}
		newID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		project = old.Project
		content = newContent

		if _, err := tx.Exec(`UPDATE facts SET valid_until = ?, updated_at = ? WHERE id = ?`, now, now, factID); err != nil {
			return err
		}

		if _, err := r.ledger.Append(tx, old.Project, "deprecate", map[string]any{
			"fact_id": factID, "reason": fmt.Sprintf("updated_by_%d", newID),
		}, now); err != nil {
			return err
		}
		_, err = r.ledger.Append(tx, old.Project, "update", map[string]any{
			"fact_id": newID, "previous_fact_id": factID,
		}, now)
		return err
	})
	if err != nil {
		return 0, err
	}

	r.embedAndExtract(ctx, newID, project, content, now)
	return newID, nil
}

type factForUpdate struct {
	Fact
}

func loadFactForUpdate(tx *sql.Tx, id int64) (*factForUpdate, error) {
	var f factForUpdate
	var validUntil sql.NullString
	var source sql.NullString
	var tagsJSON, metaJSON string
	err := tx.QueryRow(`
		SELECT project, content, fact_type, tags, confidence, valid_from, valid_until, source, meta
		FROM facts WHERE id = ?`, id).
		Scan(&f.Project, &f.Content, &f.FactType, &tagsJSON, &f.Confidence, &f.ValidFrom, &validUntil, &source, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if validUntil.Valid {
		f.ValidUntil = &validUntil.String
	}
	if source.Valid {
		f.Source = &source.String
	}
	if err := json.Unmarshal([]byte(tagsJSON), &f.Tags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &f.Meta); err != nil {
		return nil, err
	}
	return &f, nil
}

// Deprecate marks factID inactive. Idempotent: returns false without
// appending a ledger entry if the fact was already deprecated.
func (r *Repository) Deprecate(ctx context.Context, factID int64, reason string) (bool, error) {
	now := r.clock.Now()
	var changed bool
	var project string
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		var validUntil sql.NullString
		err := tx.QueryRow(`SELECT project, valid_until FROM facts WHERE id = ?`, factID).Scan(&project, &validUntil)
		if err == sql.ErrNoRows {
			return cortexerr.NotFoundf("fact %d not found", factID)
		}
		if err != nil {
			return err
		}
		if validUntil.Valid {
			return nil // already deprecated; idempotent no-op
		}

		if _, err := tx.Exec(`UPDATE facts SET valid_until = ?, updated_at = ? WHERE id = ?`, now, now, factID); err != nil {
			return err
		}
		if _, err := r.ledger.Append(tx, project, "deprecate", map[string]any{
			"fact_id": factID, "reason": reason,
		}, now); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// Recall returns active facts for project ranked by a composite key:
// 0.8*consensus_score + 0.2*(1/(1+days_since_created)), then fact_type,
// then created_at descending, with ascending fact id as the final,
// fully deterministic tie-break.
func (r *Repository) Recall(ctx context.Context, project string, limit, offset int) ([]Fact, error) {
	if limit <= 0 {
		limit = 20
	}
	now := r.clock.Now()

	all, err := r.queryFacts(ctx, `
		SELECT id, project, content, fact_type, tags, confidence, valid_from, valid_until, source, meta, consensus_score, created_at, updated_at
		FROM facts WHERE project = ? AND valid_until IS NULL`, project)
	if err != nil {
		return nil, err
	}

	type scored struct {
		fact  Fact
		score float64
	}
	ranked := make([]scored, len(all))
	for i, f := range all {
		recency := 1.0 / (1.0 + temporal.DaysSince(f.CreatedAt, now))
		ranked[i] = scored{fact: f, score: 0.8*f.ConsensusScore + 0.2*recency}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].fact.FactType != ranked[j].fact.FactType {
			return ranked[i].fact.FactType < ranked[j].fact.FactType
		}
		if ranked[i].fact.CreatedAt != ranked[j].fact.CreatedAt {
			return ranked[i].fact.CreatedAt > ranked[j].fact.CreatedAt
		}
		return ranked[i].fact.ID < ranked[j].fact.ID
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(ranked) {
		return []Fact{}, nil
	}
	end := offset + limit
	if end > len(ranked) {
		end = len(ranked)
	}

	out := make([]Fact, 0, end-offset)
	for _, s := range ranked[offset:end] {
		out = append(out, s.fact)
	}
	return out, nil
}

// History returns every fact for project over time. Without asOf, all
// facts (active and deprecated) are returned ordered by valid_from
// descending. With asOf, only facts satisfying the point-in-time
// predicate at that instant are returned.
func (r *Repository) History(ctx context.Context, project string, asOf *string) ([]Fact, error) {
	base := `SELECT id, project, content, fact_type, tags, confidence, valid_from, valid_until, source, meta, consensus_score, created_at, updated_at FROM facts WHERE project = ?`
	args := []any{project}

	if asOf != nil {
		pred := temporal.AsOfPredicate(*asOf)
		fragment, predArgs := pred.SQL()
		base += " AND " + fragment
		args = append(args, predArgs...)
		base += " ORDER BY valid_from DESC, id ASC"
	} else {
		base += " ORDER BY valid_from DESC, id ASC"
	}

	return r.queryFacts(ctx, base, args...)
}

func (r *Repository) queryFacts(ctx context.Context, query string, args ...any) ([]Fact, error) {
	var out []Fact
	err := r.pool.WithConnection(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			f, err := scanFact(rows)
			if err != nil {
				return err
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("facts: query: %w", err)
	}
	return out, nil
}

func scanFact(rows *sql.Rows) (Fact, error) {
	var f Fact
	var validUntil, source sql.NullString
	var tagsJSON, metaJSON string
	err := rows.Scan(&f.ID, &f.Project, &f.Content, &f.FactType, &tagsJSON, &f.Confidence,
		&f.ValidFrom, &validUntil, &source, &metaJSON, &f.ConsensusScore, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return f, err
	}
	if validUntil.Valid {
		f.ValidUntil = &validUntil.String
	}
	if source.Valid {
		f.Source = &source.String
	}
	if err := json.Unmarshal([]byte(tagsJSON), &f.Tags); err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &f.Meta); err != nil {
		return f, err
	}
	return f, nil
}
