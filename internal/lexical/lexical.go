// Package lexical implements the full-text index (C6): queries over the
// facts_fts virtual table that internal/store's schema keeps in sync
// via triggers, with BM25 ranking normalized into a [0,1] relevance
// score comparable to the embedding index's cosine similarity.
package lexical

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cortexmemory/cortex/internal/store"
)

// Filters narrows a lexical search to a project and/or fact type.
// Project is required by callers that want tenant isolation; empty
// means "all projects" (used only by index-wide maintenance, never by
// the public search surface).
type Filters struct {
	Project  string
	FactType string
	Tags     []string
}

// Result is a single lexical match.
type Result struct {
	FactID  int64
	Project string
	Score   float64 // normalized relevance, higher is better
}

// Index wraps FTS5 queries over the facts_fts virtual table.
type Index struct {
	pool *store.Pool
}

// New returns a lexical Index backed by pool.
func New(pool *store.Pool) *Index {
	return &Index{pool: pool}
}

// Search runs query against the full-text index, returning up to topK
// matches ordered by descending relevance, ties broken by ascending
// fact id.
func (idx *Index) Search(ctx context.Context, query string, f Filters, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	matchQuery := escapeFTS5Query(query)
	if matchQuery == "" {
		return nil, nil
	}

	var conds []string
	var args []any
	args = append(args, matchQuery)

	if f.Project != "" {
		conds = append(conds, "f.project = ?")
		args = append(args, f.Project)
	}
	if f.FactType != "" {
		conds = append(conds, "f.fact_type = ?")
		args = append(args, f.FactType)
	}
	for _, tag := range f.Tags {
		conds = append(conds, "f.tags LIKE ?")
		args = append(args, "%\""+tag+"\"%")
	}

	where := ""
	if len(conds) > 0 {
		where = " AND " + strings.Join(conds, " AND ")
	}
	args = append(args, topK)

	query2 := fmt.Sprintf(`
		SELECT f.id, f.project, bm25(facts_fts) AS rank
		FROM facts_fts
		JOIN facts f ON f.id = facts_fts.id
		WHERE facts_fts MATCH ?%s
		ORDER BY rank ASC, f.id ASC
		LIMIT ?`, where)

	var results []Result
	err := idx.pool.WithConnection(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query2, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r Result
			var bm25 float64
			if err := rows.Scan(&r.FactID, &r.Project, &bm25); err != nil {
				return err
			}
			r.Score = normalizeBM25(bm25)
			results = append(results, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("lexical: search: %w", err)
	}
	return results, nil
}

// normalizeBM25 maps FTS5's bm25() output (lower is better, typically
// negative) onto a [0,1] relevance score where higher is better.
func normalizeBM25(bm25 float64) float64 {
	// bm25() returns values in (-inf, 0], more negative meaning a
	// better match. 1/(1-bm25) keeps the mapping monotonic and bounded
	// without needing the corpus-wide max score.
	if bm25 > 0 {
		bm25 = 0
	}
	return 1.0 / (1.0 - bm25)
}

// escapeFTS5Query guards against FTS5 query-syntax characters in
// free-text user input by quoting each token individually and joining
// with AND, so punctuation in content never becomes an operator.
func escapeFTS5Query(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, tok := range fields {
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " AND ")
}
