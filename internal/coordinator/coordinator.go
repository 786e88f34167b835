// Package coordinator is the composition root (C12): it owns the
// storage pool and wires together the fact repository, ledger,
// consensus engine, graph index, and search engine behind the single
// public operation surface the rest of the system calls through. It
// also owns the query cache, write-batching window, circuit breaker
// around the embedder/extractor collaborators, and local metrics.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cortexmemory/cortex/internal/canon"
	"github.com/cortexmemory/cortex/internal/consensus"
	"github.com/cortexmemory/cortex/internal/cortexerr"
	"github.com/cortexmemory/cortex/internal/facts"
	"github.com/cortexmemory/cortex/internal/graph"
	"github.com/cortexmemory/cortex/internal/ledger"
	"github.com/cortexmemory/cortex/internal/lexical"
	"github.com/cortexmemory/cortex/internal/logging"
	"github.com/cortexmemory/cortex/internal/search"
	"github.com/cortexmemory/cortex/internal/store"
	"github.com/cortexmemory/cortex/internal/temporal"
	"github.com/cortexmemory/cortex/internal/vecidx"
	"github.com/cortexmemory/cortex/pkg/config"
)

var log = logging.GetLogger("coordinator")

// Embedder and Extractor are the collaborators the circuit breaker
// guards. They mirror the contracts internal/facts and internal/search
// already depend on, redeclared here so this package doesn't force
// callers to import those packages just to satisfy an interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Extractor = graph.Extractor

// Engine is the single entry point embedding applications call through.
type Engine struct {
	cfg        *config.Config
	pool       *store.Pool
	ledger     *ledger.Ledger
	facts      *facts.Repository
	consensus  *consensus.Engine
	graph      *graph.Index
	search     *search.Engine
	cache      *lruCache
	batcher    *writeBatcher
	breaker    *circuitBreaker
	metrics    *metrics
	clock      temporal.Clock
}

// guardedEmbedder wraps an Embedder with the coordinator's circuit
// breaker: a tripped breaker fails fast (so facts.Repository's
// best-effort embedding path logs and moves on) rather than blocking
// on a collaborator that's known to be down.
type guardedEmbedder struct {
	inner   Embedder
	breaker *circuitBreaker
	metrics *metrics
}

func (g *guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if !g.breaker.Allow() {
		return nil, cortexerr.New(cortexerr.ExternalUnavailable, "embedder circuit open")
	}
	vec, err := g.inner.Embed(ctx, text)
	if err != nil {
		g.breaker.RecordFailure(time.Now())
		if g.breaker.State() == "open" {
			g.metrics.recordCircuitTrip(ctx, "embedder")
		}
		return nil, err
	}
	g.breaker.RecordSuccess()
	return vec, nil
}

type guardedExtractor struct {
	inner   Extractor
	breaker *circuitBreaker
	metrics *metrics
}

func (g *guardedExtractor) Extract(ctx context.Context, text, project, ts string) ([]graph.Entity, []graph.Relation, error) {
	if !g.breaker.Allow() {
		return nil, nil, cortexerr.New(cortexerr.ExternalUnavailable, "extractor circuit open")
	}
	entities, relations, err := g.inner.Extract(ctx, text, project, ts)
	if err != nil {
		g.breaker.RecordFailure(time.Now())
		if g.breaker.State() == "open" {
			g.metrics.recordCircuitTrip(ctx, "extractor")
		}
		return nil, nil, err
	}
	g.breaker.RecordSuccess()
	return entities, relations, nil
}

// Open initializes the database at cfg.Database.Path, runs schema
// migrations, and returns a ready Engine wiring every component.
// embedder/extractor may be nil (no semantic indexing or entity
// extraction configured); each gets its own independent circuit
// breaker so a failing embedder never blocks extraction or vice versa.
func Open(ctx context.Context, cfg *config.Config, embedder Embedder, extractor Extractor) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator: invalid config: %w", err)
	}

	pool, err := store.Open(cfg.Database.Path, cfg.Database.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open store: %w", err)
	}
	if err := pool.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("coordinator: init schema: %w", err)
	}

	l := ledger.New(pool, cfg.Ledger.MerkleBatchSize)
	vectors := vecidx.New(pool, embedder != nil && cfg.Database.AutoEmbed)
	lex := lexical.New(pool)
	g := graph.New(pool)

	embedBreaker := newCircuitBreaker(cfg.Circuit.FailureThreshold, time.Duration(cfg.Circuit.CooldownSeconds)*time.Second)
	extractBreaker := newCircuitBreaker(cfg.Circuit.FailureThreshold, time.Duration(cfg.Circuit.CooldownSeconds)*time.Second)

	m, err := newMetrics()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("coordinator: init metrics: %w", err)
	}

	var wrappedEmbedder facts.Embedder
	if embedder != nil {
		wrappedEmbedder = &guardedEmbedder{inner: embedder, breaker: embedBreaker, metrics: m}
	}
	var wrappedExtractor graph.Extractor
	if extractor != nil {
		wrappedExtractor = &guardedExtractor{inner: extractor, breaker: extractBreaker, metrics: m}
	}

	clock := temporal.SystemClock{}
	repo := facts.New(pool, l, vectors, g, wrappedEmbedder, wrappedExtractor, clock)
	consensusEngine := consensus.New(pool, l, consensus.Thresholds{
		Verified:     cfg.Consensus.VerifiedThreshold,
		Disputed:     cfg.Consensus.DisputedThreshold,
		LearningRate: cfg.Consensus.ReputationLearningRate,
	})

	var searchEmbedder search.Embedder
	if embedder != nil {
		searchEmbedder = &guardedEmbedder{inner: embedder, breaker: embedBreaker, metrics: m}
	}
	searchEngine := search.New(pool, vectors, lex, searchEmbedder, search.DefaultWeights())

	batcher := newWriteBatcher(repo, time.Duration(cfg.Batch.FlushMS)*time.Millisecond, cfg.Batch.MaxOps)

	log.Info("engine opened", "path", cfg.Database.Path, "schema_ready", true)
	return &Engine{
		cfg:       cfg,
		pool:      pool,
		ledger:    l,
		facts:     repo,
		consensus: consensusEngine,
		graph:     g,
		search:    searchEngine,
		cache:     newLRUCache(cfg.Cache.SizeSearch),
		batcher:   batcher,
		breaker:   embedBreaker,
		metrics:   m,
		clock:     clock,
	}, nil
}

// Close flushes the write batcher, shuts down metrics, and closes the
// underlying database handle. Safe to call once.
func (e *Engine) Close() error {
	e.batcher.Close()
	_ = e.metrics.shutdown(context.Background())
	log.Info("engine closed", "path", e.cfg.Database.Path)
	return e.pool.Close()
}

// Store records one fact through the write-batching window.
func (e *Engine) Store(ctx context.Context, in facts.StoreInput) (id int64, err error) {
	defer func() { e.metrics.recordOp(ctx, "store", err) }()
	id, err = e.batcher.Store(ctx, in)
	if err == nil {
		e.cache.InvalidateProject(in.Project)
	}
	return id, err
}

// StoreMany records a batch of facts in one transaction, bypassing the
// write-batching window (the caller has already formed its own batch).
func (e *Engine) StoreMany(ctx context.Context, inputs []facts.StoreInput) (ids []int64, err error) {
	defer func() { e.metrics.recordOp(ctx, "store_many", err) }()
	ids, err = e.facts.StoreMany(ctx, inputs)
	if err == nil {
		for _, in := range inputs {
			e.cache.InvalidateProject(in.Project)
		}
	}
	return ids, err
}

// Update revises a fact, invalidating cached queries for its project.
func (e *Engine) Update(ctx context.Context, factID int64, in facts.UpdateInput, project string) (newID int64, err error) {
	defer func() { e.metrics.recordOp(ctx, "update", err) }()
	newID, err = e.facts.Update(ctx, factID, in)
	if err == nil {
		e.cache.InvalidateProject(project)
	}
	return newID, err
}

// Deprecate marks a fact inactive, invalidating cached queries for its project.
func (e *Engine) Deprecate(ctx context.Context, factID int64, reason, project string) (changed bool, err error) {
	defer func() { e.metrics.recordOp(ctx, "deprecate", err) }()
	changed, err = e.facts.Deprecate(ctx, factID, reason)
	if err == nil && changed {
		e.cache.InvalidateProject(project)
	}
	return changed, err
}

// Recall returns cached or freshly-ranked active facts for project.
func (e *Engine) Recall(ctx context.Context, project string, limit, offset int) (result []facts.Fact, err error) {
	defer func() { e.metrics.recordOp(ctx, "recall", err) }()
	key := fingerprint("recall", project, limit, offset)
	if cached, ok := e.cache.Get(key); ok {
		e.metrics.recordCacheHit(ctx, "recall")
		return cached.([]facts.Fact), nil
	}
	e.metrics.recordCacheMiss(ctx, "recall")

	result, err = e.facts.Recall(ctx, project, limit, offset)
	if err == nil {
		e.cache.Set(key, project, result)
	}
	return result, err
}

// History returns every fact for project, optionally as of a point in time.
func (e *Engine) History(ctx context.Context, project string, asOf *string) (result []facts.Fact, err error) {
	defer func() { e.metrics.recordOp(ctx, "history", err) }()
	return e.facts.History(ctx, project, asOf)
}

// Search runs a hybrid semantic/lexical query, caching results per
// unique query fingerprint and invalidating on any mutation to the
// project it was scoped to.
func (e *Engine) Search(ctx context.Context, q search.Query) (result []search.Result, err error) {
	defer func() { e.metrics.recordOp(ctx, "search", err) }()
	key := fingerprint("search", q.Text, q.Project, q.TopK, q.FactType, strings.Join(q.Tags, ","), derefString(q.AsOf))
	if cached, ok := e.cache.Get(key); ok {
		e.metrics.recordCacheHit(ctx, "search")
		return cached.([]search.Result), nil
	}
	e.metrics.recordCacheMiss(ctx, "search")

	result, err = e.search.Search(ctx, q)
	if err == nil {
		e.cache.Set(key, q.Project, result)
	}
	return result, err
}

// Vote records a weighted consensus vote on a fact.
func (e *Engine) Vote(ctx context.Context, factID int64, agentID string, value int, reason, project string) (score float64, err error) {
	defer func() { e.metrics.recordOp(ctx, "vote", err) }()
	score, err = e.consensus.Vote(ctx, factID, agentID, value, reason, e.clock.Now())
	if err == nil {
		e.cache.InvalidateProject(project)
	}
	return score, err
}

// VoteLegacy records an unweighted legacy-format vote on a fact.
func (e *Engine) VoteLegacy(ctx context.Context, factID int64, agentName string, value int, reason, project string) (score float64, err error) {
	defer func() { e.metrics.recordOp(ctx, "vote_legacy", err) }()
	score, err = e.consensus.VoteLegacy(ctx, factID, agentName, value, reason, e.clock.Now())
	if err == nil {
		e.cache.InvalidateProject(project)
	}
	return score, err
}

// RegisterAgent registers a new consensus-voting agent.
func (e *Engine) RegisterAgent(ctx context.Context, name, agentType, publicKey, tenant string) (id string, err error) {
	defer func() { e.metrics.recordOp(ctx, "register_agent", err) }()
	return e.consensus.RegisterAgent(ctx, name, agentType, publicKey, tenant, e.clock.Now())
}

// SetTrust upserts a directed trust edge between two agents.
func (e *Engine) SetTrust(ctx context.Context, source, target string, weight float64) (err error) {
	defer func() { e.metrics.recordOp(ctx, "set_trust", err) }()
	return e.consensus.SetTrust(ctx, source, target, weight, e.clock.Now())
}

// TrustEdges returns every trust edge originating from source.
func (e *Engine) TrustEdges(ctx context.Context, source string) ([]consensus.TrustEdge, error) {
	return e.consensus.TrustEdges(ctx, source)
}

// RecomputeAllScores re-derives every voted fact's consensus_score from
// current agent reputations and clears the whole query cache, since a
// reputation change can shift any number of facts across a confidence
// threshold.
func (e *Engine) RecomputeAllScores(ctx context.Context) (processed int64, err error) {
	defer func() { e.metrics.recordOp(ctx, "recompute_all_scores", err) }()
	processed, err = e.consensus.RecomputeAllScores(ctx, e.clock.Now())
	if err == nil {
		e.cache = newLRUCache(e.cfg.Cache.SizeSearch)
	}
	return processed, err
}

// Entity looks up a single graph entity by name within a project.
func (e *Engine) Entity(ctx context.Context, project, name string) (*graph.EntityRecord, error) {
	return e.graph.Entity(ctx, project, name)
}

// Subgraph returns up to limit entities and their relations for a project.
func (e *Engine) Subgraph(ctx context.Context, project string, limit int) (*graph.Subgraph, error) {
	return e.graph.Subgraph(ctx, project, limit)
}

// VerifyLedger walks the entire hash chain and every Merkle checkpoint.
func (e *Engine) VerifyLedger(ctx context.Context) (ledger.VerifyResult, error) {
	return e.ledger.Verify(ctx)
}

// ExportLedger writes every ledger entry from startID onward to path as
// a single canonical {meta, entries} document and records the export
// in the audit trail, returning the resulting
// {path, file_hash, merkle_root, count}.
func (e *Engine) ExportLedger(ctx context.Context, path string, startID int64) (ledger.ExportResult, error) {
	result, err := e.ledger.Export(ctx, path, startID, 0, e.clock.Now())
	if err != nil {
		return ledger.ExportResult{}, fmt.Errorf("coordinator: export ledger: %w", err)
	}
	return result, nil
}

// Stats reports row counts, schema version, cache occupancy, and
// circuit breaker state.
type Stats struct {
	store.Stats
	CacheEntries  int
	CircuitState  string
}

// Stats summarizes the engine's current state.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	s, err := e.pool.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: s, CacheEntries: e.cache.Len(), CircuitState: e.breaker.State()}, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// fingerprint builds a deterministic cache key from a set of query
// arguments, the same canonical-encoding discipline the ledger uses for
// its hash chain so that argument order and formatting never produce
// two different keys for the same logical query.
func fingerprint(parts ...any) string {
	sum := sha256.Sum256(canon.Encode(parts))
	return hex.EncodeToString(sum[:])
}
