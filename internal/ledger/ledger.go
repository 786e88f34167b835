// Package ledger implements the hash-chained append-only audit log (C8):
// every fact mutation is recorded as one entry whose hash commits to the
// previous entry's hash, and batches of entries are periodically rolled
// up into Merkle checkpoints that support compact inclusion proofs.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cortexmemory/cortex/internal/canon"
	"github.com/cortexmemory/cortex/internal/logging"
	"github.com/cortexmemory/cortex/internal/store"
)

var log = logging.GetLogger("ledger")

// Genesis is the prev_hash value of the first entry ever appended.
const Genesis = "GENESIS"

// fieldSep separates canonically-encoded fields in the chain hash input.
// It is the ASCII unit separator. Each field is a canon-encoded JSON
// string literal, so the separator always sits outside the quotes, and
// canon escapes quotes and backslashes inside them; adversarial field
// content therefore cannot move a field boundary (the same
// boundary-ambiguity concern that motivates length-prefixing in
// hashPair below).
const fieldSep = "\x1f"

// Entry is a single ledger row.
type Entry struct {
	ID        int64
	Project   string
	Action    string
	Detail    map[string]any
	PrevHash  string
	Hash      string
	Timestamp string
}

// Ledger appends and verifies the hash chain for a single store.
type Ledger struct {
	pool            *store.Pool
	merkleBatchSize int
}

// New returns a Ledger backed by pool. merkleBatchSize is the number of
// entries per Merkle checkpoint; callers pass the configured
// value (default 1000).
func New(pool *store.Pool, merkleBatchSize int) *Ledger {
	if merkleBatchSize <= 0 {
		merkleBatchSize = 1000
	}
	return &Ledger{pool: pool, merkleBatchSize: merkleBatchSize}
}

// Append writes one entry within the caller's transaction, chaining it
// to the current tip of the ledger, and opportunistically rolls a
// Merkle checkpoint when the batch size is reached. Callers that mutate
// facts must call this inside the same transaction as the fact write so
// the two commit or roll back together (every mutation produces exactly
// one ledger entry).
func (l *Ledger) Append(tx *sql.Tx, project, action string, detail map[string]any, timestamp string) (int64, error) {
	prevHash, err := tipHash(tx)
	if err != nil {
		return 0, fmt.Errorf("ledger: read tip: %w", err)
	}

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return 0, fmt.Errorf("ledger: marshal detail: %w", err)
	}

	hash := chainHash(prevHash, project, action, string(detailJSON), timestamp)

	res, err := tx.Exec(`
		INSERT INTO ledger_entries (project, action, detail, prev_hash, hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		project, action, string(detailJSON), prevHash, hash, timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := l.maybeCheckpoint(tx, timestamp); err != nil {
		return 0, fmt.Errorf("ledger: checkpoint: %w", err)
	}
	log.LogMutation(project, action, id)
	return id, nil
}

func tipHash(tx *sql.Tx) (string, error) {
	var hash string
	err := tx.QueryRow(`SELECT hash FROM ledger_entries ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return Genesis, nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// chainHash computes H(canonical(prev_hash‖project‖action‖detail‖timestamp)).
func chainHash(prevHash, project, action, detailJSON, timestamp string) string {
	input := canon.EncodeString(prevHash) + fieldSep +
		canon.EncodeString(project) + fieldSep +
		canon.EncodeString(action) + fieldSep +
		canon.EncodeString(detailJSON) + fieldSep +
		canon.EncodeString(timestamp)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) maybeCheckpoint(tx *sql.Tx, now string) error {
	var lastEnd int64
	err := tx.QueryRow(`SELECT COALESCE(MAX(end_tx_id), 0) FROM merkle_checkpoints`).Scan(&lastEnd)
	if err != nil {
		return err
	}

	rows, err := tx.Query(`SELECT id, hash FROM ledger_entries WHERE id > ? ORDER BY id ASC`, lastEnd)
	if err != nil {
		return err
	}
	var ids []int64
	var leaves []string
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
		leaves = append(leaves, hash)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if len(leaves) < l.merkleBatchSize {
		return nil
	}

	root := buildMerkleRoot(leaves)
	_, err = tx.Exec(`
		INSERT INTO merkle_checkpoints (root_hash, start_tx_id, end_tx_id, tx_count, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		root, ids[0], ids[len(ids)-1], len(ids), now,
	)
	if err != nil {
		return err
	}
	log.Info("ledger checkpoint created", "root_hash", root, "start", ids[0], "end", ids[len(ids)-1], "count", len(ids))
	return nil
}

// ViolationKind classifies one detected integrity failure.
type ViolationKind string

const (
	// ViolationChainBreak means an entry's stored prev_hash does not
	// match the hash the walk expected going into that entry.
	ViolationChainBreak ViolationKind = "chain_break"
	// ViolationHashMismatch means an entry's own hash does not match
	// the recomputed hash of its recorded fields.
	ViolationHashMismatch ViolationKind = "hash_mismatch"
	// ViolationMerkleMismatch means a checkpoint's recorded root_hash
	// does not match the root recomputed from its entry range.
	ViolationMerkleMismatch ViolationKind = "merkle_mismatch"
)

// Violation is one detected break in the hash chain or a Merkle
// checkpoint. EntryID is the offending ledger entry id, or 0 for a
// merkle_mismatch (which names a checkpoint range instead).
type Violation struct {
	Kind    ViolationKind
	EntryID int64
	Detail  string
}

// VerifyResult reports the outcome of a full chain and checkpoint walk.
type VerifyResult struct {
	Valid          bool
	EntriesChecked int64
	RootsChecked   int64
	Violations     []Violation
}

// Verify walks every entry in id order, recomputing each hash and
// checking the chain linkage, then recomputes every Merkle checkpoint
// root from its recorded entry range. The walk never stops at the
// first break: it keeps propagating the *recomputed* hash (not the
// stored one) as the expected prev_hash for the next entry, so a
// single tampered row surfaces as one hash_mismatch at that row and a
// chain_break at every row downstream of it, rather than silently
// hiding the rest of the chain.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	var result VerifyResult
	err := l.pool.WithConnection(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, project, action, detail, prev_hash, hash, timestamp
			FROM ledger_entries ORDER BY id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		expectedPrev := Genesis
		for rows.Next() {
			var id int64
			var project, action, detailJSON, prevHash, hash, timestamp string
			if err := rows.Scan(&id, &project, &action, &detailJSON, &prevHash, &hash, &timestamp); err != nil {
				return err
			}
			result.EntriesChecked++
			if prevHash != expectedPrev {
				result.Violations = append(result.Violations, Violation{
					Kind:    ViolationChainBreak,
					EntryID: id,
					Detail:  fmt.Sprintf("prev_hash %q does not match expected %q", prevHash, expectedPrev),
				})
			}
			recomputed := chainHash(prevHash, project, action, detailJSON, timestamp)
			if recomputed != hash {
				result.Violations = append(result.Violations, Violation{
					Kind:    ViolationHashMismatch,
					EntryID: id,
					Detail:  "recomputed hash does not match stored hash",
				})
			}
			// Carry the hash the row should have had if its predecessor
			// were honest, so a break propagates to every later row.
			expectedPrev = chainHash(expectedPrev, project, action, detailJSON, timestamp)
		}
		return rows.Err()
	})
	if err != nil {
		return result, fmt.Errorf("ledger: verify chain: %w", err)
	}

	if err := l.verifyCheckpoints(ctx, &result); err != nil {
		return result, fmt.Errorf("ledger: verify checkpoints: %w", err)
	}
	result.Valid = len(result.Violations) == 0
	log.LogVerify(result.Valid, result.EntriesChecked, result.RootsChecked, len(result.Violations))
	return result, nil
}

func (l *Ledger) verifyCheckpoints(ctx context.Context, result *VerifyResult) error {
	return l.pool.WithConnection(ctx, func(db *sql.DB) error {
		cpRows, err := db.QueryContext(ctx, `SELECT id, root_hash, start_tx_id, end_tx_id FROM merkle_checkpoints ORDER BY id ASC`)
		if err != nil {
			return err
		}
		type checkpoint struct {
			id, start, end int64
			root           string
		}
		var checkpoints []checkpoint
		for cpRows.Next() {
			var c checkpoint
			if err := cpRows.Scan(&c.id, &c.root, &c.start, &c.end); err != nil {
				cpRows.Close()
				return err
			}
			checkpoints = append(checkpoints, c)
		}
		if err := cpRows.Err(); err != nil {
			cpRows.Close()
			return err
		}
		cpRows.Close()

		for _, c := range checkpoints {
			leaves, err := entryHashesInRange(ctx, db, c.start, c.end)
			if err != nil {
				return err
			}
			result.RootsChecked++
			if buildMerkleRoot(leaves) != c.root {
				result.Violations = append(result.Violations, Violation{
					Kind:   ViolationMerkleMismatch,
					Detail: fmt.Sprintf("checkpoint %d root mismatch (range %d-%d)", c.id, c.start, c.end),
				})
			}
		}
		return nil
	})
}

func entryHashesInRange(ctx context.Context, db *sql.DB, start, end int64) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT hash FROM ledger_entries WHERE id >= ? AND id <= ? ORDER BY id ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// Proof is an inclusion proof for one entry against a checkpoint root.
type Proof struct {
	EntryID   int64
	LeafHash  string
	RootHash  string
	Path      []ProofStep
}

// ProofStep is one level of a Merkle authentication path.
type ProofStep struct {
	SiblingHash string
	SiblingOnRight bool
}

// InclusionProof returns a Merkle proof that entryID's hash is included
// in the checkpoint that covers it, or ErrNoCheckpoint if no checkpoint
// has rolled up that entry yet.
func (l *Ledger) InclusionProof(ctx context.Context, entryID int64) (*Proof, error) {
	var proof *Proof
	err := l.pool.WithConnection(ctx, func(db *sql.DB) error {
		var start, end int64
		var root string
		err := db.QueryRowContext(ctx, `
			SELECT start_tx_id, end_tx_id, root_hash FROM merkle_checkpoints
			WHERE start_tx_id <= ? AND end_tx_id >= ? ORDER BY id ASC LIMIT 1`, entryID, entryID).
			Scan(&start, &end, &root)
		if err == sql.ErrNoRows {
			return ErrNoCheckpoint
		}
		if err != nil {
			return err
		}

		leaves, err := entryHashesInRange(ctx, db, start, end)
		if err != nil {
			return err
		}
		index := int(entryID - start)
		path := merkleProof(leaves, index)
		proof = &Proof{EntryID: entryID, LeafHash: leaves[index], RootHash: root, Path: path}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

// ErrNoCheckpoint is returned by InclusionProof when the entry has not
// yet been rolled into a Merkle checkpoint.
var ErrNoCheckpoint = fmt.Errorf("ledger: entry not yet checkpointed")

// ExportedEntry is one entry in an ExportDocument's entries array.
type ExportedEntry struct {
	ID        int64          `json:"id"`
	Project   string         `json:"project"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
	Timestamp string         `json:"timestamp"`
}

// exportFormatVersion identifies the export document shape so external
// audit tooling can detect a future incompatible change.
const exportFormatVersion = 1

// ExportMeta is the meta block of an export document: enough to
// identify the exported range and check it against the ledger's own
// Merkle checkpoints without re-reading every entry.
type ExportMeta struct {
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
	StartID    int64  `json:"start_id"`
	EndID      int64  `json:"end_id"`
	Count      int    `json:"count"`
	MerkleRoot string `json:"merkle_root"`
}

// ExportDocument is the single canonical document Export writes: a
// meta block plus every entry in the exported range, in id order.
type ExportDocument struct {
	Meta    ExportMeta      `json:"meta"`
	Entries []ExportedEntry `json:"entries"`
}

// ExportResult summarizes a completed export for the caller.
type ExportResult struct {
	Path       string
	FileHash   string
	MerkleRoot string
	Count      int
}

// Export writes every entry between startID and endID inclusive
// (endID<=0 means "through the latest entry"), in id order, to path as
// a single {meta, entries} JSON document. meta.merkle_root commits to
// the exported range exactly the way a Merkle checkpoint would,
// reusing the checkpoint's own recorded root when the range matches
// one; a caller can therefore verify an export against
// InclusionProof/VerifyProof without re-deriving trust from the raw
// entries alone. The export is also recorded in audit_exports so the
// ledger itself carries a record of what has left the store.
func (l *Ledger) Export(ctx context.Context, path string, startID, endID int64, now string) (ExportResult, error) {
	var doc ExportDocument
	err := l.pool.WithConnection(ctx, func(db *sql.DB) error {
		q := `SELECT id, project, action, detail, prev_hash, hash, timestamp FROM ledger_entries WHERE id >= ?`
		args := []any{startID}
		if endID > 0 {
			q += ` AND id <= ?`
			args = append(args, endID)
		}
		q += ` ORDER BY id ASC`

		rows, err := db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e ExportedEntry
			var detailJSON string
			if err := rows.Scan(&e.ID, &e.Project, &e.Action, &detailJSON, &e.PrevHash, &e.Hash, &e.Timestamp); err != nil {
				return err
			}
			if err := json.Unmarshal([]byte(detailJSON), &e.Detail); err != nil {
				return fmt.Errorf("ledger: unmarshal detail for entry %d: %w", e.ID, err)
			}
			doc.Entries = append(doc.Entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return ExportResult{}, fmt.Errorf("ledger: export: %w", err)
	}

	var actualEnd int64
	if len(doc.Entries) > 0 {
		actualEnd = doc.Entries[len(doc.Entries)-1].ID
	}
	root, err := l.rangeMerkleRoot(ctx, startID, actualEnd)
	if err != nil {
		return ExportResult{}, fmt.Errorf("ledger: export merkle root: %w", err)
	}

	doc.Meta = ExportMeta{
		Version:    exportFormatVersion,
		ExportedAt: now,
		StartID:    startID,
		EndID:      actualEnd,
		Count:      len(doc.Entries),
		MerkleRoot: root,
	}

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ExportResult{}, fmt.Errorf("ledger: encode export document: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return ExportResult{}, fmt.Errorf("ledger: write export file: %w", err)
	}

	sum := sha256.Sum256(encoded)
	fileHash := hex.EncodeToString(sum[:])

	err = l.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO audit_exports (kind, path, file_hash, start_id, end_id, merkle_root, exported_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			"ledger", path, fileHash, startID, actualEnd, root, now,
		)
		return err
	})
	if err != nil {
		return ExportResult{}, fmt.Errorf("ledger: record export: %w", err)
	}

	return ExportResult{Path: path, FileHash: fileHash, MerkleRoot: root, Count: len(doc.Entries)}, nil
}

// rangeMerkleRoot returns the Merkle root committing to every entry
// hash in [start, end]. When an existing checkpoint covers exactly
// that range, its recorded root_hash is reused directly rather than
// recomputed, so an export of a checkpointed range is provably the
// same root the checkpoint already committed to.
func (l *Ledger) rangeMerkleRoot(ctx context.Context, start, end int64) (string, error) {
	if end < start {
		return "", nil
	}
	var root string
	err := l.pool.WithConnection(ctx, func(db *sql.DB) error {
		scanErr := db.QueryRowContext(ctx, `
			SELECT root_hash FROM merkle_checkpoints
			WHERE start_tx_id = ? AND end_tx_id = ? ORDER BY id ASC LIMIT 1`, start, end).Scan(&root)
		if scanErr == nil {
			return nil
		}
		if scanErr != sql.ErrNoRows {
			return scanErr
		}
		leaves, err := entryHashesInRange(ctx, db, start, end)
		if err != nil {
			return err
		}
		root = buildMerkleRoot(leaves)
		return nil
	})
	return root, err
}

// VerifyProof recomputes the root from p's leaf hash and path, and
// reports whether it matches p.RootHash.
func VerifyProof(p *Proof) bool {
	h := p.LeafHash
	for _, step := range p.Path {
		if step.SiblingOnRight {
			h = hashPair(h, step.SiblingHash)
		} else {
			h = hashPair(step.SiblingHash, h)
		}
	}
	return h == p.RootHash
}

// hashPair produces SHA-256(0x01 || len(a) || a || b) as a hex string.
// The 0x01 prefix domain-separates internal Merkle nodes from leaf
// hashes; the length prefix on a prevents boundary-ambiguity collisions
// (hashPair("ab","c") != hashPair("a","bc")).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	aBytes := []byte(a)
	lenBuf := []byte{byte(len(aBytes) >> 24), byte(len(aBytes) >> 16), byte(len(aBytes) >> 8), byte(len(aBytes))}
	h.Write(lenBuf)
	h.Write(aBytes)
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// buildMerkleRoot constructs a Merkle tree from leaf hashes, in the
// order given (id order, i.e. append order — not sorted, since the
// chain's own position is the thing being committed to). Odd levels
// hash the last node with itself for structural binding.
func buildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

// merkleProof returns the authentication path from leaves[index] to the
// root built by buildMerkleRoot.
func merkleProof(leaves []string, index int) []ProofStep {
	var path []ProofStep
	level := append([]string(nil), leaves...)
	idx := index
	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			var pairHash string
			if i+1 < len(level) {
				pairHash = hashPair(level[i], level[i+1])
				if idx == i {
					path = append(path, ProofStep{SiblingHash: level[i+1], SiblingOnRight: true})
				} else if idx == i+1 {
					path = append(path, ProofStep{SiblingHash: level[i], SiblingOnRight: false})
				}
			} else {
				pairHash = hashPair(level[i], level[i])
				if idx == i {
					path = append(path, ProofStep{SiblingHash: level[i], SiblingOnRight: true})
				}
			}
			next = append(next, pairHash)
		}
		idx = idx / 2
		level = next
	}
	return path
}
