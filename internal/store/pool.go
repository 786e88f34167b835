// Package store implements the schema, migrations, and bounded
// connection pool of the storage backend (C3/C4). It is the sole owner
// of the on-disk database file; every other component reaches SQLite
// only through a *Pool.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"

	"github.com/cortexmemory/cortex/internal/cortexerr"
)

// DefaultAcquireTimeout is the default time a caller will wait to
// acquire a connection before the pool reports ResourceExhausted.
const DefaultAcquireTimeout = 5 * time.Second

// Pool owns the single on-disk database file and bounds reader
// concurrency. SQLite's own single-writer rule combined with a
// MaxOpenConns(1) handle is the actual write-serialization mechanism;
// the semaphore on top additionally bounds how many operations may be
// in flight at once so the acquisition timeout is observable and
// testable.
type Pool struct {
	db       *sql.DB
	path     string
	sem      *semaphore.Weighted
	poolSize int64
}

// Open creates (if necessary) the database directory, opens the SQLite
// file with WAL journaling, foreign keys, and a busy timeout, and
// returns a Pool bounded to poolSize concurrent acquisitions.
func Open(path string, poolSize int) (*Pool, error) {
	if poolSize < 1 {
		poolSize = 1
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite allows one writer at a time; a pool-of-one *sql.DB handle
	// is kept as the serialization mechanism itself, with the
	// semaphore above bounding logical concurrency independently of
	// database/sql's own accounting.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	return &Pool{
		db:       db,
		path:     path,
		sem:      semaphore.NewWeighted(int64(poolSize)),
		poolSize: int64(poolSize),
	}, nil
}

// Path returns the database file path.
func (p *Pool) Path() string { return p.path }

// Close closes the underlying database handle.
func (p *Pool) Close() error {
	return p.db.Close()
}

// WithConnection acquires a slot in the bounded pool for the duration of
// fn and always releases it, on every exit path. Acquisition honors
// ctx's deadline and DefaultAcquireTimeout, whichever is sooner;
// exhaustion surfaces as a ResourceExhausted error.
func (p *Pool) WithConnection(ctx context.Context, fn func(*sql.DB) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, DefaultAcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		return cortexerr.Wrap(cortexerr.ResourceExhausted, "acquire connection slot", err)
	}
	defer p.sem.Release(1)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fn(p.db)
}

// WithTransaction layers begin/commit/rollback discipline over
// WithConnection: commits only on a nil return from fn, rolls back on
// any error or panic. SQLITE_BUSY/SQLITE_LOCKED errors on Begin are
// retried internally with bounded exponential backoff before
// surfacing as TransientBackend.
func (p *Pool) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	return p.WithConnection(ctx, func(db *sql.DB) error {
		tx, err := beginWithRetry(ctx, db)
		if err != nil {
			return err
		}

		committed := false
		defer func() {
			if !committed {
				tx.Rollback() //nolint:errcheck
			}
		}()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit transaction: %w", err)
		}
		committed = true
		return nil
	})
}

func beginWithRetry(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.Multiplier = 2
	b.MaxElapsedTime = 500 * time.Millisecond
	bctx := backoff.WithContext(b, ctx)

	var tx *sql.Tx
	op := func() error {
		var err error
		tx, err = db.BeginTx(ctx, nil)
		if err != nil && isBusyOrLocked(err) {
			return err // retryable
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(op, bctx); err != nil {
		if isBusyOrLocked(err) {
			return nil, cortexerr.Wrap(cortexerr.TransientBackend, "database busy", err)
		}
		return nil, fmt.Errorf("store: begin transaction: %w", err)
	}
	return tx, nil
}

func isBusyOrLocked(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// InitSchema creates the baseline schema (if absent) and runs every
// migration above the resulting version, in order.
func (p *Pool) InitSchema(ctx context.Context) error {
	return p.WithConnection(ctx, func(db *sql.DB) error {
		// schema_version must exist before its version can be read on a
		// brand-new database file.
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
			return fmt.Errorf("store: create schema_version: %w", err)
		}
		version, err := getSchemaVersion(db)
		if err != nil {
			return fmt.Errorf("store: read schema version: %w", err)
		}

		if version == 0 {
			if err := execBatch(db, CoreSchema); err != nil {
				return fmt.Errorf("store: apply core schema: %w", err)
			}
			if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (1)`); err != nil {
				return fmt.Errorf("store: record baseline schema version: %w", err)
			}
			if err := execBatch(db, FTSSchema); err != nil {
				// FTS5 may be unavailable on some builds of SQLite;
				// the lexical index degrades but the store still works.
				log.Warn("FTS5 schema unavailable, lexical search disabled", "error", err)
			}
		}

		return runMigrations(db)
	})
}

// execBatch runs a multi-statement schema script in one call, handing
// CoreSchema/FTSSchema to Exec as-is rather than splitting on
// statement boundaries.
func execBatch(db *sql.DB, script string) error {
	_, err := db.Exec(script)
	return err
}

// Stats summarizes the store for the coordinator's stats() operation.
type Stats struct {
	SchemaVersion   int
	FactCount       int64
	LedgerEntries   int64
	CheckpointCount int64
}

// Stats reports table/row counts and the current schema version.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := p.WithConnection(ctx, func(db *sql.DB) error {
		version, err := getSchemaVersion(db)
		if err != nil {
			return err
		}
		s.SchemaVersion = version

		for table, dst := range map[string]*int64{
			"facts":              &s.FactCount,
			"ledger_entries":     &s.LedgerEntries,
			"merkle_checkpoints": &s.CheckpointCount,
		} {
			if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(dst); err != nil {
				return fmt.Errorf("count %s: %w", table, err)
			}
		}
		return nil
	})
	return s, err
}

// Vacuum reclaims free space in the database file.
func (p *Pool) Vacuum(ctx context.Context) error {
	return p.WithConnection(ctx, func(db *sql.DB) error {
		_, err := db.Exec("VACUUM")
		return err
	})
}

// Checkpoint truncates the write-ahead log back into the main database file.
func (p *Pool) Checkpoint(ctx context.Context) error {
	return p.WithConnection(ctx, func(db *sql.DB) error {
		_, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return err
	})
}
