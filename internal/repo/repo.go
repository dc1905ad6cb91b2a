// Package repo implements the repository over core.db: the shared relational
// tables (tenants, schedules, case files, binnacles, notifications,
// attachments) and the service-owned tables (snapshots, change log, job log).
//
// All persistence flows through here; the worker's scrape-result writes commit
// as a single transaction via WithTx.
package repo

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/maypok86/otter"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same query methods
// serve direct and transactional access.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Queries holds every repository operation. It runs against the live DB or,
// inside WithTx, against an open transaction.
type Queries struct {
	q dbtx
}

// DB is the repository root. It embeds a Queries bound to the database for
// non-transactional access.
type DB struct {
	*Queries
	sqlDB *sql.DB
	txMu  sync.Mutex

	// partyCache caches case-file party names; the worker reads one per job.
	partyCache otter.Cache[string, string]
}

const partyCacheSize = 4096

// New wraps an open core.db handle.
func New(sqlDB *sql.DB) (*DB, error) {
	cache, err := otter.MustBuilder[string, string](partyCacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("build party cache: %w", err)
	}
	return &DB{
		Queries:    &Queries{q: sqlDB},
		sqlDB:      sqlDB,
		partyCache: cache,
	}, nil
}

// WithTx runs fn inside a transaction. Commit on nil return, rollback on
// error. Transactions are serialized; fn must not perform network I/O.
func (d *DB) WithTx(fn func(q *Queries) error) error {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	tx, err := d.sqlDB.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Queries{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Ping reports whether the database is reachable.
func (d *DB) Ping() error {
	return d.sqlDB.Ping()
}

// Close closes the underlying database.
func (d *DB) Close() error {
	d.partyCache.Close()
	return d.sqlDB.Close()
}

// GetPartyName returns the party name for a case file, served from cache
// after the first lookup.
func (d *DB) GetPartyName(caseFileID string) (string, error) {
	if name, ok := d.partyCache.Get(caseFileID); ok {
		return name, nil
	}
	cf, err := d.GetCaseFile(caseFileID)
	if err != nil {
		return "", err
	}
	d.partyCache.Set(caseFileID, cf.PartyName)
	return cf.PartyName, nil
}

// --- nullable scan/exec helpers ---

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	n := ni.Int64
	return &n
}
