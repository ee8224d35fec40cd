// Package db turns dispatch's configured "dbs" name list into live
// connections, injected into task functions that declare a
// dispatch.DBs parameter. original_source/dispatch/conf.py's dbs entry
// ("dbs: [sofi, galileo]") is an inert list the original never actually
// connects; SPEC_FULL.md §4.J supplements it with a real connection
// layer, grounded on jordigilh-kubernaut's jmoiron/sqlx + lib/pq
// pairing and Ap3pp3rs94-Chartly2.0's lib/pq + mattn/go-sqlite3 side by
// side.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names a backend a named database connects through.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite3"
)

// Entry is one configured database: a name (matched against
// config.Config.DBs) and the DSN to connect with.
type Entry struct {
	Name   string
	Driver Driver
	DSN    string
}

// Registry holds the live *sqlx.DB handle for every configured
// database, keyed by name.
type Registry struct {
	handles map[string]*sqlx.DB
}

// Open connects to every entry, failing fast (and closing whatever
// already opened) on the first error.
func Open(entries []Entry) (*Registry, error) {
	handles := make(map[string]*sqlx.DB, len(entries))
	for _, e := range entries {
		db, err := sqlx.Connect(string(e.Driver), e.DSN)
		if err != nil {
			closeAll(handles)
			return nil, fmt.Errorf("db: connecting %q (%s): %w", e.Name, e.Driver, err)
		}
		handles[e.Name] = db
	}
	return &Registry{handles: handles}, nil
}

func closeAll(handles map[string]*sqlx.DB) {
	for _, db := range handles {
		_ = db.Close()
	}
}

// Get returns the named handle, or nil if no such database was
// configured.
func (r *Registry) Get(name string) *sqlx.DB {
	return r.handles[name]
}

// AsDBs projects the registry into the dispatch.DBs shape (a
// map[string]any) a task's "dbs"-typed parameter receives. Kept generic
// (any rather than *sqlx.DB) here so the root dispatch package does not
// import database/sql machinery just to describe the injection type.
func (r *Registry) AsDBs() map[string]any {
	out := make(map[string]any, len(r.handles))
	for name, db := range r.handles {
		out[name] = db
	}
	return out
}

// Close closes every connection. Errors from individual closes are
// discarded — matching spec.md's ambient-stack guidance that shutdown
// should not fail loudly over a resource that is going away regardless.
func (r *Registry) Close() {
	closeAll(r.handles)
}
