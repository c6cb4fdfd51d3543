// Package enum emulates an enumerated column type on an engine that has none.
// Allowed values are kept per table.column in the SQLiteEnums catalog table;
// the column itself is plain TEXT and nothing is enforced by the engine.
package enum

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/schema"
	"github.com/FocuswithJustin/sqlite3schema/core/sqlite"
	"github.com/FocuswithJustin/sqlite3schema/core/stmt"
)

// TableName is the registry catalog table.
const TableName = "SQLiteEnums"

// Registry reads and writes the enum catalog table. Stored value lists are
// memoized in process; the memo is only filled from committed reads and
// successful writes.
type Registry struct {
	exec    *sqlite.Executor
	memo    *gocache.Cache
	onWrite func(key string)

	mu    sync.Mutex
	ready bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets how long a stored value list is memoized. Zero or negative
// keeps entries until Forget is called.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl <= 0 {
			ttl = gocache.NoExpiration
		}
		r.memo = gocache.New(ttl, time.Minute)
	}
}

// WithWriteHook registers a callback invoked after every registry write.
func WithWriteHook(fn func(key string)) Option {
	return func(r *Registry) { r.onWrite = fn }
}

// New creates a Registry over exec.
func New(exec *sqlite.Executor, opts ...Option) *Registry {
	r := &Registry{exec: exec}
	for _, opt := range opts {
		opt(r)
	}
	if r.memo == nil {
		r.memo = gocache.New(gocache.NoExpiration, time.Minute)
	}
	return r
}

// Key returns the registry key for a column.
func Key(table, column string) string {
	return table + "." + column
}

// EnsureTable creates the catalog table if it does not exist.
func (r *Registry) EnsureTable(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil
	}
	q := `CREATE TABLE IF NOT EXISTS ` + stmt.QuoteIdent(TableName) + ` ("TableColumn" TEXT PRIMARY KEY, "EnumList" TEXT)`
	if err := r.exec.Exec(ctx, q); err != nil {
		return err
	}
	// a dry run only records the statement
	r.ready = !r.exec.DryRun()
	return nil
}

func (r *Registry) tableExists(ctx context.Context) (bool, error) {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()
	if ready {
		return true, nil
	}
	const q = `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`
	var one int
	err := r.exec.QueryRow(ctx, q, TableName).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, dberrors.NewStatement(q, err)
	}
	return true, nil
}

// ValuesFor returns the allowed values stored for table.column in stored
// order. An unregistered column yields an empty list.
func (r *Registry) ValuesFor(ctx context.Context, table, column string) ([]string, error) {
	values, _, err := r.stored(ctx, Key(table, column))
	return values, err
}

func (r *Registry) stored(ctx context.Context, key string) ([]string, bool, error) {
	if v, ok := r.memo.Get(key); ok {
		values := v.([]string)
		return append([]string(nil), values...), true, nil
	}
	exists, err := r.tableExists(ctx)
	if err != nil || !exists {
		return []string{}, false, err
	}
	q := `SELECT "EnumList" FROM ` + stmt.QuoteIdent(TableName) + ` WHERE "TableColumn" = ?`
	var list sql.NullString
	err = r.exec.QueryRow(ctx, q, key).Scan(&list)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, false, nil
	}
	if err != nil {
		return nil, false, dberrors.NewStatement(q, err)
	}
	values := Split(list.String)
	r.memo.Set(key, values, gocache.DefaultExpiration)
	return append([]string(nil), values...), true, nil
}

// Upsert stores values for table.column unless the stored set already has
// the same content. It reports whether a write was issued.
func (r *Registry) Upsert(ctx context.Context, table, column string, values []string) (bool, error) {
	for _, v := range values {
		if strings.Contains(v, ",") {
			return false, dberrors.NewValidation(Key(table, column), "enum value "+v+" must not contain a comma")
		}
	}
	key := Key(table, column)
	current, found, err := r.stored(ctx, key)
	if err != nil {
		return false, err
	}
	if found && SameSet(current, values) {
		return false, nil
	}
	if err := r.EnsureTable(ctx); err != nil {
		return false, err
	}
	q := `INSERT INTO ` + stmt.QuoteIdent(TableName) + ` ("TableColumn", "EnumList") VALUES (?, ?)
		ON CONFLICT("TableColumn") DO UPDATE SET "EnumList" = excluded."EnumList"`
	if err := r.exec.Exec(ctx, q, key, strings.Join(values, ",")); err != nil {
		return false, err
	}
	if !r.exec.DryRun() {
		r.memo.Set(key, append([]string(nil), values...), gocache.DefaultExpiration)
	}
	if r.onWrite != nil {
		r.onWrite(key)
	}
	return true, nil
}

// Register records the value set of an enum field and returns its column
// definition: TEXT with the declared default, or the first value.
func (r *Registry) Register(ctx context.Context, table string, f schema.FieldSpec) (string, error) {
	if f.Kind != schema.KindEnum {
		return "", dberrors.NewValidation(f.Name, "not an enum field")
	}
	if len(f.EnumValues) == 0 {
		return "", dberrors.NewValidation(f.Name, "enum values must not be empty")
	}
	if _, err := r.Upsert(ctx, table, f.Name, f.EnumValues); err != nil {
		return "", err
	}
	def, ok := f.DefaultValue()
	if !ok || def == "" {
		def = f.EnumValues[0]
	}
	return "TEXT DEFAULT " + stmt.QuoteString(def), nil
}

// All returns every registered key with its values.
func (r *Registry) All(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	exists, err := r.tableExists(ctx)
	if err != nil || !exists {
		return out, err
	}
	q := `SELECT "TableColumn", "EnumList" FROM ` + stmt.QuoteIdent(TableName) + ` ORDER BY "TableColumn"`
	rows, err := r.exec.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var list sql.NullString
		if err := rows.Scan(&key, &list); err != nil {
			return nil, dberrors.NewStatement(q, err)
		}
		out[key] = Split(list.String)
	}
	if err := rows.Err(); err != nil {
		return nil, dberrors.NewStatement(q, err)
	}
	return out, nil
}

// Forget drops the memoized value list for table.column.
func (r *Registry) Forget(table, column string) {
	r.memo.Delete(Key(table, column))
}

// Split parses a stored comma-joined value list.
func Split(list string) []string {
	if list == "" {
		return []string{}
	}
	return strings.Split(list, ",")
}

// SameSet reports whether a and b hold the same values, ignoring order and
// repetition.
func SameSet(a, b []string) bool {
	as := make(map[string]struct{}, len(a))
	for _, v := range a {
		as[v] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, v := range b {
		if _, ok := as[v]; !ok {
			return false
		}
		bs[v] = struct{}{}
	}
	return len(as) == len(bs)
}
