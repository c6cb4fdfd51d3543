// Package introspect reads the live structure of a table from the engine
// catalog: whether it exists, its ordered column specs, and its indexes.
//
// Results are computed fresh on every call. Any schema-modifying statement
// invalidates what a previous call returned.
package introspect

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/schema"
	"github.com/FocuswithJustin/sqlite3schema/core/sqlite"
)

// Introspector queries the catalog through an Executor. Pass an Executor
// bound to a transaction to read inside it.
type Introspector struct {
	exec *sqlite.Executor
}

// New creates an Introspector.
func New(exec *sqlite.Executor) *Introspector {
	return &Introspector{exec: exec}
}

// TableExists reports whether a table named table exists. Table names are
// compared case-insensitively, as the engine does.
func (in *Introspector) TableExists(ctx context.Context, table string) (bool, error) {
	const q = `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE`
	var name string
	err := in.exec.QueryRow(ctx, q, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, dberrors.NewStatement(q, err)
	}
	return true, nil
}

// CreateSQL returns the stored CREATE TABLE text for table.
func (in *Introspector) CreateSQL(ctx context.Context, table string) (string, bool, error) {
	const q = `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE`
	var text sql.NullString
	err := in.exec.QueryRow(ctx, q, table).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dberrors.NewStatement(q, err)
	}
	return text.String, text.Valid, nil
}

// CurrentFields returns the table's columns in table order with their stored
// definitions. A missing table yields an empty list. When the stored text
// cannot be parsed the column list is rebuilt from table_info; if that also
// yields nothing the result is empty and the table is treated as absent.
func (in *Introspector) CurrentFields(ctx context.Context, table string) ([]schema.Column, error) {
	text, ok, err := in.CreateSQL(ctx, table)
	if err != nil || !ok {
		return nil, err
	}
	_, cols, perr := ParseCreateTable(text)
	if perr == nil {
		return cols, nil
	}
	in.exec.Logger().Warn("unparsable table definition", "table", table, "error", perr)
	return in.tableInfo(ctx, table)
}

// tableInfo reconstructs column specs from the declared type and constraint
// flags the engine reports.
func (in *Introspector) tableInfo(ctx context.Context, table string) ([]schema.Column, error) {
	const q = `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`
	rows, err := in.exec.Query(ctx, q, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []schema.Column
	for rows.Next() {
		var (
			name, typ string
			notNull   bool
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, dberrors.NewStatement(q, err)
		}
		parts := []string{typ}
		if pk > 0 {
			parts = append(parts, "PRIMARY KEY")
		}
		if notNull {
			parts = append(parts, "NOT NULL")
		}
		if dflt.Valid {
			parts = append(parts, "DEFAULT "+dflt.String)
		}
		cols = append(cols, schema.Column{Name: name, Spec: strings.TrimSpace(strings.Join(parts, " "))})
	}
	if err := rows.Err(); err != nil {
		return nil, dberrors.NewStatement(q, err)
	}
	return cols, nil
}

// CurrentIndexes returns the explicitly created indexes of table keyed by
// catalog name. Indexes the engine creates for PRIMARY KEY and UNIQUE
// constraints are omitted.
func (in *Introspector) CurrentIndexes(ctx context.Context, table string) (map[string]schema.Index, error) {
	const listQ = `SELECT il.name, il."unique", il.partial, COALESCE(m.sql, '')
		FROM pragma_index_list(?) AS il
		LEFT JOIN sqlite_master AS m ON m.type = 'index' AND m.name = il.name
		WHERE il.origin = 'c'`
	rows, err := in.exec.Query(ctx, listQ, table)
	if err != nil {
		return nil, err
	}
	var list []schema.Index
	for rows.Next() {
		var idx schema.Index
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.Partial, &idx.SQL); err != nil {
			rows.Close()
			return nil, dberrors.NewStatement(listQ, err)
		}
		if strings.HasPrefix(idx.Name, "sqlite_autoindex_") {
			continue
		}
		list = append(list, idx)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, dberrors.NewStatement(listQ, err)
	}

	// one connection per handle: the list cursor is closed before the
	// per-index queries run
	out := make(map[string]schema.Index, len(list))
	for _, idx := range list {
		cols, err := in.indexColumns(ctx, idx.Name)
		if err != nil {
			return nil, err
		}
		idx.Columns = cols
		out[idx.Name] = idx
	}
	return out, nil
}

func (in *Introspector) indexColumns(ctx context.Context, index string) ([]string, error) {
	const q = `SELECT name FROM pragma_index_info(?) ORDER BY seqno`
	rows, err := in.exec.Query(ctx, q, index)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, dberrors.NewStatement(q, err)
		}
		cols = append(cols, name.String)
	}
	if err := rows.Err(); err != nil {
		return nil, dberrors.NewStatement(q, err)
	}
	return cols, nil
}

// Describe returns the full observed schema of table. A missing table yields
// a NotFoundError.
func (in *Introspector) Describe(ctx context.Context, table string) (schema.TableSchema, error) {
	exists, err := in.TableExists(ctx, table)
	if err != nil {
		return schema.TableSchema{}, err
	}
	if !exists {
		return schema.TableSchema{}, dberrors.NewNotFound("table", table)
	}
	cols, err := in.CurrentFields(ctx, table)
	if err != nil {
		return schema.TableSchema{}, err
	}
	idx, err := in.CurrentIndexes(ctx, table)
	if err != nil {
		return schema.TableSchema{}, err
	}
	return schema.TableSchema{Name: table, Columns: cols, Indexes: idx}, nil
}

// TableList returns the user tables in the database, sorted by name.
func (in *Introspector) TableList(ctx context.Context) ([]string, error) {
	const q = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`
	rows, err := in.exec.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, dberrors.NewStatement(q, err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, dberrors.NewStatement(q, err)
	}
	return names, nil
}
