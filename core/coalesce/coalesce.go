// Package coalesce folds raw result rows, which may carry several columns
// with the same bare name after a join, into one name to value mapping.
package coalesce

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/sqlite"
)

// Pair is one raw result column.
type Pair struct {
	Label string
	Value any
}

// closers maps an identifier's opening quote to its closing quote.
var closers = map[byte]byte{'"': '"', '`': '`', '[': ']'}

// BareName resolves a result column label to its bare column name: the
// qualifier of "table.column" is dropped and quoting is removed. A dot
// inside quotes is part of the name.
func BareName(label string) string {
	label = strings.TrimSpace(label)
	start := 0
	for i := 0; i < len(label); i++ {
		c := label[i]
		if closer, ok := closers[c]; ok {
			// skip to the closing quote; a doubled quote is an escape
			for i++; i < len(label); i++ {
				if label[i] != closer {
					continue
				}
				if closer != ']' && i+1 < len(label) && label[i+1] == closer {
					i++
					continue
				}
				break
			}
			continue
		}
		if c == '.' {
			start = i + 1
		}
	}
	return unquote(strings.TrimSpace(label[start:]))
}

func unquote(name string) string {
	if len(name) < 2 {
		return name
	}
	closer, ok := closers[name[0]]
	if !ok || name[len(name)-1] != closer {
		return name
	}
	inner := name[1 : len(name)-1]
	if closer == ']' {
		return inner
	}
	q := string(closer)
	return strings.ReplaceAll(inner, q+q, q)
}

// Coalesce folds row left to right. A value is stored when it is non-nil or
// when its bare name has not been seen yet, so a later nil never replaces an
// earlier non-nil value while a later non-nil value always wins.
func Coalesce(row []Pair) map[string]any {
	out := make(map[string]any, len(row))
	for _, p := range row {
		name := BareName(p.Label)
		_, seen := out[name]
		if p.Value != nil || !seen {
			out[name] = p.Value
		}
	}
	return out
}

// Rows iterates a result set, yielding coalesced rows.
type Rows struct {
	rows   *sql.Rows
	labels []string
	err    error
}

// NewRows wraps rows. The caller must Close the returned Rows.
func NewRows(rows *sql.Rows) (*Rows, error) {
	labels, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &Rows{rows: rows, labels: labels}, nil
}

// Labels returns the raw column labels.
func (r *Rows) Labels() []string { return r.labels }

// Next advances to the next row.
func (r *Rows) Next() bool {
	if r.err != nil {
		return false
	}
	return r.rows.Next()
}

// Raw returns the current row as ordered label/value pairs.
func (r *Rows) Raw() ([]Pair, error) {
	values := make([]any, len(r.labels))
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		r.err = err
		return nil, err
	}
	pairs := make([]Pair, len(values))
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		pairs[i] = Pair{Label: r.labels[i], Value: v}
	}
	return pairs, nil
}

// Row returns the current row coalesced.
func (r *Rows) Row() (map[string]any, error) {
	pairs, err := r.Raw()
	if err != nil {
		return nil, err
	}
	return Coalesce(pairs), nil
}

// Err returns the first iteration or scan error.
func (r *Rows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

// Close releases the result set.
func (r *Rows) Close() error {
	return r.rows.Close()
}

// Query runs query and returns every row coalesced.
func Query(ctx context.Context, q sqlite.Querier, query string, args ...any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dberrors.NewStatement(query, err)
	}
	r, err := NewRows(rows)
	if err != nil {
		return nil, dberrors.NewStatement(query, err)
	}
	defer r.Close()

	var out []map[string]any
	for r.Next() {
		row, err := r.Row()
		if err != nil {
			return nil, dberrors.NewStatement(query, err)
		}
		out = append(out, row)
	}
	if err := r.Err(); err != nil {
		return nil, dberrors.NewStatement(query, err)
	}
	return out, nil
}

// ErrNoRows is returned by QueryRow when the query yields nothing.
var ErrNoRows = errors.New("coalesce: no rows in result set")

// QueryRow runs query and returns its first row coalesced.
func QueryRow(ctx context.Context, q sqlite.Querier, query string, args ...any) (map[string]any, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dberrors.NewStatement(query, err)
	}
	r, err := NewRows(rows)
	if err != nil {
		return nil, dberrors.NewStatement(query, err)
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, dberrors.NewStatement(query, err)
		}
		return nil, ErrNoRows
	}
	row, err := r.Row()
	if err != nil {
		return nil, dberrors.NewStatement(query, err)
	}
	return row, nil
}
