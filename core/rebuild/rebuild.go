// Package rebuild restructures a table on an engine that cannot alter or
// rename a column in place.
//
// A rebuild creates a shadow table with the final column set, copies every
// row across (aliasing renamed columns), drops the original, renames the
// shadow into place and re-creates the original indexes. All of it runs in
// one transaction: a failing statement rolls the whole rebuild back and the
// original table is left untouched.
package rebuild

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/introspect"
	"github.com/FocuswithJustin/sqlite3schema/core/schema"
	"github.com/FocuswithJustin/sqlite3schema/core/sqlite"
	"github.com/FocuswithJustin/sqlite3schema/core/stmt"
)

// Rebuild steps, reported in RebuildAbortedError.Step.
const (
	StepBegin    = "begin"
	StepSnapshot = "snapshot"
	StepCreate   = "create shadow"
	StepCopy     = "copy"
	StepDrop     = "drop original"
	StepRename   = "rename shadow"
	StepIndexes  = "recreate indexes"
	StepCommit   = "commit"
)

// TxBeginner starts the transaction a rebuild runs in.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Engine runs rebuilds against one database handle.
type Engine struct {
	db      TxBeginner
	exec    *sqlite.Executor
	logger  *slog.Logger
	suffix  func() string
	before  func(ctx context.Context, table string) error
	observe func(table string, d time.Duration, err error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithBeforeRebuild registers a hook run before the rebuild transaction
// starts, typically a backup of the table. A hook error cancels the rebuild.
func WithBeforeRebuild(fn func(ctx context.Context, table string) error) Option {
	return func(e *Engine) { e.before = fn }
}

// WithObserver registers a callback invoked after every rebuild attempt.
func WithObserver(fn func(table string, d time.Duration, err error)) Option {
	return func(e *Engine) { e.observe = fn }
}

// WithSuffix replaces the shadow table suffix generator.
func WithSuffix(fn func() string) Option {
	return func(e *Engine) { e.suffix = fn }
}

// New creates an Engine. db starts transactions; exec carries logging,
// dry-run and statement observation settings and must wrap the same handle.
func New(db TxBeginner, exec *sqlite.Executor, opts ...Option) *Engine {
	e := &Engine{db: db, exec: exec, logger: exec.Logger(), suffix: shadowSuffix}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func shadowSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Plan is the computed statement sequence of one rebuild.
type Plan struct {
	Table   string
	Shadow  string
	Columns []schema.Column

	// Target and Source are the parallel column lists of the copy step.
	Target []string
	Source []string

	Indexes []IndexPlan

	// Skipped lists indexes that reference a column no longer present.
	Skipped []string
}

// IndexPlan is one index re-created after the swap.
type IndexPlan struct {
	Index schema.Index
	SQL   string
}

// Statements returns the rebuild statements in execution order.
func (p *Plan) Statements() []string {
	out := []string{stmt.CreateTable(p.Shadow, p.Columns)}
	if len(p.Target) > 0 {
		out = append(out, stmt.InsertSelect(p.Shadow, p.Table, p.Target, p.Source))
	}
	out = append(out, stmt.DropTable(p.Table), stmt.RenameTable(p.Shadow, p.Table))
	for _, ip := range p.Indexes {
		out = append(out, ip.SQL)
	}
	return out
}

// Plan computes the rebuild of table to final with renames (old name to new
// name). Current columns and indexes are read through q.
func (e *Engine) Plan(ctx context.Context, q sqlite.Querier, table string, final []schema.Column, renames map[string]string) (*Plan, error) {
	in := introspect.New(e.exec.With(q))
	current, err := in.CurrentFields(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return nil, dberrors.NewNotFound("table", table)
	}
	indexes, err := in.CurrentIndexes(ctx, table)
	if err != nil {
		return nil, err
	}
	return plan(table, table+"_"+e.suffix(), current, final, indexes, renames)
}

func plan(table, shadow string, current, final []schema.Column, indexes map[string]schema.Index, renames map[string]string) (*Plan, error) {
	if len(final) == 0 {
		return nil, dberrors.NewValidation(table, "rebuild needs at least one column")
	}
	inFinal := make(map[string]bool, len(final))
	for _, c := range final {
		if inFinal[c.Name] {
			return nil, dberrors.NewValidation(c.Name, "duplicate column in rebuild of "+table)
		}
		inFinal[c.Name] = true
	}
	inCurrent := make(map[string]bool, len(current))
	for _, c := range current {
		inCurrent[c.Name] = true
	}

	// new name -> old name
	renamedFrom := make(map[string]string, len(renames))
	for _, from := range sortedKeys(renames) {
		to := renames[from]
		if !inCurrent[from] {
			return nil, dberrors.NewNotFound("column", table+"."+from)
		}
		if !inFinal[to] {
			return nil, dberrors.NewValidation(to, "rename target missing from the final columns of "+table)
		}
		if prev, dup := renamedFrom[to]; dup {
			return nil, &dberrors.AmbiguousRenameError{Table: table, Column: to, Candidates: []string{prev, from}}
		}
		renamedFrom[to] = from
	}

	p := &Plan{Table: table, Shadow: shadow, Columns: final}
	for _, c := range final {
		if from, ok := renamedFrom[c.Name]; ok {
			p.Target = append(p.Target, c.Name)
			p.Source = append(p.Source, from)
			continue
		}
		if _, movedAway := renames[c.Name]; movedAway {
			// the old column of this name now feeds another column
			continue
		}
		if inCurrent[c.Name] {
			p.Target = append(p.Target, c.Name)
			p.Source = append(p.Source, c.Name)
		}
	}

	names := make([]string, 0, len(indexes))
	for n := range indexes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		idx := indexes[n]
		translated, touched, ok := translate(idx.Columns, renames, inFinal)
		if !ok {
			p.Skipped = append(p.Skipped, n)
			continue
		}
		if idx.Expression() || idx.Partial {
			// expressions and WHERE clauses cannot be rewritten; keep the
			// stored text only while every column it names survives as is
			if idx.SQL == "" || touched || !survives(idx.SQL, renames, inCurrent, inFinal) {
				p.Skipped = append(p.Skipped, n)
				continue
			}
		}
		if idx.SQL != "" && !touched {
			p.Indexes = append(p.Indexes, IndexPlan{Index: idx, SQL: idx.SQL})
			continue
		}
		out := schema.Index{Name: idx.Name, Columns: translated, Unique: idx.Unique}
		p.Indexes = append(p.Indexes, IndexPlan{Index: out, SQL: stmt.CreateIndex(table, out)})
	}
	return p, nil
}

// translate maps index columns through renames. It reports whether any column
// was renamed and whether every plain column survives.
func translate(cols []string, renames map[string]string, inFinal map[string]bool) ([]string, bool, bool) {
	out := make([]string, len(cols))
	touched := false
	for i, c := range cols {
		if c == "" {
			continue
		}
		if to, ok := renames[c]; ok {
			c = to
			touched = true
		}
		if !inFinal[c] {
			return nil, touched, false
		}
		out[i] = c
	}
	return out, touched, true
}

// survives reports whether every current column named in an index statement
// keeps its name in the final column set.
func survives(sql string, renames map[string]string, inCurrent, inFinal map[string]bool) bool {
	names, err := introspect.Identifiers(sql)
	if err != nil {
		return false
	}
	for _, n := range names {
		if _, renamed := renames[n]; renamed {
			return false
		}
		if inCurrent[n] && !inFinal[n] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Rebuild restructures table to the final column list, copying data with
// renames applied. Any failure after the transaction starts is returned as
// *errors.RebuildAbortedError and leaves the original table unchanged.
func (e *Engine) Rebuild(ctx context.Context, table string, final []schema.Column, renames map[string]string) (err error) {
	start := time.Now()
	defer func() {
		if e.observe != nil {
			e.observe(table, time.Since(start), err)
		}
	}()

	if e.exec.DryRun() {
		p, err := e.Plan(ctx, e.exec.Querier(), table, final, renames)
		if err != nil {
			return err
		}
		for _, s := range p.Statements() {
			if err := e.exec.Exec(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}

	if e.before != nil {
		if err := e.before(ctx, table); err != nil {
			return dberrors.Wrapf(err, "before rebuild of %s", table)
		}
	}

	// once the transaction is open the rebuild runs to completion or fails
	ctx = context.WithoutCancel(ctx)
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return &dberrors.RebuildAbortedError{Table: table, Step: StepBegin, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				e.logger.Error("rollback failed", "table", table, "error", rbErr)
			}
		}
	}()

	p, err := e.Plan(ctx, tx, table, final, renames)
	if err != nil {
		return &dberrors.RebuildAbortedError{Table: table, Step: StepSnapshot, Err: err}
	}
	txExec := e.exec.With(tx)

	if err := txExec.Exec(ctx, stmt.CreateTable(p.Shadow, p.Columns)); err != nil {
		return &dberrors.RebuildAbortedError{Table: table, Step: StepCreate, Err: err}
	}
	if len(p.Target) > 0 {
		if err := txExec.Exec(ctx, stmt.InsertSelect(p.Shadow, p.Table, p.Target, p.Source)); err != nil {
			return &dberrors.RebuildAbortedError{Table: table, Step: StepCopy, Err: err}
		}
	}
	if err := txExec.Exec(ctx, stmt.DropTable(p.Table)); err != nil {
		return &dberrors.RebuildAbortedError{Table: table, Step: StepDrop, Err: err}
	}
	if err := txExec.Exec(ctx, stmt.RenameTable(p.Shadow, p.Table)); err != nil {
		return &dberrors.RebuildAbortedError{Table: table, Step: StepRename, Err: err}
	}
	for _, ip := range p.Indexes {
		if err := txExec.Exec(ctx, ip.SQL); err != nil {
			return &dberrors.RebuildAbortedError{Table: table, Step: StepIndexes, Err: err}
		}
	}
	for _, n := range p.Skipped {
		e.logger.Warn("index dropped by rebuild", "table", table, "index", n)
	}

	if err := tx.Commit(); err != nil {
		return &dberrors.RebuildAbortedError{Table: table, Step: StepCommit, Err: err}
	}
	committed = true
	e.logger.Info("table rebuilt", "table", table, "columns", len(p.Columns),
		"renames", len(renames), "indexes", len(p.Indexes), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// RenameColumn renames one column, keeping its spec and data.
func (e *Engine) RenameColumn(ctx context.Context, table, from, to string) error {
	if from == to {
		return nil
	}
	current, err := e.current(ctx, table)
	if err != nil {
		return err
	}
	final := make([]schema.Column, 0, len(current))
	found := false
	for _, c := range current {
		switch c.Name {
		case from:
			found = true
			c.Name = to
		case to:
			return dberrors.NewValidation(to, "column already exists in "+table)
		}
		final = append(final, c)
	}
	if !found {
		return dberrors.NewNotFound("column", table+"."+from)
	}
	return e.Rebuild(ctx, table, final, map[string]string{from: to})
}

// AlterColumn replaces the definition of one column.
func (e *Engine) AlterColumn(ctx context.Context, table, column, spec string) error {
	current, err := e.current(ctx, table)
	if err != nil {
		return err
	}
	found := false
	for i := range current {
		if current[i].Name == column {
			if schema.SpecsEqual(current[i].Spec, spec) {
				return nil
			}
			current[i].Spec = spec
			found = true
		}
	}
	if !found {
		return dberrors.NewNotFound("column", table+"."+column)
	}
	return e.Rebuild(ctx, table, current, nil)
}

// DropColumns removes columns and their data.
func (e *Engine) DropColumns(ctx context.Context, table string, columns ...string) error {
	current, err := e.current(ctx, table)
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(columns))
	for _, c := range columns {
		drop[c] = true
	}
	final := make([]schema.Column, 0, len(current))
	for _, c := range current {
		if drop[c.Name] {
			delete(drop, c.Name)
			continue
		}
		final = append(final, c)
	}
	if len(drop) > 0 {
		missing := make([]string, 0, len(drop))
		for c := range drop {
			missing = append(missing, c)
		}
		sort.Strings(missing)
		return dberrors.NewNotFound("column", table+"."+missing[0])
	}
	if len(final) == len(current) {
		return nil
	}
	return e.Rebuild(ctx, table, final, nil)
}

func (e *Engine) current(ctx context.Context, table string) ([]schema.Column, error) {
	cols, err := introspect.New(e.exec).CurrentFields(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, dberrors.NewNotFound("table", table)
	}
	return cols, nil
}
