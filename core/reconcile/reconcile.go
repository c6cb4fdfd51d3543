// Package reconcile converges a live table on a declared TableDef with the
// fewest statements: nothing when the table already matches, ADD COLUMN for
// purely additive changes, and a single rebuild for everything else.
package reconcile

import (
	"context"
	"sort"
	"strings"
	"time"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/introspect"
	"github.com/FocuswithJustin/sqlite3schema/core/rebuild"
	"github.com/FocuswithJustin/sqlite3schema/core/render"
	"github.com/FocuswithJustin/sqlite3schema/core/schema"
	"github.com/FocuswithJustin/sqlite3schema/core/sqlite"
	"github.com/FocuswithJustin/sqlite3schema/core/stmt"
)

// Reconciler applies table definitions to one database.
type Reconciler struct {
	exec     *sqlite.Executor
	renderer *render.Renderer
	engine   *rebuild.Engine
	observe  func(table string, changes []Change, d time.Duration, err error)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithObserver registers a callback invoked after every Reconcile call.
func WithObserver(fn func(table string, changes []Change, d time.Duration, err error)) Option {
	return func(r *Reconciler) { r.observe = fn }
}

// New creates a Reconciler. All three collaborators must share one handle.
func New(exec *sqlite.Executor, renderer *render.Renderer, engine *rebuild.Engine, opts ...Option) *Reconciler {
	r := &Reconciler{exec: exec, renderer: renderer, engine: engine}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Executor returns the executor statements are dispatched through.
func (r *Reconciler) Executor() *sqlite.Executor { return r.exec }

// Reconcile brings def.Name in line with def and returns the changes made.
// In a dry run the changes and statements are computed but nothing is
// written.
func (r *Reconciler) Reconcile(ctx context.Context, def schema.TableDef) (changes []Change, err error) {
	start := time.Now()
	defer func() {
		if r.observe != nil {
			r.observe(def.Name, changes, time.Since(start), err)
		}
	}()

	if err := def.Validate(); err != nil {
		return nil, err
	}
	desired, err := r.renderer.Columns(ctx, def)
	if err != nil {
		return nil, err
	}

	in := introspect.New(r.exec)
	exists, err := in.TableExists(ctx, def.Name)
	if err != nil {
		return nil, err
	}
	var current []schema.Column
	if exists {
		if current, err = in.CurrentFields(ctx, def.Name); err != nil {
			return nil, err
		}
	}

	if len(current) == 0 {
		changes, err = r.create(ctx, def.Name, desired)
	} else {
		changes, err = r.alter(ctx, def, desired, current)
	}
	if err != nil {
		return changes, err
	}

	idxChanges, err := r.indexes(ctx, in, def)
	changes = append(changes, idxChanges...)
	if err != nil {
		return changes, err
	}

	log := r.exec.Logger()
	for _, c := range changes {
		log.Info(c.String(), "table", def.Name, "change", string(c.Kind), "dry_run", r.exec.DryRun())
	}
	return changes, nil
}

func (r *Reconciler) create(ctx context.Context, table string, desired []schema.Column) ([]Change, error) {
	if err := r.exec.Exec(ctx, stmt.CreateTable(table, desired)); err != nil {
		return nil, err
	}
	changes := []Change{{Kind: TableCreated, Table: table}}
	for _, c := range desired {
		changes = append(changes, Change{Kind: FieldCreated, Table: table, Name: c.Name, Spec: c.Spec})
	}
	return changes, nil
}

func (r *Reconciler) alter(ctx context.Context, def schema.TableDef, desired, current []schema.Column) ([]Change, error) {
	table := def.Name
	currentSpec := make(map[string]string, len(current))
	live := make(map[string]string, len(current))
	for _, c := range current {
		currentSpec[c.Name] = c.Spec
		live[strings.ToLower(c.Name)] = c.Name
	}
	// the engine folds column names, so a declared name that differs from a
	// live one only by case is that column and keeps the live spelling
	liveName := func(name string) string {
		if n, ok := live[strings.ToLower(name)]; ok {
			return n
		}
		return name
	}
	desired = append([]schema.Column(nil), desired...)
	desiredSpec := make(map[string]string, len(desired))
	for i, c := range desired {
		desired[i].Name = liveName(c.Name)
		desiredSpec[desired[i].Name] = c.Spec
	}
	fields := make([]schema.FieldSpec, len(def.Fields))
	for i, f := range def.Fields {
		f.Name = liveName(f.Name)
		if f.RenamedFrom != "" {
			f.RenamedFrom = liveName(f.RenamedFrom)
		}
		fields[i] = f
	}

	renames, err := resolveRenames(table, fields, currentSpec, desiredSpec)
	if err != nil {
		return nil, err
	}
	renamedTo := make(map[string]string, len(renames))
	for from, to := range renames {
		renamedTo[to] = from
	}

	var (
		changes     []Change
		adds        []schema.Column
		needRebuild = len(renames) > 0
	)
	for _, c := range desired {
		if from, ok := renamedTo[c.Name]; ok {
			changes = append(changes, Change{Kind: FieldRenamed, Table: table, Name: c.Name, From: from})
			if !schema.SpecsEqual(currentSpec[from], c.Spec) {
				changes = append(changes, Change{Kind: FieldChanged, Table: table, Name: c.Name, Spec: c.Spec, From: currentSpec[from]})
			}
			continue
		}
		old, ok := currentSpec[c.Name]
		if !ok {
			adds = append(adds, c)
			changes = append(changes, Change{Kind: FieldCreated, Table: table, Name: c.Name, Spec: c.Spec})
			if !stmt.CanAddColumn(c.Spec) {
				needRebuild = true
			}
			continue
		}
		if !schema.SpecsEqual(old, c.Spec) {
			changes = append(changes, Change{Kind: FieldChanged, Table: table, Name: c.Name, Spec: c.Spec, From: old})
			needRebuild = true
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}

	if !needRebuild {
		for _, c := range adds {
			if err := r.exec.Exec(ctx, stmt.AddColumn(table, c)); err != nil {
				return nil, err
			}
		}
		return changes, nil
	}

	// current order with changes applied, then additions in declared order;
	// columns no longer declared are kept
	final := make([]schema.Column, 0, len(current)+len(adds))
	if len(adds) > 0 && adds[0].Name == schema.IdentityColumn {
		// identity always leads
		final = append(final, adds[0])
		adds = adds[1:]
	}
	for _, c := range current {
		if to, ok := renames[c.Name]; ok {
			final = append(final, schema.Column{Name: to, Spec: desiredSpec[to]})
			continue
		}
		if spec, ok := desiredSpec[c.Name]; ok {
			final = append(final, schema.Column{Name: c.Name, Spec: spec})
			continue
		}
		final = append(final, c)
	}
	final = append(final, adds...)

	if err := r.engine.Rebuild(ctx, table, final, renames); err != nil {
		return nil, err
	}
	return append(changes, Change{Kind: TableChanged, Table: table}), nil
}

// resolveRenames returns old name -> new name for every rename hint that
// still has data to move. A hint whose source is gone is a no-op when the
// target exists and an add otherwise.
func resolveRenames(table string, fields []schema.FieldSpec, current, desired map[string]string) (map[string]string, error) {
	claims := make(map[string][]string)
	for _, f := range fields {
		if f.RenamedFrom == "" || f.RenamedFrom == f.Name {
			continue
		}
		claims[f.RenamedFrom] = append(claims[f.RenamedFrom], f.Name)
	}

	sources := make([]string, 0, len(claims))
	for from := range claims {
		sources = append(sources, from)
	}
	sort.Strings(sources)

	renames := make(map[string]string)
	for _, from := range sources {
		targets := claims[from]
		if len(targets) > 1 {
			return nil, &dberrors.AmbiguousRenameError{Table: table, Column: from, Candidates: targets}
		}
		to := targets[0]
		if _, ok := current[from]; !ok {
			continue
		}
		if _, ok := current[to]; ok {
			// both columns hold data; neither can be chosen silently
			return nil, &dberrors.AmbiguousRenameError{Table: table, Column: to, Candidates: []string{from, to}}
		}
		if _, ok := desired[from]; ok {
			// the source name is also declared as a field of its own
			return nil, &dberrors.AmbiguousRenameError{Table: table, Column: from, Candidates: []string{from, to}}
		}
		renames[from] = to
	}
	return renames, nil
}

func (r *Reconciler) indexes(ctx context.Context, in *introspect.Introspector, def schema.TableDef) ([]Change, error) {
	if len(def.Indexes) == 0 {
		return nil, nil
	}
	current, err := in.CurrentIndexes(ctx, def.Name)
	if err != nil {
		return nil, err
	}
	var changes []Change
	for _, spec := range def.Indexes {
		want := schema.Index{Name: spec.CatalogName(def.Name), Columns: spec.Columns, Unique: spec.Unique}
		have, exists := current[want.Name]
		if exists && have.SameAs(want) {
			continue
		}
		if exists {
			if err := r.exec.Exec(ctx, stmt.DropIndex(want.Name)); err != nil {
				return changes, err
			}
		}
		if err := r.exec.Exec(ctx, stmt.CreateIndex(def.Name, want)); err != nil {
			return changes, err
		}
		c := Change{Kind: IndexCreated, Table: def.Name, Name: spec.Name, Spec: describeIndex(want)}
		if exists {
			c.Kind = IndexChanged
			c.From = describeIndex(have)
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func describeIndex(idx schema.Index) string {
	if idx.Unique {
		return "unique " + indexColumns(idx.Columns)
	}
	return indexColumns(idx.Columns)
}

// ClearTable deletes every row of table.
func (r *Reconciler) ClearTable(ctx context.Context, table string) (Change, error) {
	if err := r.exec.Exec(ctx, stmt.DeleteFrom(table)); err != nil {
		return Change{}, err
	}
	return Change{Kind: TableCleared, Table: table}, nil
}

// RenameTable renames a whole table. Unlike columns, the engine renames
// tables in place.
func (r *Reconciler) RenameTable(ctx context.Context, from, to string) (Change, error) {
	if err := r.exec.Exec(ctx, stmt.RenameTable(from, to)); err != nil {
		return Change{}, err
	}
	return Change{Kind: TableRenamed, Table: to, From: from}, nil
}

// Describe returns the observed schema of table.
func (r *Reconciler) Describe(ctx context.Context, table string) (schema.TableSchema, error) {
	return introspect.New(r.exec).Describe(ctx, table)
}
