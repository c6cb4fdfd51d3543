package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
)

// Querier is the statement boundary shared by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Observer receives every statement dispatched through an Executor.
type Observer interface {
	Statement(sql string, d time.Duration, err error)
}

// Executor dispatches statements against a Querier. Engine failures are
// returned as *errors.StatementError carrying the statement text. In dry-run
// mode writes are recorded instead of executed; reads still hit the engine.
type Executor struct {
	q        Querier
	logger   *slog.Logger
	dryRun   bool
	observer Observer
	plan     *plan
}

type plan struct {
	mu    sync.Mutex
	stmts []string
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for statement tracing.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithDryRun records writes without executing them.
func WithDryRun(dryRun bool) Option {
	return func(e *Executor) { e.dryRun = dryRun }
}

// WithObserver registers a statement observer (metrics).
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// NewExecutor creates an Executor over q.
func NewExecutor(q Querier, opts ...Option) *Executor {
	e := &Executor{q: q, plan: &plan{}}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// With returns an Executor sharing this one's settings and statement plan but
// dispatching to q. Used to route statements through a transaction.
func (e *Executor) With(q Querier) *Executor {
	c := *e
	c.q = q
	return &c
}

// Querier returns the underlying statement target.
func (e *Executor) Querier() Querier { return e.q }

// DryRun reports whether writes are being recorded instead of executed.
func (e *Executor) DryRun() bool { return e.dryRun }

// Logger returns the executor's logger.
func (e *Executor) Logger() *slog.Logger { return e.logger }

// Planned returns the statements recorded so far. Outside dry-run mode this
// is every write that was executed successfully.
func (e *Executor) Planned() []string {
	e.plan.mu.Lock()
	defer e.plan.mu.Unlock()
	out := make([]string, len(e.plan.stmts))
	copy(out, e.plan.stmts)
	return out
}

// Exec runs a write statement.
func (e *Executor) Exec(ctx context.Context, query string, args ...any) error {
	if e.dryRun {
		e.record(query)
		e.logger.Info("dry run", "sql", query)
		return nil
	}
	start := time.Now()
	_, err := e.q.ExecContext(ctx, query, args...)
	e.trace(query, start, err)
	if err != nil {
		return dberrors.NewStatement(query, err)
	}
	e.record(query)
	return nil
}

// Query runs a read statement.
func (e *Executor) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := e.q.QueryContext(ctx, query, args...)
	e.trace(query, start, err)
	if err != nil {
		return nil, dberrors.NewStatement(query, err)
	}
	return rows, nil
}

// QueryRow runs a single-row read. Errors surface from Scan and are not
// wrapped.
func (e *Executor) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := e.q.QueryRowContext(ctx, query, args...)
	e.trace(query, start, row.Err())
	return row
}

func (e *Executor) record(query string) {
	e.plan.mu.Lock()
	e.plan.stmts = append(e.plan.stmts, strings.TrimSpace(query))
	e.plan.mu.Unlock()
}

func (e *Executor) trace(query string, start time.Time, err error) {
	d := time.Since(start)
	if err != nil {
		e.logger.Debug("statement", "sql", query, "duration_ms", d.Milliseconds(), "error", err)
	} else {
		e.logger.Debug("statement", "sql", query, "duration_ms", d.Milliseconds())
	}
	if e.observer != nil {
		e.observer.Statement(query, d, err)
	}
}
