package reconcile

import (
	"context"
	"strings"
	"sync"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/schema"
)

// Locker serializes schema changes against one table. The returned function
// releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Session groups the reconciliations of one migration run. It owns the
// one-time integrity check and remembers which definitions it has applied.
type Session struct {
	r              *Reconciler
	locker         Locker
	checkIntegrity bool

	mu       sync.Mutex
	open     bool
	migrated bool
	applied  map[string]string // table -> fingerprint
	changes  []Change
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLocker sets the per-table lock used around each reconciliation.
func WithLocker(l Locker) SessionOption {
	return func(s *Session) { s.locker = l }
}

// WithIntegrityCheck runs PRAGMA integrity_check before the first
// reconciliation of the session.
func WithIntegrityCheck(on bool) SessionOption {
	return func(s *Session) { s.checkIntegrity = on }
}

// Begin starts a migration session.
func (r *Reconciler) Begin(opts ...SessionOption) *Session {
	s := &Session{r: r}
	for _, opt := range opts {
		opt(s)
	}
	s.reset()
	s.open = true
	return s
}

func (s *Session) reset() {
	s.migrated = false
	s.applied = make(map[string]string)
	s.changes = nil
}

// Reconcile applies def unless an identical definition was already applied
// in this session.
func (s *Session) Reconcile(ctx context.Context, def schema.TableDef) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, dberrors.NewValidation("session", "migration session is closed")
	}

	if s.checkIntegrity && !s.migrated {
		problems, err := s.r.CheckIntegrity(ctx)
		if err != nil {
			return nil, err
		}
		if len(problems) > 0 {
			return nil, dberrors.NewValidation("database", "integrity check failed: "+strings.Join(problems, "; "))
		}
	}
	s.migrated = true

	fp := def.Fingerprint()
	if s.applied[def.Name] == fp {
		return nil, nil
	}

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, def.Name)
		if err != nil {
			return nil, dberrors.Wrapf(err, "lock %s", def.Name)
		}
		defer unlock()
	}

	changes, err := s.r.Reconcile(ctx, def)
	s.changes = append(s.changes, changes...)
	if err != nil {
		return changes, err
	}
	s.applied[def.Name] = fp
	return changes, nil
}

// ReconcileAll applies defs in order and stops at the first error.
func (s *Session) ReconcileAll(ctx context.Context, defs []schema.TableDef) ([]Change, error) {
	var all []Change
	for _, def := range defs {
		changes, err := s.Reconcile(ctx, def)
		all = append(all, changes...)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

// Migrated reports whether the session has run its first reconciliation.
func (s *Session) Migrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migrated
}

// Changes returns every change recorded in the session.
func (s *Session) Changes() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Change(nil), s.changes...)
}

// Close ends the session and clears its state.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.reset()
	return nil
}

// CheckIntegrity runs PRAGMA integrity_check and returns the reported
// problems; an intact database yields none.
func (r *Reconciler) CheckIntegrity(ctx context.Context) ([]string, error) {
	const q = `PRAGMA integrity_check`
	rows, err := r.exec.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, dberrors.NewStatement(q, err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, dberrors.NewStatement(q, err)
	}
	return problems, nil
}
