package reconcile

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/schema"
)

type recordingLocker struct {
	mu     sync.Mutex
	locked []string
	held   map[string]bool
}

func (l *recordingLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, errors.New("already locked: " + key)
	}
	l.held[key] = true
	l.locked = append(l.locked, key)
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locker := &recordingLocker{}

	s := f.r.Begin(WithLocker(locker), WithIntegrityCheck(true))
	if s.Migrated() {
		t.Fatal("fresh session should not be migrated")
	}

	member := schema.TableDef{Name: "Member", Fields: []schema.FieldSpec{{Name: "Email", Kind: schema.KindVarchar, Size: 100}}}
	all, err := s.ReconcileAll(ctx, []schema.TableDef{pageDef(), member})
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if !s.Migrated() {
		t.Error("session should be migrated after the first reconciliation")
	}
	if len(all) == 0 || len(s.Changes()) != len(all) {
		t.Errorf("changes = %d, session recorded %d", len(all), len(s.Changes()))
	}
	if !reflect.DeepEqual(locker.locked, []string{"Page", "Member"}) {
		t.Errorf("locked = %v", locker.locked)
	}
	if len(locker.held) != 0 {
		t.Errorf("locks still held: %v", locker.held)
	}

	// the same definition is skipped without touching the database
	before := len(f.exec.Planned())
	if changes, err := s.Reconcile(ctx, pageDef()); err != nil || changes != nil {
		t.Errorf("repeat = %v, %v", changes, err)
	}
	if len(f.exec.Planned()) != before || len(locker.locked) != 2 {
		t.Error("repeat of an applied definition should not lock or write")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Migrated() || len(s.Changes()) != 0 {
		t.Error("Close should reset session state")
	}
	if _, err := s.Reconcile(ctx, pageDef()); !errors.Is(err, dberrors.ErrInvalidInput) {
		t.Errorf("reconcile after close error = %v", err)
	}
}

func TestSessionReappliesChangedDefinition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.r.Begin()
	defer s.Close()

	if _, err := s.Reconcile(ctx, pageDef()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	def := pageDef()
	def.Fields = append(def.Fields, schema.FieldSpec{Name: "Summary", Kind: schema.KindText})
	changes, err := s.Reconcile(ctx, def)
	if err != nil {
		t.Fatalf("Reconcile changed: %v", err)
	}
	if len(changes) != 1 || changes[0].Kind != FieldCreated {
		t.Errorf("changes = %v", Strings(changes))
	}
}

func TestCheckIntegrity(t *testing.T) {
	f := newFixture(t)
	problems, err := f.r.CheckIntegrity(context.Background())
	if err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if len(problems) != 0 {
		t.Errorf("problems = %v", problems)
	}
}

func TestSessionLockFailure(t *testing.T) {
	f := newFixture(t)
	locker := &recordingLocker{held: map[string]bool{"Page": true}}
	s := f.r.Begin(WithLocker(locker))
	defer s.Close()
	_, err := s.Reconcile(context.Background(), pageDef())
	if err == nil || !strings.Contains(err.Error(), "lock Page") {
		t.Errorf("error = %v, want lock failure", err)
	}
}
