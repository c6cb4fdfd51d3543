package enum

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/schema"
	"github.com/FocuswithJustin/sqlite3schema/core/sqlite"
)

func newRegistry(t *testing.T, opts ...Option) (*sqlite.Executor, *Registry) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "enum.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	exec := sqlite.NewExecutor(db)
	return exec, New(exec, opts...)
}

func TestUpsertSkipsUnchangedSet(t *testing.T) {
	var writes []string
	_, r := newRegistry(t, WithWriteHook(func(key string) { writes = append(writes, key) }))
	ctx := context.Background()

	wrote, err := r.Upsert(ctx, "Paint", "Colour", []string{"red", "green"})
	if err != nil || !wrote {
		t.Fatalf("first Upsert = %v, %v", wrote, err)
	}
	wrote, err = r.Upsert(ctx, "Paint", "Colour", []string{"green", "red"})
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if wrote {
		t.Error("re-registering the same set in another order should not write")
	}

	wrote, err = r.Upsert(ctx, "Paint", "Colour", []string{"red", "green", "blue"})
	if err != nil || !wrote {
		t.Fatalf("third Upsert = %v, %v", wrote, err)
	}
	got, err := r.ValuesFor(ctx, "Paint", "Colour")
	if err != nil {
		t.Fatalf("ValuesFor: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"red", "green", "blue"}) {
		t.Errorf("ValuesFor = %v", got)
	}
	if len(writes) != 2 {
		t.Errorf("writes = %v, want 2", writes)
	}
}

func TestUpsertReadsThroughFreshRegistry(t *testing.T) {
	exec, r := newRegistry(t)
	ctx := context.Background()
	if _, err := r.Upsert(ctx, "Paint", "Colour", []string{"red", "green"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// a second registry has no memo and must compare against the stored row
	other := New(exec)
	wrote, err := other.Upsert(ctx, "Paint", "Colour", []string{"red", "green"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if wrote {
		t.Error("stored set is unchanged; no write expected")
	}
}

func TestValuesForUnregistered(t *testing.T) {
	_, r := newRegistry(t)
	got, err := r.ValuesFor(context.Background(), "Paint", "Finish")
	if err != nil {
		t.Fatalf("ValuesFor: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ValuesFor = %#v, want empty slice", got)
	}
}

func TestRegister(t *testing.T) {
	_, r := newRegistry(t)
	ctx := context.Background()
	def := "Published"

	tests := []struct {
		name string
		f    schema.FieldSpec
		want string
	}{
		{"first value default", schema.FieldSpec{Name: "Status", Kind: schema.KindEnum, EnumValues: []string{"Draft", "Published"}}, "TEXT DEFAULT 'Draft'"},
		{"declared default", schema.FieldSpec{Name: "State", Kind: schema.KindEnum, EnumValues: []string{"Draft", "Published"}, Default: &def}, "TEXT DEFAULT 'Published'"},
		{"quote in value", schema.FieldSpec{Name: "Mood", Kind: schema.KindEnum, EnumValues: []string{"it's fine"}}, "TEXT DEFAULT 'it''s fine'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Register(ctx, "Page", tt.f)
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			if got != tt.want {
				t.Errorf("Register = %q, want %q", got, tt.want)
			}
		})
	}

	all, err := r.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 3 || !reflect.DeepEqual(all["Page.Status"], []string{"Draft", "Published"}) {
		t.Errorf("All = %v", all)
	}

	if _, err := r.Register(ctx, "Page", schema.FieldSpec{Name: "X", Kind: schema.KindEnum}); !errors.Is(err, dberrors.ErrInvalidInput) {
		t.Errorf("empty enum error = %v", err)
	}
	if _, err := r.Upsert(ctx, "Page", "Y", []string{"a,b"}); !errors.Is(err, dberrors.ErrInvalidInput) {
		t.Errorf("comma value error = %v", err)
	}
}

func TestDryRunDoesNotWrite(t *testing.T) {
	exec, _ := newRegistry(t)
	ctx := context.Background()
	dry := New(sqlite.NewExecutor(exec.Querier(), sqlite.WithDryRun(true)))

	wrote, err := dry.Upsert(ctx, "Paint", "Colour", []string{"red"})
	if err != nil || !wrote {
		t.Fatalf("dry Upsert = %v, %v", wrote, err)
	}
	got, err := New(exec).ValuesFor(ctx, "Paint", "Colour")
	if err != nil {
		t.Fatalf("ValuesFor: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("dry run stored %v", got)
	}
}

func TestSameSet(t *testing.T) {
	tests := []struct {
		a, b []string
		want bool
	}{
		{[]string{"a", "b"}, []string{"b", "a"}, true},
		{[]string{"a", "b"}, []string{"a", "b", "c"}, false},
		{[]string{"a", "a"}, []string{"a"}, true},
		{nil, []string{}, true},
		{[]string{"a"}, []string{"b"}, false},
	}
	for _, tt := range tests {
		if got := SameSet(tt.a, tt.b); got != tt.want {
			t.Errorf("SameSet(%v, %v) = %v", tt.a, tt.b, got)
		}
	}
}
