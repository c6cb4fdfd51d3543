package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dberrors "github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/sqlite"
)

func openDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, s := range []string{
		`CREATE TABLE "Page" ("ID" INTEGER PRIMARY KEY AUTOINCREMENT, "Title" VARCHAR(255), "Score" REAL, "Data" BLOB)`,
		`CREATE UNIQUE INDEX "Page.Title" ON "Page" ("Title")`,
		`INSERT INTO "Page" ("Title", "Score", "Data") VALUES ('It''s here', 1.5, X'00FF'), ('Second', NULL, NULL)`,
		`CREATE TABLE "Member" ("ID" INTEGER PRIMARY KEY, "Email" TEXT)`,
		`INSERT INTO "Member" VALUES (7, 'a@example.com')`,
	} {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
}

func TestLiteral(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "NULL"},
		{int64(-3), "-3"},
		{1.5, "1.5"},
		{float64(2), "2.0"},
		{true, "1"},
		{[]byte{0x00, 0xab}, "X'00AB'"},
		{"it's", "'it''s'"},
		{time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC), "'2026-10-19 08:30:00'"},
	}
	for _, tt := range tests {
		if got := Literal(tt.in); got != tt.want {
			t.Errorf("Literal(%#v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDump(t *testing.T) {
	db := openDB(t, "dump.db")
	seed(t, db)
	var buf bytes.Buffer
	if err := Dump(context.Background(), sqlite.NewExecutor(db), &buf, "Page"); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`CREATE TABLE "Page"`,
		`INSERT INTO "Page" ("ID", "Title", "Score", "Data") VALUES (1, 'It''s here', 1.5, X'00FF');`,
		`VALUES (2, 'Second', NULL, NULL);`,
		`CREATE UNIQUE INDEX "Page.Title"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Member") {
		t.Error("dump of Page should not include Member")
	}

	if err := Dump(context.Background(), sqlite.NewExecutor(db), io.Discard, "Nope"); !errors.Is(err, dberrors.ErrNotFound) {
		t.Errorf("Dump(missing) error = %v", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	db := openDB(t, "source.db")
	seed(t, db)
	ctx := context.Background()

	old := timeNow
	timeNow = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	defer func() { timeNow = old }()

	dir := filepath.Join(t.TempDir(), "snapshots")
	s, err := New(dir, sqlite.NewExecutor(db))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if filepath.Base(path) != "database-20261019T120000.000000000.sql.xz" {
		t.Errorf("path = %s", path)
	}
	if err := s.BeforeRebuild(ctx, "Member"); err != nil {
		t.Fatalf("BeforeRebuild: %v", err)
	}
	list, err := s.List()
	if err != nil || len(list) != 2 {
		t.Fatalf("List = %v, %v", list, err)
	}

	target := openDB(t, "target.db")
	if err := Restore(ctx, target, path); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	var title string
	var score float64
	if err := target.QueryRow(`SELECT "Title", "Score" FROM "Page" WHERE "ID" = 1`).Scan(&title, &score); err != nil {
		t.Fatalf("query restored: %v", err)
	}
	if title != "It's here" || score != 1.5 {
		t.Errorf("restored row = %q, %v", title, score)
	}
	var email string
	if err := target.QueryRow(`SELECT "Email" FROM "Member" WHERE "ID" = 7`).Scan(&email); err != nil || email != "a@example.com" {
		t.Errorf("restored member = %q, %v", email, err)
	}
	if _, err := target.Exec(`INSERT INTO "Page" ("Title") VALUES ('Second')`); err == nil {
		t.Error("unique index should have been restored")
	}

	// restoring again collides with the existing tables and rolls back
	if err := Restore(ctx, target, path); !errors.Is(err, dberrors.ErrStatement) {
		t.Errorf("second Restore error = %v", err)
	}
}

func TestReadXZRejectsPlainFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.sql.xz")
	if err := os.WriteFile(path, []byte("CREATE TABLE x (a);"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadXZ(path); !errors.Is(err, dberrors.ErrInvalidInput) {
		t.Errorf("ReadXZ(plain) error = %v", err)
	}
}

func TestWriteXZRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.sql.xz")
	boom := errors.New("boom")
	if err := WriteXZ(path, func(io.Writer) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("WriteXZ error = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("leftover files: %v", entries)
	}

	if err := WriteXZ(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "SELECT 1;")
		return err
	}); err != nil {
		t.Fatalf("WriteXZ: %v", err)
	}
	data, err := ReadXZ(path)
	if err != nil || string(data) != "SELECT 1;" {
		t.Errorf("ReadXZ = %q, %v", data, err)
	}
}
