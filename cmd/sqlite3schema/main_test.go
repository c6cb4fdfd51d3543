package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/FocuswithJustin/sqlite3schema/core/sqlite"
)

const pageSchema = `
tables:
  - name: Page
    fields:
      - name: Title
        type: Varchar(255)
      - name: Status
        type: Enum("Draft,Published", "Draft")
      - name: Sort
        kind: int
    indexes:
      - name: Sort
`

// Test helpers

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })
	return &buf
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func testGlobals(t *testing.T) (*Globals, string) {
	t.Helper()
	dir := t.TempDir()
	return &Globals{DB: filepath.Join(dir, "test.sqlite"), LogLevel: "error"}, dir
}

func migrate(t *testing.T, g *Globals, dir string) {
	t.Helper()
	schemaPath := writeFile(t, dir, "schema.yaml", pageSchema)
	cmd := &MigrateCmd{Schema: schemaPath}
	if err := cmd.Run(g); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
}

func tableNames(t *testing.T, path string) []string {
	t.Helper()
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			t.Fatal(err)
		}
		names = append(names, n)
	}
	return names
}

func execSQL(t *testing.T, path, query string) {
	t.Helper()
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// MigrateCmd tests

func TestMigrateCmd(t *testing.T) {
	g, dir := testGlobals(t)
	out := captureStdout(t)

	migrate(t, g, dir)
	if !strings.Contains(out.String(), "Table Page: created") {
		t.Errorf("expected table creation in output, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Index Page.Sort: created") {
		t.Errorf("expected index creation in output, got:\n%s", out.String())
	}

	// A second run against the same schema is a no-op.
	out.Reset()
	migrate(t, g, dir)
	if out.Len() != 0 {
		t.Errorf("second migrate should report nothing, got:\n%s", out.String())
	}
}

func TestMigrateCmdDryRun(t *testing.T) {
	g, dir := testGlobals(t)
	g.DryRun = true
	out := captureStdout(t)

	migrate(t, g, dir)
	if !strings.Contains(out.String(), `CREATE TABLE "Page"`) {
		t.Errorf("dry run should print the planned statements, got:\n%s", out.String())
	}
	for _, n := range tableNames(t, g.DB) {
		if n == "Page" {
			t.Error("dry run should not create the table")
		}
	}
}

func TestMigrateCmdErrors(t *testing.T) {
	g, dir := testGlobals(t)
	captureStdout(t)

	if err := (&MigrateCmd{}).Run(g); err == nil {
		t.Error("expected error without a schema file")
	}
	if err := (&MigrateCmd{Schema: filepath.Join(dir, "missing.yaml")}).Run(g); err == nil {
		t.Error("expected error for missing schema file")
	}
	bad := writeFile(t, dir, "bad.yaml", "tables:\n  - name: \"sqlite_x\"\n")
	if err := (&MigrateCmd{Schema: bad}).Run(g); err == nil {
		t.Error("expected error for reserved table name")
	}
}

func TestMigrateCmdFromConfig(t *testing.T) {
	g, dir := testGlobals(t)
	schemaPath := writeFile(t, dir, "schema.yaml", pageSchema)
	g.Config = writeFile(t, dir, "config.yaml", "migrate:\n  schema_file: "+schemaPath+"\n  integrity_check: true\n")
	out := captureStdout(t)

	if err := (&MigrateCmd{}).Run(g); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out.String(), "Table Page: created") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

// InspectCmd tests

func TestInspectCmd(t *testing.T) {
	g, dir := testGlobals(t)
	captureStdout(t)
	migrate(t, g, dir)

	out := captureStdout(t)
	if err := (&InspectCmd{Tables: []string{"Page"}, Format: "json"}).Run(g); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	var views []tableView
	if err := json.Unmarshal(out.Bytes(), &views); err != nil {
		t.Fatalf("inspect output is not JSON: %v\n%s", err, out.String())
	}
	if len(views) != 1 || views[0].Name != "Page" {
		t.Fatalf("views = %+v", views)
	}
	cols := map[string]string{}
	for _, c := range views[0].Columns {
		cols[c.Name] = c.Spec
	}
	if !strings.HasPrefix(cols["Title"], "VARCHAR(255)") {
		t.Errorf("Title spec = %q", cols["Title"])
	}
	if len(views[0].Indexes) != 1 || views[0].Indexes[0].Name != "Sort" {
		t.Errorf("indexes = %+v", views[0].Indexes)
	}

	out.Reset()
	if err := (&InspectCmd{Format: "yaml"}).Run(g); err != nil {
		t.Fatalf("inspect yaml failed: %v", err)
	}
	if !strings.Contains(out.String(), "name: Page") {
		t.Errorf("yaml output missing Page:\n%s", out.String())
	}
}

// EnumsCmd tests

func TestEnumsCmd(t *testing.T) {
	g, dir := testGlobals(t)
	captureStdout(t)
	migrate(t, g, dir)

	out := captureStdout(t)
	if err := (&EnumsCmd{}).Run(g); err != nil {
		t.Fatalf("enums failed: %v", err)
	}
	if !strings.Contains(out.String(), "Page.Status: Draft, Published") {
		t.Errorf("unexpected enums output:\n%s", out.String())
	}
}

// QueryCmd tests

func TestQueryCmd(t *testing.T) {
	g, dir := testGlobals(t)
	captureStdout(t)
	migrate(t, g, dir)
	execSQL(t, g.DB, `INSERT INTO "Page" ("Title", "Sort") VALUES ('Home', 1), ('About', 2)`)

	out := captureStdout(t)
	cmd := &QueryCmd{SQL: `SELECT "Title" FROM "Page" WHERE "Sort" = ?`, Args: []string{"2"}}
	if err := cmd.Run(g); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	var row map[string]any
	if err := json.Unmarshal(out.Bytes(), &row); err != nil {
		t.Fatalf("query output is not JSON: %v\n%s", err, out.String())
	}
	if row["Title"] != "About" {
		t.Errorf("row = %v", row)
	}

	if err := (&QueryCmd{SQL: "SELECT * FROM missing"}).Run(g); err == nil {
		t.Error("expected error for missing table")
	}
}

// Table and column command tests

func TestTableCommands(t *testing.T) {
	g, dir := testGlobals(t)
	captureStdout(t)
	migrate(t, g, dir)
	execSQL(t, g.DB, `INSERT INTO "Page" ("Title") VALUES ('Home')`)

	out := captureStdout(t)
	if err := (&TableClearCmd{Table: "Page"}).Run(g); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if !strings.Contains(out.String(), "Table Page: cleared") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	if err := (&TableRenameCmd{From: "Page", To: "SiteTree"}).Run(g); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	names := strings.Join(tableNames(t, g.DB), ",")
	if !strings.Contains(names, "SiteTree") || strings.Contains(names, "Page,") {
		t.Errorf("tables after rename = %s", names)
	}

	if err := (&TableRenameCmd{From: "SiteTree", To: "bad.name"}).Run(g); err == nil {
		t.Error("expected error for invalid table name")
	}
}

func TestColumnCommands(t *testing.T) {
	g, dir := testGlobals(t)
	captureStdout(t)
	migrate(t, g, dir)
	execSQL(t, g.DB, `INSERT INTO "Page" ("Title", "Sort") VALUES ('Home', 7)`)

	if err := (&ColumnRenameCmd{Table: "Page", From: "Title", To: "Heading"}).Run(g); err != nil {
		t.Fatalf("column rename failed: %v", err)
	}
	if err := (&ColumnAlterCmd{Table: "Page", Column: "Sort", Spec: "INTEGER(11) NOT NULL DEFAULT 5"}).Run(g); err != nil {
		t.Fatalf("column alter failed: %v", err)
	}
	if err := (&ColumnDropCmd{Table: "Page", Columns: []string{"Status"}}).Run(g); err != nil {
		t.Fatalf("column drop failed: %v", err)
	}

	out := captureStdout(t)
	if err := (&QueryCmd{SQL: `SELECT * FROM "Page"`}).Run(g); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	var row map[string]any
	if err := json.Unmarshal(out.Bytes(), &row); err != nil {
		t.Fatalf("query output is not JSON: %v\n%s", err, out.String())
	}
	if row["Heading"] != "Home" {
		t.Errorf("renamed column lost data: %v", row)
	}
	if _, ok := row["Status"]; ok {
		t.Errorf("dropped column still present: %v", row)
	}
	if v, ok := row["Sort"].(float64); !ok || v != 7 {
		t.Errorf("Sort = %v", row["Sort"])
	}

	if err := (&ColumnRenameCmd{Table: "Page", From: "Missing", To: "Other"}).Run(g); err == nil {
		t.Error("expected error renaming a missing column")
	}
}

func TestColumnAlterWaitsForTableLock(t *testing.T) {
	g, dir := testGlobals(t)
	captureStdout(t)
	migrate(t, g, dir)
	g.LockTimeout = 50 * time.Millisecond

	unlock, err := localLocks.Lock(context.Background(), "Page")
	if err != nil {
		t.Fatal(err)
	}
	alter := &ColumnAlterCmd{Table: "Page", Column: "Sort", Spec: "INTEGER(11) NOT NULL DEFAULT 5"}
	err = alter.Run(g)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("alter while locked error = %v, want deadline exceeded", err)
	}
	if spec := createSQL(t, g.DB, "Page"); strings.Contains(spec, "DEFAULT 5") {
		t.Errorf("locked table was changed: %s", spec)
	}
	if err := (&TableClearCmd{Table: "Page"}).Run(g); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("clear while locked error = %v", err)
	}
	unlock()

	if err := alter.Run(g); err != nil {
		t.Fatalf("alter after release: %v", err)
	}
	if spec := createSQL(t, g.DB, "Page"); !strings.Contains(spec, "DEFAULT 5") {
		t.Errorf("alter not applied: %s", spec)
	}
}

func createSQL(t *testing.T, path, table string) string {
	t.Helper()
	db := mustOpen(t, path)
	var text string
	if err := db.QueryRow(`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&text); err != nil {
		t.Fatalf("read %s definition: %v", table, err)
	}
	return text
}

// Backup command tests

func TestBackupCommands(t *testing.T) {
	g, dir := testGlobals(t)
	captureStdout(t)
	migrate(t, g, dir)
	execSQL(t, g.DB, `INSERT INTO "Page" ("Title") VALUES ('Home')`)
	backupDir := filepath.Join(dir, "backups")

	out := captureStdout(t)
	if err := (&BackupCreateCmd{Tables: []string{"Page"}, Dir: backupDir}).Run(g); err != nil {
		t.Fatalf("backup create failed: %v", err)
	}
	snapshot := strings.TrimSpace(out.String())
	if !strings.HasSuffix(snapshot, ".sql.xz") {
		t.Fatalf("unexpected snapshot path %q", snapshot)
	}

	out.Reset()
	if err := (&BackupListCmd{Dir: backupDir}).Run(g); err != nil {
		t.Fatalf("backup list failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != snapshot {
		t.Errorf("list = %q, want %q", out.String(), snapshot)
	}

	execSQL(t, g.DB, `DROP TABLE "Page"`)
	if err := (&BackupRestoreCmd{File: snapshot}).Run(g); err != nil {
		t.Fatalf("backup restore failed: %v", err)
	}
	out.Reset()
	if err := (&QueryCmd{SQL: `SELECT "Title" FROM "Page"`}).Run(g); err != nil {
		t.Fatalf("query after restore failed: %v", err)
	}
	if !strings.Contains(out.String(), `"Home"`) {
		t.Errorf("restored rows = %s", out.String())
	}

	if err := (&BackupListCmd{}).Run(g); err == nil {
		t.Error("expected error without a backup directory")
	}
}

// CheckCmd and VersionCmd tests

func TestCheckCmd(t *testing.T) {
	g, _ := testGlobals(t)
	out := captureStdout(t)
	if err := (&CheckCmd{}).Run(g); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != "ok" {
		t.Errorf("check output = %q", out.String())
	}
}

func TestVersionCmd(t *testing.T) {
	g, _ := testGlobals(t)
	out := captureStdout(t)
	if err := (&VersionCmd{DB: true}).Run(g); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "sqlite3schema version "+version) {
		t.Errorf("missing version line:\n%s", out.String())
	}
	v, err := sqlite.Version(context.Background(), mustOpen(t, g.DB))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "sqlite "+v) {
		t.Errorf("missing engine version %s:\n%s", v, out.String())
	}
}

func mustOpen(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Globals tests

func TestGlobalsLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		g    Globals
	}{
		{"bad log level", Globals{DB: filepath.Join(dir, "a.sqlite"), LogLevel: "loud"}},
		{"missing config", Globals{Config: filepath.Join(dir, "missing.yaml")}},
		{"missing env file", Globals{EnvFile: filepath.Join(dir, "missing.env")}},
		{"control character in db path", Globals{DB: filepath.Join(dir, "a\x01.sqlite")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.g.load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReadOnlyDatabaseIsDryRun(t *testing.T) {
	g, dir := testGlobals(t)
	captureStdout(t)
	migrate(t, g, dir)

	g.Config = writeFile(t, dir, "config.yaml", "database:\n  read_only: true\n")
	out := captureStdout(t)
	if err := (&TableClearCmd{Table: "Page"}).Run(g); err != nil {
		t.Fatalf("clear on read-only database failed: %v", err)
	}
	if !strings.Contains(out.String(), `DELETE FROM "Page"`) {
		t.Errorf("expected planned DELETE, got:\n%s", out.String())
	}
}
