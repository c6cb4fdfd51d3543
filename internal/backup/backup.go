// Package backup writes xz-compressed SQL snapshots of tables so a rebuild
// can be undone by hand. A snapshot holds the stored CREATE TABLE text, one
// INSERT per row and the stored CREATE INDEX statements.
package backup

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/sqlite3schema/core/errors"
	"github.com/FocuswithJustin/sqlite3schema/core/introspect"
	"github.com/FocuswithJustin/sqlite3schema/core/rebuild"
	"github.com/FocuswithJustin/sqlite3schema/core/sqlite"
	"github.com/FocuswithJustin/sqlite3schema/core/stmt"
	"github.com/FocuswithJustin/sqlite3schema/internal/logging"
	"github.com/FocuswithJustin/sqlite3schema/internal/validation"
)

// Extension is appended to every snapshot file name.
const Extension = ".sql.xz"

// Injectable functions for testing
var (
	xzNewWriter = xz.NewWriter
	xzNewReader = xz.NewReader
	timeNow     = time.Now
)

// Dump writes a SQL script recreating tables, or every user table when none
// are named. Reads go through exec, so pass one bound to a transaction to
// dump a consistent view.
func Dump(ctx context.Context, exec *sqlite.Executor, w io.Writer, tables ...string) error {
	in := introspect.New(exec)
	if len(tables) == 0 {
		var err error
		if tables, err = in.TableList(ctx); err != nil {
			return err
		}
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "-- sqlite3schema snapshot %s\n", timeNow().UTC().Format(time.RFC3339))
	for _, table := range tables {
		if err := dumpTable(ctx, exec, in, bw, table); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func dumpTable(ctx context.Context, exec *sqlite.Executor, in *introspect.Introspector, w *bufio.Writer, table string) error {
	create, ok, err := in.CreateSQL(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFound("table", table)
	}
	fmt.Fprintf(w, "\n%s;\n", strings.TrimSpace(create))

	q := "SELECT * FROM " + stmt.QuoteIdent(table)
	rows, err := exec.Query(ctx, q)
	if err != nil {
		return err
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return errors.NewStatement(q, err)
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = stmt.QuoteIdent(c)
	}
	prefix := "INSERT INTO " + stmt.QuoteIdent(table) + " (" + strings.Join(quoted, ", ") + ") VALUES ("

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	literals := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return errors.NewStatement(q, err)
		}
		for i, v := range values {
			literals[i] = Literal(v)
		}
		fmt.Fprintf(w, "%s%s);\n", prefix, strings.Join(literals, ", "))
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return errors.NewStatement(q, err)
	}

	indexes, err := in.CurrentIndexes(ctx, table)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(indexes))
	for n := range indexes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if s := indexes[n].SQL; s != "" {
			fmt.Fprintf(w, "%s;\n", strings.TrimSpace(s))
		}
	}
	return nil
}

// Literal renders a scanned value as a SQL literal.
func Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return "NULL"
		}
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case bool:
		if x {
			return "1"
		}
		return "0"
	case []byte:
		return "X'" + strings.ToUpper(hex.EncodeToString(x)) + "'"
	case string:
		return stmt.QuoteString(x)
	case time.Time:
		return stmt.QuoteString(x.UTC().Format("2006-01-02 15:04:05"))
	default:
		return stmt.QuoteString(fmt.Sprint(x))
	}
}

// WriteXZ writes the output of fn to path, xz-compressed. The file is
// written under a temporary name and renamed into place.
func WriteXZ(path string, fn func(w io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return errors.NewIO("create", path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw, err := xzNewWriter(tmp)
	if err != nil {
		return fmt.Errorf("failed to create xz writer: %w", err)
	}
	if err = fn(zw); err != nil {
		return err
	}
	if err = zw.Close(); err != nil {
		return errors.NewIO("compress", path, err)
	}
	if err = tmp.Close(); err != nil {
		return errors.NewIO("close", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.NewIO("rename", path, err)
	}
	return nil
}

// ReadXZ returns the decompressed content of an xz file.
func ReadXZ(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIO("open", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, _ := br.Peek(6)
	if validation.DetectFileType(head, path) != validation.FileTypeXZ || len(head) < 6 {
		return nil, errors.NewValidation("snapshot", path+" is not an xz file")
	}
	zr, err := xzNewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz reader: %w", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.NewIO("decompress", path, err)
	}
	return data, nil
}

// Restore runs a snapshot script inside one transaction. The tables it
// creates must not exist yet.
func Restore(ctx context.Context, db rebuild.TxBeginner, path string) error {
	script, err := ReadXZ(path)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStatement("BEGIN", err)
	}
	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		tx.Rollback()
		return errors.NewStatement("restore "+filepath.Base(path), err)
	}
	if err := tx.Commit(); err != nil {
		return errors.NewStatement("COMMIT", err)
	}
	return nil
}

// Snapshotter writes one snapshot file per table into a directory.
type Snapshotter struct {
	dir  string
	exec *sqlite.Executor
}

// New creates a Snapshotter writing into dir, which is created if missing.
func New(dir string, exec *sqlite.Executor) (*Snapshotter, error) {
	if err := validation.ValidatePath(dir); err != nil {
		return nil, errors.NewValidation("backup dir", err.Error())
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.NewIO("mkdir", dir, err)
	}
	return &Snapshotter{dir: dir, exec: exec}, nil
}

// Path returns the snapshot path for table at t.
func (s *Snapshotter) Path(table string, t time.Time) (string, error) {
	name, err := validation.SanitizeFilename(table + "-" + t.UTC().Format("20060102T150405.000000000") + Extension)
	if err != nil {
		return "", err
	}
	rel, err := validation.SanitizePath(s.dir, name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, rel), nil
}

// Snapshot dumps tables into one file and returns its path. With one table
// the file is named after it; otherwise it is named "database".
func (s *Snapshotter) Snapshot(ctx context.Context, tables ...string) (string, error) {
	label := "database"
	if len(tables) == 1 {
		label = tables[0]
	}
	path, err := s.Path(label, timeNow())
	if err != nil {
		return "", err
	}
	start := time.Now()
	err = WriteXZ(path, func(w io.Writer) error {
		return Dump(ctx, s.exec, w, tables...)
	})
	if err != nil {
		return "", err
	}
	logging.Info("snapshot_written", "path", path, "tables", len(tables), "duration_ms", time.Since(start).Milliseconds())
	return path, nil
}

// BeforeRebuild is a rebuild hook that snapshots the table about to be
// rebuilt. A failed snapshot cancels the rebuild.
func (s *Snapshotter) BeforeRebuild(ctx context.Context, table string) error {
	_, err := s.Snapshot(ctx, table)
	return err
}

// List returns the snapshot files in the directory sorted by name, which
// orders each table's snapshots oldest first.
func (s *Snapshotter) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.NewIO("read dir", s.dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), Extension) {
			out = append(out, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
