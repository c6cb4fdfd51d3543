// Command sqlite3schema reconciles declared table schemas against a SQLite
// database and provides the column, table and snapshot operations built on
// the same rebuild engine.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	rdb "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/FocuswithJustin/sqlite3schema/core/coalesce"
	"github.com/FocuswithJustin/sqlite3schema/core/enum"
	"github.com/FocuswithJustin/sqlite3schema/core/introspect"
	"github.com/FocuswithJustin/sqlite3schema/core/rebuild"
	"github.com/FocuswithJustin/sqlite3schema/core/reconcile"
	"github.com/FocuswithJustin/sqlite3schema/core/render"
	"github.com/FocuswithJustin/sqlite3schema/core/sqlite"
	"github.com/FocuswithJustin/sqlite3schema/internal/backup"
	"github.com/FocuswithJustin/sqlite3schema/internal/config"
	"github.com/FocuswithJustin/sqlite3schema/internal/lock"
	"github.com/FocuswithJustin/sqlite3schema/internal/logging"
	"github.com/FocuswithJustin/sqlite3schema/internal/metrics"
	"github.com/FocuswithJustin/sqlite3schema/internal/schemafile"
	"github.com/FocuswithJustin/sqlite3schema/internal/validation"
)

const version = "0.1.0"

// Injectable for testing
var stdout io.Writer = os.Stdout

// localLocks serializes table changes between commands run in this process
// when no shared lock backend is configured.
var localLocks = lock.NewLocal()

// Globals are the flags shared by every command. Flags override the config
// file, which overrides the built-in defaults.
type Globals struct {
	Config    string `name:"config" short:"c" help:"YAML config file" type:"path"`
	EnvFile   string `name:"env-file" help:"Load environment variables from this file" type:"path"`
	DB        string `name:"db" short:"d" help:"Database path (overrides config)"`
	DryRun    bool   `name:"dry-run" short:"n" help:"Plan writes without executing them"`
	LogLevel  string `name:"log-level" help:"debug|info|warn|error"`
	LogFormat string `name:"log-format" help:"json|text"`

	LockTimeout time.Duration `name:"lock-timeout" help:"Give up waiting for a table lock after this long (0 waits forever)"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Migrate MigrateCmd  `cmd:"" help:"Reconcile the database against a schema file"`
	Inspect InspectCmd  `cmd:"" help:"Show the observed schema of tables"`
	Enums   EnumsCmd    `cmd:"" help:"List registered enum value sets"`
	Query   QueryCmd    `cmd:"" help:"Run a query and print coalesced rows"`
	Table   TableGroup  `cmd:"" help:"Whole-table operations"`
	Column  ColumnGroup `cmd:"" help:"Single-column operations (rebuild by copy)"`
	Backup  BackupGroup `cmd:"" help:"Table snapshots"`
	Check   CheckCmd    `cmd:"" help:"Run the engine integrity check"`
	Version VersionCmd  `cmd:"" help:"Print version information"`
}

// TableGroup contains whole-table operations.
type TableGroup struct {
	Clear  TableClearCmd  `cmd:"" help:"Delete every row of a table"`
	Rename TableRenameCmd `cmd:"" help:"Rename a table"`
}

// ColumnGroup contains single-column operations.
type ColumnGroup struct {
	Rename ColumnRenameCmd `cmd:"" help:"Rename a column, keeping its data"`
	Alter  ColumnAlterCmd  `cmd:"" help:"Replace a column definition"`
	Drop   ColumnDropCmd   `cmd:"" help:"Drop columns and their data"`
}

// BackupGroup contains snapshot operations.
type BackupGroup struct {
	Create  BackupCreateCmd  `cmd:"" help:"Write an xz-compressed SQL snapshot"`
	Restore BackupRestoreCmd `cmd:"" help:"Run a snapshot into the database"`
	List    BackupListCmd    `cmd:"" help:"List snapshots in the backup directory"`
}

// load resolves the effective configuration and initializes logging.
func (g *Globals) load() (*config.Config, error) {
	if g.EnvFile != "" {
		if err := config.LoadEnvFile(g.EnvFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.DB != "" {
		cfg.Database.Path = g.DB
	}
	if g.DryRun {
		cfg.Migrate.DryRun = true
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validation.ValidatePath(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	logging.InitLoggerTo(os.Stderr, level, format)
	return cfg, nil
}

// app is the wired migration stack for one command invocation.
type app struct {
	cfg     *config.Config
	db      *sql.DB
	exec    *sqlite.Executor
	enums   *enum.Registry
	engine  *rebuild.Engine
	rec     *reconcile.Reconciler
	snap    *backup.Snapshotter
	metrics *metrics.Metrics
	locker  reconcile.Locker
	redis   *rdb.Client
}

func (g *Globals) open(ctx context.Context) (*app, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, metrics: metrics.New()}

	if cfg.Database.ReadOnly {
		a.db, err = sqlite.OpenReadOnly(cfg.Database.Path)
	} else {
		a.db, err = sqlite.Open(cfg.Database.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Database.Path, err)
	}

	a.exec = sqlite.NewExecutor(a.db,
		sqlite.WithLogger(logging.GetLogger()),
		sqlite.WithDryRun(cfg.Migrate.DryRun),
		sqlite.WithObserver(a.metrics),
	)
	a.enums = enum.New(a.exec, enum.WithTTL(cfg.Enum.CacheTTL), enum.WithWriteHook(a.metrics.EnumWrite))

	opts := []rebuild.Option{
		rebuild.WithObserver(func(table string, d time.Duration, err error) {
			a.metrics.Rebuild(table, d, err)
			// the engine logs successful rebuilds itself
			if err != nil {
				logging.Rebuild(table, d, err)
			}
		}),
	}
	if cfg.Migrate.BackupDir != "" {
		a.snap, err = backup.New(cfg.Migrate.BackupDir, a.exec)
		if err != nil {
			a.db.Close()
			return nil, err
		}
		opts = append(opts, rebuild.WithBeforeRebuild(a.snap.BeforeRebuild))
	}
	a.engine = rebuild.New(a.db, a.exec, opts...)
	a.rec = reconcile.New(a.exec, render.New(a.enums), a.engine,
		reconcile.WithObserver(func(table string, changes []reconcile.Change, d time.Duration, err error) {
			a.metrics.ObserveReconcile(table, changes, d, err)
			for _, c := range changes {
				logging.Change(c.Table, string(c.Kind), c.String())
			}
		}),
	)

	switch cfg.Lock.Backend {
	case "redis":
		a.redis, err = lock.Dial(ctx, cfg.Lock.Redis.Addr, cfg.Lock.Redis.DB)
		if err != nil {
			a.db.Close()
			return nil, err
		}
		a.locker = lock.NewRedis(a.redis, cfg.Lock.Redis.Prefix, cfg.Lock.Redis.TTL)
	default:
		a.locker = localLocks
	}
	return a, nil
}

// close flushes metrics and releases the database and Redis handles.
func (a *app) close() error {
	a.metrics.Finish(time.Now())
	var firstErr error
	if a.cfg.Metrics.Textfile != "" {
		firstErr = a.metrics.WriteTextfile(a.cfg.Metrics.Textfile)
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// printPlan lists the statements recorded during a dry run.
func (a *app) printPlan() {
	if !a.exec.DryRun() {
		return
	}
	for _, s := range a.exec.Planned() {
		fmt.Fprintf(stdout, "%s;\n", s)
	}
}

// MigrateCmd reconciles every table in a schema file.
type MigrateCmd struct {
	Schema         string `arg:"" optional:"" help:"Schema file (YAML, JSON or XML); defaults to migrate.schema_file" type:"path"`
	IntegrityCheck bool   `name:"integrity-check" help:"Run PRAGMA integrity_check before the first change"`
}

func (c *MigrateCmd) Run(g *Globals) (err error) {
	ctx := logging.WithRunID(context.Background(), uuid.NewString())
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()

	path := c.Schema
	if path == "" {
		path = a.cfg.Migrate.SchemaFile
	}
	if path == "" {
		return fmt.Errorf("no schema file given")
	}
	defs, err := schemafile.Load(path)
	if err != nil {
		return err
	}

	logging.MigrationStartup(a.cfg.Database.Path, sqlite.DriverName(), a.cfg.Migrate.DryRun, "tables", len(defs))
	start := time.Now()
	s := a.rec.Begin(
		reconcile.WithLocker(a.locker),
		reconcile.WithIntegrityCheck(c.IntegrityCheck || a.cfg.Migrate.IntegrityCheck),
	)
	defer s.Close()

	changes, err := s.ReconcileAll(ctx, defs)
	for _, ch := range changes {
		fmt.Fprintln(stdout, ch.String())
	}
	a.printPlan()
	if err != nil {
		logging.ErrorContext(ctx, "migration failed", "error", err, "changes", len(changes))
		return err
	}
	logging.InfoContext(ctx, "migration complete", "tables", len(defs), "changes", len(changes),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// InspectCmd prints observed table schemas.
type InspectCmd struct {
	Tables []string `arg:"" optional:"" help:"Tables to inspect (default: all)"`
	Format string   `help:"Output format" enum:"yaml,json" default:"yaml"`
}

type columnView struct {
	Name string `yaml:"name" json:"name"`
	Spec string `yaml:"spec" json:"spec"`
}

type indexView struct {
	Name    string   `yaml:"name" json:"name"`
	Columns []string `yaml:"columns" json:"columns"`
	Unique  bool     `yaml:"unique,omitempty" json:"unique,omitempty"`
	Partial bool     `yaml:"partial,omitempty" json:"partial,omitempty"`
}

type tableView struct {
	Name    string       `yaml:"name" json:"name"`
	Columns []columnView `yaml:"columns" json:"columns"`
	Indexes []indexView  `yaml:"indexes,omitempty" json:"indexes,omitempty"`
}

func (c *InspectCmd) Run(g *Globals) (err error) {
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()

	in := introspect.New(a.exec)
	tables := c.Tables
	if len(tables) == 0 {
		if tables, err = in.TableList(ctx); err != nil {
			return err
		}
	}
	views := make([]tableView, 0, len(tables))
	for _, t := range tables {
		ts, err := in.Describe(ctx, t)
		if err != nil {
			return err
		}
		v := tableView{Name: ts.Name}
		for _, col := range ts.Columns {
			v.Columns = append(v.Columns, columnView{Name: col.Name, Spec: col.Spec})
		}
		for _, n := range ts.IndexNames() {
			idx := ts.Indexes[n]
			v.Indexes = append(v.Indexes, indexView{Name: n, Columns: idx.Columns, Unique: idx.Unique, Partial: idx.Partial})
		}
		views = append(views, v)
	}
	return encode(c.Format, views)
}

func encode(format string, v any) error {
	if format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// EnumsCmd lists the enum side table.
type EnumsCmd struct{}

func (c *EnumsCmd) Run(g *Globals) (err error) {
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()

	all, err := a.enums.All(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(stdout, "%s: %s\n", k, strings.Join(all[k], ", "))
	}
	return nil
}

// QueryCmd runs a read query and prints one JSON object per row, with
// same-named columns from joined tables folded together.
type QueryCmd struct {
	SQL  string   `arg:"" help:"Query text"`
	Args []string `arg:"" optional:"" help:"Positional query arguments"`
}

func (c *QueryCmd) Run(g *Globals) (err error) {
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()

	args := make([]any, len(c.Args))
	for i, v := range c.Args {
		args[i] = v
	}
	rows, err := coalesce.Query(ctx, a.db, c.SQL, args...)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// TableClearCmd deletes every row of a table.
type TableClearCmd struct {
	Table string `arg:"" help:"Table name"`
}

func (c *TableClearCmd) Run(g *Globals) error {
	return withTables(g, []string{c.Table}, func(ctx context.Context, a *app) error {
		ch, err := a.rec.ClearTable(ctx, c.Table)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, ch.String())
		return nil
	})
}

// TableRenameCmd renames a table.
type TableRenameCmd struct {
	From string `arg:"" help:"Current table name"`
	To   string `arg:"" help:"New table name"`
}

func (c *TableRenameCmd) Run(g *Globals) error {
	if err := validation.ValidateIdentifier(c.To); err != nil {
		return err
	}
	return withTables(g, []string{c.From, c.To}, func(ctx context.Context, a *app) error {
		ch, err := a.rec.RenameTable(ctx, c.From, c.To)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, ch.String())
		return nil
	})
}

// ColumnRenameCmd renames one column.
type ColumnRenameCmd struct {
	Table string `arg:"" help:"Table name"`
	From  string `arg:"" help:"Current column name"`
	To    string `arg:"" help:"New column name"`
}

func (c *ColumnRenameCmd) Run(g *Globals) error {
	if err := validation.ValidateIdentifier(c.To); err != nil {
		return err
	}
	return withTables(g, []string{c.Table}, func(ctx context.Context, a *app) error {
		return a.engine.RenameColumn(ctx, c.Table, c.From, c.To)
	})
}

// ColumnAlterCmd replaces one column's definition.
type ColumnAlterCmd struct {
	Table  string `arg:"" help:"Table name"`
	Column string `arg:"" help:"Column name"`
	Spec   string `arg:"" help:"New column definition, e.g. \"VARCHAR(100) NOT NULL DEFAULT ''\""`
}

func (c *ColumnAlterCmd) Run(g *Globals) error {
	return withTables(g, []string{c.Table}, func(ctx context.Context, a *app) error {
		return a.engine.AlterColumn(ctx, c.Table, c.Column, c.Spec)
	})
}

// ColumnDropCmd drops columns.
type ColumnDropCmd struct {
	Table   string   `arg:"" help:"Table name"`
	Columns []string `arg:"" help:"Columns to drop"`
}

func (c *ColumnDropCmd) Run(g *Globals) error {
	return withTables(g, []string{c.Table}, func(ctx context.Context, a *app) error {
		return a.engine.DropColumns(ctx, c.Table, c.Columns...)
	})
}

// withApp runs fn with a wired app, followed by the dry-run plan.
func withApp(g *Globals, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()
	if err := fn(ctx, a); err != nil {
		return err
	}
	a.printPlan()
	return nil
}

// withTables is withApp holding the table lock of every named table, the
// same lock a migration takes, so no two processes change a table at once.
func withTables(g *Globals, tables []string, fn func(ctx context.Context, a *app) error) error {
	keys := append([]string(nil), tables...)
	sort.Strings(keys)
	return withApp(g, func(ctx context.Context, a *app) error {
		for i, key := range keys {
			if i > 0 && key == keys[i-1] {
				continue
			}
			unlock, err := lockTable(ctx, a.locker, key, g.LockTimeout)
			if err != nil {
				return err
			}
			defer unlock()
		}
		return fn(ctx, a)
	})
}

// lockTable acquires key, waiting at most timeout when it is positive.
func lockTable(ctx context.Context, l reconcile.Locker, key string, timeout time.Duration) (func(), error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return unlock, nil
}

// BackupCreateCmd writes a snapshot.
type BackupCreateCmd struct {
	Tables []string `arg:"" optional:"" help:"Tables to snapshot (default: all)"`
	Dir    string   `help:"Backup directory (overrides migrate.backup_dir)" type:"path"`
}

func (c *BackupCreateCmd) Run(g *Globals) error {
	return withApp(g, func(ctx context.Context, a *app) error {
		snap, err := a.snapshotter(c.Dir)
		if err != nil {
			return err
		}
		path, err := snap.Snapshot(ctx, c.Tables...)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, path)
		return nil
	})
}

// BackupRestoreCmd runs a snapshot script.
type BackupRestoreCmd struct {
	File string `arg:"" help:"Snapshot file" type:"existingfile"`
}

func (c *BackupRestoreCmd) Run(g *Globals) error {
	return withApp(g, func(ctx context.Context, a *app) error {
		if a.exec.DryRun() {
			script, err := backup.ReadXZ(c.File)
			if err != nil {
				return err
			}
			_, err = stdout.Write(script)
			return err
		}
		return backup.Restore(ctx, a.db, c.File)
	})
}

// BackupListCmd lists snapshot files.
type BackupListCmd struct {
	Dir string `help:"Backup directory (overrides migrate.backup_dir)" type:"path"`
}

func (c *BackupListCmd) Run(g *Globals) error {
	return withApp(g, func(ctx context.Context, a *app) error {
		snap, err := a.snapshotter(c.Dir)
		if err != nil {
			return err
		}
		files, err := snap.List()
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintln(stdout, f)
		}
		return nil
	})
}

func (a *app) snapshotter(dir string) (*backup.Snapshotter, error) {
	if dir == "" {
		if a.snap != nil {
			return a.snap, nil
		}
		return nil, fmt.Errorf("no backup directory: pass --dir or set migrate.backup_dir")
	}
	return backup.New(dir, a.exec)
}

// CheckCmd runs the integrity check.
type CheckCmd struct{}

func (c *CheckCmd) Run(g *Globals) error {
	return withApp(g, func(ctx context.Context, a *app) error {
		problems, err := a.rec.CheckIntegrity(ctx)
		if err != nil {
			return err
		}
		if len(problems) == 0 {
			fmt.Fprintln(stdout, "ok")
			return nil
		}
		for _, p := range problems {
			fmt.Fprintln(stdout, p)
		}
		return fmt.Errorf("integrity check reported %d problem(s)", len(problems))
	})
}

// VersionCmd prints version information.
type VersionCmd struct {
	DB bool `name:"engine" help:"Also open the database and print the engine version"`
}

func (c *VersionCmd) Run(g *Globals) error {
	info := sqlite.GetInfo()
	fmt.Fprintf(stdout, "sqlite3schema version %s (driver %s, %s)\n", version, info.DriverName, info.Package)
	if !c.DB {
		return nil
	}
	return withApp(g, func(ctx context.Context, a *app) error {
		v, err := sqlite.Version(ctx, a.db)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "sqlite %s\n", v)
		return nil
	})
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("sqlite3schema"),
		kong.Description("Reconcile declared table schemas against a SQLite database"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Bind(&cli.Globals),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
