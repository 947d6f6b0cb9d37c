// Package store implements the coordinator mediating between entitykit
// contexts and the physical SQL store. It opens the database named by a store
// URL, materializes the schema model as tables, and compiles the per-entity
// statements the facade layers run.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/entitykit/entitykit/model"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNotAffected = errors.New("not affected by insert/update/delete")
)

// Option names recognized by Open.
const (
	// OptAutomaticMigration enables lightweight migration: attributes added
	// to the model since the store was created are added as columns.
	OptAutomaticMigration = "automatic_migration"
	// OptJournalMode sets the SQLite journal_mode pragma (e.g. "WAL").
	OptJournalMode = "journal_mode"
	// OptBusyTimeoutMS sets the SQLite busy_timeout pragma in milliseconds.
	OptBusyTimeoutMS = "busy_timeout_ms"
	// OptForeignKeys toggles SQLite foreign key enforcement. Default on.
	OptForeignKeys = "foreign_keys"
	// OptMaxOpenConns caps the connection pool. Defaults to 1 for SQLite.
	OptMaxOpenConns = "max_open_conns"
)

// Options maps option names to their effect. Unknown names are ignored.
type Options map[string]any

func (o Options) boolean(key string, def bool) bool {
	v, ok := o[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func (o Options) integer(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (o Options) text(key string) string {
	s, _ := o[key].(string)
	return s
}

// Coordinator owns the database handle, the model it was opened with and the
// compiled statement set for each entity. A coordinator is safe to share
// between contexts.
type Coordinator struct {
	db      *sql.DB
	model   *model.Model
	dialect dialect
	tq      compiler
	log     *slog.Logger

	mu    sync.Mutex
	stmts map[string]*Statements
}

// Open opens (creating if necessary) the store at url and brings its schema
// in line with m. The URL scheme selects the driver: postgres:// and
// postgresql:// use lib/pq, which the caller must link; anything else is
// treated as a SQLite database path. Open fails if the existing schema is
// missing model columns and automatic migration is not enabled.
func Open(url string, m *model.Model, opts Options, log *slog.Logger) (*Coordinator, error) {
	if m == nil {
		return nil, errors.New("open store: nil model")
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	driver, dsn := driverFor(url)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect store: %w", err)
	}

	d := dialects[driver]

	if driver == "sqlite3" {
		// SQLite supports a single writer; keep the pool at one connection
		// unless the caller asks otherwise.
		db.SetMaxOpenConns(opts.integer(OptMaxOpenConns, 1))
		if err := applyPragmas(db, opts); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure store: %w", err)
		}
	} else if n := opts.integer(OptMaxOpenConns, 0); n > 0 {
		db.SetMaxOpenConns(n)
	}

	c := &Coordinator{
		db:      db,
		model:   m,
		dialect: d,
		tq:      newCompiler(d.placeholder),
		stmts:   make(map[string]*Statements, len(m.Entities)),
		log:     log,
	}

	if err := c.migrate(opts.boolean(OptAutomaticMigration, false)); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("store opened", "url", url, "driver", driver, "entities", len(m.Entities))

	return c, nil
}

// DB exposes the underlying handle for direct queries. Prefer the facade.
func (c *Coordinator) DB() *sql.DB {
	return c.db
}

// Model returns the schema the coordinator was opened with.
func (c *Coordinator) Model() *model.Model {
	return c.model
}

// Begin starts a transaction on the store.
func (c *Coordinator) Begin(ctx context.Context) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, nil)
}

// Close closes the database handle.
func (c *Coordinator) Close() error {
	return c.db.Close()
}

// Statements returns the memoized statement set for the named entity.
func (c *Coordinator) Statements(entity string) (*Statements, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.stmts[entity]; ok {
		return s, nil
	}
	ent, err := c.model.Entity(entity)
	if err != nil {
		return nil, err
	}
	s := newStatements(c, ent)
	c.stmts[entity] = s
	return s, nil
}

func driverFor(url string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url
	case strings.HasPrefix(url, "sqlite3://"):
		return "sqlite3", strings.TrimPrefix(url, "sqlite3://")
	default:
		return "sqlite3", url
	}
}

func applyPragmas(db *sql.DB, opts Options) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.integer(OptBusyTimeoutMS, 5000)),
	}
	if opts.boolean(OptForeignKeys, true) {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	if mode := opts.text(OptJournalMode); mode != "" {
		pragmas = append(pragmas, "PRAGMA journal_mode = "+mode)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// migrate creates missing tables and, when automatic migration is on, adds
// columns for attributes that joined the model after the table was created.
func (c *Coordinator) migrate(automatic bool) error {
	for _, ent := range c.model.Entities {
		if _, err := c.db.Exec(c.createTableSQL(ent)); err != nil {
			return fmt.Errorf("create table %q: %w", ent.TableName(), err)
		}

		missing, err := c.missingColumns(ent)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			continue
		}
		if !automatic {
			return fmt.Errorf("store schema out of date: table %q is missing columns %v (enable %s)",
				ent.TableName(), missing, OptAutomaticMigration)
		}
		for _, col := range missing {
			attr, _ := ent.Attribute(col)
			ddl := fmt.Sprintf("ALTER TABLE %q ADD COLUMN %q %s", ent.TableName(), col, c.dialect.columnType(attr.Type))
			if _, err := c.db.Exec(ddl); err != nil {
				return fmt.Errorf("migrate table %q: %w", ent.TableName(), err)
			}
			c.log.Info("store migrated", "table", ent.TableName(), "column", col)
		}
	}
	return nil
}

func (c *Coordinator) createTableSQL(ent model.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %q (\n", ent.TableName())
	fmt.Fprintf(&b, "\t%q TEXT PRIMARY KEY", model.ColumnPK)
	if ent.Remote {
		fmt.Fprintf(&b, ",\n\t%q %s", model.ColumnCreatedAt, c.dialect.columnType(model.Time))
		fmt.Fprintf(&b, ",\n\t%q %s", model.ColumnUpdatedAt, c.dialect.columnType(model.Time))
	}
	for _, a := range ent.Attributes {
		fmt.Fprintf(&b, ",\n\t%q %s", a.Name, c.dialect.columnType(a.Type))
	}
	b.WriteString("\n);")
	return b.String()
}

func (c *Coordinator) missingColumns(ent model.Entity) ([]string, error) {
	present, err := c.dialect.tableColumns(c.db, ent.TableName())
	if err != nil {
		return nil, fmt.Errorf("inspect table %q: %w", ent.TableName(), err)
	}
	var missing []string
	for _, col := range ent.Columns() {
		if _, ok := present[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing, nil
}
