package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/VauntDev/tqla"
	"github.com/blockloop/scan/v2"

	"github.com/entitykit/entitykit/model"
)

// compiler is the slice of the tqla API the statement layer uses.
type compiler interface {
	Compile(stmt string, data any) (string, []any, error)
}

func newCompiler(p tqla.Placeholder) compiler {
	tq, _ := tqla.New(tqla.WithPlaceHolder(p))
	return tq
}

type txKey struct{}

// WithTransaction routes every statement run with the returned context
// through tx instead of the coordinator's pool.
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txValue(ctx context.Context) *sql.Tx {
	tx := ctx.Value(txKey{})
	if tx == nil {
		return nil
	}
	return tx.(*sql.Tx)
}

type preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func (c *Coordinator) preparer(ctx context.Context) preparer {
	if tx := txValue(ctx); tx != nil {
		return tx
	}
	return c.db
}

// Template data shapes. Values maps are keyed by column name so templates can
// reference {{.M.column}}; args carry lookup keys.
type (
	valuesData struct{ M map[string]any }
	updateData struct {
		M map[string]any
		A pkArg
	}
	pkArg  struct{ PK string }
	keyArg struct{ A struct{ Key any } }
	idsArg struct{ A struct{ IDs []any } }
)

// Statements is the compiled statement set for one entity. Instances are
// memoized by the coordinator.
type Statements struct {
	c   *Coordinator
	ent model.Entity

	insertTpl string
	updateTpl string
	deleteTpl string

	mu          sync.Mutex
	selectByTpl map[string]string
}

func newStatements(c *Coordinator, ent model.Entity) *Statements {
	return &Statements{
		c:           c,
		ent:         ent,
		insertTpl:   insertTemplate(ent),
		updateTpl:   updateTemplate(ent),
		deleteTpl:   deleteTemplate(ent),
		selectByTpl: make(map[string]string, 1),
	}
}

// Entity returns the model entity the statements were built for.
func (s *Statements) Entity() model.Entity {
	return s.ent
}

// FetchByKey reads the single row whose column equals key into dest, a
// pointer to the entity struct. Returns ErrNotFound when no row matches.
func (s *Statements) FetchByKey(ctx context.Context, dest any, column string, key any) error {
	tpl, err := s.selectByTemplate(column)
	if err != nil {
		return err
	}
	var data keyArg
	data.A.Key = key

	rows, err := s.query(ctx, tpl, data)
	if err != nil {
		return err
	}

	err = scan.RowStrict(dest, rows)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("scan one row: %w", err)
	}
	return nil
}

// FetchByKeys reads every row whose column is contained in keys into dest, a
// pointer to a slice of entity structs. Missing keys are simply absent from
// the result.
func (s *Statements) FetchByKeys(ctx context.Context, dest any, column string, keys []any) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.checkColumn(column); err != nil {
		return err
	}

	exprs := make([]string, len(keys))
	for i := range keys {
		exprs[i] = fmt.Sprintf("{{index .A.IDs %d}}", i)
	}
	tpl := fmt.Sprintf(`SELECT %s FROM %q WHERE %q IN (%s);`,
		quotedColumns(s.ent), s.ent.TableName(), column, strings.Join(exprs, ", "))

	var data idsArg
	data.A.IDs = keys

	rows, err := s.query(ctx, tpl, data)
	if err != nil {
		return err
	}
	if err := scan.RowsStrict(dest, rows); err != nil {
		return fmt.Errorf("scan rows: %w", err)
	}
	return nil
}

// FetchAll reads every row of the entity's table into dest, a pointer to a
// slice of entity structs, ordered by sort (which may be nil).
func (s *Statements) FetchAll(ctx context.Context, dest any, sort []model.Sort) error {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT %s FROM %q`, quotedColumns(s.ent), s.ent.TableName())
	for i, sd := range sort {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		dir := "ASC"
		if sd.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&b, "%q %s", sd.Attribute, dir)
	}
	b.WriteString(";")

	rows, err := s.query(ctx, b.String(), struct{}{})
	if err != nil {
		return err
	}
	if err := scan.RowsStrict(dest, rows); err != nil {
		return fmt.Errorf("scan rows: %w", err)
	}
	return nil
}

// Insert writes a new row from values, which must contain every column of
// the entity including pk.
func (s *Statements) Insert(ctx context.Context, values map[string]any) error {
	return s.affect(ctx, s.insertTpl, valuesData{M: values})
}

// Update overwrites the row identified by pk with values. Returns
// ErrNotAffected when the row has vanished.
func (s *Statements) Update(ctx context.Context, pk string, values map[string]any) error {
	if len(s.ent.Columns()) == 1 {
		// pk-only table, nothing to set
		return nil
	}
	return s.affect(ctx, s.updateTpl, updateData{M: values, A: pkArg{PK: pk}})
}

// Delete removes the row identified by pk. Returns ErrNotAffected when no
// such row exists.
func (s *Statements) Delete(ctx context.Context, pk string) error {
	return s.affect(ctx, s.deleteTpl, updateData{A: pkArg{PK: pk}})
}

func (s *Statements) affect(ctx context.Context, tpl string, data any) error {
	stmtRaw, stmtA, err := s.c.tq.Compile(tpl, data)
	if err != nil {
		return fmt.Errorf("compile query template: %w", err)
	}

	stmt, err := s.c.preparer(ctx).PrepareContext(ctx, stmtRaw)
	if err != nil {
		return fmt.Errorf("prepare query: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, stmtA...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err == nil && n <= 0 {
		return ErrNotAffected
	}
	return nil
}

func (s *Statements) query(ctx context.Context, tpl string, data any) (*sql.Rows, error) {
	stmtRaw, stmtA, err := s.c.tq.Compile(tpl, data)
	if err != nil {
		return nil, fmt.Errorf("compile query template: %w", err)
	}

	stmt, err := s.c.preparer(ctx).PrepareContext(ctx, stmtRaw)
	if err != nil {
		return nil, fmt.Errorf("prepare query: %w", err)
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx, stmtA...)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	return rows, nil
}

func (s *Statements) selectByTemplate(column string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tpl, ok := s.selectByTpl[column]; ok {
		return tpl, nil
	}
	if err := s.checkColumn(column); err != nil {
		return "", err
	}
	tpl := fmt.Sprintf(`SELECT %s FROM %q WHERE %q = {{.A.Key}};`,
		quotedColumns(s.ent), s.ent.TableName(), column)
	s.selectByTpl[column] = tpl
	return tpl, nil
}

func (s *Statements) checkColumn(column string) error {
	for _, col := range s.ent.Columns() {
		if col == column {
			return nil
		}
	}
	return fmt.Errorf("entity %q has no column %q", s.ent.Name, column)
}

func quotedColumns(ent model.Entity) string {
	cols := ent.Columns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, ", ")
}

func insertTemplate(ent model.Entity) string {
	cols := ent.Columns()
	vals := make([]string, len(cols))
	for i, c := range cols {
		vals[i] = fmt.Sprintf("{{.M.%s}}", c)
	}
	return fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s);`,
		ent.TableName(), quotedColumns(ent), strings.Join(vals, ", "))
}

func updateTemplate(ent model.Entity) string {
	var sets []string
	for _, c := range ent.Columns() {
		if c == model.ColumnPK {
			continue
		}
		sets = append(sets, fmt.Sprintf("%q = {{.M.%s}}", c, c))
	}
	return fmt.Sprintf(`UPDATE %q SET %s WHERE %q = {{.A.PK}};`,
		ent.TableName(), strings.Join(sets, ", "), model.ColumnPK)
}

func deleteTemplate(ent model.Entity) string {
	return fmt.Sprintf(`DELETE FROM %q WHERE %q = {{.A.PK}};`,
		ent.TableName(), model.ColumnPK)
}
