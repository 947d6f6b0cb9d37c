package store

import (
	"database/sql"

	"github.com/VauntDev/tqla"

	"github.com/entitykit/entitykit/model"
)

type dialect struct {
	placeholder  tqla.Placeholder
	columnType   func(model.Type) string
	tableColumns func(db *sql.DB, table string) (map[string]struct{}, error)
}

var dialects = map[string]dialect{
	"sqlite3": {
		placeholder:  tqla.Question,
		columnType:   sqliteColumnType,
		tableColumns: sqliteTableColumns,
	},
	"postgres": {
		placeholder:  tqla.Dollar,
		columnType:   postgresColumnType,
		tableColumns: postgresTableColumns,
	},
}

func sqliteColumnType(t model.Type) string {
	switch t {
	case model.Int:
		return "INTEGER"
	case model.Float:
		return "REAL"
	case model.Bool:
		return "BOOLEAN"
	case model.Time:
		return "TIMESTAMP"
	case model.Bytes:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func postgresColumnType(t model.Type) string {
	switch t {
	case model.Int:
		return "BIGINT"
	case model.Float:
		return "DOUBLE PRECISION"
	case model.Bool:
		return "BOOLEAN"
	case model.Time:
		return "TIMESTAMP WITH TIME ZONE"
	case model.Bytes:
		return "BYTEA"
	default:
		return "TEXT"
	}
}

func sqliteTableColumns(db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.Query(`SELECT "name" FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectColumns(rows)
}

func postgresTableColumns(db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.Query(
		`SELECT "column_name" FROM "information_schema"."columns" WHERE "table_name" = $1`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectColumns(rows)
}

func collectColumns(rows *sql.Rows) (map[string]struct{}, error) {
	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}
