// Package source reads survey rows out of the relational database.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/block/shardsync/pkg/tables"
)

// Source fetches rows whose id is strictly greater than afterID, ordered by
// id ascending, returning at most limit rows.
type Source interface {
	Fetch(ctx context.Context, schema *tables.Schema, afterID int64, limit int) ([]tables.Row, error)
}

type MySQL struct {
	db *sql.DB
}

func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db}
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// fetchQuery selects the schema's columns, in schema order, past a cursor.
func fetchQuery(schema *tables.Schema) string {
	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = quoteIdent(c.Name)
	}
	id := quoteIdent(tables.IDColumn)

	return fmt.Sprintf("SELECT %s FROM %s WHERE %s > ? ORDER BY %s ASC LIMIT ?",
		strings.Join(cols, ", "), quoteIdent(schema.Name), id, id)
}

func (m *MySQL) Fetch(ctx context.Context, schema *tables.Schema, afterID int64, limit int) ([]tables.Row, error) {
	rows, err := m.db.QueryContext(ctx, fetchQuery(schema), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching %s after id %d: %w", schema.Name, afterID, err)
	}
	defer rows.Close()

	var out []tables.Row
	for rows.Next() {
		values := make([]sql.NullString, len(schema.Columns))
		ptrs := make([]interface{}, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", schema.Name, err)
		}
		row, err := schema.NewRow(values)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("fetching %s after id %d: %w", schema.Name, afterID, err)
	}

	return out, nil
}
