// Package tables is the registry of the survey tables shardsync extracts:
// their names, ordered column lists and which columns carry free text that
// must be redacted before it is persisted.
package tables

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// IDColumn is the monotonically increasing primary key every table is keyed by.
const IDColumn = "id"

type Kind int32

const (
	Int Kind = iota
	Float
	Bool
	String
	Time
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Time:
		return "time"
	}

	return "unknown"
}

type Column struct {
	Name string
	Kind Kind
	// Redact marks user supplied free text that is scrubbed before it is written.
	Redact bool
}

type Schema struct {
	Name    string
	Columns []Column
}

// Header returns the column names in schema order.
func (s *Schema) Header() []string {
	header := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		header[i] = c.Name
	}

	return header
}

// ColumnIndex returns the position of the named column, or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}

	return -1
}

// Row is a single source record with its values in schema column order.
// ID duplicates Values[0] so callers don't have to parse it again.
type Row struct {
	ID     int64
	Values []sql.NullString
}

var ErrBadRow = errors.New("row does not match schema")

// NewRow validates values against the schema and parses the id column.
func (s *Schema) NewRow(values []sql.NullString) (Row, error) {
	if len(values) != len(s.Columns) {
		return Row{}, fmt.Errorf("%w %s: got %d values, want %d", ErrBadRow, s.Name, len(values), len(s.Columns))
	}
	if !values[0].Valid {
		return Row{}, fmt.Errorf("%w %s: NULL %s", ErrBadRow, s.Name, IDColumn)
	}
	id, err := strconv.ParseInt(values[0].String, 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("%w %s: %s %q is not an integer", ErrBadRow, s.Name, IDColumn, values[0].String)
	}
	if id <= 0 {
		return Row{}, fmt.Errorf("%w %s: %s %d is not positive", ErrBadRow, s.Name, IDColumn, id)
	}

	return Row{ID: id, Values: values}, nil
}

// Fields renders the row for the CSV writer. NULL becomes an empty field.
func (r Row) Fields() []string {
	fields := make([]string, len(r.Values))
	for i, v := range r.Values {
		if v.Valid {
			fields[i] = v.String
		}
	}

	return fields
}
