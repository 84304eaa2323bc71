package source

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/block/shardsync/pkg/tables"
)

// Memory is a Source backed by in-memory rows, used in tests and dry runs.
type Memory struct {
	sync.Mutex
	rows  map[string][]tables.Row
	calls int
	// Err, when set, is returned by every Fetch of a table listed in FailTables
	// (or every table if FailTables is empty).
	Err        error
	FailTables []string
	// Unsorted returns rows in storage order instead of by id.
	Unsorted bool
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string][]tables.Row)}
}

// Add appends rows to a table.
func (m *Memory) Add(table string, rows ...tables.Row) {
	m.Lock()
	defer m.Unlock()
	m.rows[table] = append(m.rows[table], rows...)
}

// Calls returns how many times Fetch has been called.
func (m *Memory) Calls() int {
	m.Lock()
	defer m.Unlock()

	return m.calls
}

func (m *Memory) Fetch(ctx context.Context, schema *tables.Schema, afterID int64, limit int) ([]tables.Row, error) {
	m.Lock()
	defer m.Unlock()
	m.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil && (len(m.FailTables) == 0 || slices.Contains(m.FailTables, schema.Name)) {
		return nil, m.Err
	}

	all := append([]tables.Row(nil), m.rows[schema.Name]...)
	if !m.Unsorted {
		sort.SliceStable(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	}
	var out []tables.Row
	for _, r := range all {
		if r.ID <= afterID {
			continue
		}
		out = append(out, copyRow(r))
		if len(out) == limit {
			break
		}
	}

	return out, nil
}

// copyRow keeps redaction in the caller from touching the stored rows.
func copyRow(r tables.Row) tables.Row {
	return tables.Row{ID: r.ID, Values: append(r.Values[:0:0], r.Values...)}
}
