// Package dataset is the read side of the shard files: it concatenates a
// table's shards, in index order, into one in-memory dataset.
package dataset

import (
	"fmt"
	"strconv"

	"github.com/block/shardsync/pkg/shard"
	"github.com/block/shardsync/pkg/tables"
	"github.com/spf13/afero"
)

type Dataset struct {
	Schema *tables.Schema
	// Records are the data rows in id order, one field per schema column.
	Records [][]string
	// Shards are the files read, in order.
	Shards []string
}

// Load reads every shard of schema's table under dir. Each header must match
// the schema and ids must keep increasing across shard boundaries. A table
// with no shards loads as an empty dataset.
func Load(fs afero.Fs, dir string, schema *tables.Schema) (*Dataset, error) {
	shards, err := shard.List(fs, dir, schema.Name)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{Schema: schema}
	var prev int64
	var seen bool
	for _, s := range shards {
		first := true
		last, ok, err := shard.ScanIDs(fs, s.Path, schema, func(record []string) error {
			if first && seen {
				// ScanIDs only checks order within one file.
				id, err := strconv.ParseInt(record[0], 10, 64)
				if err != nil || id <= prev {
					return fmt.Errorf("%w %s: first id %s does not follow %d", shard.ErrCorrupt, s.Path, record[0], prev)
				}
			}
			first = false
			ds.Records = append(ds.Records, record)

			return nil
		})
		if err != nil {
			return nil, err
		}
		if ok {
			prev, seen = last, true
		}
		ds.Shards = append(ds.Shards, s.Path)
	}

	return ds, nil
}

func (d *Dataset) Len() int {
	return len(d.Records)
}

// Column returns every value of the named column, in row order.
func (d *Dataset) Column(name string) ([]string, error) {
	idx := d.Schema.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("table %s has no column %s", d.Schema.Name, name)
	}
	out := make([]string, len(d.Records))
	for i, r := range d.Records {
		out[i] = r[idx]
	}

	return out, nil
}
