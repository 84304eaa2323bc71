package shard

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/block/shardsync/pkg/tables"
	"github.com/spf13/afero"
)

// MaxID returns the largest id persisted for the table. ok is false when the
// table has no shards or none of them hold a data row.
//
// Only the tail of the sequence is read: the last shard, or the one before it
// when a rollover left the last shard without rows. It is meant for
// verification before a run, not for the write path.
func (w *Writer) MaxID(schema *tables.Schema) (int64, bool, error) {
	shards, err := List(w.fs, w.dir, schema.Name)
	if err != nil {
		return 0, false, err
	}
	for i := len(shards) - 1; i >= 0; i-- {
		id, ok, err := ScanIDs(w.fs, shards[i].Path, schema, nil)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return id, true, nil
		}
	}

	return 0, false, nil
}

// ScanIDs reads a shard, checks its header against the schema and that ids
// strictly increase, calling fn (if set) with each data record. It returns the
// last id in the file; ok is false when the file holds no data rows.
func ScanIDs(fs afero.Fs, path string, schema *tables.Schema, fn func(record []string) error) (int64, bool, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("opening shard %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false, fmt.Errorf("stat shard %s: %w", path, err)
	}
	if info.Size() == 0 {
		// The shard was created but nothing landed.
		return 0, false, nil
	}
	if err = checkTerminated(f, path, info.Size()); err != nil {
		return 0, false, err
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(schema.Columns)
	header, err := r.Read()
	if err != nil {
		return 0, false, fmt.Errorf("%w %s: reading header: %w", ErrCorrupt, path, err)
	}
	if !headerMatches(header, schema) {
		return 0, false, fmt.Errorf("%w %s: header %v does not match table %s", ErrCorrupt, path, header, schema.Name)
	}

	var last int64
	var rows int
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return 0, false, fmt.Errorf("%w %s: %w", ErrCorrupt, path, err)
		}
		id, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%w %s: line %d: id %q is not an integer", ErrCorrupt, path, rows+2, record[0])
		}
		if rows > 0 && id <= last {
			return 0, false, fmt.Errorf("%w %s: line %d: id %d follows %d", ErrCorrupt, path, rows+2, id, last)
		}
		if fn != nil {
			if err = fn(record); err != nil {
				return 0, false, err
			}
		}
		last = id
		rows++
	}

	return last, rows > 0, nil
}

// checkTail opens path and checks that its last record is complete.
func checkTail(fs afero.Fs, path string, size int64) error {
	if size == 0 {
		return nil
	}
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("opening shard %s: %w", path, err)
	}
	defer f.Close()

	return checkTerminated(f, path, size)
}

// checkTerminated reports ErrCorrupt when f doesn't end in "\n". Every
// record the writer emits does, so a missing terminator is a torn write.
func checkTerminated(f afero.File, path string, size int64) error {
	last := make([]byte, 1)
	if n, err := f.ReadAt(last, size-1); n != 1 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}

		return fmt.Errorf("reading end of shard %s: %w", path, err)
	}
	if last[0] != '\n' {
		return fmt.Errorf("%w %s: last record is cut off", ErrCorrupt, path)
	}

	return nil
}
