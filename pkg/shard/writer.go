package shard

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/block/shardsync/pkg/tables"
	"github.com/dustin/go-humanize"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
)

// DefaultThreshold is the shard size limit used when none is configured (90MB).
const DefaultThreshold uint64 = 90 * 1000 * 1000

type Writer struct {
	fs        afero.Fs
	dir       string
	threshold uint64
	logger    loggers.Advanced
}

type WriterConfig struct {
	Fs        afero.Fs
	Dir       string
	Threshold uint64
	Logger    loggers.Advanced
}

func NewWriter(cfg *WriterConfig) *Writer {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	return &Writer{
		fs:        cfg.Fs,
		dir:       cfg.Dir,
		threshold: threshold,
		logger:    cfg.Logger,
	}
}

// Result reports what AppendRows made durable.
type Result struct {
	// Written is the number of rows flushed and synced to disk, always a
	// prefix of the rows passed in.
	Written int
	// MaxID is the id of the last written row, 0 if none were written.
	MaxID int64
	// Shards lists the paths that received rows, in order.
	Shards []string
}

// active is the shard currently being appended to. size is a running count
// of its bytes so we never stat the file per row.
type active struct {
	Shard
	f       afero.File
	buf     *bufio.Writer
	size    uint64
	hasRows bool
	// committed is the file length known to be durable: the size at open,
	// or after the last commit. Anything past it is dropped on failure.
	committed uint64
	closed    bool

	pending    int
	pendingMax int64
}

// AppendRows appends rows to the table's current shard, rolling to a new
// shard whenever the next row would push the current one over the threshold.
// A shard that holds no data rows yet always takes its first row, so a single
// row larger than the threshold ends up alone in its own shard.
//
// On error the returned Result still describes the rows that made it to disk.
func (w *Writer) AppendRows(schema *tables.Schema, rows []tables.Row) (Result, error) {
	var res Result
	if len(rows) == 0 {
		return res, nil
	}
	if err := validate(schema, rows); err != nil {
		return res, err
	}
	header, err := encodeRecord(schema.Header())
	if err != nil {
		return res, fmt.Errorf("encoding header of %s: %w", schema.Name, err)
	}

	shards, err := List(w.fs, w.dir, schema.Name)
	if err != nil {
		return res, err
	}
	var cur *active
	if len(shards) == 0 {
		cur, err = w.create(schema.Name, 1, header)
	} else {
		cur, err = w.openForAppend(shards[len(shards)-1], header)
	}
	if err != nil {
		return res, err
	}
	defer func() {
		if cur != nil {
			w.rollback(cur)
		}
	}()

	if cur.hasRows && cur.size >= w.threshold {
		if cur, err = w.roll(cur, schema.Name, header, &res); err != nil {
			return res, err
		}
	}

	for _, row := range rows {
		rec, err := encodeRecord(row.Fields())
		if err != nil {
			return res, fmt.Errorf("encoding %s row %d: %w", schema.Name, row.ID, err)
		}
		if cur.hasRows && cur.size+uint64(len(rec)) > w.threshold {
			if cur, err = w.roll(cur, schema.Name, header, &res); err != nil {
				return res, err
			}
		}
		if _, err = cur.buf.Write(rec); err != nil {
			return res, fmt.Errorf("writing %s: %w", cur.Path, err)
		}
		cur.size += uint64(len(rec))
		cur.hasRows = true
		cur.pending++
		cur.pendingMax = row.ID
	}

	if err = w.commit(cur, &res); err != nil {
		return res, err
	}
	cur = nil

	return res, nil
}

func validate(schema *tables.Schema, rows []tables.Row) error {
	var prev int64
	for i, row := range rows {
		if len(row.Values) != len(schema.Columns) {
			return fmt.Errorf("%w %s: row %d has %d values, want %d", tables.ErrBadRow, schema.Name, row.ID, len(row.Values), len(schema.Columns))
		}
		if i > 0 && row.ID <= prev {
			return fmt.Errorf("%w: %s id %d follows %d", ErrOutOfOrder, schema.Name, row.ID, prev)
		}
		prev = row.ID
	}

	return nil
}

func (w *Writer) create(table string, index int, header []byte) (*active, error) {
	tableDir := TableDir(w.dir, table)
	if err := w.fs.MkdirAll(tableDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", tableDir, err)
	}
	s := Shard{Index: index, Path: filepath.Join(tableDir, FileName(table, index))}
	f, err := w.fs.OpenFile(s.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating shard %s: %w", s.Path, err)
	}
	a := &active{Shard: s, f: f, buf: bufio.NewWriter(f)}
	if _, err = a.buf.Write(header); err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("writing header to %s: %w", s.Path, err)
	}
	// committed stays 0: the header is only buffered so far.
	a.size = uint64(len(header))
	w.logger.Infof("created shard %s", s.Path)

	return a, nil
}

func (w *Writer) openForAppend(s Shard, header []byte) (*active, error) {
	info, err := w.fs.Stat(s.Path)
	if err != nil {
		return nil, fmt.Errorf("stat shard %s: %w", s.Path, err)
	}
	if err = checkTail(w.fs, s.Path, info.Size()); err != nil {
		return nil, err
	}
	f, err := w.fs.OpenFile(s.Path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening shard %s: %w", s.Path, err)
	}
	size := uint64(info.Size())
	a := &active{Shard: s, f: f, buf: bufio.NewWriter(f), size: size, committed: size}
	switch {
	case a.size == 0:
		// Created but the header never landed.
		if _, err = a.buf.Write(header); err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("writing header to %s: %w", s.Path, err)
		}
		a.size = uint64(len(header))
	case a.size > uint64(len(header)):
		a.hasRows = true
	}

	return a, nil
}

// commit flushes and syncs the active shard, closes it and credits its
// pending rows to res. On a flush or sync error the file is left open for
// rollback.
func (w *Writer) commit(a *active, res *Result) error {
	if err := a.buf.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", a.Path, err)
	}
	if err := a.f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", a.Path, err)
	}
	a.committed = a.size
	if a.pending > 0 {
		res.Written += a.pending
		res.MaxID = a.pendingMax
		res.Shards = append(res.Shards, a.Path)
	}
	a.pending = 0
	a.closed = true
	if err := a.f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", a.Path, err)
	}

	return nil
}

// rollback truncates a back to its committed length, so rows that were
// flushed but never credited to a Result don't stay on disk.
func (w *Writer) rollback(a *active) {
	if a.closed {
		return
	}
	a.closed = true
	err := a.f.Truncate(int64(a.committed))
	if err == nil {
		err = a.f.Sync()
	}
	if err != nil {
		w.logger.Errorf("rolling back shard %s to %d bytes: %v", a.Path, a.committed, err)
	}
	_ = a.f.Close()
}

// roll commits a and opens the next shard. If the commit fails a is
// returned so the caller can roll it back.
func (w *Writer) roll(a *active, table string, header []byte, res *Result) (*active, error) {
	if err := w.commit(a, res); err != nil {
		return a, err
	}
	w.logger.Infof("shard %s is full at %s, rolling to shard %d", a.Path, humanize.Bytes(a.size), a.Index+1)

	return w.create(table, a.Index+1, header)
}
