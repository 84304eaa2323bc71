// Package shard writes table rows into an ordered sequence of size bounded
// CSV files, <dir>/<table>/<table>_<n>.csv with n starting at 1.
package shard

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/block/shardsync/pkg/tables"
	"github.com/spf13/afero"
)

var (
	ErrGap        = errors.New("shard indices are not contiguous")
	ErrCorrupt    = errors.New("corrupt shard file")
	ErrOutOfOrder = errors.New("rows are not in strictly increasing id order")
)

// Shard is one file of a table's sequence.
type Shard struct {
	Index int
	Path  string
}

// FileName returns the base name of shard index for table.
func FileName(table string, index int) string {
	return fmt.Sprintf("%s_%d.csv", table, index)
}

// TableDir returns the directory holding a table's shards.
func TableDir(dir, table string) string {
	return filepath.Join(dir, table)
}

func namePattern(table string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(table) + `_([1-9][0-9]*)\.csv$`)
}

// List returns the shards of table under dir in index order. Files that don't
// follow the shard naming scheme are ignored. A gap in the sequence is an error.
func List(fs afero.Fs, dir, table string) ([]Shard, error) {
	tableDir := TableDir(dir, table)
	infos, err := afero.ReadDir(fs, tableDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("listing shards of %s: %w", table, err)
	}

	pattern := namePattern(table)
	var shards []Shard
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(info.Name())
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCorrupt, info.Name())
		}
		shards = append(shards, Shard{Index: index, Path: filepath.Join(tableDir, info.Name())})
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].Index < shards[j].Index })
	for i, s := range shards {
		if s.Index != i+1 {
			return nil, fmt.Errorf("%w: table %s expected shard %d, found %d", ErrGap, table, i+1, s.Index)
		}
	}

	return shards, nil
}

// encodeRecord renders fields in the one dialect shards use for header and
// data alike: RFC 4180, comma separated, quoted when a field holds a comma,
// a quote, a line break or a leading space, and terminated by "\n".
//
// Line breaks inside fields are stored as "\n": "\r\n" and a lone "\r" are
// rewritten first, because encoding/csv reads a quoted "\r\n" back as "\n".
// What lands on disk is then exactly what a reader gets back.
func encodeRecord(fields []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(normalizeLineBreaks(fields)); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func normalizeLineBreaks(fields []string) []string {
	var out []string
	for i, f := range fields {
		if !strings.ContainsRune(f, '\r') {
			continue
		}
		if out == nil {
			out = slices.Clone(fields)
		}
		out[i] = strings.ReplaceAll(strings.ReplaceAll(f, "\r\n", "\n"), "\r", "\n")
	}
	if out == nil {
		return fields
	}

	return out
}

func headerMatches(got []string, schema *tables.Schema) bool {
	want := schema.Header()
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}

	return true
}
