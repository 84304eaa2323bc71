package extract

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/block/shardsync/pkg/checkpoint"
	"github.com/block/shardsync/pkg/shard"
	"github.com/block/shardsync/pkg/source"
	"github.com/block/shardsync/pkg/tables"
	"github.com/block/shardsync/pkg/test"
	"github.com/block/shardsync/pkg/verify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	fs     afero.Fs
	src    *source.Memory
	writer *shard.Writer
	store  *checkpoint.Store
}

func newEnv(t *testing.T, threshold uint64) *env {
	t.Helper()
	fs := afero.NewMemMapFs()
	logger := logrus.New()

	return &env{
		fs:     fs,
		src:    source.NewMemory(),
		writer: shard.NewWriter(&shard.WriterConfig{Fs: fs, Dir: "/data", Threshold: threshold, Logger: logger}),
		store:  checkpoint.NewStore(fs, "/data", logger),
	}
}

func (e *env) driver(batchSize int) *Driver {
	return NewDriver(&DriverConfig{
		Source:    e.src,
		Writer:    e.writer,
		Store:     e.store,
		Logger:    logrus.New(),
		BatchSize: batchSize,
	})
}

func lookup(t *testing.T, name string) *tables.Schema {
	t.Helper()
	s, err := tables.Lookup(name)
	require.NoError(t, err)

	return s
}

// shardIDs returns, per shard file, the ids it holds.
func shardIDs(t *testing.T, fs afero.Fs, schema *tables.Schema) [][]int64 {
	t.Helper()
	shards, err := shard.List(fs, "/data", schema.Name)
	require.NoError(t, err)
	out := make([][]int64, 0, len(shards))
	for _, s := range shards {
		var ids []int64
		_, _, scanErr := shard.ScanIDs(fs, s.Path, schema, func(record []string) error {
			row, rowErr := schema.NewRow(toNull(record))
			ids = append(ids, row.ID)

			return rowErr
		})
		require.NoError(t, scanErr)
		out = append(out, ids)
	}

	return out
}

func toNull(record []string) []sql.NullString {
	values := make([]sql.NullString, len(record))
	for i, v := range record {
		values[i] = sql.NullString{String: v, Valid: true}
	}

	return values
}

func TestDriver_EndToEnd(t *testing.T) {
	answers := lookup(t, tables.Answers)
	// Scaled down version of 250,000 rows of ~400 bytes against 90MB:
	// 2,500 rows of 397 bytes against 900,000 bytes.
	const threshold = 900_000
	e := newEnv(t, threshold)
	fill := strings.Repeat("x", 38)
	e.src.Add(tables.Answers, test.Rows(t, answers, 100_001, 102_500, fill)...)

	rowLen := len("100001") + (len(answers.Columns)-1)*(len(fill)+1) + 1
	require.Equal(t, 397, rowLen)
	headerLen := len(strings.Join(answers.Header(), ",")) + 1
	firstShardRows := (threshold - headerLen) / rowLen

	d := e.driver(1000)
	report, m, err := d.Run(context.Background(), checkpoint.Defaults())
	require.NoError(t, err)
	assert.Equal(t, 2500, report.Rows())
	table, rows := d.Progress()
	assert.Equal(t, tables.Statements, table)
	assert.Equal(t, 2500, rows)
	assert.EqualValues(t, 102_500, m[tables.Answers])
	assert.Equal(t, m, e.store.Load())

	ids := shardIDs(t, e.fs, answers)
	require.Len(t, ids, 2)
	assert.Len(t, ids[0], firstShardRows)
	assert.Len(t, ids[1], 2500-firstShardRows)
	assert.EqualValues(t, 100_001, ids[0][0])
	assert.EqualValues(t, ids[0][len(ids[0])-1]+1, ids[1][0])
	assert.EqualValues(t, 102_500, ids[1][len(ids[1])-1])
	assert.LessOrEqual(t, test.FileSize(t, e.fs, "/data/answers/answers_1.csv"), int64(threshold))
	assert.Equal(t, []string{"/data/answers/answers_1.csv", "/data/answers/answers_2.csv"}, report.Tables[2].Shards)

	// Tables without source rows get no files.
	exists, err := afero.DirExists(e.fs, "/data/experiments")
	require.NoError(t, err)
	assert.False(t, exists)

	// The checkpoint agrees with the files.
	require.NoError(t, verify.NewVerifier(e.writer).Verify(context.Background(), m))

	// A second run with nothing new is a no-op.
	before1 := test.ReadFile(t, e.fs, "/data/answers/answers_1.csv")
	before2 := test.ReadFile(t, e.fs, "/data/answers/answers_2.csv")
	calls := e.src.Calls()
	report, m2, err := e.driver(1000).Run(context.Background(), m)
	require.NoError(t, err)
	assert.Zero(t, report.Rows())
	assert.Equal(t, m, m2)
	assert.Equal(t, before1, test.ReadFile(t, e.fs, "/data/answers/answers_1.csv"))
	assert.Equal(t, before2, test.ReadFile(t, e.fs, "/data/answers/answers_2.csv"))
	assert.Equal(t, calls+len(tables.All()), e.src.Calls())
	shards, err := shard.List(e.fs, "/data", tables.Answers)
	require.NoError(t, err)
	assert.Len(t, shards, 2)
}

func TestDriver_ResumeDoesNotDuplicate(t *testing.T) {
	statements := lookup(t, tables.Statements)
	e := newEnv(t, 200)
	e.src.Add(tables.Statements, test.Rows(t, statements, 1, 10, "s")...)

	_, m, err := e.driver(3).Run(context.Background(), checkpoint.Defaults())
	require.NoError(t, err)
	assert.EqualValues(t, 10, m[tables.Statements])

	e.src.Add(tables.Statements, test.Rows(t, statements, 11, 15, "s")...)
	report, m, err := e.driver(3).Run(context.Background(), e.store.Load())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Rows())
	assert.EqualValues(t, 15, m[tables.Statements])
	assert.EqualValues(t, 10, report.Tables[3].StartID)
	assert.EqualValues(t, 15, report.Tables[3].EndID)

	var all []int64
	for _, ids := range shardIDs(t, e.fs, statements) {
		all = append(all, ids...)
	}
	want := make([]int64, 15)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, all)
}

func TestDriver_Redacts(t *testing.T) {
	experiments := lookup(t, tables.Experiments)
	e := newEnv(t, 0)
	rows := test.Rows(t, experiments, 1, 2, "v")
	urlIdx := experiments.ColumnIndex("urlParams")
	rows[0].Values[urlIdx].String = "contact me at a.b@example.com please"
	rows[1].Values[urlIdx].String = "no email here"
	e.src.Add(tables.Experiments, rows...)

	report, _, err := e.driver(0).Run(context.Background(), checkpoint.Defaults())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tables[0].Redacted)

	content := test.ReadFile(t, e.fs, "/data/experiments/experiments_1.csv")
	assert.Contains(t, content, "contact me at # please")
	assert.Contains(t, content, "no email here")
	assert.NotContains(t, content, "example.com")
}

func TestDriver_SourceFailure(t *testing.T) {
	experiments := lookup(t, tables.Experiments)
	individuals := lookup(t, tables.Individuals)
	e := newEnv(t, 0)
	e.src.Add(tables.Experiments, test.Rows(t, experiments, 1, 4, "e")...)
	e.src.Add(tables.Individuals, test.Rows(t, individuals, 1, 4, "i")...)
	e.src.Err = errors.New("connection refused")
	e.src.FailTables = []string{tables.Individuals}

	report, m, err := e.driver(0).Run(context.Background(), checkpoint.Defaults())
	require.ErrorIs(t, err, ErrSource)
	require.ErrorContains(t, err, "table individuals")
	require.ErrorContains(t, err, "connection refused")
	// experiments, then the failing fetch; answers and statements never run.
	assert.Equal(t, 2, e.src.Calls())
	assert.Len(t, report.Tables, 2)

	// Progress of the completed table is kept, the failing table is untouched.
	assert.EqualValues(t, 4, m[tables.Experiments])
	assert.Zero(t, m[tables.Individuals])
	assert.Equal(t, m, e.store.Load())
	require.NoError(t, verify.NewVerifier(e.writer).Verify(context.Background(), m))

	// A later run picks up where it left off.
	e.src.Err = nil
	_, m, err = e.driver(0).Run(context.Background(), e.store.Load())
	require.NoError(t, err)
	assert.EqualValues(t, 4, m[tables.Experiments])
	assert.EqualValues(t, 4, m[tables.Individuals])
}

func TestDriver_Unsorted(t *testing.T) {
	statements := lookup(t, tables.Statements)
	e := newEnv(t, 0)
	e.src.Unsorted = true
	rows := test.Rows(t, statements, 1, 3, "s")
	e.src.Add(tables.Statements, rows[2], rows[0], rows[1])

	_, m, err := e.driver(0).Run(context.Background(), checkpoint.Defaults())
	require.ErrorIs(t, err, ErrUnsorted)
	assert.Zero(t, m[tables.Statements])
	exists, err := afero.DirExists(e.fs, "/data/statements")
	require.NoError(t, err)
	assert.False(t, exists)
}

// partialWriter persists the first n rows of a batch and then fails.
type partialWriter struct {
	n int
}

func (p *partialWriter) AppendRows(_ *tables.Schema, rows []tables.Row) (shard.Result, error) {
	return shard.Result{Written: p.n, MaxID: rows[p.n-1].ID, Shards: []string{"x_1.csv"}}, errors.New("disk full")
}

func TestDriver_PartialWrite(t *testing.T) {
	experiments := lookup(t, tables.Experiments)
	e := newEnv(t, 0)
	e.src.Add(tables.Experiments, test.Rows(t, experiments, 5, 9, "e")...)

	d := NewDriver(&DriverConfig{
		Source: e.src,
		Writer: &partialWriter{n: 2},
		Store:  e.store,
		Logger: logrus.New(),
	})
	report, m, err := d.Run(context.Background(), checkpoint.Defaults())
	require.ErrorContains(t, err, "disk full")
	// The checkpoint only covers what landed: ids 5 and 6.
	assert.EqualValues(t, 6, m[tables.Experiments])
	assert.EqualValues(t, 6, e.store.Load()[tables.Experiments])
	assert.Equal(t, 2, report.Tables[0].Rows)
}

func TestCheckOrder(t *testing.T) {
	statements := lookup(t, tables.Statements)
	rows := test.Rows(t, statements, 4, 6, "s")
	require.NoError(t, checkOrder(3, rows))
	require.ErrorIs(t, checkOrder(4, rows), ErrUnsorted)
	require.ErrorIs(t, checkOrder(0, []tables.Row{rows[0], rows[0]}), ErrUnsorted)
}
