package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/block/shardsync/pkg/checkpoint"
	"github.com/block/shardsync/pkg/shard"
	"github.com/block/shardsync/pkg/tables"
	"github.com/block/shardsync/pkg/test"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (afero.Fs, *shard.Writer, *Verifier) {
	t.Helper()
	fs := afero.NewMemMapFs()
	w := shard.NewWriter(&shard.WriterConfig{Fs: fs, Dir: "/data", Logger: logrus.New()})

	return fs, w, NewVerifier(w)
}

func TestVerify_Fresh(t *testing.T) {
	_, _, v := setup(t)
	require.NoError(t, v.Verify(context.Background(), checkpoint.Defaults()))
}

func TestVerify_Match(t *testing.T) {
	_, w, v := setup(t)
	answers, err := tables.Lookup(tables.Answers)
	require.NoError(t, err)
	_, err = w.AppendRows(answers, test.Rows(t, answers, 1, 40, "1"))
	require.NoError(t, err)

	m := checkpoint.Defaults()
	m[tables.Answers] = 40
	require.NoError(t, v.Verify(context.Background(), m))
}

func TestVerify_Mismatch(t *testing.T) {
	_, w, v := setup(t)
	answers, err := tables.Lookup(tables.Answers)
	require.NoError(t, err)
	_, err = w.AppendRows(answers, test.Rows(t, answers, 1, 40, "1"))
	require.NoError(t, err)

	// Checkpoint behind the files: would duplicate rows.
	m := checkpoint.Defaults()
	m[tables.Answers] = 30
	err = v.Verify(context.Background(), m)
	require.ErrorIs(t, err, ErrMismatch)
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, tables.Answers, mismatch.Table)
	assert.EqualValues(t, 30, mismatch.Expected)
	assert.EqualValues(t, 40, mismatch.Actual)

	// Checkpoint ahead of the files: would skip rows.
	m[tables.Answers] = 50
	require.ErrorIs(t, v.Verify(context.Background(), m), ErrMismatch)

	// Checkpoint set but no files at all.
	m = checkpoint.Defaults()
	m[tables.Answers] = 40
	m[tables.Statements] = 3
	err = v.Verify(context.Background(), m)
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, tables.Statements, mismatch.Table)
	assert.EqualValues(t, 0, mismatch.Actual)
}

func TestVerify_CorruptShard(t *testing.T) {
	fs, _, v := setup(t)
	require.NoError(t, afero.WriteFile(fs, "/data/statements/statements_1.csv", []byte("garbage,header\n1,2\n"), 0o644))

	err := v.Verify(context.Background(), checkpoint.Defaults())
	require.ErrorIs(t, err, ErrUndetermined)
	require.ErrorIs(t, err, shard.ErrCorrupt)
	assert.Contains(t, err.Error(), "table statements")
}

func TestVerify_Gap(t *testing.T) {
	fs, _, v := setup(t)
	require.NoError(t, afero.WriteFile(fs, "/data/individuals/individuals_2.csv", nil, 0o644))

	err := v.Verify(context.Background(), checkpoint.Defaults())
	require.ErrorIs(t, err, ErrUndetermined)
	require.ErrorIs(t, err, shard.ErrGap)
}

func TestVerify_TornShard(t *testing.T) {
	fs, w, v := setup(t)
	answers, err := tables.Lookup(tables.Answers)
	require.NoError(t, err)
	_, err = w.AppendRows(answers, test.Rows(t, answers, 1, 40, "1"))
	require.NoError(t, err)

	// A crash mid-write leaves the last record without its terminator.
	path := "/data/answers/answers_1.csv"
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, data[:len(data)-3], 0o644))

	m := checkpoint.Defaults()
	m[tables.Answers] = 40
	err = v.Verify(context.Background(), m)
	require.ErrorIs(t, err, ErrUndetermined)
	require.ErrorIs(t, err, shard.ErrCorrupt)
}
