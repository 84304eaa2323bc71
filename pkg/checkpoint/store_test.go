package checkpoint

import (
	"testing"

	"github.com/block/shardsync/pkg/tables"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissing(t *testing.T) {
	s := NewStore(afero.NewMemMapFs(), "/data", logrus.New())
	m := s.Load()
	require.Len(t, m, len(tables.Names()))
	for _, name := range tables.Names() {
		assert.Zero(t, m[name])
	}
}

func TestStore_SaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/data", logrus.New())

	// Saving a partial map still writes every table.
	require.NoError(t, s.Save(Map{tables.Answers: 250000, tables.Experiments: 12}))

	m := s.Load()
	assert.Equal(t, Map{
		tables.Experiments: 12,
		tables.Individuals: 0,
		tables.Answers:     250000,
		tables.Statements:  0,
	}, m)

	// The temporary file is gone after the rename.
	exists, err := afero.Exists(fs, "/data/checkpoint.json.next")
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := afero.ReadFile(fs, "/data/checkpoint.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"statements": 0`)
}

func TestStore_LoadMalformed(t *testing.T) {
	for name, content := range map[string]string{
		"garbage":   "{not json",
		"array":     "[1,2,3]",
		"null":      "null",
		"string id": `{"answers": "12"}`,
		"negative":  `{"answers": -4}`,
		"empty":     "",
	} {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/data/checkpoint.json", []byte(content), 0o644))
			m := NewStore(fs, "/data", logrus.New()).Load()
			assert.Equal(t, Defaults(), m)
		})
	}
}

func TestStore_LoadIgnoresUnknownTables(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/checkpoint.json", []byte(`{"answers": 7, "userlogs": 99}`), 0o644))
	m := NewStore(fs, "/data", logrus.New()).Load()
	assert.EqualValues(t, 7, m[tables.Answers])
	assert.NotContains(t, m, "userlogs")
	assert.Len(t, m, len(tables.Names()))
}

func TestMap_Clone(t *testing.T) {
	m := Map{tables.Answers: 3}
	c := m.Clone()
	c[tables.Answers] = 4
	assert.EqualValues(t, 3, m[tables.Answers])
	assert.Len(t, c, len(tables.Names()))
}
