package test

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/block/shardsync/pkg/tables"
	"github.com/block/spirit/pkg/dbconn"
	"github.com/go-sql-driver/mysql"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func DSN() string {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		return "msandbox:msandbox@tcp(127.0.0.1:8030)/test"
	}

	return dsn
}

// SkipWithoutMySQL skips integration tests unless MYSQL_DSN is set.
func SkipWithoutMySQL(t *testing.T) {
	t.Helper()
	if os.Getenv("MYSQL_DSN") == "" {
		t.Skip("MYSQL_DSN is not set")
	}
}

func RunSQL(t *testing.T, stmt string) {
	t.Helper()
	db, err := sql.Open("mysql", DSN())
	require.NoError(t, err)
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Errorf("error closing db: %v", closeErr)
		}
	}()
	_, err = db.Exec(stmt)
	require.NoError(t, err)
}

func SetupDB(cfg *mysql.Config) (*sql.DB, error) {
	dbConfig := dbconn.NewDBConfig()
	dbConfig.MaxOpenConnections = 2

	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s", cfg.User, cfg.Passwd, cfg.Addr, cfg.DBName)
	db, err := dbconn.New(dsn, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %s as user: %s, err:%w", cfg.DBName, cfg.User, err)
	}

	return db, nil
}

// CreateSurveyTables (re)creates every registered table in the test database
// with a column layout matching its schema.
func CreateSurveyTables(t *testing.T) {
	t.Helper()
	for _, s := range tables.All() {
		RunSQL(t, "DROP TABLE IF EXISTS `"+s.Name+"`")
		cols := make([]string, 0, len(s.Columns))
		for _, c := range s.Columns {
			if c.Name == tables.IDColumn {
				cols = append(cols, "`id` int NOT NULL AUTO_INCREMENT")

				continue
			}
			cols = append(cols, fmt.Sprintf("`%s` %s NULL", c.Name, sqlType(c.Kind)))
		}
		cols = append(cols, "PRIMARY KEY (`id`)")
		RunSQL(t, fmt.Sprintf("CREATE TABLE `%s` (\n%s\n)", s.Name, strings.Join(cols, ",\n")))
	}
}

func sqlType(k tables.Kind) string {
	switch k {
	case tables.Int:
		return "int"
	case tables.Float:
		return "double"
	case tables.Bool:
		return "tinyint(1)"
	case tables.Time:
		return "datetime"
	default:
		return "text"
	}
}

// Rows builds rows with ids from..to (inclusive) for schema. Every non-id
// column is set to fill, so rows with same-width ids encode to the same size.
func Rows(t *testing.T, schema *tables.Schema, from, to int64, fill string) []tables.Row {
	t.Helper()
	rows := make([]tables.Row, 0, to-from+1)
	for id := from; id <= to; id++ {
		values := make([]sql.NullString, len(schema.Columns))
		values[0] = sql.NullString{String: fmt.Sprint(id), Valid: true}
		for i := 1; i < len(values); i++ {
			values[i] = sql.NullString{String: fill, Valid: true}
		}
		row, err := schema.NewRow(values)
		require.NoError(t, err)
		rows = append(rows, row)
	}

	return rows
}

// ReadFile returns the contents of path as a string.
func ReadFile(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)

	return string(data)
}

// FileSize returns the size of path in bytes.
func FileSize(t *testing.T, fs afero.Fs, path string) int64 {
	t.Helper()
	info, err := fs.Stat(path)
	require.NoError(t, err)

	return info.Size()
}
