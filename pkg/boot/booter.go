// Package boot contains the checks a source database must pass before a sync
// run reads from it. They run after the checkpoint has been verified against
// the shard files and before the first fetch.
package boot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/block/shardsync/pkg/tables"
	"github.com/block/spirit/pkg/table"
	"github.com/siddontang/loggers"
)

const (
	minMajorVersion = 5
	minMinorVersion = 7
)

var (
	ErrIncompatibleVersion = errors.New("MySQL 5.7 or later is required")
	ErrMissingTable        = errors.New("source table does not exist")
	ErrMissingColumn       = errors.New("source table is missing a column")
)

type Booter struct {
	db       *sql.DB
	database string
	schemas  []*tables.Schema
	logger   loggers.Advanced

	// Tables holds the introspected source tables after PreflightChecks.
	Tables map[string]*table.TableInfo
}

type BooterConfig struct {
	DB       *sql.DB
	Database string
	// Schemas defaults to every registered table.
	Schemas []*tables.Schema
	Logger  loggers.Advanced
}

func NewBooter(cfg *BooterConfig) *Booter {
	schemas := cfg.Schemas
	if len(schemas) == 0 {
		schemas = tables.All()
	}

	return &Booter{
		db:       cfg.DB,
		database: cfg.Database,
		schemas:  schemas,
		logger:   cfg.Logger,
		Tables:   make(map[string]*table.TableInfo),
	}
}

// PreflightChecks checks the server version and that every table exists with
// all the columns the registry extracts from it. Extra source columns are fine.
func (b *Booter) PreflightChecks(ctx context.Context) error {
	ok, err := isMySQLVersionCompatible(ctx, b.db)
	if err != nil {
		return fmt.Errorf("checking server version: %w", err)
	}
	if !ok {
		return ErrIncompatibleVersion
	}
	for _, schema := range b.schemas {
		if err := b.checkTable(ctx, schema); err != nil {
			return err
		}
	}
	b.logger.Infof("preflight checks passed for %d tables in %s", len(b.schemas), b.database)

	return nil
}

func (b *Booter) checkTable(ctx context.Context, schema *tables.Schema) error {
	var exists bool
	err := b.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT * FROM information_schema.tables WHERE table_schema = ? AND table_name = ?)",
		b.database, schema.Name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking table %s: %w", schema.Name, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s.%s", ErrMissingTable, b.database, schema.Name)
	}

	tbl := table.NewTableInfo(b.db, b.database, schema.Name)
	if err = tbl.SetInfo(ctx); err != nil {
		return fmt.Errorf("failed to set info on table %s: %w", schema.Name, err)
	}
	for _, c := range schema.Columns {
		if !slices.Contains(tbl.Columns, c.Name) {
			return fmt.Errorf("%w: %s.%s has no column %s", ErrMissingColumn, b.database, schema.Name, c.Name)
		}
	}
	b.Tables[schema.Name] = tbl

	return nil
}

// isMySQLVersionCompatible returns true if we can positively identify this as MySQL 5.7 or later.
func isMySQLVersionCompatible(ctx context.Context, db *sql.DB) (bool, error) {
	var version string
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return false, err
	}

	return versionAtLeast(version, minMajorVersion, minMinorVersion), nil
}

// versionAtLeast parses strings like "8.0.36" or "5.7.44-log".
func versionAtLeast(version string, major, minor int) bool {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return false
	}
	gotMajor, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	gotMinor, err := strconv.Atoi(strings.TrimFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' }))
	if err != nil {
		return false
	}
	if gotMajor != major {
		return gotMajor > major
	}

	return gotMinor >= minor
}
