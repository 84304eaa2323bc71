// Package extract drives one extraction run: for each table it pulls the rows
// past the checkpoint, redacts them, appends them to shard files and only then
// advances the checkpoint.
package extract

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/block/shardsync/pkg/checkpoint"
	"github.com/block/shardsync/pkg/redact"
	"github.com/block/shardsync/pkg/shard"
	"github.com/block/shardsync/pkg/source"
	"github.com/block/shardsync/pkg/tables"
	"github.com/siddontang/loggers"
)

// DefaultBatchSize is how many rows are fetched per source query.
const DefaultBatchSize = 10000

var (
	ErrSource   = errors.New("source failure")
	ErrUnsorted = errors.New("source returned rows out of id order")
)

type ShardWriter interface {
	AppendRows(schema *tables.Schema, rows []tables.Row) (shard.Result, error)
}

type CheckpointSaver interface {
	Save(m checkpoint.Map) error
}

type Driver struct {
	source    source.Source
	writer    ShardWriter
	store     CheckpointSaver
	logger    loggers.Advanced
	batchSize int

	progressMu sync.Mutex
	table      string
	rows       int
}

type DriverConfig struct {
	Source    source.Source
	Writer    ShardWriter
	Store     CheckpointSaver
	Logger    loggers.Advanced
	BatchSize int
}

func NewDriver(cfg *DriverConfig) *Driver {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Driver{
		source:    cfg.Source,
		writer:    cfg.Writer,
		store:     cfg.Store,
		logger:    cfg.Logger,
		batchSize: batchSize,
	}
}

type TableReport struct {
	Table    string   `json:"table"`
	StartID  int64    `json:"start_id"`
	EndID    int64    `json:"end_id"`
	Rows     int      `json:"rows"`
	Redacted int      `json:"redacted"`
	Shards   []string `json:"shards,omitempty"`
}

type Report struct {
	Tables []TableReport `json:"tables"`
}

// Rows is the total number of rows written across tables.
func (r Report) Rows() int {
	var n int
	for _, t := range r.Tables {
		n += t.Rows
	}

	return n
}

// Progress returns the table being synced and the rows written so far in
// this run. Safe to call while Run is in progress.
func (d *Driver) Progress() (string, int) {
	d.progressMu.Lock()
	defer d.progressMu.Unlock()

	return d.table, d.rows
}

func (d *Driver) setProgress(table string, written int) {
	d.progressMu.Lock()
	defer d.progressMu.Unlock()
	d.table = table
	d.rows += written
}

// Run extracts every registered table in order, starting from m, which the
// caller must already have verified against the shard files. It returns the
// checkpoint as persisted.
//
// On failure Run stops at the failing table but still saves a checkpoint
// covering exactly the rows that reached disk, so the next run verifies
// cleanly and resumes from there.
func (d *Driver) Run(ctx context.Context, m checkpoint.Map) (Report, checkpoint.Map, error) {
	var report Report
	next := m.Clone()

	var runErr error
	for _, schema := range tables.All() {
		tr, err := d.syncTable(ctx, schema, next)
		report.Tables = append(report.Tables, tr)
		if err != nil {
			runErr = fmt.Errorf("table %s: %w", schema.Name, err)

			break
		}
	}

	saveErr := d.store.Save(next)
	if runErr != nil {
		if saveErr != nil {
			d.logger.Errorf("error saving checkpoint after failed run: %v", saveErr)
		}

		return report, next, runErr
	}
	if saveErr != nil {
		return report, next, fmt.Errorf("saving checkpoint: %w", saveErr)
	}

	return report, next, nil
}

func (d *Driver) syncTable(ctx context.Context, schema *tables.Schema, next checkpoint.Map) (TableReport, error) {
	cursor := next[schema.Name]
	tr := TableReport{Table: schema.Name, StartID: cursor, EndID: cursor}
	d.logger.Infof("syncing table %s from id %d", schema.Name, cursor)
	d.setProgress(schema.Name, 0)

	for {
		rows, err := d.source.Fetch(ctx, schema, cursor, d.batchSize)
		if err != nil {
			return tr, fmt.Errorf("%w: %w", ErrSource, err)
		}
		if len(rows) == 0 {
			break
		}
		if err = checkOrder(cursor, rows); err != nil {
			return tr, err
		}
		tr.Redacted += redact.Rows(schema, rows)

		res, err := d.writer.AppendRows(schema, rows)
		if res.Written > 0 {
			cursor = res.MaxID
			next[schema.Name] = cursor
			tr.EndID = cursor
			tr.Rows += res.Written
			d.setProgress(schema.Name, res.Written)
			for _, p := range res.Shards {
				if !slices.Contains(tr.Shards, p) {
					tr.Shards = append(tr.Shards, p)
				}
			}
		}
		if err != nil {
			return tr, fmt.Errorf("writing shards: %w", err)
		}
		if len(rows) < d.batchSize {
			break
		}
	}

	if tr.Rows == 0 {
		d.logger.Infof("table %s has no new rows", schema.Name)
	} else {
		d.logger.Infof("table %s: wrote %d rows, ids %d..%d, redacted %d values", schema.Name, tr.Rows, tr.StartID+1, tr.EndID, tr.Redacted)
	}

	return tr, nil
}

// checkOrder fails loudly rather than guess which row should win the cursor
// when the source hands back ids that are not strictly increasing.
func checkOrder(cursor int64, rows []tables.Row) error {
	prev := cursor
	for _, row := range rows {
		if row.ID <= prev {
			return fmt.Errorf("%w: id %d after %d", ErrUnsorted, row.ID, prev)
		}
		prev = row.ID
	}

	return nil
}
