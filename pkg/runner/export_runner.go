package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/block/shardsync/pkg/audit"
	"github.com/block/shardsync/pkg/dataset"
	"github.com/block/shardsync/pkg/destinations"
	"github.com/block/shardsync/pkg/parquet"
	"github.com/block/shardsync/pkg/random"
	"github.com/block/shardsync/pkg/tables"
	"github.com/block/shardsync/pkg/upload"
	"github.com/dustin/go-humanize"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
)

// ExportRunner converts each table's shards into one parquet file and
// uploads it as <table>.parquet.
type ExportRunner struct {
	data      *dataDir
	runID     string
	startedBy string
	dstType   destinations.DstType
	dstPath   string
	tables    []string
	uploader  upload.Uploader
	loader    upload.ConfigLoader
	logger    loggers.Advanced
}

type ExportRunnerConfig struct {
	RunID     string
	StartedBy string
	DataDir   string
	DstType   destinations.DstType
	DstPath   string
	// Tables limits the export; empty means every table.
	Tables []string
	Fs     afero.Fs
}

func NewExportRunner(cfg *ExportRunnerConfig, logger loggers.Advanced) (*ExportRunner, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	for _, name := range cfg.Tables {
		if _, err := tables.Lookup(name); err != nil {
			return nil, err
		}
	}
	names := cfg.Tables
	if len(names) == 0 {
		names = tables.Names()
	}

	return &ExportRunner{
		data:      newDataDir(cfg.Fs, cfg.DataDir, 0, logger),
		runID:     cfg.RunID,
		startedBy: cfg.StartedBy,
		dstType:   cfg.DstType,
		dstPath:   cfg.DstPath,
		tables:    names,
		loader:    awsConfigLoader,
		logger:    logger,
	}, nil
}

func (er *ExportRunner) Run(ctx context.Context) error {
	if er.runID == "" {
		er.runID = random.ID()
	}
	entry := audit.Entry{RunID: er.runID, Mode: exportMode, StartedBy: er.startedBy, StartedAt: time.Now(), Status: audit.Succeeded}
	rows, err := er.export(ctx)
	entry.FinishedAt = time.Now()
	entry.Rows = rows
	if err != nil {
		entry.Status = failureStatus(err)
		entry.Error = err.Error()
	}
	er.data.record(entry)

	return err
}

func (er *ExportRunner) export(ctx context.Context) (map[string]int, error) {
	// A dataset is only exported once it is known to match its checkpoint.
	if _, err := er.data.loadAndVerify(ctx); err != nil {
		return nil, fmt.Errorf("refusing to export: %w", err)
	}
	if er.uploader == nil {
		var err error
		er.uploader, err = upload.NewUploader(ctx, er.dstType, er.dstPath, er.data.fs, er.loader)
		if err != nil {
			return nil, err
		}
	}

	rows := make(map[string]int, len(er.tables))
	for _, name := range er.tables {
		schema, err := tables.Lookup(name)
		if err != nil {
			return rows, err
		}
		ds, err := dataset.Load(er.data.fs, er.data.dir, schema)
		if err != nil {
			return rows, fmt.Errorf("loading %s: %w", name, err)
		}
		if ds.Len() == 0 {
			er.logger.Infof("table %s has no rows, skipping export", name)

			continue
		}
		data, err := parquet.Encode(ds)
		if err != nil {
			return rows, fmt.Errorf("encoding %s: %w", name, err)
		}
		if err = er.uploader.Upload(ctx, name+".parquet", data); err != nil {
			return rows, err
		}
		rows[name] = ds.Len()
		er.logger.Infof("exported table %s: %d rows from %d shards, %s to %s %s",
			name, ds.Len(), len(ds.Shards), humanize.Bytes(uint64(len(data))), er.dstType, er.dstPath)
	}

	return rows, nil
}

func (er *ExportRunner) Close() error {
	return nil
}
