package runner

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/block/shardsync/pkg/audit"
	"github.com/block/shardsync/pkg/checkpoint"
	"github.com/block/shardsync/pkg/destinations"
	"github.com/block/shardsync/pkg/random"
	"github.com/block/shardsync/pkg/shard"
	"github.com/block/shardsync/pkg/tables"
	"github.com/block/shardsync/pkg/upload"
	"github.com/dustin/go-humanize"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const defaultMirrorThreads = 4

// MirrorRunner copies every shard file, then the checkpoint, to a
// destination. The checkpoint goes last so a mirror never claims rows it
// does not hold.
type MirrorRunner struct {
	data      *dataDir
	runID     string
	startedBy string
	dstType   destinations.DstType
	dstPath   string
	threads   int
	uploader  upload.Uploader
	loader    upload.ConfigLoader
	logger    loggers.Advanced
}

type MirrorRunnerConfig struct {
	RunID     string
	StartedBy string
	DataDir   string
	DstType   destinations.DstType
	DstPath   string
	Threads   int
	Fs        afero.Fs
}

func NewMirrorRunner(cfg *MirrorRunnerConfig, logger loggers.Advanced) (*MirrorRunner, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = defaultMirrorThreads
	}

	return &MirrorRunner{
		data:      newDataDir(cfg.Fs, cfg.DataDir, 0, logger),
		runID:     cfg.RunID,
		startedBy: cfg.StartedBy,
		dstType:   cfg.DstType,
		dstPath:   cfg.DstPath,
		threads:   threads,
		loader:    awsConfigLoader,
		logger:    logger,
	}, nil
}

func (mr *MirrorRunner) Run(ctx context.Context) error {
	if mr.runID == "" {
		mr.runID = random.ID()
	}
	entry := audit.Entry{RunID: mr.runID, Mode: mirrorMode, StartedBy: mr.startedBy, StartedAt: time.Now(), Status: audit.Succeeded}
	files, err := mr.mirror(ctx)
	entry.FinishedAt = time.Now()
	entry.Rows = map[string]int{"files": files}
	if err != nil {
		entry.Status = failureStatus(err)
		entry.Error = err.Error()
	}
	mr.data.record(entry)

	return err
}

func (mr *MirrorRunner) mirror(ctx context.Context) (int, error) {
	if _, err := mr.data.loadAndVerify(ctx); err != nil {
		return 0, fmt.Errorf("refusing to mirror: %w", err)
	}
	if mr.uploader == nil {
		var err error
		mr.uploader, err = upload.NewUploader(ctx, mr.dstType, mr.dstPath, mr.data.fs, mr.loader)
		if err != nil {
			return 0, err
		}
	}

	var uploaded atomic.Int64
	var bytes atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mr.threads)
	for _, name := range tables.Names() {
		shards, err := shard.List(mr.data.fs, mr.data.dir, name)
		if err != nil {
			return 0, err
		}
		for _, s := range shards {
			g.Go(func() error {
				n, err := mr.uploadFile(gctx, s.Path, path.Join(name, filepath.Base(s.Path)))
				if err != nil {
					return err
				}
				uploaded.Add(1)
				bytes.Add(uint64(n))

				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return int(uploaded.Load()), err
	}

	cp := filepath.Join(mr.data.dir, checkpoint.FileName)
	if ok, err := afero.Exists(mr.data.fs, cp); err != nil {
		return int(uploaded.Load()), err
	} else if ok {
		n, err := mr.uploadFile(ctx, cp, checkpoint.FileName)
		if err != nil {
			return int(uploaded.Load()), err
		}
		uploaded.Add(1)
		bytes.Add(uint64(n))
	}
	mr.logger.Infof("mirrored %d files (%s) to %s %s", uploaded.Load(), humanize.Bytes(bytes.Load()), mr.dstType, mr.dstPath)

	return int(uploaded.Load()), nil
}

func (mr *MirrorRunner) uploadFile(ctx context.Context, src, name string) (int, error) {
	data, err := afero.ReadFile(mr.data.fs, src)
	if err != nil {
		return 0, err
	}
	if err = mr.uploader.Upload(ctx, name, data); err != nil {
		return 0, fmt.Errorf("uploading %s: %w", src, err)
	}

	return len(data), nil
}

func (mr *MirrorRunner) Close() error {
	return nil
}
