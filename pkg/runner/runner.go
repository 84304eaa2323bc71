// Package runner wires the pieces of shardsync together for each command:
// sync, verify, export and mirror.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/block/shardsync/pkg/audit"
	"github.com/block/shardsync/pkg/checkpoint"
	"github.com/block/shardsync/pkg/shard"
	"github.com/block/shardsync/pkg/verify"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
)

const (
	syncMode   = "sync"
	verifyMode = "verify"
	exportMode = "export"
	mirrorMode = "mirror"
)

var statusInterval = 30 * time.Second

type Runner interface {
	Run(ctx context.Context) error
	Close() error
}

// dataDir bundles the on-disk state every runner starts from.
type dataDir struct {
	fs      afero.Fs
	dir     string
	writer  *shard.Writer
	store   *checkpoint.Store
	journal *audit.Journal
	logger  loggers.Advanced
}

func newDataDir(fs afero.Fs, dir string, threshold uint64, logger loggers.Advanced) *dataDir {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	return &dataDir{
		fs:      fs,
		dir:     dir,
		writer:  shard.NewWriter(&shard.WriterConfig{Fs: fs, Dir: dir, Threshold: threshold, Logger: logger}),
		store:   checkpoint.NewStore(fs, dir, logger),
		journal: audit.NewJournal(fs, dir),
		logger:  logger,
	}
}

// loadAndVerify returns the stored checkpoint once it agrees with the shard
// files on disk.
func (d *dataDir) loadAndVerify(ctx context.Context) (checkpoint.Map, error) {
	m := d.store.Load()
	if err := verify.NewVerifier(d.writer).Verify(ctx, m); err != nil {
		return m, err
	}
	d.logger.Infof("checkpoint verified against shard files in %s", d.dir)

	return m, nil
}

// record appends e to the run journal. Journal failures never fail a run.
func (d *dataDir) record(e audit.Entry) {
	if err := d.journal.Append(e); err != nil {
		d.logger.Errorf("error writing run journal entry for run-id=%s: %v", e.RunID, err)
	}
}

// alreadySucceeded reports whether the journal holds a successful run with this id.
func (d *dataDir) alreadySucceeded(runID string) bool {
	last, ok, err := d.journal.Last(runID)
	if err != nil {
		d.logger.Warnf("could not read run journal: %v", err)

		return false
	}

	return ok && last.Status == audit.Succeeded
}

// failureStatus distinguishes a run that can simply be retried from one that
// needs an operator: a checkpoint that disagrees with the files is the latter.
func failureStatus(err error) audit.Status {
	if errors.Is(err, verify.ErrMismatch) || errors.Is(err, verify.ErrUndetermined) {
		return audit.Errored
	}

	return audit.Failed
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func awsConfigLoader(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx, optFns...)
}
