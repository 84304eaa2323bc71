package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/block/shardsync/pkg/destinations"
	"github.com/block/shardsync/pkg/runner"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var cli struct {
	Globals

	Sync   SyncCmd   `cmd:"sync"   help:"Extract new rows from the source into shard files"`
	Verify VerifyCmd `cmd:"verify" help:"Check the checkpoint against the shard files"`
	Export ExportCmd `cmd:"export" help:"Convert each table's shards into a parquet file"`
	Mirror MirrorCmd `cmd:"mirror" help:"Copy shard files and checkpoint to another location"`
}

// Globals are accepted by every command.
type Globals struct {
	Config    kong.ConfigFlag `name:"config" help:"JSON file with flag values" type:"existingfile" optional:""`
	DataDir   string          `name:"data-dir" help:"Directory holding shard files, checkpoint and run journal" default:"data" env:"SHARDSYNC_DATA_DIR"`
	StartedBy string          `name:"started-by" help:"Name of the system/user who started the run." env:"SHARDSYNC_STARTED_BY"`
	RunID     string          `name:"run-id" help:"RunID for the run, generated when empty" optional:""`
	LogFile   string          `name:"log-file" help:"Write logs to this file, rotated, instead of stdout" optional:"" env:"SHARDSYNC_LOG_FILE"`
	LogLevel  string          `name:"log-level" help:"Log level" default:"info" enum:"debug,info,warn,error" env:"SHARDSYNC_LOG_LEVEL"`
}

// logger returns the run's logger and a func releasing its output.
func (g *Globals) logger() (*logrus.Logger, func()) {
	logger := logrus.New()
	closer := func() {}
	if g.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   g.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		logger.SetOutput(lj)
		closer = func() { _ = lj.Close() }
	} else {
		logger.SetOutput(os.Stdout)
	}
	if level, err := logrus.ParseLevel(g.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	return logger, closer
}

// SyncCmd holds the arguments for one extraction run.
type SyncCmd struct {
	Threshold     string        `name:"threshold" help:"Shard size limit, e.g. 90MB" default:"90MB" env:"SHARDSYNC_THRESHOLD"`
	BatchSize     int           `name:"batch-size" help:"Rows fetched per source query" default:"10000"`
	ReplicaDSN    string        `name:"replica-dsn" help:"A DSN for a replica which (if specified) will be used for lag checking." optional:"" env:"SHARDSYNC_REPLICA_DSN"`
	ReplicaMaxLag time.Duration `name:"replica-max-lag" help:"The maximum lag allowed on the replica before fetches are throttled." optional:"" default:"120s"`
	LockTables    bool          `name:"lock-tables" help:"Hold a metadata lock on the source tables for the run" default:"true" negatable:""`
	runner.DBConfig
	runner.DBCreds
}

func (s *SyncCmd) Run(g *Globals) error {
	threshold, err := humanize.ParseBytes(s.Threshold)
	if err != nil {
		return fmt.Errorf("invalid threshold %q: %w", s.Threshold, err)
	}
	logger, closer := g.logger()
	defer closer()

	syncRunner, err := runner.NewSyncRunner(&runner.SyncRunnerConfig{
		RunID:           g.RunID,
		StartedBy:       g.StartedBy,
		DataDir:         g.DataDir,
		Threshold:       threshold,
		BatchSize:       s.BatchSize,
		Host:            s.Host,
		Username:        s.Username,
		Password:        s.Password,
		Database:        s.Database,
		Threads:         s.Threads,
		LockWaitTimeout: s.LockWaitTimeout,
		ReplicaDSN:      s.ReplicaDSN,
		ReplicaMaxLag:   s.ReplicaMaxLag,
		LockTables:      s.LockTables,
	}, logger)
	if err != nil {
		return fmt.Errorf("error creating sync runner: %w", err)
	}
	defer syncRunner.Close()

	return run(syncRunner)
}

type VerifyCmd struct{}

func (v *VerifyCmd) Run(g *Globals) error {
	logger, closer := g.logger()
	defer closer()

	verifyRunner, err := runner.NewVerifyRunner(&runner.VerifyRunnerConfig{
		RunID:     g.RunID,
		StartedBy: g.StartedBy,
		DataDir:   g.DataDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("error creating verify runner: %w", err)
	}
	defer verifyRunner.Close()

	return run(verifyRunner)
}

// Destination is shared by export and mirror.
type Destination struct {
	DstType string `name:"destination-type" help:"Where to write: local or s3" default:"local" enum:"local,s3" env:"SHARDSYNC_DESTINATION_TYPE"`
	DstPath string `name:"destination-path" help:"Directory, or s3://bucket/prefix" required:"" env:"SHARDSYNC_DESTINATION_PATH"`
}

type ExportCmd struct {
	Tables []string `name:"tables" help:"Tables to export, all when empty" optional:""`
	Destination
}

func (e *ExportCmd) Run(g *Globals) error {
	dstType, err := destinations.Parse(e.DstType)
	if err != nil {
		return err
	}
	logger, closer := g.logger()
	defer closer()

	exportRunner, err := runner.NewExportRunner(&runner.ExportRunnerConfig{
		RunID:     g.RunID,
		StartedBy: g.StartedBy,
		DataDir:   g.DataDir,
		DstType:   dstType,
		DstPath:   e.DstPath,
		Tables:    e.Tables,
	}, logger)
	if err != nil {
		return fmt.Errorf("error creating export runner: %w", err)
	}
	defer exportRunner.Close()

	return run(exportRunner)
}

type MirrorCmd struct {
	Threads int `name:"threads" help:"Concurrent uploads" default:"4"`
	Destination
}

func (m *MirrorCmd) Run(g *Globals) error {
	dstType, err := destinations.Parse(m.DstType)
	if err != nil {
		return err
	}
	logger, closer := g.logger()
	defer closer()

	mirrorRunner, err := runner.NewMirrorRunner(&runner.MirrorRunnerConfig{
		RunID:     g.RunID,
		StartedBy: g.StartedBy,
		DataDir:   g.DataDir,
		DstType:   dstType,
		DstPath:   m.DstPath,
		Threads:   m.Threads,
	}, logger)
	if err != nil {
		return fmt.Errorf("error creating mirror runner: %w", err)
	}
	defer mirrorRunner.Close()

	return run(mirrorRunner)
}

// run blocks until r completes or the process is interrupted.
func run(r runner.Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return r.Run(ctx)
}

func main() {
	parsedCmd := kong.Parse(&cli,
		kong.Name("shardsync"),
		kong.Description("Incrementally extract survey tables from MySQL into size-bounded CSV shards."),
		kong.Configuration(kong.JSON, "/etc/shardsync.json", "~/.shardsync.json"),
		kong.UsageOnError(),
	)
	parsedCmd.FatalIfErrorf(parsedCmd.Run(&cli.Globals))
}
