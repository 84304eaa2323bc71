package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/block/shardsync/pkg/audit"
	"github.com/block/shardsync/pkg/boot"
	"github.com/block/shardsync/pkg/extract"
	"github.com/block/shardsync/pkg/random"
	"github.com/block/shardsync/pkg/shard"
	"github.com/block/shardsync/pkg/source"
	"github.com/block/spirit/pkg/dbconn"
	"github.com/block/spirit/pkg/table"
	"github.com/block/spirit/pkg/throttler"
	"github.com/dustin/go-humanize"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
)

const (
	stateInitial int32 = iota
	stateVerify
	stateBooterPreflight
	stateExtract
	stateComplete
)

type SyncRunner struct {
	data *dataDir

	db        *sql.DB
	replicaDB *sql.DB
	lock      *dbconn.MetadataLock
	throttler throttler.Throttler
	driver    *extract.Driver

	// connect opens the source once the checkpoint has been verified.
	connect func(ctx context.Context) (source.Source, error)

	runID         string
	startedBy     string
	dataDir       string
	threshold     uint64
	batchSize     int
	host          string
	username      string
	password      string
	database      string
	threads       int
	lockWait      time.Duration
	replicaDSN    string
	replicaMaxLag time.Duration
	lockTables    bool
	currentState  int32 // must use atomic to get/set
	startTime     time.Time

	// Attached logger
	logger loggers.Advanced
}

type SyncRunnerConfig struct {
	RunID     string
	StartedBy string
	DataDir   string
	// Threshold is the shard size limit in bytes; 0 means shard.DefaultThreshold.
	Threshold       uint64
	BatchSize       int
	Host            string
	Username        string
	Password        string
	Database        string
	Threads         int
	LockWaitTimeout time.Duration
	ReplicaDSN      string
	ReplicaMaxLag   time.Duration
	// LockTables holds a metadata lock on the source tables for the run, so
	// schema changes and other shardsync instances wait for it.
	LockTables bool
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
}

func NewSyncRunner(cfg *SyncRunnerConfig, logger loggers.Advanced) (*SyncRunner, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	sr := &SyncRunner{
		data:          newDataDir(cfg.Fs, cfg.DataDir, cfg.Threshold, logger),
		runID:         cfg.RunID,
		startedBy:     cfg.StartedBy,
		dataDir:       cfg.DataDir,
		threshold:     cfg.Threshold,
		batchSize:     cfg.BatchSize,
		host:          cfg.Host,
		username:      cfg.Username,
		password:      cfg.Password,
		database:      cfg.Database,
		threads:       cfg.Threads,
		lockWait:      cfg.LockWaitTimeout,
		replicaDSN:    cfg.ReplicaDSN,
		replicaMaxLag: cfg.ReplicaMaxLag,
		lockTables:    cfg.LockTables,
		logger:        logger,
	}
	sr.connect = sr.connectMySQL

	return sr, nil
}

// Prepare generates a new runID if not present already.
func (sr *SyncRunner) Prepare() string {
	if sr.runID == "" {
		sr.runID = random.ID()
	}

	return sr.runID
}

// Run performs one sync: verify the checkpoint against the shard files, and
// only if they agree connect to the source and extract every table.
func (sr *SyncRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sr.Prepare()
	if sr.data.alreadySucceeded(sr.runID) {
		sr.logger.Infof("sync with run-id:%s already successful, skipping", sr.runID)

		return nil
	}
	sr.startTime = time.Now()
	threshold := sr.threshold
	if threshold == 0 {
		threshold = shard.DefaultThreshold
	}
	sr.logger.Infof("starting sync: run-id=%s data-dir=%s threshold=%s source=%s/%s",
		sr.runID, sr.dataDir, humanize.Bytes(threshold), sr.host, sr.database)

	entry := audit.Entry{RunID: sr.runID, Mode: syncMode, StartedBy: sr.startedBy, StartedAt: sr.startTime, Status: audit.Started}
	sr.data.record(entry)

	report, runErr := sr.run(ctx, &entry)

	entry.FinishedAt = time.Now()
	entry.Rows = make(map[string]int, len(report.Tables))
	for _, t := range report.Tables {
		entry.Rows[t.Table] = t.Rows
	}
	entry.Status = audit.Succeeded
	if runErr != nil {
		entry.Status = failureStatus(runErr)
	}
	entry.Error = errString(runErr)
	sr.data.record(entry)
	sr.setCurrentState(stateComplete)

	if runErr != nil {
		sr.logger.Errorf("sync run-id=%s failed after %s: %v", sr.runID, time.Since(sr.startTime).Round(time.Millisecond), runErr)

		return runErr
	}
	sr.logger.Infof("sync run-id=%s completed in %s: %d rows written", sr.runID, time.Since(sr.startTime).Round(time.Millisecond), report.Rows())

	return nil
}

func (sr *SyncRunner) run(ctx context.Context, entry *audit.Entry) (extract.Report, error) {
	sr.setCurrentState(stateVerify)
	m, err := sr.data.loadAndVerify(ctx)
	if err != nil {
		return extract.Report{}, fmt.Errorf("refusing to sync: %w", err)
	}

	src, err := sr.connect(ctx)
	if err != nil {
		return extract.Report{}, err
	}

	sr.driver = extract.NewDriver(&extract.DriverConfig{
		Source:    src,
		Writer:    sr.data.writer,
		Store:     sr.data.store,
		Logger:    sr.logger,
		BatchSize: sr.batchSize,
	})
	sr.setCurrentState(stateExtract)
	entry.Status = audit.Running
	sr.data.record(*entry)
	go sr.writeStatus(ctx)

	report, next, err := sr.driver.Run(ctx, m)
	entry.Checkpoint = next

	return report, err
}

// connectMySQL opens the source, runs the preflight checks and sets up the
// optional table lock and replica throttler.
func (sr *SyncRunner) connectMySQL(ctx context.Context) (source.Source, error) {
	var err error
	dsn := dsnFromCreds(&DBCreds{
		Host:     sr.host,
		Username: sr.username,
		Password: sr.password,
		Database: sr.database,
	})
	dbConfig := setupDBConfig(&DBConfig{Threads: sr.threads, LockWaitTimeout: sr.lockWait})
	sr.db, err = setupDB(dsn, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("error setting up db: %w", err)
	}
	sr.replicaDB, err = setupReplicaDB(dbConfig, sr.replicaDSN)
	if err != nil {
		return nil, fmt.Errorf("error setting up replica-db: %w", err)
	}

	sr.setCurrentState(stateBooterPreflight)
	b := boot.NewBooter(&boot.BooterConfig{DB: sr.db, Database: sr.database, Logger: sr.logger})
	if err = b.PreflightChecks(ctx); err != nil {
		return nil, fmt.Errorf("preflight checks failed: %w", err)
	}

	if sr.lockTables {
		// The same lock spirit takes for schema changes: a migration and a
		// sync never run against the same tables at once.
		tbls := make([]*table.TableInfo, 0, len(b.Tables))
		for _, t := range b.Tables {
			tbls = append(tbls, t)
		}
		sr.lock, err = dbconn.NewMetadataLock(ctx, dsn, tbls, dbconn.NewDBConfig(), slog.Default())
		if err != nil {
			return nil, fmt.Errorf("error locking source tables: %w", err)
		}
	}

	sr.throttler, err = sr.getThrottler(ctx)
	if err != nil {
		return nil, err
	}

	return source.NewThrottled(source.NewMySQL(sr.db), sr.throttler), nil
}

// getThrottler returns a throttler based on the replica connection. Returns a Noop throttler if the replica connection is nil.
func (sr *SyncRunner) getThrottler(ctx context.Context) (throttler.Throttler, error) {
	var err error
	var thtl throttler.Throttler
	if sr.replicaDB != nil {
		// A replica that was asked for but can't be used is fatal.
		thtl, err = throttler.NewReplicationThrottler(sr.replicaDB, sr.replicaMaxLag, slog.Default())
		if err != nil {
			sr.logger.Warnf("could not create replication throttler: %v", err)

			return nil, err
		}
	} else {
		thtl = &throttler.Noop{}
	}

	if err = thtl.Open(ctx); err != nil {
		sr.logger.Warnf("could not open throttler: %v", err)

		return nil, err
	}

	return thtl, nil
}

func (sr *SyncRunner) writeStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sr.getCurrentState() != stateExtract {
				continue
			}
			tbl, rows := sr.driver.Progress()
			throttled := sr.throttler != nil && sr.throttler.IsThrottled()
			if sr.db != nil {
				sr.logger.Infof("sync status: state='extracting' table=%s rows-written=%d total-time=%s is-throttled=%v conns-in-use=%d",
					tbl, rows, time.Since(sr.startTime).Round(time.Second), throttled, sr.db.Stats().InUse)
			} else {
				sr.logger.Infof("sync status: state='extracting' table=%s rows-written=%d total-time=%s",
					tbl, rows, time.Since(sr.startTime).Round(time.Second))
			}
		}
	}
}

func (sr *SyncRunner) getCurrentState() int32 {
	return atomic.LoadInt32(&sr.currentState)
}

func (sr *SyncRunner) setCurrentState(s int32) {
	atomic.StoreInt32(&sr.currentState, s)
}

func (sr *SyncRunner) Close() error {
	var err error
	if sr.throttler != nil {
		if err = sr.throttler.Close(); err != nil {
			return fmt.Errorf("error closing throttler: %w", err)
		}
	}
	if sr.lock != nil {
		if err = sr.lock.Close(); err != nil {
			return fmt.Errorf("error unlocking the metadata lock on the source tables: %w", err)
		}
	}
	if sr.replicaDB != nil {
		if err = sr.replicaDB.Close(); err != nil {
			return fmt.Errorf("error closing the replica db connection: %w", err)
		}
	}
	if sr.db != nil {
		if err = sr.db.Close(); err != nil {
			return fmt.Errorf("error closing the db connection: %w", err)
		}
	}

	return nil
}
