package runner

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/block/spirit/pkg/dbconn"
)

// DBCreds holds the source database credentials.
type DBCreds struct {
	Host     string `name:"host" help:"Hostname" optional:"" default:"127.0.0.1:3306" env:"SHARDSYNC_HOST"`
	Username string `name:"username" help:"User" optional:"" default:"msandbox" env:"SHARDSYNC_USERNAME"`
	Password string `name:"password" help:"Password" optional:"" default:"msandbox" env:"SHARDSYNC_PASSWORD"`
	Database string `name:"database" help:"Database" optional:"" default:"test" env:"SHARDSYNC_DATABASE"`
}

// DBConfig holds the connection pool settings for the source database.
type DBConfig struct {
	Threads         int           `name:"threads" help:"Maximum open connections to the source" optional:"" default:"2"`
	LockWaitTimeout time.Duration `name:"lock-wait-timeout" help:"The lock_wait_timeout for source sessions" optional:"" default:"30s"`
}

func setupDBConfig(cfg *DBConfig) *dbconn.DBConfig {
	dbConfig := dbconn.NewDBConfig()
	// Extra +1 for the session holding the metadata lock on the source
	// tables for the length of the run.
	dbConfig.MaxOpenConnections = cfg.Threads + 1
	dbConfig.LockWaitTimeout = int(cfg.LockWaitTimeout.Seconds())

	return dbConfig
}

func setupDB(dsn string, dbConfig *dbconn.DBConfig) (*sql.DB, error) {
	db, err := dbconn.New(dsn, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database err:%w", err)
	}

	return db, nil
}

func setupReplicaDB(config *dbconn.DBConfig, replicaDSN string) (*sql.DB, error) {
	if replicaDSN == "" {
		return nil, nil //nolint:nilnil
	}
	db, err := dbconn.New(replicaDSN, config)
	if err != nil {
		return nil, fmt.Errorf("error connecting to replica database: %w", err)
	}

	return db, nil
}

func dsnFromCreds(dbCreds *DBCreds) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", dbCreds.Username, dbCreds.Password, dbCreds.Host, dbCreds.Database)
}
