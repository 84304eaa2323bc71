// Package checkpoint persists, per table, the highest row id that has been
// durably written to shard files. It is the cursor the next run resumes from.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/block/shardsync/pkg/tables"
	"github.com/siddontang/loggers"
	"github.com/spf13/afero"
)

const (
	FileName     = "checkpoint.json"
	nextFileName = "checkpoint.json.next"
)

// Map is table name => last extracted id. Zero means nothing extracted yet.
type Map map[string]int64

// Defaults returns a Map holding 0 for every registered table.
func Defaults() Map {
	m := make(Map, len(tables.Names()))
	for _, name := range tables.Names() {
		m[name] = 0
	}

	return m
}

// Clone returns a copy of m that covers every registered table.
func (m Map) Clone() Map {
	c := Defaults()
	for name := range c {
		c[name] = m[name]
	}

	return c
}

type Store struct {
	fs     afero.Fs
	dir    string
	logger loggers.Advanced
}

func NewStore(fs afero.Fs, dir string, logger loggers.Advanced) *Store {
	return &Store{
		fs:     fs,
		dir:    dir,
		logger: logger,
	}
}

// Load reads the stored checkpoint. A missing or malformed file yields all
// zeros: the verifier catches any disagreement with existing shard files.
func (s *Store) Load() Map {
	data, err := afero.ReadFile(s.fs, s.currentPath())
	if os.IsNotExist(err) {
		s.logger.Infof("no checkpoint at %s, starting from scratch", s.currentPath())

		return Defaults()
	} else if err != nil {
		s.logger.Warnf("could not read checkpoint %s, resetting to zero: %v", s.currentPath(), err)

		return Defaults()
	}

	var stored map[string]int64
	if err = json.Unmarshal(data, &stored); err != nil || stored == nil {
		s.logger.Warnf("malformed checkpoint %s, resetting to zero: %v", s.currentPath(), err)

		return Defaults()
	}
	m := Defaults()
	for name, id := range stored {
		if id < 0 {
			s.logger.Warnf("negative id %d for table %s in checkpoint %s, resetting to zero", id, name, s.currentPath())

			return Defaults()
		}
		if _, known := m[name]; !known {
			s.logger.Warnf("ignoring unknown table %s in checkpoint", name)

			continue
		}
		m[name] = id
	}

	return m
}

// Save atomically replaces the stored checkpoint with the full mapping.
// Callers must only save ids whose rows are already fsynced to shard files.
func (s *Store) Save(m Map) error {
	full := m.Clone()
	data, err := json.MarshalIndent(full, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err = s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}

	// Write the complete state to a temporary file, then move it to the
	// well-known location so a crash never leaves a half written checkpoint.
	f, err := s.fs.OpenFile(s.nextPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating checkpoint file: %w", err)
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()

		return fmt.Errorf("writing checkpoint file: %w", err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()

		return fmt.Errorf("syncing checkpoint file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing checkpoint file: %w", err)
	}
	if err = s.fs.Rename(s.nextPath(), s.currentPath()); err != nil {
		return fmt.Errorf("renaming next => current: %w", err)
	}
	s.logger.Infof("checkpoint saved: %v", full)

	return nil
}

func (s *Store) currentPath() string { return filepath.Join(s.dir, FileName) }
func (s *Store) nextPath() string    { return filepath.Join(s.dir, nextFileName) }
