// Package audit keeps an append-only journal of runs next to the shard files,
// one JSON object per line.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const JournalName = "runs.jsonl"

type Status int64

const (
	Started Status = iota
	Running
	Failed
	Errored
	Succeeded
)

func (s Status) String() string {
	switch s {
	case Started:
		return "started"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Errored:
		return "errored"
	case Succeeded:
		return "succeeded"
	}

	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for _, st := range []Status{Started, Running, Failed, Errored, Succeeded} {
		if st.String() == string(b) {
			*s = st

			return nil
		}
	}

	return fmt.Errorf("unknown run status %q", b)
}

// Entry is one line of the journal.
type Entry struct {
	RunID      string           `json:"run_id"`
	Mode       string           `json:"mode"`
	StartedBy  string           `json:"started_by,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Status     Status           `json:"status"`
	Rows       map[string]int   `json:"rows,omitempty"`
	Checkpoint map[string]int64 `json:"checkpoint,omitempty"`
	Error      string           `json:"error,omitempty"`
}

type Journal struct {
	fs   afero.Fs
	path string
}

func NewJournal(fs afero.Fs, dir string) *Journal {
	return &Journal{fs: fs, path: filepath.Join(dir, JournalName)}
}

// Append writes e as a new line and syncs the file.
func (j *Journal) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err = j.fs.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("creating journal dir: %w", err)
	}
	f, err := j.fs.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	if _, err = f.Write(append(line, '\n')); err != nil {
		f.Close()

		return fmt.Errorf("writing journal: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("syncing journal: %w", err)
	}

	return f.Close()
}

// Entries returns every journal line in order. A missing journal has none.
func (j *Journal) Entries() ([]Entry, error) {
	f, err := j.fs.Open(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err = json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", j.path, line, err)
		}
		entries = append(entries, e)
	}

	return entries, sc.Err()
}

// Last returns the most recent entry for runID, or ok=false.
func (j *Journal) Last(runID string) (Entry, bool, error) {
	entries, err := j.Entries()
	if err != nil {
		return Entry{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].RunID == runID {
			return entries[i], true, nil
		}
	}

	return Entry{}, false, nil
}
