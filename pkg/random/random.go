// Package random generates run ids.
package random

import (
	"math/rand/v2"
	"time"
)

const (
	suffixLen = 6
	chars     = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ID returns a run id such as "20240501T100000-x7k2qa". The timestamp prefix
// keeps ids sortable by start time in the run journal.
func ID() string {
	return IDAt(time.Now())
}

func IDAt(t time.Time) string {
	suffix := make([]byte, suffixLen)
	for i := range suffix {
		suffix[i] = chars[rand.IntN(len(chars))] //nolint:gosec
	}

	return t.UTC().Format("20060102T150405") + "-" + string(suffix)
}
