// Package destinations names the places exports and shard mirrors can be
// written to.
package destinations

import "fmt"

type DstType int32

const (
	LocalDir DstType = iota
	S3File
)

func (s DstType) String() string {
	switch s {
	case LocalDir:
		return "local"
	case S3File:
		return "s3"
	}

	return "unknown"
}

// Parse maps a --dst-type flag value to its DstType.
func Parse(s string) (DstType, error) {
	for _, t := range []DstType{LocalDir, S3File} {
		if t.String() == s {
			return t, nil
		}
	}

	return 0, fmt.Errorf("unsupported destination type: %s", s)
}
