// Package verify reconciles the stored checkpoint with what is actually on
// disk before a run is allowed to touch the source.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/block/shardsync/pkg/checkpoint"
	"github.com/block/shardsync/pkg/tables"
)

var (
	ErrMismatch     = errors.New("checkpoint does not match shard files")
	ErrUndetermined = errors.New("unable to determine max id from shard files")
)

// MismatchError reports a table whose checkpoint disagrees with its shards.
type MismatchError struct {
	Table    string
	Expected int64 // from the checkpoint
	Actual   int64 // from the shard files, 0 when there are none
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("table %s: checkpoint says %d but shard files end at %d", e.Table, e.Expected, e.Actual)
}

func (e *MismatchError) Is(target error) bool { return target == ErrMismatch }

// UndeterminedError wraps a failure to scan a table's shard files. It is
// fatal: assuming zero could duplicate rows.
type UndeterminedError struct {
	Table string
	Err   error
}

func (e *UndeterminedError) Error() string {
	return fmt.Sprintf("table %s: %v: %v", e.Table, ErrUndetermined, e.Err)
}

func (e *UndeterminedError) Is(target error) bool { return target == ErrUndetermined }

func (e *UndeterminedError) Unwrap() error { return e.Err }

// MaxIDer is the part of the shard writer the verifier needs.
type MaxIDer interface {
	MaxID(schema *tables.Schema) (int64, bool, error)
}

type Verifier struct {
	shards MaxIDer
}

func NewVerifier(shards MaxIDer) *Verifier {
	return &Verifier{shards: shards}
}

// Verify checks every registered table and returns the first failure.
func (v *Verifier) Verify(ctx context.Context, m checkpoint.Map) error {
	for _, schema := range tables.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.VerifyTable(schema, m[schema.Name]); err != nil {
			return err
		}
	}

	return nil
}

// VerifyTable compares one table's expected id with its on-disk max id.
func (v *Verifier) VerifyTable(schema *tables.Schema, expected int64) error {
	actual, ok, err := v.shards.MaxID(schema)
	if err != nil {
		return &UndeterminedError{Table: schema.Name, Err: err}
	}
	if !ok {
		actual = 0
	}
	if actual != expected {
		return &MismatchError{Table: schema.Name, Expected: expected, Actual: actual}
	}

	return nil
}
