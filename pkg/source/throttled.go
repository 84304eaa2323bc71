package source

import (
	"context"

	"github.com/block/shardsync/pkg/tables"
	"github.com/block/spirit/pkg/throttler"
)

// Throttled holds every fetch back while the throttler reports replica lag.
type Throttled struct {
	Source
	Throttler throttler.Throttler
}

func NewThrottled(src Source, t throttler.Throttler) *Throttled {
	return &Throttled{Source: src, Throttler: t}
}

func (t *Throttled) Fetch(ctx context.Context, schema *tables.Schema, afterID int64, limit int) ([]tables.Row, error) {
	t.Throttler.BlockWait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return t.Source.Fetch(ctx, schema, afterID, limit)
}
