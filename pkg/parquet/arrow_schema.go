package parquet

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/block/shardsync/pkg/tables"
)

func kindToArrowType(k tables.Kind) (arrow.DataType, error) {
	switch k {
	case tables.Int:
		return arrow.PrimitiveTypes.Int64, nil
	case tables.Float:
		return arrow.PrimitiveTypes.Float64, nil
	case tables.Bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case tables.String:
		return arrow.BinaryTypes.String, nil
	case tables.Time:
		return arrow.FixedWidthTypes.Timestamp_us, nil
	default:
		return arrow.Null, fmt.Errorf("unsupported kind: %s", k)
	}
}

// ArrowSchema converts a table schema to an Arrow schema. Every field is
// nullable since the shard files cannot tell NULL from an empty value.
func ArrowSchema(schema *tables.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		arrowType, err := kindToArrowType(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("column %s.%s: %w", schema.Name, c.Name, err)
		}
		fields = append(fields, arrow.Field{Name: c.Name, Type: arrowType, Nullable: true})
	}

	return arrow.NewSchema(fields, nil), nil
}
