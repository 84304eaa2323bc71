// Package parquet converts shard datasets into snappy compressed parquet files.
package parquet

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/block/shardsync/pkg/dataset"
	"github.com/block/shardsync/pkg/tables"
)

// rows per arrow record, and so per row group.
const defaultBatchRows = 64 * 1024

// WriteBuffer accumulates CSV records into an in-memory parquet file.
type WriteBuffer struct {
	table         *tables.Schema
	schema        *arrow.Schema
	buffer        *bytes.Buffer
	writer        *pqarrow.FileWriter
	recordBuilder *array.RecordBuilder
	batchRows     int
	pending       int
	RowsWritten   uint64
}

func NewWriteBuffer(table *tables.Schema) (*WriteBuffer, error) {
	schema, err := ArrowSchema(table)
	if err != nil {
		return nil, err
	}
	buffer := bytes.NewBuffer(nil)
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(schema, buffer, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, err
	}

	return &WriteBuffer{
		table:         table,
		schema:        schema,
		buffer:        buffer,
		writer:        writer,
		recordBuilder: array.NewRecordBuilder(memory.NewGoAllocator(), schema),
		batchRows:     defaultBatchRows,
	}, nil
}

// WriteRecord appends one shard record, fields in schema column order.
// Empty fields become NULL except in string columns.
func (wb *WriteBuffer) WriteRecord(record []string) error { //nolint:cyclop
	if len(record) != len(wb.table.Columns) {
		return fmt.Errorf("record has %d fields, table %s has %d columns", len(record), wb.table.Name, len(wb.table.Columns))
	}
	for i, field := range wb.recordBuilder.Fields() {
		val := record[i]
		if val == "" {
			if _, ok := field.(*array.StringBuilder); !ok {
				field.AppendNull()

				continue
			}
		}
		switch b := field.(type) {
		case *array.StringBuilder:
			b.Append(val)
		case *array.Int64Builder:
			intValue, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return wb.fieldError(i, val, err)
			}
			b.Append(intValue)
		case *array.Float64Builder:
			floatValue, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return wb.fieldError(i, val, err)
			}
			b.Append(floatValue)
		case *array.BooleanBuilder:
			boolValue, err := strconv.ParseBool(val)
			if err != nil {
				return wb.fieldError(i, val, err)
			}
			b.Append(boolValue)
		case *array.TimestampBuilder:
			ts, err := arrow.TimestampFromString(val, arrow.Microsecond)
			if err != nil {
				return wb.fieldError(i, val, err)
			}
			b.Append(ts)
		default:
			return fmt.Errorf("unsupported builder %T for column %s", field, wb.table.Columns[i].Name)
		}
	}
	wb.pending++
	if wb.pending >= wb.batchRows {
		return wb.flushRecord()
	}

	return nil
}

func (wb *WriteBuffer) fieldError(i int, val string, err error) error {
	c := wb.table.Columns[i]

	return fmt.Errorf("column %s.%s (%s): cannot convert %q: %w", wb.table.Name, c.Name, c.Kind, val, err)
}

func (wb *WriteBuffer) flushRecord() error {
	if wb.pending == 0 {
		return nil
	}
	record := wb.recordBuilder.NewRecord()
	defer record.Release()
	// WriteBuffered keeps every row of the record in the same row group.
	if err := wb.writer.WriteBuffered(record); err != nil {
		return err
	}
	wb.RowsWritten += uint64(wb.pending)
	wb.pending = 0

	return nil
}

// Close finishes the file and returns its bytes. The buffer can't be
// written to afterwards.
func (wb *WriteBuffer) Close() ([]byte, error) {
	defer wb.recordBuilder.Release()
	if err := wb.flushRecord(); err != nil {
		_ = wb.writer.Close()

		return nil, err
	}
	if err := wb.writer.Close(); err != nil {
		return nil, err
	}

	return wb.buffer.Bytes(), nil
}

// Abort releases the buffer and its file writer without producing a file.
func (wb *WriteBuffer) Abort() {
	wb.recordBuilder.Release()
	_ = wb.writer.Close()
}

// Encode converts a whole dataset into one parquet file.
func Encode(ds *dataset.Dataset) ([]byte, error) {
	wb, err := NewWriteBuffer(ds.Schema)
	if err != nil {
		return nil, err
	}
	for i, record := range ds.Records {
		if err = wb.WriteRecord(record); err != nil {
			wb.Abort()

			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
	}

	return wb.Close()
}
