// Package helpers provides convenience functions for working with Arrow RecordBatches.
package helpers

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/flow/pkg/operator"
)

// Column returns the named column from a RecordBatch, or an error if not found.
func Column(batch arrow.Record, name string) (arrow.Array, error) {
	idx := ColumnIndex(batch, name)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found in schema", name)
	}
	return batch.Column(idx), nil
}

// ColumnIndex returns the index of a named column, or -1 if not found.
func ColumnIndex(batch arrow.Record, name string) int {
	indices := batch.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return -1
	}
	return indices[0]
}

// EventTimes returns the event time of every row in milliseconds. The column
// must be int64 (milliseconds) or a timestamp; null rows report MinWatermark.
func EventTimes(batch arrow.Record, column string) ([]int64, error) {
	col, err := Column(batch, column)
	if err != nil {
		return nil, err
	}

	out := make([]int64, col.Len())
	switch a := col.(type) {
	case *array.Int64:
		for i := range out {
			out[i] = valueOrMin(a, i, a.Value(i))
		}
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		for i := range out {
			out[i] = valueOrMin(a, i, toMillis(int64(a.Value(i)), unit))
		}
	default:
		return nil, fmt.Errorf("column %q: unsupported event time type %s", column, col.DataType())
	}
	return out, nil
}

// MaxEventTime returns the highest event time in the batch, or MinWatermark for an empty batch.
func MaxEventTime(batch arrow.Record, column string) (int64, error) {
	times, err := EventTimes(batch, column)
	if err != nil {
		return 0, err
	}
	highest := operator.MinWatermark
	for _, ts := range times {
		highest = max(highest, ts)
	}
	return highest, nil
}

func valueOrMin(a arrow.Array, i int, v int64) int64 {
	if a.IsNull(i) {
		return operator.MinWatermark
	}
	return v
}

func toMillis(v int64, unit arrow.TimeUnit) int64 {
	switch unit {
	case arrow.Second:
		return v * 1000
	case arrow.Microsecond:
		return v / 1000
	case arrow.Nanosecond:
		return v / 1_000_000
	default:
		return v
	}
}

// Filter applies a boolean mask to a RecordBatch, returning only rows where mask is true.
// The caller is responsible for releasing the returned Record.
func Filter(ctx context.Context, batch arrow.Record, mask arrow.Array) (arrow.Record, error) {
	result, err := compute.FilterRecordBatch(ctx, batch, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return result, nil
}

// KeepRows builds a mask from keep and filters the batch with it.
// The caller is responsible for releasing the returned Record.
func KeepRows(ctx context.Context, alloc memory.Allocator, batch arrow.Record, keep []bool) (arrow.Record, error) {
	bldr := array.NewBooleanBuilder(alloc)
	defer bldr.Release()
	bldr.AppendValues(keep, nil)
	mask := bldr.NewArray()
	defer mask.Release()

	return Filter(compute.WithAllocator(ctx, alloc), batch, mask)
}
