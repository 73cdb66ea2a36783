package operators

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	helpers "github.com/sandboxws/isotope/flow/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/flow/pkg/operator"
)

// LateDataFilter drops rows whose event time is at or behind the current
// input watermark. Rows with a null event time are dropped too.
type LateDataFilter struct {
	column string

	watermark int64
	alloc     memory.Allocator
	ctx       *operator.Context
	dropped   int64
}

// NewLateDataFilter creates a LateDataFilter reading event times from column.
func NewLateDataFilter(column string) *LateDataFilter {
	return &LateDataFilter{column: column}
}

func (f *LateDataFilter) Open(ctx *operator.Context) error {
	if f.column == "" {
		return fmt.Errorf("late data filter %s: event time column is required", ctx.OperatorID)
	}
	f.watermark = operator.MinWatermark
	f.alloc = ctx.Alloc
	f.ctx = ctx
	return nil
}

func (f *LateDataFilter) ProcessBatch(batch arrow.Record) ([]operator.Element, error) {
	times, err := helpers.EventTimes(batch, f.column)
	if err != nil {
		return nil, fmt.Errorf("late data filter: %w", err)
	}

	keep := make([]bool, len(times))
	late := 0
	for i, ts := range times {
		keep[i] = ts > f.watermark && ts != operator.MinWatermark
		if !keep[i] {
			late++
		}
	}

	if late == 0 {
		batch.Retain()
		return []operator.Element{operator.BatchElement(batch)}, nil
	}
	f.dropped += int64(late)
	f.ctx.Logger.Debug("dropped late rows", "rows", late, "watermark", operator.Watermark{Timestamp: f.watermark})

	if late == len(times) {
		return nil, nil
	}

	result, err := helpers.KeepRows(context.Background(), f.alloc, batch, keep)
	if err != nil {
		return nil, err
	}
	return []operator.Element{operator.BatchElement(result)}, nil
}

func (f *LateDataFilter) ProcessWatermark(wm operator.Watermark) ([]operator.Element, error) {
	f.watermark = wm.Timestamp
	return operator.Forward(operator.WatermarkElement(wm.Timestamp))
}

func (f *LateDataFilter) ProcessStreamStatus(status operator.StreamStatus) ([]operator.Element, error) {
	return operator.Forward(operator.StatusElement(status))
}

// Dropped returns the number of rows dropped so far.
func (f *LateDataFilter) Dropped() int64 { return f.dropped }

func (f *LateDataFilter) Close() error {
	if f.dropped > 0 {
		f.ctx.Logger.Info("late data filter closed", "dropped_rows", f.dropped)
	}
	return nil
}
