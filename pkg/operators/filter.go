package operators

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	helpers "github.com/sandboxws/isotope/flow/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/flow/pkg/expr"
	"github.com/sandboxws/isotope/flow/pkg/operator"
)

// Filter keeps the rows for which a SQL predicate is true. Rows where it
// evaluates to NULL are dropped.
type Filter struct {
	condition *expr.Expr

	alloc   memory.Allocator
	ctx     *operator.Context
	dropped int64
}

// NewFilter creates a Filter over a compiled predicate.
func NewFilter(condition *expr.Expr) *Filter {
	return &Filter{condition: condition}
}

func (f *Filter) Open(ctx *operator.Context) error {
	if f.condition == nil {
		return fmt.Errorf("filter %s: condition is required", ctx.OperatorID)
	}
	f.alloc = ctx.Alloc
	f.ctx = ctx
	return nil
}

func (f *Filter) ProcessBatch(batch arrow.Record) ([]operator.Element, error) {
	mask, err := f.condition.EvalBool(context.Background(), f.alloc, batch)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	defer mask.Release()

	kept := 0
	for i := 0; i < mask.Len(); i++ {
		if mask.IsValid(i) && mask.Value(i) {
			kept++
		}
	}
	f.dropped += int64(mask.Len() - kept)

	switch kept {
	case 0:
		return nil, nil
	case int(batch.NumRows()):
		batch.Retain()
		return []operator.Element{operator.BatchElement(batch)}, nil
	}

	result, err := helpers.Filter(compute.WithAllocator(context.Background(), f.alloc), batch, mask)
	if err != nil {
		return nil, err
	}
	return []operator.Element{operator.BatchElement(result)}, nil
}

func (f *Filter) ProcessWatermark(wm operator.Watermark) ([]operator.Element, error) {
	return operator.Forward(operator.WatermarkElement(wm.Timestamp))
}

func (f *Filter) ProcessStreamStatus(status operator.StreamStatus) ([]operator.Element, error) {
	return operator.Forward(operator.StatusElement(status))
}

// Dropped returns the number of rows removed so far.
func (f *Filter) Dropped() int64 { return f.dropped }

func (f *Filter) Close() error {
	f.ctx.Logger.Debug("filter closed", "condition", f.condition.String(), "dropped_rows", f.dropped)
	return nil
}
