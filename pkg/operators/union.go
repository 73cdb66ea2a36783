// Package operators implements the built-in stream operators for the Isotope runtime.
package operators

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/isotope/flow/pkg/operator"
)

// Union merges batches from multiple inputs in arrival order.
// The engine merges the inputs' watermarks and statuses before they reach
// the operator, so Union forwards everything unchanged.
type Union struct{}

// NewUnion creates a Union operator.
func NewUnion() *Union { return &Union{} }

func (u *Union) Open(_ *operator.Context) error { return nil }

func (u *Union) ProcessBatch(batch arrow.Record) ([]operator.Element, error) {
	batch.Retain()
	return []operator.Element{operator.BatchElement(batch)}, nil
}

func (u *Union) ProcessWatermark(wm operator.Watermark) ([]operator.Element, error) {
	return operator.Forward(operator.WatermarkElement(wm.Timestamp))
}

func (u *Union) ProcessStreamStatus(status operator.StreamStatus) ([]operator.Element, error) {
	return operator.Forward(operator.StatusElement(status))
}

func (u *Union) Close() error { return nil }
