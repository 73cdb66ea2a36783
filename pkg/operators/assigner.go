package operators

import (
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"

	helpers "github.com/sandboxws/isotope/flow/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/flow/pkg/operator"
	"github.com/sandboxws/isotope/flow/pkg/watermarks"
)

// WatermarkAssigner derives watermarks from an event-time column.
//
// Upstream watermarks are replaced by the generated ones, except MaxWatermark
// which still signals end of input.
type WatermarkAssigner struct {
	column   string
	strategy watermarks.Strategy

	gen     *watermarks.BoundedOutOfOrderness
	emitted int64
	logger  *slog.Logger
}

// NewWatermarkAssigner creates an assigner reading event times from column.
func NewWatermarkAssigner(column string, strategy watermarks.Strategy) *WatermarkAssigner {
	return &WatermarkAssigner{column: column, strategy: strategy}
}

func (w *WatermarkAssigner) Open(ctx *operator.Context) error {
	if w.column == "" {
		return fmt.Errorf("watermark assigner %s: event time column is required", ctx.OperatorID)
	}
	w.gen = w.strategy.NewGenerator()
	w.emitted = operator.MinWatermark
	w.logger = ctx.Logger
	return nil
}

func (w *WatermarkAssigner) ProcessBatch(batch arrow.Record) ([]operator.Element, error) {
	highest, err := helpers.MaxEventTime(batch, w.column)
	if err != nil {
		return nil, fmt.Errorf("watermark assigner: %w", err)
	}

	batch.Retain()
	out := []operator.Element{operator.BatchElement(batch)}

	w.gen.OnEvent(highest)
	if wm := w.gen.CurrentWatermark(); wm > w.emitted {
		w.emitted = wm
		out = append(out, operator.WatermarkElement(wm))
	}
	return out, nil
}

func (w *WatermarkAssigner) ProcessWatermark(wm operator.Watermark) ([]operator.Element, error) {
	if wm.Timestamp != operator.MaxWatermark || w.emitted == operator.MaxWatermark {
		w.logger.Debug("dropping upstream watermark", "watermark", wm)
		return nil, nil
	}
	w.emitted = operator.MaxWatermark
	return operator.Forward(operator.WatermarkElement(operator.MaxWatermark))
}

func (w *WatermarkAssigner) ProcessStreamStatus(status operator.StreamStatus) ([]operator.Element, error) {
	return operator.Forward(operator.StatusElement(status))
}

func (w *WatermarkAssigner) Close() error { return nil }
