// Package connectors implements source and sink connectors for the Isotope runtime.
package connectors

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/flow/pkg/operator"
	"github.com/sandboxws/isotope/flow/pkg/watermarks"
)

const defaultBatchSize = 1024

// EndOfInput selects what a bounded Generator emits after its last batch.
type EndOfInput string

const (
	// EndWithMaxWatermark emits MaxWatermark: downstream windows may fire.
	EndWithMaxWatermark EndOfInput = "max_watermark"
	// EndWithIdle emits IDLE: the input stops holding back downstream watermarks.
	EndWithIdle EndOfInput = "idle"
)

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	RowsPerSecond int64 `yaml:"rows_per_second"`
	MaxRows       int64 `yaml:"max_rows"`
	BatchSize     int   `yaml:"batch_size"`

	// EventTimeColumn is the column holding the synthetic event time. When it
	// names an int64 or timestamp column the generator emits watermarks.
	EventTimeColumn string `yaml:"event_time_column"`

	// StartTimeMillis is the event time of the first row; zero means now.
	StartTimeMillis int64 `yaml:"start_time_ms"`

	// StepMillis is the event time distance between consecutive rows.
	StepMillis int64 `yaml:"step_ms"`

	Watermarks watermarks.Strategy `yaml:"watermarks"`
	EndOfInput EndOfInput          `yaml:"end_of_input"`
}

// Generator produces synthetic Arrow RecordBatches at a configurable rate,
// with ascending event times and a watermark after every batch.
type Generator struct {
	schema *arrow.Schema
	opts   GeneratorOptions
	alloc  memory.Allocator

	timeCol int
	gen     *watermarks.BoundedOutOfOrderness
}

// NewGenerator creates a Generator source.
func NewGenerator(schema *arrow.Schema, opts GeneratorOptions) *Generator {
	return &Generator{schema: schema, opts: opts, timeCol: -1}
}

func (g *Generator) Open(ctx *operator.Context) error {
	if g.schema == nil {
		return fmt.Errorf("generator %s: schema is required", ctx.OperatorID)
	}
	switch g.opts.EndOfInput {
	case "", EndWithMaxWatermark, EndWithIdle:
	default:
		return fmt.Errorf("generator %s: unknown end_of_input %q", ctx.OperatorID, g.opts.EndOfInput)
	}

	if g.opts.EventTimeColumn != "" {
		indices := g.schema.FieldIndices(g.opts.EventTimeColumn)
		if len(indices) == 0 {
			return fmt.Errorf("generator %s: event time column %q not in schema", ctx.OperatorID, g.opts.EventTimeColumn)
		}
		switch g.schema.Field(indices[0]).Type.ID() {
		case arrow.INT64, arrow.TIMESTAMP:
		default:
			return fmt.Errorf("generator %s: event time column %q must be int64 or timestamp", ctx.OperatorID, g.opts.EventTimeColumn)
		}
		g.timeCol = indices[0]
	}
	if g.opts.StartTimeMillis == 0 {
		g.opts.StartTimeMillis = time.Now().UnixMilli()
	}
	if g.opts.StepMillis <= 0 {
		g.opts.StepMillis = 1
	}

	g.alloc = ctx.Alloc
	g.gen = g.opts.Watermarks.NewGenerator()
	return nil
}

func (g *Generator) Run(ctx *operator.Context, out chan<- operator.Element) error {
	defer close(out)

	rps := g.opts.RowsPerSecond
	if rps <= 0 {
		rps = 1000
	}

	batchSize := g.opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if int64(batchSize) > rps {
		batchSize = int(rps)
	}

	interval := time.Duration(float64(time.Second) * float64(batchSize) / float64(rps))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	emit := func(e operator.Element) bool {
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			e.Release()
			return false
		}
	}

	var totalEmitted int64
	emitted := operator.MinWatermark

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			remaining := int64(batchSize)
			if g.opts.MaxRows > 0 {
				remaining = min(remaining, g.opts.MaxRows-totalEmitted)
			}

			batch, highest := g.generateBatch(totalEmitted, int(remaining))
			if !emit(operator.BatchElement(batch)) {
				return nil
			}
			totalEmitted += remaining
			ctx.Metrics.BatchesProcessed.Add(1)
			ctx.Metrics.RowsProcessed.Add(remaining)

			if g.timeCol >= 0 {
				g.gen.OnEvent(highest)
				if wm := g.gen.CurrentWatermark(); wm > emitted {
					emitted = wm
					if !emit(operator.WatermarkElement(wm)) {
						return nil
					}
					ctx.Metrics.WatermarksEmitted.Add(1)
				}
			}

			if g.opts.MaxRows > 0 && totalEmitted >= g.opts.MaxRows {
				ctx.Logger.Info("generator finished", "rows", totalEmitted, "end_of_input", g.endOfInput())
				if g.endOfInput() == EndWithIdle {
					emit(operator.StatusElement(operator.StatusIdle))
				} else {
					emit(operator.WatermarkElement(operator.MaxWatermark))
				}
				return nil
			}
		}
	}
}

func (g *Generator) Close() error { return nil }

func (g *Generator) endOfInput() EndOfInput {
	if g.opts.EndOfInput == "" {
		return EndWithMaxWatermark
	}
	return g.opts.EndOfInput
}

// eventTime returns the event time of row seq in milliseconds.
func (g *Generator) eventTime(seq int64) int64 {
	return g.opts.StartTimeMillis + seq*g.opts.StepMillis
}

// generateBatch builds numRows rows starting at startSeq and returns the
// highest event time in the batch.
func (g *Generator) generateBatch(startSeq int64, numRows int) (arrow.Record, int64) {
	schema := g.schema
	builders := make([]array.Builder, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		builders[i] = array.NewBuilder(g.alloc, schema.Field(i).Type)
	}

	highest := operator.MinWatermark
	for row := 0; row < numRows; row++ {
		seq := startSeq + int64(row)
		ts := g.eventTime(seq)
		highest = max(highest, ts)

		for i := 0; i < schema.NumFields(); i++ {
			f := schema.Field(i)
			switch f.Type.ID() {
			case arrow.INT64:
				if i == g.timeCol {
					builders[i].(*array.Int64Builder).Append(ts)
				} else {
					builders[i].(*array.Int64Builder).Append(seq)
				}
			case arrow.INT32:
				builders[i].(*array.Int32Builder).Append(int32(seq))
			case arrow.FLOAT64:
				builders[i].(*array.Float64Builder).Append(float64(seq) * 1.1)
			case arrow.STRING:
				builders[i].(*array.StringBuilder).Append(fmt.Sprintf("%s_%d", f.Name, seq))
			case arrow.BOOL:
				builders[i].(*array.BooleanBuilder).Append(seq%2 == 0)
			case arrow.TIMESTAMP:
				unit := f.Type.(*arrow.TimestampType).Unit
				builders[i].(*array.TimestampBuilder).Append(fromMillis(ts, unit))
			default:
				builders[i].AppendNull()
			}
		}
	}

	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
		b.Release()
	}

	rec := array.NewRecord(schema, arrays, int64(numRows))
	for _, a := range arrays {
		a.Release()
	}
	return rec, highest
}

func fromMillis(ms int64, unit arrow.TimeUnit) arrow.Timestamp {
	switch unit {
	case arrow.Second:
		return arrow.Timestamp(ms / 1000)
	case arrow.Microsecond:
		return arrow.Timestamp(ms * 1000)
	case arrow.Nanosecond:
		return arrow.Timestamp(ms * 1_000_000)
	default:
		return arrow.Timestamp(ms)
	}
}
