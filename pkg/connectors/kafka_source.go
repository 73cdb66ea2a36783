package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/isotope/flow/pkg/codec"
	"github.com/sandboxws/isotope/flow/pkg/operator"
	"github.com/sandboxws/isotope/flow/pkg/valve"
	"github.com/sandboxws/isotope/flow/pkg/watermarks"
)

// KafkaSourceOptions configures a KafkaSource.
type KafkaSourceOptions struct {
	Topic            string `yaml:"topic"`
	BootstrapServers string `yaml:"bootstrap_servers"`
	Format           string `yaml:"format"`
	StartupMode      string `yaml:"startup_mode"`

	// Partitions is the number of topic partitions. Each partition is one
	// valve input channel, so the count must be fixed for the job's lifetime.
	Partitions int `yaml:"partitions"`

	// EventTimeField is the JSON field holding the event time in milliseconds.
	// When empty the Kafka record timestamp is used.
	EventTimeField string `yaml:"event_time_field"`

	BatchSize  int                 `yaml:"batch_size"`
	Watermarks watermarks.Strategy `yaml:"watermarks"`
}

// KafkaSource consumes records from a fixed set of Kafka partitions and
// produces Arrow RecordBatches. Each partition gets its own watermark
// generator and idleness timer; a valve merges them into the source's
// watermark and stream status.
type KafkaSource struct {
	opts   KafkaSourceOptions
	schema *arrow.Schema
	alloc  memory.Allocator

	tracker *partitionTracker
}

// NewKafkaSource creates a Kafka source connector.
func NewKafkaSource(schema *arrow.Schema, opts KafkaSourceOptions) *KafkaSource {
	return &KafkaSource{opts: opts, schema: schema}
}

func (k *KafkaSource) Open(ctx *operator.Context) error {
	if k.schema == nil {
		return fmt.Errorf("kafka source %s: schema is required", ctx.OperatorID)
	}
	if k.opts.Topic == "" {
		return fmt.Errorf("kafka source %s: topic is required", ctx.OperatorID)
	}
	if k.opts.Format != "" && k.opts.Format != "json" {
		return fmt.Errorf("kafka source %s: unsupported format %q", ctx.OperatorID, k.opts.Format)
	}
	if k.opts.Partitions < 1 {
		return fmt.Errorf("kafka source %s: partitions must be positive, got %d", ctx.OperatorID, k.opts.Partitions)
	}

	tracker, err := newPartitionTracker(k.opts.Partitions, k.opts.Watermarks, time.Now)
	if err != nil {
		return fmt.Errorf("kafka source %s: %w", ctx.OperatorID, err)
	}
	k.tracker = tracker
	k.alloc = ctx.Alloc
	return nil
}

func (k *KafkaSource) Run(ctx *operator.Context, out chan<- operator.Element) error {
	defer close(out)

	offset := kgo.NewOffset().AtStart()
	switch k.opts.StartupMode {
	case "latest-offset", "latest":
		offset = kgo.NewOffset().AtEnd()
	}
	partitions := make(map[int32]kgo.Offset, k.opts.Partitions)
	for p := 0; p < k.opts.Partitions; p++ {
		partitions[int32(p)] = offset
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.opts.BootstrapServers),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{k.opts.Topic: partitions}),
	)
	if err != nil {
		return fmt.Errorf("kafka source: create client: %w", err)
	}
	defer client.Close()

	batchSize := k.opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	interval := k.opts.Watermarks.Interval()

	emit := func(e operator.Element) bool {
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			e.Release()
			return false
		}
	}

	var buffer []map[string]any
	flush := func() bool {
		for len(buffer) > 0 {
			n := min(batchSize, len(buffer))
			chunk := buffer[:n]
			buffer = buffer[n:]

			batch, err := jsonRowsToRecord(k.alloc, k.schema, chunk)
			if err != nil {
				ctx.Logger.Error("kafka build batch error", "error", err)
				continue
			}
			if !emit(operator.BatchElement(batch)) {
				return false
			}
			ctx.Metrics.BatchesProcessed.Add(1)
			ctx.Metrics.RowsProcessed.Add(int64(n))
		}
		return true
	}
	emitControl := func() bool {
		for _, e := range k.tracker.Drain() {
			if !emit(e) {
				return false
			}
			if e.Kind == operator.KindWatermark {
				ctx.Metrics.WatermarksEmitted.Add(1)
			}
		}
		return true
	}

	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pollCtx, cancel := context.WithTimeout(ctx.Ctx, interval)
		fetches := client.PollFetches(pollCtx)
		cancel()
		if fetches.IsClientClosed() {
			return nil
		}
		for _, e := range fetches.Errors() {
			if errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, context.Canceled) {
				continue
			}
			ctx.Logger.Error("kafka fetch error", "topic", e.Topic, "partition", e.Partition, "error", e.Err)
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			partition := int(rec.Partition)

			if isControl(rec) {
				elem, err := codec.Decode(rec.Value)
				if err != nil {
					ctx.Logger.Warn("skipping malformed control record", "partition", partition, "offset", rec.Offset, "error", err)
					continue
				}
				// Data read before the control record must leave first.
				if !flush() {
					return nil
				}
				if err := k.tracker.OnControl(partition, elem); err != nil {
					return fmt.Errorf("kafka source: %w", err)
				}
				if !emitControl() {
					return nil
				}
				continue
			}

			var row map[string]any
			if err := json.Unmarshal(rec.Value, &row); err != nil {
				ctx.Logger.Error("kafka json decode error", "partition", partition, "offset", rec.Offset, "error", err)
				continue
			}
			if err := k.tracker.OnRecord(partition, k.eventTime(rec, row)); err != nil {
				return fmt.Errorf("kafka source: %w", err)
			}
			// A reactivated partition reports ACTIVE before its rows leave.
			if k.tracker.Pending() {
				if !flush() || !emitControl() {
					return nil
				}
			}
			buffer = append(buffer, row)
		}

		if !flush() {
			return nil
		}
		if time.Since(lastTick) >= interval {
			lastTick = time.Now()
			if err := k.tracker.Tick(); err != nil {
				return fmt.Errorf("kafka source: %w", err)
			}
		}
		if !emitControl() {
			return nil
		}
	}
}

func (k *KafkaSource) Close() error { return nil }

// eventTime reads the configured event time field, falling back to the record timestamp.
func (k *KafkaSource) eventTime(rec *kgo.Record, row map[string]any) int64 {
	if k.opts.EventTimeField != "" {
		if v, ok := row[k.opts.EventTimeField].(float64); ok {
			return int64(v)
		}
	}
	return rec.Timestamp.UnixMilli()
}

// isControl reports whether rec carries an encoded control element instead of a row.
func isControl(rec *kgo.Record) bool {
	for _, h := range rec.Headers {
		if h.Key == codec.HeaderKey {
			return true
		}
	}
	return false
}

// partitionTracker derives the watermark and stream status of a
// partitioned input. It is owned by the source goroutine.
type partitionTracker struct {
	valve *valve.Valve
	gens  []*watermarks.BoundedOutOfOrderness
	idle  []*watermarks.IdlenessTimer

	pending []operator.Element
}

func newPartitionTracker(partitions int, strategy watermarks.Strategy, now func() time.Time) (*partitionTracker, error) {
	t := &partitionTracker{
		gens: make([]*watermarks.BoundedOutOfOrderness, partitions),
		idle: make([]*watermarks.IdlenessTimer, partitions),
	}
	for p := range partitions {
		t.gens[p] = strategy.NewGenerator()
		t.idle[p] = strategy.NewIdlenessTimer(now)
	}

	v, err := valve.New(partitions, t)
	if err != nil {
		return nil, err
	}
	t.valve = v
	return t, nil
}

func (t *partitionTracker) EmitWatermark(ts int64) {
	t.pending = append(t.pending, operator.WatermarkElement(ts))
}

func (t *partitionTracker) EmitStreamStatus(status operator.StreamStatus) {
	t.pending = append(t.pending, operator.StatusElement(status))
}

// OnRecord registers a data record read from partition.
func (t *partitionTracker) OnRecord(partition int, ts int64) error {
	if partition < 0 || partition >= len(t.gens) {
		return fmt.Errorf("%w: partition %d, have %d", valve.ErrChannelOutOfRange, partition, len(t.gens))
	}
	woke := false
	if timer := t.idle[partition]; timer != nil {
		woke = timer.Activity()
	}
	// An IDLE control record leaves the timer active, so the valve's view decides too.
	ch, err := t.valve.Channel(partition)
	if err != nil {
		return err
	}
	if woke || ch.Status == operator.StatusIdle {
		if err := t.valve.InputStreamStatus(operator.StatusActive, partition); err != nil {
			return err
		}
	}
	t.gens[partition].OnEvent(ts)
	return nil
}

// Pending reports whether the valve emitted elements not yet drained.
func (t *partitionTracker) Pending() bool { return len(t.pending) > 0 }

// OnControl feeds a watermark or stream status produced upstream straight into the valve.
func (t *partitionTracker) OnControl(partition int, e operator.Element) error {
	switch e.Kind {
	case operator.KindWatermark:
		return t.valve.InputWatermark(e.Watermark.Timestamp, partition)
	case operator.KindStreamStatus:
		return t.valve.InputStreamStatus(e.Status, partition)
	default:
		return fmt.Errorf("%w: %s", codec.ErrNotControl, e.Kind)
	}
}

// Tick runs the periodic part: idle partitions are reported idle, every
// other partition offers its current generated watermark.
func (t *partitionTracker) Tick() error {
	for p := range t.gens {
		if timer := t.idle[p]; timer != nil && timer.CheckIfIdle() {
			if err := t.valve.InputStreamStatus(operator.StatusIdle, p); err != nil {
				return err
			}
			continue
		}
		if err := t.valve.InputWatermark(t.gens[p].CurrentWatermark(), p); err != nil {
			return err
		}
	}
	return nil
}

// Drain returns and clears the elements the valve emitted since the last call.
func (t *partitionTracker) Drain() []operator.Element {
	out := t.pending
	t.pending = nil
	return out
}

// jsonRowsToRecord converts JSON row maps to an Arrow RecordBatch.
func jsonRowsToRecord(alloc memory.Allocator, schema *arrow.Schema, rows []map[string]any) (arrow.Record, error) {
	numCols := schema.NumFields()
	builders := make([]array.Builder, numCols)
	for i := 0; i < numCols; i++ {
		builders[i] = array.NewBuilder(alloc, schema.Field(i).Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, row := range rows {
		for i := 0; i < numCols; i++ {
			f := schema.Field(i)
			val, exists := row[f.Name]
			if !exists || val == nil {
				builders[i].AppendNull()
				continue
			}
			appendJSONValue(builders[i], val)
		}
	}

	arrays := make([]arrow.Array, numCols)
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}

	rec := array.NewRecord(schema, arrays, int64(len(rows)))
	for _, a := range arrays {
		a.Release()
	}
	return rec, nil
}

func appendJSONValue(bldr array.Builder, val any) {
	switch b := bldr.(type) {
	case *array.Int64Builder:
		if v, ok := val.(float64); ok {
			b.Append(int64(v))
		} else {
			b.AppendNull()
		}
	case *array.Int32Builder:
		if v, ok := val.(float64); ok {
			b.Append(int32(v))
		} else {
			b.AppendNull()
		}
	case *array.Float64Builder:
		if v, ok := val.(float64); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.StringBuilder:
		if s, ok := val.(string); ok {
			b.Append(s)
		} else {
			b.Append(fmt.Sprintf("%v", val))
		}
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.TimestampBuilder:
		// Timestamps travel as epoch milliseconds.
		if v, ok := val.(float64); ok {
			unit := b.Type().(*arrow.TimestampType).Unit
			b.Append(fromMillis(int64(v), unit))
		} else {
			b.AppendNull()
		}
	default:
		bldr.AppendNull()
	}
}
