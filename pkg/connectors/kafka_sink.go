package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/isotope/flow/pkg/codec"
	"github.com/sandboxws/isotope/flow/pkg/operator"
)

// KafkaSinkOptions configures a KafkaSink.
type KafkaSinkOptions struct {
	Topic            string   `yaml:"topic"`
	BootstrapServers string   `yaml:"bootstrap_servers"`
	Format           string   `yaml:"format"`
	KeyBy            []string `yaml:"key_by"`

	// Partitions is the partition count of the topic. Watermarks and stream
	// statuses are written to every partition so each downstream reader sees them.
	Partitions int `yaml:"partitions"`
}

// KafkaSink serializes Arrow RecordBatches as JSON rows and produces them to
// a Kafka topic, together with control records for watermarks and statuses.
type KafkaSink struct {
	opts   KafkaSinkOptions
	client *kgo.Client
	next   int32
}

// NewKafkaSink creates a Kafka sink connector.
func NewKafkaSink(opts KafkaSinkOptions) *KafkaSink {
	if opts.Partitions < 1 {
		opts.Partitions = 1
	}
	return &KafkaSink{opts: opts}
}

func (k *KafkaSink) Open(ctx *operator.Context) error {
	if k.opts.Topic == "" {
		return fmt.Errorf("kafka sink %s: topic is required", ctx.OperatorID)
	}
	if k.opts.Format != "" && k.opts.Format != "json" {
		return fmt.Errorf("kafka sink %s: unsupported format %q", ctx.OperatorID, k.opts.Format)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.opts.BootstrapServers),
		kgo.DefaultProduceTopic(k.opts.Topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	if err != nil {
		return fmt.Errorf("kafka sink: create client: %w", err)
	}
	k.client = client
	return nil
}

func (k *KafkaSink) WriteBatch(batch arrow.Record) error {
	records, err := k.rowRecords(batch)
	if err != nil {
		return err
	}
	for _, rec := range records {
		k.client.Produce(context.Background(), rec, nil)
	}

	// Flush to ensure delivery.
	if err := k.client.Flush(context.Background()); err != nil {
		return fmt.Errorf("kafka sink: flush: %w", err)
	}
	return nil
}

func (k *KafkaSink) WriteWatermark(wm operator.Watermark) error {
	return k.broadcast(operator.WatermarkElement(wm.Timestamp))
}

func (k *KafkaSink) WriteStreamStatus(status operator.StreamStatus) error {
	return k.broadcast(operator.StatusElement(status))
}

func (k *KafkaSink) Close() error {
	if k.client != nil {
		k.client.Close()
	}
	return nil
}

// broadcast writes a control record to every partition and waits for the acks.
func (k *KafkaSink) broadcast(e operator.Element) error {
	records, err := controlRecords(e, k.opts.Partitions)
	if err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	if err := k.client.ProduceSync(context.Background(), records...).FirstErr(); err != nil {
		return fmt.Errorf("kafka sink: produce %s: %w", e.Kind, err)
	}
	return nil
}

// rowRecords converts every row of batch into a Kafka record with its partition assigned.
func (k *KafkaSink) rowRecords(batch arrow.Record) ([]*kgo.Record, error) {
	numRows := int(batch.NumRows())
	schema := batch.Schema()
	records := make([]*kgo.Record, 0, numRows)

	for row := 0; row < numRows; row++ {
		// Build JSON record.
		record := make(map[string]any, schema.NumFields())
		for col := 0; col < schema.NumFields(); col++ {
			f := schema.Field(col)
			arr := batch.Column(col)
			if arr.IsNull(row) {
				record[f.Name] = nil
			} else {
				record[f.Name] = extractJSONValue(arr, row)
			}
		}

		value, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: marshal row %d: %w", row, err)
		}

		rec := &kgo.Record{Value: value}

		// Set key for partitioning.
		if len(k.opts.KeyBy) > 0 {
			keyParts := make(map[string]any, len(k.opts.KeyBy))
			for _, keyCol := range k.opts.KeyBy {
				if v, ok := record[keyCol]; ok {
					keyParts[keyCol] = v
				}
			}
			keyBytes, _ := json.Marshal(keyParts)
			rec.Key = keyBytes
			rec.Partition = partitionForKey(keyBytes, k.opts.Partitions)
		} else {
			rec.Partition = k.next
			k.next = (k.next + 1) % int32(k.opts.Partitions)
		}
		records = append(records, rec)
	}
	return records, nil
}

// controlRecords encodes e once per partition, marked with the control header.
func controlRecords(e operator.Element, partitions int) ([]*kgo.Record, error) {
	records := make([]*kgo.Record, partitions)
	for p := range partitions {
		rec, err := ControlRecord(e, int32(p))
		if err != nil {
			return nil, err
		}
		records[p] = rec
	}
	return records, nil
}

// ControlRecord encodes a watermark or stream status element as a Kafka
// record for one partition. KafkaSource turns it back into an element.
func ControlRecord(e operator.Element, partition int32) (*kgo.Record, error) {
	value, err := codec.Encode(e)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Partition: partition,
		Value:     value,
		Headers:   []kgo.RecordHeader{{Key: codec.HeaderKey}},
	}, nil
}

func partitionForKey(key []byte, partitions int) int32 {
	h := fnv.New32a()
	h.Write(key)
	return int32(h.Sum32() % uint32(partitions))
}

// extractJSONValue keeps numbers and booleans typed in the JSON output.
func extractJSONValue(arr arrow.Array, row int) any {
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(row)
	case *array.Int32:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.Float32:
		return a.Value(row)
	case *array.Boolean:
		return a.Value(row)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(row).ToTime(unit).UnixMilli()
	default:
		return formatValue(arr, row)
	}
}
