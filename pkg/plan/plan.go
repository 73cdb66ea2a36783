// Package plan describes a pipeline as a DAG of operators and loads it from YAML.
package plan

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"gopkg.in/yaml.v3"
)

// OperatorType selects the implementation the factory builds for a node.
type OperatorType string

const (
	TypeGeneratorSource   OperatorType = "generator"
	TypeKafkaSource       OperatorType = "kafka_source"
	TypeUnion             OperatorType = "union"
	TypeWatermarkAssigner OperatorType = "watermark_assigner"
	TypeLateDataFilter    OperatorType = "late_data_filter"
	TypeProject           OperatorType = "project"
	TypeFilter            OperatorType = "filter"
	TypeConsoleSink       OperatorType = "console"
	TypeKafkaSink         OperatorType = "kafka_sink"
)

// IsSource reports whether nodes of this type produce data and take no inputs.
func (t OperatorType) IsSource() bool {
	return t == TypeGeneratorSource || t == TypeKafkaSource
}

// IsSink reports whether nodes of this type consume data and have no outputs.
func (t OperatorType) IsSink() bool {
	return t == TypeConsoleSink || t == TypeKafkaSink
}

// ShuffleStrategy tells how elements move along an edge.
type ShuffleStrategy string

const (
	// ShuffleForward keeps elements in the producing goroutine when possible,
	// allowing the engine to fuse linear chains.
	ShuffleForward   ShuffleStrategy = "forward"
	ShuffleRebalance ShuffleStrategy = "rebalance"
)

// ExecutionPlan is a complete pipeline description.
type ExecutionPlan struct {
	PipelineName string          `yaml:"pipeline"`
	Operators    []*OperatorNode `yaml:"operators"`
	Edges        []*Edge         `yaml:"edges"`
}

// OperatorNode is one operator in the plan.
type OperatorNode struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	OperatorType OperatorType `yaml:"type"`
	InputSchema  *Schema      `yaml:"input_schema,omitempty"`
	OutputSchema *Schema      `yaml:"output_schema,omitempty"`

	// Options holds the type-specific configuration, decoded by the factory.
	Options yaml.Node `yaml:"options,omitempty"`
}

// DecodeOptions decodes the node's options into v. Missing options leave v untouched.
func (n *OperatorNode) DecodeOptions(v any) error {
	if n.Options.Kind == 0 {
		return nil
	}
	if err := n.Options.Decode(v); err != nil {
		return fmt.Errorf("operator %s: decode options: %w", n.ID, err)
	}
	return nil
}

// Edge connects two operators.
type Edge struct {
	FromOperator string          `yaml:"from"`
	ToOperator   string          `yaml:"to"`
	Shuffle      ShuffleStrategy `yaml:"shuffle,omitempty"`
}

// Forward reports whether the edge uses the FORWARD strategy (the default).
func (e *Edge) Forward() bool {
	return e.Shuffle == "" || e.Shuffle == ShuffleForward
}

// Schema is an ordered list of typed fields.
type Schema struct {
	Fields []SchemaField `yaml:"fields"`
}

// SchemaField is one column of a Schema.
type SchemaField struct {
	Name      string    `yaml:"name"`
	ArrowType ArrowType `yaml:"type"`
	Nullable  bool      `yaml:"nullable,omitempty"`
}

// ArrowType names a supported column type.
type ArrowType string

const (
	ArrowInt8        ArrowType = "int8"
	ArrowInt16       ArrowType = "int16"
	ArrowInt32       ArrowType = "int32"
	ArrowInt64       ArrowType = "int64"
	ArrowFloat32     ArrowType = "float32"
	ArrowFloat64     ArrowType = "float64"
	ArrowString      ArrowType = "string"
	ArrowBoolean     ArrowType = "bool"
	ArrowTimestampMS ArrowType = "timestamp_ms"
	ArrowTimestampUS ArrowType = "timestamp_us"
)

// ToArrow converts the schema to an Arrow schema.
func (s *Schema) ToArrow() (*arrow.Schema, error) {
	if s == nil {
		return nil, fmt.Errorf("nil schema")
	}

	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		dt, err := f.ArrowType.DataType()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// DataType returns the Arrow data type for t.
func (t ArrowType) DataType() (arrow.DataType, error) {
	switch t {
	case ArrowInt8:
		return arrow.PrimitiveTypes.Int8, nil
	case ArrowInt16:
		return arrow.PrimitiveTypes.Int16, nil
	case ArrowInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case ArrowInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case ArrowFloat32:
		return arrow.PrimitiveTypes.Float32, nil
	case ArrowFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case ArrowString:
		return arrow.BinaryTypes.String, nil
	case ArrowBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	case ArrowTimestampMS:
		return arrow.FixedWidthTypes.Timestamp_ms, nil
	case ArrowTimestampUS:
		return arrow.FixedWidthTypes.Timestamp_us, nil
	default:
		return nil, fmt.Errorf("unsupported arrow type: %q", string(t))
	}
}

// Load reads a YAML ExecutionPlan from a file path.
func Load(path string) (*ExecutionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML ExecutionPlan.
func Parse(data []byte) (*ExecutionPlan, error) {
	p := &ExecutionPlan{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("unmarshal execution plan: %w", err)
	}
	return p, nil
}

// InputEdges returns the edges ending at id in plan order. The position of an
// edge in this slice is the input channel index on the receiving operator.
func (p *ExecutionPlan) InputEdges(id string) []*Edge {
	var out []*Edge
	for _, e := range p.Edges {
		if e.ToOperator == id {
			out = append(out, e)
		}
	}
	return out
}

// OutputEdges returns the edges starting at id in plan order.
func (p *ExecutionPlan) OutputEdges(id string) []*Edge {
	var out []*Edge
	for _, e := range p.Edges {
		if e.FromOperator == id {
			out = append(out, e)
		}
	}
	return out
}
