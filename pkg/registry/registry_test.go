package registry

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sandboxws/isotope/flow/pkg/connectors"
	"github.com/sandboxws/isotope/flow/pkg/expr"
	"github.com/sandboxws/isotope/flow/pkg/operators"
	"github.com/sandboxws/isotope/flow/pkg/plan"
)

const fullPlan = `
pipeline: clicks
operators:
  - id: gen
    name: generator
    type: generator
    output_schema:
      fields:
        - {name: id, type: int64}
        - {name: ts, type: timestamp_ms}
    options:
      rows_per_second: 500
      max_rows: 1000
      event_time_column: ts
      end_of_input: idle
  - id: kafka
    name: clicks-topic
    type: kafka_source
    output_schema:
      fields:
        - {name: id, type: int64}
        - {name: ts, type: timestamp_ms}
    options:
      topic: clicks
      bootstrap_servers: localhost:9092
      partitions: 4
      event_time_field: ts
      watermarks:
        max_out_of_orderness: 2s
        idle_timeout: 30s
  - id: u
    name: union
    type: union
  - id: wm
    name: assign
    type: watermark_assigner
    options:
      column: ts
      watermarks:
        max_out_of_orderness: 500ms
  - id: late
    name: drop-late
    type: late_data_filter
    options:
      column: ts
  - id: keep
    name: positive-ids
    type: filter
    options:
      condition: "id > 0 AND ts IS NOT NULL"
  - id: proj
    name: reshape
    type: project
    options:
      cast: {id: string}
      rename: {ts: event_time}
  - id: out
    name: console
    type: console
    options:
      max_rows: 5
  - id: topic
    name: results
    type: kafka_sink
    options:
      topic: results
      partitions: 2
edges:
  - {from: gen, to: u}
  - {from: kafka, to: u}
  - {from: u, to: wm}
  - {from: wm, to: late}
  - {from: late, to: keep}
  - {from: keep, to: proj}
  - {from: proj, to: out}
  - {from: proj, to: topic}
`

func TestBuildEveryType(t *testing.T) {
	p, err := plan.Parse([]byte(fullPlan))
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	var buf bytes.Buffer
	r := &Registry{Stdout: &buf}
	require.NoError(t, r.Check(p))

	want := map[string]any{
		"gen":   &connectors.Generator{},
		"kafka": &connectors.KafkaSource{},
		"u":     &operators.Union{},
		"wm":    &operators.WatermarkAssigner{},
		"late":  &operators.LateDataFilter{},
		"keep":  &operators.Filter{},
		"proj":  &operators.Project{},
		"out":   &connectors.Console{},
		"topic": &connectors.KafkaSink{},
	}
	for _, node := range p.Operators {
		impl, err := r.Build(node)
		require.NoError(t, err, node.ID)
		assert.IsType(t, want[node.ID], impl, node.ID)
	}
}

func TestBuildDecodesOptions(t *testing.T) {
	p, err := plan.Parse([]byte(fullPlan))
	require.NoError(t, err)

	var opts AssignerOptions
	require.NoError(t, p.Operators[3].DecodeOptions(&opts))
	assert.Equal(t, "ts", opts.Column)
	assert.Equal(t, 500*time.Millisecond, opts.Watermarks.MaxOutOfOrderness)
}

func TestBuildErrors(t *testing.T) {
	r := &Registry{}

	_, err := r.Build(&plan.OperatorNode{ID: "x", OperatorType: "window"})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = r.Build(&plan.OperatorNode{ID: "g", OperatorType: plan.TypeGeneratorSource})
	assert.ErrorContains(t, err, "output schema")

	_, err = r.Build(&plan.OperatorNode{ID: "f", OperatorType: plan.TypeFilter})
	assert.ErrorContains(t, err, "operator f")

	var like plan.OperatorNode
	require.NoError(t, yaml.Unmarshal([]byte(`{id: f, type: filter, options: {condition: "id LIKE '1%'"}}`), &like))
	_, err = r.Build(&like)
	assert.ErrorIs(t, err, expr.ErrUnsupported)

	bad, err := plan.Parse([]byte(`
pipeline: bad
operators:
  - id: g
    name: g
    type: generator
    output_schema:
      fields: [{name: id, type: int64}]
    options:
      max_rows: lots
  - id: k
    name: k
    type: kafka_sink
    options:
      partitions: [1]
edges:
  - {from: g, to: k}
`))
	require.NoError(t, err)
	err = r.Check(bad)
	assert.ErrorContains(t, err, "operator g")
	assert.ErrorContains(t, err, "operator k")
}
