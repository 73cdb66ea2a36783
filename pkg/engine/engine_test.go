// Package engine integration tests: build and run a complete operator DAG.
package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/sandboxws/isotope/flow/pkg/connectors"
	"github.com/sandboxws/isotope/flow/pkg/metrics"
	"github.com/sandboxws/isotope/flow/pkg/operator"
	"github.com/sandboxws/isotope/flow/pkg/operators"
	"github.com/sandboxws/isotope/flow/pkg/plan"
	"github.com/sandboxws/isotope/flow/pkg/watermarks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var eventSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "event_time", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func generator(maxRows, start int64, end connectors.EndOfInput) *connectors.Generator {
	return connectors.NewGenerator(eventSchema, connectors.GeneratorOptions{
		RowsPerSecond:   100000,
		MaxRows:         maxRows,
		BatchSize:       10,
		EventTimeColumn: "event_time",
		StartTimeMillis: start,
		StepMillis:      10,
		EndOfInput:      end,
	})
}

func unionPlan() *plan.ExecutionPlan {
	return &plan.ExecutionPlan{
		PipelineName: "union-test",
		Operators: []*plan.OperatorNode{
			{ID: "a", Name: "gen-a", OperatorType: plan.TypeGeneratorSource},
			{ID: "b", Name: "gen-b", OperatorType: plan.TypeGeneratorSource},
			{ID: "u", Name: "union", OperatorType: plan.TypeUnion},
			{ID: "sink", Name: "collect", OperatorType: plan.TypeConsoleSink},
		},
		Edges: []*plan.Edge{
			{FromOperator: "a", ToOperator: "u"},
			{FromOperator: "b", ToOperator: "u"},
			{FromOperator: "u", ToOperator: "sink"},
		},
	}
}

func runEngine(t *testing.T, eng *Engine) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return eng.Run(ctx)
}

// TestE2ETwoGeneratorsUnion merges two generators with different event time
// ranges and checks the sink sees the combined watermark.
func TestE2ETwoGeneratorsUnion(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	collector := &collectingSink{}
	factory := func(node *plan.OperatorNode) (any, error) {
		switch node.ID {
		case "a":
			return generator(50, 1000, connectors.EndWithMaxWatermark), nil
		case "b":
			return generator(50, 5000, connectors.EndWithMaxWatermark), nil
		case "u":
			return operators.NewUnion(), nil
		default:
			return collector, nil
		}
	}

	if err := runEngine(t, NewEngine(unionPlan(), alloc, factory)); err != nil {
		t.Fatal(err)
	}
	defer collector.ReleaseAll()

	if total := collector.TotalRows(); total != 100 {
		t.Errorf("expected 100 rows, got %d", total)
	}

	wms := collector.Watermarks()
	if len(wms) == 0 {
		t.Fatal("expected watermarks at the sink")
	}
	for i := 1; i < len(wms); i++ {
		if wms[i] <= wms[i-1] {
			t.Fatalf("watermarks not strictly increasing: %v", wms)
		}
	}
	if last := wms[len(wms)-1]; last != operator.MaxWatermark {
		t.Errorf("expected final MAX watermark, got %d", last)
	}
	// Regular watermarks never pass the highest one either input produced.
	for _, wm := range wms[:len(wms)-1] {
		if wm > 5489 {
			t.Errorf("unexpected watermark %d", wm)
		}
	}
	if len(collector.Statuses()) != 0 {
		t.Errorf("expected no status changes, got %v", collector.Statuses())
	}
}

// TestE2EAllInputsIdle checks that the sink sees IDLE once every input went idle.
func TestE2EAllInputsIdle(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	collector := &collectingSink{}
	factory := func(node *plan.OperatorNode) (any, error) {
		switch node.ID {
		case "a":
			return generator(20, 1000, connectors.EndWithIdle), nil
		case "b":
			return generator(30, 1000, connectors.EndWithIdle), nil
		case "u":
			return operators.NewUnion(), nil
		default:
			return collector, nil
		}
	}

	if err := runEngine(t, NewEngine(unionPlan(), alloc, factory)); err != nil {
		t.Fatal(err)
	}
	defer collector.ReleaseAll()

	statuses := collector.Statuses()
	if len(statuses) != 1 || statuses[0] != operator.StatusIdle {
		t.Fatalf("expected a single IDLE, got %v", statuses)
	}
	if last := collector.elements[len(collector.elements)-1]; last != "status" {
		t.Errorf("expected IDLE to be the last element, got %s", last)
	}
	for _, wm := range collector.Watermarks() {
		if wm == operator.MaxWatermark {
			t.Error("idle inputs must not produce MAX")
		}
	}
}

// TestE2EOperatorChaining tests that FORWARD-connected operators are fused into chains
// and that watermarks generated inside the chain reach the next operator.
func TestE2EOperatorChaining(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	p := &plan.ExecutionPlan{
		PipelineName: "chain-test",
		Operators: []*plan.OperatorNode{
			{ID: "src", Name: "gen", OperatorType: plan.TypeGeneratorSource},
			{ID: "wm", Name: "assigner", OperatorType: plan.TypeWatermarkAssigner},
			{ID: "late", Name: "late", OperatorType: plan.TypeLateDataFilter},
			{ID: "sink", Name: "console", OperatorType: plan.TypeConsoleSink},
		},
		Edges: []*plan.Edge{
			{FromOperator: "src", ToOperator: "wm", Shuffle: plan.ShuffleForward},
			{FromOperator: "wm", ToOperator: "late", Shuffle: plan.ShuffleForward},
			{FromOperator: "late", ToOperator: "sink", Shuffle: plan.ShuffleForward},
		},
	}

	chains := identifyChains(p, buildAdjacency(p))
	if len(chains) != 1 || strings.Join(chains[0], ",") != "wm,late" {
		t.Fatalf("expected chain [wm late], got %v", chains)
	}

	var buf bytes.Buffer
	factory := func(node *plan.OperatorNode) (any, error) {
		switch node.OperatorType {
		case plan.TypeGeneratorSource:
			return connectors.NewGenerator(eventSchema, connectors.GeneratorOptions{
				RowsPerSecond: 100000, MaxRows: 50, BatchSize: 10,
				EventTimeColumn: "event_time", StartTimeMillis: 1000, StepMillis: 10,
			}), nil
		case plan.TypeWatermarkAssigner:
			return operators.NewWatermarkAssigner("event_time", watermarks.Strategy{}), nil
		case plan.TypeLateDataFilter:
			return operators.NewLateDataFilter("event_time"), nil
		default:
			c := connectors.NewConsole(0)
			c.SetWriter(&buf)
			return c, nil
		}
	}

	if err := runEngine(t, NewEngine(p, alloc, factory)); err != nil {
		t.Fatal(err)
	}

	output := buf.String()
	if !strings.Contains(output, "| id") {
		t.Errorf("expected console table output, got:\n%s", truncate(output, 500))
	}
	if !strings.Contains(output, "watermark: 1489") {
		t.Errorf("expected assigner watermark in output, got:\n%s", truncate(output, 2000))
	}
	if !strings.HasSuffix(output, "watermark: MAX\n") {
		t.Errorf("expected output to end with MAX watermark, got:\n%s", truncate(output, 2000))
	}
}

// TestE2EFanOut sends one source to two sinks; each batch is shared by both.
func TestE2EFanOut(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	p := &plan.ExecutionPlan{
		PipelineName: "fanout-test",
		Operators: []*plan.OperatorNode{
			{ID: "src", Name: "gen", OperatorType: plan.TypeGeneratorSource},
			{ID: "s1", Name: "one", OperatorType: plan.TypeConsoleSink},
			{ID: "s2", Name: "two", OperatorType: plan.TypeConsoleSink},
		},
		Edges: []*plan.Edge{
			{FromOperator: "src", ToOperator: "s1"},
			{FromOperator: "src", ToOperator: "s2", Shuffle: plan.ShuffleRebalance},
		},
	}

	sinks := map[string]*collectingSink{"s1": {}, "s2": {}}
	factory := func(node *plan.OperatorNode) (any, error) {
		if node.OperatorType == plan.TypeGeneratorSource {
			return generator(100, 1000, connectors.EndWithMaxWatermark), nil
		}
		return sinks[node.ID], nil
	}

	if err := runEngine(t, NewEngine(p, alloc, factory)); err != nil {
		t.Fatal(err)
	}
	for id, s := range sinks {
		defer s.ReleaseAll()
		if total := s.TotalRows(); total != 100 {
			t.Errorf("%s: expected 100 rows, got %d", id, total)
		}
		wms := s.Watermarks()
		if len(wms) == 0 || wms[len(wms)-1] != operator.MaxWatermark {
			t.Errorf("%s: expected final MAX watermark, got %v", id, wms)
		}
	}
}

// TestE2EOperatorErrorStopsRun checks that a failing operator ends the run
// with its error and that in-flight batches are released.
func TestE2EOperatorErrorStopsRun(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	errBoom := errors.New("boom")
	collector := &collectingSink{}
	factory := func(node *plan.OperatorNode) (any, error) {
		switch node.ID {
		case "a", "b":
			// Unbounded: only the failure can stop the run.
			return generator(0, 1000, connectors.EndWithMaxWatermark), nil
		case "u":
			return &failingOperator{after: 3, err: errBoom}, nil
		default:
			return collector, nil
		}
	}

	err := runEngine(t, NewEngine(unionPlan(), alloc, factory))
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom error, got %v", err)
	}
	collector.ReleaseAll()
}

// TestE2EStop cancels an unbounded pipeline and expects a clean exit.
func TestE2EStop(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}

	collector := &collectingSink{}
	factory := func(node *plan.OperatorNode) (any, error) {
		switch node.ID {
		case "a", "b":
			return generator(0, 1000, connectors.EndWithMaxWatermark), nil
		case "u":
			return operators.NewUnion(), nil
		default:
			return collector, nil
		}
	}

	eng := NewEngine(unionPlan(), alloc, factory, WithMetrics(m), WithChannelBuffer(4))
	if eng.RunID() == "" {
		t.Error("expected a run id")
	}

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for collector.TotalRows() < 100 {
		select {
		case <-deadline:
			t.Fatal("pipeline produced no data")
		case <-time.After(5 * time.Millisecond):
		}
	}
	eng.Stop()

	if err := <-done; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	collector.ReleaseAll()

	n, err := testutil.GatherAndCount(reg, "isotope_input_watermark_milliseconds", "isotope_input_channels")
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("expected watermark and input channel metrics")
	}
}

// TestE2EValidatorRejectsCycle verifies that the engine rejects a plan with a cycle.
func TestE2EValidatorRejectsCycle(t *testing.T) {
	p := &plan.ExecutionPlan{
		PipelineName: "cycle-test",
		Operators: []*plan.OperatorNode{
			{ID: "src", Name: "src", OperatorType: plan.TypeGeneratorSource},
			{ID: "a", Name: "a", OperatorType: plan.TypeUnion},
			{ID: "b", Name: "b", OperatorType: plan.TypeUnion},
		},
		Edges: []*plan.Edge{
			{FromOperator: "src", ToOperator: "a"},
			{FromOperator: "a", ToOperator: "b"},
			{FromOperator: "b", ToOperator: "a"},
		},
	}

	factory := func(node *plan.OperatorNode) (any, error) {
		return operators.NewUnion(), nil
	}

	err := NewEngine(p, memory.DefaultAllocator, factory).Run(context.Background())
	if err == nil {
		t.Fatal("expected error for cyclic plan, got nil")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected cycle error, got: %v", err)
	}
}

// TestE2EEmptyPlanRejected verifies that the engine rejects an empty plan.
func TestE2EEmptyPlanRejected(t *testing.T) {
	p := &plan.ExecutionPlan{PipelineName: "empty-test"}

	if err := NewEngine(p, memory.DefaultAllocator, nil).Run(context.Background()); err == nil {
		t.Fatal("expected error for empty plan, got nil")
	}
}

func TestE2EMissingFactory(t *testing.T) {
	err := NewEngine(unionPlan(), memory.DefaultAllocator, nil).Run(context.Background())
	if !errors.Is(err, ErrNoFactory) {
		t.Fatalf("expected ErrNoFactory, got %v", err)
	}
}

func TestE2EWrongImplementation(t *testing.T) {
	factory := func(node *plan.OperatorNode) (any, error) {
		// A union where a sink is expected.
		return operators.NewUnion(), nil
	}
	err := NewEngine(unionPlan(), memory.DefaultAllocator, factory).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "operator.Source") {
		t.Fatalf("expected implementation type error, got %v", err)
	}
}

// ── Collecting sink for verification ────────────────────────────────

// collectingSink stores all received batches and control elements for inspection.
type collectingSink struct {
	mu         sync.Mutex
	batches    []arrow.Record
	watermarks []int64
	statuses   []operator.StreamStatus
	elements   []string
}

func (s *collectingSink) Open(_ *operator.Context) error { return nil }

func (s *collectingSink) WriteBatch(batch arrow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch.Retain()
	s.batches = append(s.batches, batch)
	s.elements = append(s.elements, "batch")
	return nil
}

func (s *collectingSink) WriteWatermark(wm operator.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks = append(s.watermarks, wm.Timestamp)
	s.elements = append(s.elements, "watermark")
	return nil
}

func (s *collectingSink) WriteStreamStatus(status operator.StreamStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	s.elements = append(s.elements, "status")
	return nil
}

func (s *collectingSink) Close() error { return nil }

func (s *collectingSink) TotalRows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, b := range s.batches {
		total += b.NumRows()
	}
	return total
}

func (s *collectingSink) Watermarks() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.watermarks...)
}

func (s *collectingSink) Statuses() []operator.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]operator.StreamStatus(nil), s.statuses...)
}

func (s *collectingSink) ReleaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		b.Release()
	}
	s.batches = nil
}

// failingOperator passes batches through and fails on the n-th one.
type failingOperator struct {
	operators.Union
	after int
	err   error
	seen  int
}

func (f *failingOperator) ProcessBatch(batch arrow.Record) ([]operator.Element, error) {
	f.seen++
	if f.seen >= f.after {
		return nil, f.err
	}
	return f.Union.ProcessBatch(batch)
}

// ── helpers ─────────────────────────────────────────────────────────

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
