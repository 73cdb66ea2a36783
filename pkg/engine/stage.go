package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/isotope/flow/pkg/metrics"
	"github.com/sandboxws/isotope/flow/pkg/operator"
	"github.com/sandboxws/isotope/flow/pkg/plan"
	"github.com/sandboxws/isotope/flow/pkg/valve"
)

// stage is one goroutine of the running DAG: a source, a sink, or a fused
// chain of operators. Only the stage goroutine touches its valve and operators.
type stage struct {
	id   string
	name string

	nodes  []*plan.OperatorNode
	source operator.Source
	ops    []operator.Operator
	sink   operator.Sink
	ctxs   []*operator.Context

	// inputs are ordered like the plan's input edges; the index is the valve channel.
	inputs  []chan operator.Element
	outputs []chan operator.Element

	valve   *valve.Valve
	pending []operator.Element

	metrics *metrics.Metrics
	logger  *slog.Logger
	buffer  int
}

// tagged is an element read from one input channel of a stage.
type tagged struct {
	channel int
	elem    operator.Element
}

// add appends one operator implementation to the stage.
func (s *stage) add(node *plan.OperatorNode, impl any) error {
	if s.source != nil || s.sink != nil {
		return fmt.Errorf("operator %s: cannot be fused after a source or sink", node.ID)
	}

	switch {
	case node.OperatorType.IsSource():
		src, ok := impl.(operator.Source)
		if !ok || len(s.nodes) > 0 {
			return fmt.Errorf("operator %s: %s must be a leading operator.Source, got %T", node.ID, node.OperatorType, impl)
		}
		s.source = src
	case node.OperatorType.IsSink():
		snk, ok := impl.(operator.Sink)
		if !ok || len(s.nodes) > 0 {
			return fmt.Errorf("operator %s: %s must be a standalone operator.Sink, got %T", node.ID, node.OperatorType, impl)
		}
		s.sink = snk
	default:
		op, ok := impl.(operator.Operator)
		if !ok {
			return fmt.Errorf("operator %s: %s must implement operator.Operator, got %T", node.ID, node.OperatorType, impl)
		}
		s.ops = append(s.ops, op)
	}
	s.nodes = append(s.nodes, node)
	return nil
}

// start launches the stage goroutines in g. fail cancels the whole run.
func (s *stage) start(ctx context.Context, g *errgroup.Group, alloc memory.Allocator, fail context.CancelFunc) {
	s.ctxs = make([]*operator.Context, len(s.nodes))
	for i, node := range s.nodes {
		s.ctxs[i] = operator.NewContext(ctx, alloc, node.ID, node.Name).WithLogger(s.logger)
	}
	s.ctxs[0].InputChannels = len(s.inputs)

	if s.source != nil {
		s.startSource(ctx, g)
		return
	}

	s.metrics.SetInputChannels(s.id, s.name, len(s.inputs))
	merged := s.gate(ctx, g)
	g.Go(func() error { return s.run(ctx, merged, fail) })
}

func (s *stage) startSource(ctx context.Context, g *errgroup.Group) {
	out := make(chan operator.Element, s.buffer)
	octx := s.ctxs[0]

	g.Go(func() error {
		if err := s.source.Open(octx); err != nil {
			close(out)
			return fmt.Errorf("source %s open: %w", s.id, err)
		}
		defer func() {
			if err := s.source.Close(); err != nil {
				s.logger.Warn("source close failed", "error", err)
			}
		}()
		if err := s.source.Run(octx, out); err != nil {
			s.metrics.IncError(s.id, s.name)
			return fmt.Errorf("source %s: %w", s.id, err)
		}
		return nil
	})

	// Fans the source's elements out to its downstream edges.
	g.Go(func() error {
		defer s.closeOutputs()
		for e := range out {
			if ctx.Err() != nil {
				e.Release()
				continue
			}
			s.emit(ctx, e)
		}
		return nil
	})
}

// gate merges all input channels into one channel, tagging every element
// with the index of the channel it arrived on. After cancellation the
// remaining elements are released instead of forwarded.
func (s *stage) gate(ctx context.Context, g *errgroup.Group) <-chan tagged {
	merged := make(chan tagged, s.buffer)

	var wg sync.WaitGroup
	for i, in := range s.inputs {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for e := range in {
				select {
				case merged <- tagged{channel: i, elem: e}:
				case <-ctx.Done():
					e.Release()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		wg.Wait()
		close(merged)
		return nil
	})
	return merged
}

// run is the stage goroutine for chains and sinks. It always drains merged
// so upstream stages can finish, even after a failure.
func (s *stage) run(ctx context.Context, merged <-chan tagged, fail context.CancelFunc) (err error) {
	defer s.closeOutputs()

	setErr := func(e error) {
		if err == nil {
			err = e
			s.logger.Error("stage failed", "error", e)
			fail()
		}
	}

	v, verr := valve.New(len(s.inputs), s)
	if verr != nil {
		setErr(fmt.Errorf("stage %s: %w", s.id, verr))
	}
	s.valve = v

	if err == nil {
		if oerr := s.open(); oerr != nil {
			setErr(oerr)
		} else {
			defer s.close()
		}
	}

	for t := range merged {
		if err != nil || ctx.Err() != nil {
			t.elem.Release()
			continue
		}
		if herr := s.handle(ctx, t); herr != nil {
			setErr(herr)
		}
	}
	return err
}

func (s *stage) open() error {
	if s.sink != nil {
		if err := s.sink.Open(s.ctxs[0]); err != nil {
			return fmt.Errorf("sink %s open: %w", s.id, err)
		}
		return nil
	}
	for i, op := range s.ops {
		if err := op.Open(s.ctxs[i]); err != nil {
			for _, opened := range s.ops[:i] {
				opened.Close()
			}
			return fmt.Errorf("operator %s open: %w", s.nodes[i].ID, err)
		}
	}
	return nil
}

func (s *stage) close() {
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.logger.Warn("sink close failed", "error", err)
		}
		return
	}
	for i, op := range s.ops {
		if err := op.Close(); err != nil {
			s.logger.Warn("operator close failed", "operator", s.nodes[i].ID, "error", err)
		}
	}
}

func (s *stage) closeOutputs() {
	for _, out := range s.outputs {
		close(out)
	}
}

// handle routes one input element: batches go straight to the operators,
// watermarks and statuses go through the valve first.
func (s *stage) handle(ctx context.Context, t tagged) error {
	switch t.elem.Kind {
	case operator.KindBatch:
		return s.push(ctx, []operator.Element{t.elem})
	case operator.KindWatermark:
		if err := s.valve.InputWatermark(t.elem.Watermark.Timestamp, t.channel); err != nil {
			return fmt.Errorf("stage %s: %w", s.id, err)
		}
	case operator.KindStreamStatus:
		if err := s.valve.InputStreamStatus(t.elem.Status, t.channel); err != nil {
			return fmt.Errorf("stage %s: %w", s.id, err)
		}
		s.metrics.ObserveStreamStatus(s.id, s.name, s.valve.Status(), s.valve.IdleChannels())
	default:
		t.elem.Release()
		return fmt.Errorf("stage %s: unknown element kind %s", s.id, t.elem.Kind)
	}

	pending := s.pending
	s.pending = nil
	return s.push(ctx, pending)
}

// EmitWatermark receives the valve's combined watermark.
func (s *stage) EmitWatermark(ts int64) {
	s.pending = append(s.pending, operator.WatermarkElement(ts))
	s.metrics.ObserveWatermark(s.id, s.name, ts)
	s.ctxs[0].Metrics.WatermarksEmitted.Add(1)
}

// EmitStreamStatus receives the valve's combined stream status.
func (s *stage) EmitStreamStatus(status operator.StreamStatus) {
	s.pending = append(s.pending, operator.StatusElement(status))
	s.logger.Info("input stream status changed", "status", status, "idle_channels", s.valve.IdleChannels())
}

// push runs elems through the operator chain and hands the results to the
// sink or the downstream channels. push owns elems.
func (s *stage) push(ctx context.Context, elems []operator.Element) error {
	for i, op := range s.ops {
		var next []operator.Element
		for j, e := range elems {
			out, err := s.process(i, op, e)
			e.Release()
			if err != nil {
				releaseAll(elems[j+1:])
				releaseAll(next)
				releaseAll(out)
				return err
			}
			next = append(next, out...)
		}
		elems = next
	}

	if s.sink != nil {
		for j, e := range elems {
			err := s.write(e)
			e.Release()
			if err != nil {
				releaseAll(elems[j+1:])
				return err
			}
		}
		return nil
	}

	for _, e := range elems {
		s.emit(ctx, e)
	}
	return nil
}

func (s *stage) process(i int, op operator.Operator, e operator.Element) ([]operator.Element, error) {
	octx := s.ctxs[i]

	var (
		out []operator.Element
		err error
	)
	switch e.Kind {
	case operator.KindBatch:
		start := time.Now()
		out, err = op.ProcessBatch(e.Batch)
		octx.Metrics.BatchesProcessed.Add(1)
		octx.Metrics.RowsProcessed.Add(e.Batch.NumRows())
		s.metrics.ObserveBatch(octx.OperatorID, octx.OperatorName, e.Batch.NumRows(), time.Since(start).Seconds())
	case operator.KindWatermark:
		out, err = op.ProcessWatermark(e.Watermark)
	case operator.KindStreamStatus:
		out, err = op.ProcessStreamStatus(e.Status)
	default:
		err = fmt.Errorf("unknown element kind %s", e.Kind)
	}

	if err != nil {
		octx.Metrics.Errors.Add(1)
		s.metrics.IncError(octx.OperatorID, octx.OperatorName)
		return out, fmt.Errorf("operator %s: %w", octx.OperatorID, err)
	}
	return out, nil
}

func (s *stage) write(e operator.Element) error {
	octx := s.ctxs[0]

	var err error
	switch e.Kind {
	case operator.KindBatch:
		start := time.Now()
		err = s.sink.WriteBatch(e.Batch)
		octx.Metrics.BatchesProcessed.Add(1)
		octx.Metrics.RowsProcessed.Add(e.Batch.NumRows())
		s.metrics.ObserveBatch(s.id, s.name, e.Batch.NumRows(), time.Since(start).Seconds())
	case operator.KindWatermark:
		err = s.sink.WriteWatermark(e.Watermark)
	case operator.KindStreamStatus:
		err = s.sink.WriteStreamStatus(e.Status)
	default:
		err = errors.New("unknown element kind " + e.Kind.String())
	}

	if err != nil {
		octx.Metrics.Errors.Add(1)
		s.metrics.IncError(s.id, s.name)
		return fmt.Errorf("sink %s: %w", s.id, err)
	}
	return nil
}

// emit sends e to every output. A batch is retained once per extra consumer.
func (s *stage) emit(ctx context.Context, e operator.Element) {
	if len(s.outputs) == 0 {
		e.Release()
		return
	}
	for i, out := range s.outputs {
		if i < len(s.outputs)-1 {
			e.Retain()
		}
		select {
		case out <- e:
		case <-ctx.Done():
			e.Release()
		}
	}
}

func releaseAll(elems []operator.Element) {
	for _, e := range elems {
		e.Release()
	}
}
