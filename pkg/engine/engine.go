// Package engine implements the core execution engine that builds an operator DAG
// from an ExecutionPlan and runs its stages as goroutines wired by channels.
//
// Every stage with inputs owns a valve that merges the watermarks and stream
// statuses of its input channels, so operators only ever observe the combined
// input watermark and status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/isotope/flow/pkg/metrics"
	"github.com/sandboxws/isotope/flow/pkg/operator"
	"github.com/sandboxws/isotope/flow/pkg/plan"
)

const defaultChannelBuffer = 16

// ErrNoFactory is returned by Run when the engine has no operator factory.
var ErrNoFactory = errors.New("engine: operator factory is required")

// OperatorFactory creates an Operator (or Source/Sink) from an OperatorNode descriptor.
type OperatorFactory func(node *plan.OperatorNode) (any, error)

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records stage metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the base logger. The engine adds pipeline and run attributes.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.baseLogger = logger }
}

// WithChannelBuffer sets the capacity of the channels between stages.
func WithChannelBuffer(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.buffer = n
		}
	}
}

// Engine executes an operator DAG from an ExecutionPlan.
type Engine struct {
	plan    *plan.ExecutionPlan
	alloc   memory.Allocator
	factory OperatorFactory
	metrics *metrics.Metrics
	buffer  int
	runID   string

	baseLogger *slog.Logger
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewEngine creates a new execution engine for the given plan.
func NewEngine(p *plan.ExecutionPlan, alloc memory.Allocator, factory OperatorFactory, opts ...Option) *Engine {
	e := &Engine{
		plan:       p,
		alloc:      alloc,
		factory:    factory,
		buffer:     defaultChannelBuffer,
		runID:      uuid.NewString(),
		baseLogger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.baseLogger.With("pipeline", p.PipelineName, "run_id", e.runID)
	return e
}

// RunID identifies this engine instance in logs.
func (e *Engine) RunID() string { return e.runID }

// Run builds the DAG, wires channels, and starts all stages.
// Blocks until every stage has finished. It returns the first stage error;
// cancelling ctx or calling Stop ends the run without an error.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.plan.Validate(); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	if e.factory == nil {
		return ErrNoFactory
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	stages, err := e.build()
	if err != nil {
		return err
	}

	start := time.Now()
	e.logger.Info("starting pipeline", "stages", len(stages), "operators", len(e.plan.Operators))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range stages {
		s.start(gctx, g, e.alloc, cancel)
	}

	err = g.Wait()
	if err != nil {
		e.logger.Error("pipeline failed", "error", err, "elapsed", time.Since(start))
		return err
	}
	e.logger.Info("pipeline finished", "elapsed", time.Since(start))
	return nil
}

// Stop triggers a graceful shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// build instantiates every operator and groups them into stages.
func (e *Engine) build() ([]*stage, error) {
	adj := buildAdjacency(e.plan)

	// Identify chains of FORWARD-connected operators for fusion.
	chains := identifyChains(e.plan, adj)
	chainByHead := make(map[string][]string, len(chains))
	inChain := make(map[string]bool)
	for _, chain := range chains {
		chainByHead[chain[0]] = chain
		for _, id := range chain {
			inChain[id] = true
		}
	}

	nodes := make(map[string]*plan.OperatorNode, len(e.plan.Operators))
	for _, op := range e.plan.Operators {
		nodes[op.ID] = op
	}

	// Create channels between stages. FORWARD edges inside a chain become function calls.
	channels := make(map[*plan.Edge]chan operator.Element)
	for _, edge := range e.plan.Edges {
		if isChainedEdge(chains, edge.FromOperator, edge.ToOperator) {
			continue
		}
		channels[edge] = make(chan operator.Element, e.buffer)
	}

	var stages []*stage
	for _, op := range e.plan.Operators {
		ids, isHead := chainByHead[op.ID]
		if !isHead {
			if inChain[op.ID] {
				continue
			}
			ids = []string{op.ID}
		}

		s := &stage{
			id:      op.ID,
			name:    op.Name,
			metrics: e.metrics,
			logger:  e.logger.With("stage", op.ID),
			buffer:  e.buffer,
		}
		for _, id := range ids {
			node := nodes[id]
			impl, err := e.factory(node)
			if err != nil {
				return nil, fmt.Errorf("create operator %s (%s): %w", node.ID, node.Name, err)
			}
			if err := s.add(node, impl); err != nil {
				return nil, err
			}
		}

		for _, edge := range e.plan.InputEdges(ids[0]) {
			s.inputs = append(s.inputs, channels[edge])
		}
		for _, edge := range e.plan.OutputEdges(ids[len(ids)-1]) {
			s.outputs = append(s.outputs, channels[edge])
		}
		if s.source == nil && len(s.inputs) == 0 {
			return nil, fmt.Errorf("operator %s: no inputs", s.id)
		}
		stages = append(stages, s)
	}
	return stages, nil
}

// adjacency represents the DAG adjacency lists.
type adjacency struct {
	downstream map[string][]edgeInfo
	upstream   map[string][]edgeInfo
}

type edgeInfo struct {
	operatorID string
	forward    bool
}

func buildAdjacency(p *plan.ExecutionPlan) adjacency {
	adj := adjacency{
		downstream: make(map[string][]edgeInfo),
		upstream:   make(map[string][]edgeInfo),
	}
	for _, edge := range p.Edges {
		adj.downstream[edge.FromOperator] = append(adj.downstream[edge.FromOperator],
			edgeInfo{operatorID: edge.ToOperator, forward: edge.Forward()})
		adj.upstream[edge.ToOperator] = append(adj.upstream[edge.ToOperator],
			edgeInfo{operatorID: edge.FromOperator, forward: edge.Forward()})
	}
	return adj
}

// identifyChains finds sequences of operators connected by FORWARD edges
// where each operator after the head has exactly one upstream and one downstream.
// The head may have several inputs; the chain's valve merges them.
func identifyChains(p *plan.ExecutionPlan, adj adjacency) [][]string {
	types := make(map[string]plan.OperatorType, len(p.Operators))
	for _, op := range p.Operators {
		types[op.ID] = op.OperatorType
	}

	var chains [][]string
	visited := make(map[string]bool)

	for _, op := range p.Operators {
		if visited[op.ID] {
			continue
		}

		// Sources and sinks never join a chain.
		if op.OperatorType.IsSource() || op.OperatorType.IsSink() || len(adj.upstream[op.ID]) == 0 {
			continue
		}

		downs := adj.downstream[op.ID]
		if len(downs) != 1 || !downs[0].forward {
			continue
		}

		// Walk the chain forward.
		chain := []string{op.ID}
		visited[op.ID] = true
		current := downs[0].operatorID

		for !visited[current] && !types[current].IsSink() {
			ups := adj.upstream[current]
			downs := adj.downstream[current]

			if len(ups) != 1 || !ups[0].forward || len(downs) == 0 {
				break
			}

			chain = append(chain, current)
			visited[current] = true

			// Continue if there's exactly one FORWARD downstream.
			if len(downs) != 1 || !downs[0].forward {
				break
			}
			current = downs[0].operatorID
		}

		if len(chain) > 1 {
			chains = append(chains, chain)
		}
	}

	return chains
}

// isChainedEdge checks if two operators are adjacent within the same chain.
func isChainedEdge(chains [][]string, from, to string) bool {
	for _, chain := range chains {
		for i := 0; i < len(chain)-1; i++ {
			if chain[i] == from && chain[i+1] == to {
				return true
			}
		}
	}
	return false
}
