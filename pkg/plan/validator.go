package plan

import (
	"fmt"
	"strings"
)

// Validate checks the execution plan for structural integrity.
func (p *ExecutionPlan) Validate() error {
	if p.PipelineName == "" {
		return fmt.Errorf("pipeline name is required")
	}

	if len(p.Operators) == 0 {
		return fmt.Errorf("plan must contain at least one operator")
	}

	// Build operator lookup.
	operatorIDs := make(map[string]*OperatorNode, len(p.Operators))
	for _, op := range p.Operators {
		if op.ID == "" {
			return fmt.Errorf("operator has empty id")
		}
		if _, exists := operatorIDs[op.ID]; exists {
			return fmt.Errorf("duplicate operator id: %s", op.ID)
		}
		if op.OperatorType == "" {
			return fmt.Errorf("operator %s: type is required", op.ID)
		}
		operatorIDs[op.ID] = op
	}

	// Validate edges reference existing operators.
	for i, edge := range p.Edges {
		if _, ok := operatorIDs[edge.FromOperator]; !ok {
			return fmt.Errorf("edge[%d]: from %q does not exist", i, edge.FromOperator)
		}
		if _, ok := operatorIDs[edge.ToOperator]; !ok {
			return fmt.Errorf("edge[%d]: to %q does not exist", i, edge.ToOperator)
		}
		if edge.FromOperator == edge.ToOperator {
			return fmt.Errorf("edge[%d]: self-loop on operator %q", i, edge.FromOperator)
		}
		switch edge.Shuffle {
		case "", ShuffleForward, ShuffleRebalance:
		default:
			return fmt.Errorf("edge[%d]: unknown shuffle strategy %q", i, edge.Shuffle)
		}
	}

	if err := validateArity(p); err != nil {
		return err
	}

	// Check for DAG cycles using DFS.
	if err := detectCycles(p); err != nil {
		return err
	}

	// Validate schema consistency across edges.
	return validateSchemaConsistency(p, operatorIDs)
}

// validateArity checks that sources have no inputs, sinks have no outputs,
// and every other operator is reachable from at least one input.
func validateArity(p *ExecutionPlan) error {
	for _, op := range p.Operators {
		ins, outs := len(p.InputEdges(op.ID)), len(p.OutputEdges(op.ID))
		switch {
		case op.OperatorType.IsSource():
			if ins > 0 {
				return fmt.Errorf("source %s has %d input edges", op.ID, ins)
			}
		case op.OperatorType.IsSink():
			if outs > 0 {
				return fmt.Errorf("sink %s has %d output edges", op.ID, outs)
			}
			if ins == 0 {
				return fmt.Errorf("sink %s has no input edges", op.ID)
			}
		default:
			if ins == 0 {
				return fmt.Errorf("operator %s has no input edges", op.ID)
			}
		}
	}
	return nil
}

// detectCycles performs a DFS-based cycle check on the operator DAG.
func detectCycles(p *ExecutionPlan) error {
	adj := make(map[string][]string)
	for _, edge := range p.Edges {
		adj[edge.FromOperator] = append(adj[edge.FromOperator], edge.ToOperator)
	}

	const (
		white = 0 // unvisited
		gray  = 1 // visiting (in current path)
		black = 2 // done
	)

	color := make(map[string]int)
	var path []string

	var dfs func(node string) error
	dfs = func(node string) error {
		color[node] = gray
		path = append(path, node)

		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				cycleStart := 0
				for i, n := range path {
					if n == next {
						cycleStart = i
						break
					}
				}
				cycle := append(append([]string{}, path[cycleStart:]...), next)
				return fmt.Errorf("cycle detected: %s", strings.Join(cycle, " -> "))
			case white:
				if err := dfs(next); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	for _, op := range p.Operators {
		if color[op.ID] == white {
			if err := dfs(op.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateSchemaConsistency checks that connected operators have compatible schemas.
func validateSchemaConsistency(p *ExecutionPlan, ops map[string]*OperatorNode) error {
	for i, edge := range p.Edges {
		from := ops[edge.FromOperator]
		to := ops[edge.ToOperator]

		// Schemas are optional on intermediate operators.
		if from.OutputSchema == nil || to.InputSchema == nil {
			continue
		}

		if err := schemasCompatible(from.OutputSchema, to.InputSchema); err != nil {
			return fmt.Errorf("edge[%d] (%s -> %s): schema mismatch: %w",
				i, edge.FromOperator, edge.ToOperator, err)
		}
	}
	return nil
}

// schemasCompatible checks that two schemas have the same fields in the same order with the same types.
func schemasCompatible(output, input *Schema) error {
	if len(output.Fields) != len(input.Fields) {
		return fmt.Errorf("field count mismatch: output has %d, input has %d",
			len(output.Fields), len(input.Fields))
	}

	for i := range output.Fields {
		of := output.Fields[i]
		inf := input.Fields[i]

		if of.Name != inf.Name {
			return fmt.Errorf("field[%d] name mismatch: output %q vs input %q", i, of.Name, inf.Name)
		}
		if of.ArrowType != inf.ArrowType {
			return fmt.Errorf("field %q type mismatch: output %s vs input %s", of.Name, of.ArrowType, inf.ArrowType)
		}
	}

	return nil
}
