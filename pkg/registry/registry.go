// Package registry builds operator, source and sink implementations from plan nodes.
package registry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/sandboxws/isotope/flow/pkg/connectors"
	"github.com/sandboxws/isotope/flow/pkg/expr"
	"github.com/sandboxws/isotope/flow/pkg/operators"
	"github.com/sandboxws/isotope/flow/pkg/plan"
	"github.com/sandboxws/isotope/flow/pkg/watermarks"
)

// ErrUnknownType is returned for an operator type with no implementation.
var ErrUnknownType = errors.New("registry: unknown operator type")

// AssignerOptions configures a watermark_assigner node.
type AssignerOptions struct {
	Column     string              `yaml:"column"`
	Watermarks watermarks.Strategy `yaml:"watermarks"`
}

// LateDataFilterOptions configures a late_data_filter node.
type LateDataFilterOptions struct {
	Column string `yaml:"column"`
}

// ProjectOptions configures a project node.
type ProjectOptions struct {
	Cast   map[string]plan.ArrowType `yaml:"cast"`
	Drop   []string                  `yaml:"drop"`
	Rename map[string]string         `yaml:"rename"`
}

func (o ProjectOptions) spec() (operators.ProjectSpec, error) {
	spec := operators.ProjectSpec{Drop: o.Drop, Rename: o.Rename}
	names := make([]string, 0, len(o.Cast))
	for name := range o.Cast {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		dt, err := o.Cast[name].DataType()
		if err != nil {
			return spec, fmt.Errorf("cast %q: %w", name, err)
		}
		spec.Cast = append(spec.Cast, operators.CastColumn{Name: name, TargetType: dt})
	}
	return spec, nil
}

// FilterOptions configures a filter node.
type FilterOptions struct {
	Condition string `yaml:"condition"`
}

// Registry builds implementations for plan nodes.
type Registry struct {
	// Stdout receives console sink output. Defaults to os.Stdout.
	Stdout io.Writer
}

// Build returns the implementation for node. Its signature matches engine.OperatorFactory.
func (r *Registry) Build(node *plan.OperatorNode) (any, error) {
	switch node.OperatorType {
	case plan.TypeGeneratorSource:
		schema, err := node.OutputSchema.ToArrow()
		if err != nil {
			return nil, fmt.Errorf("operator %s: output schema: %w", node.ID, err)
		}
		var opts connectors.GeneratorOptions
		if err := node.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return connectors.NewGenerator(schema, opts), nil

	case plan.TypeKafkaSource:
		schema, err := node.OutputSchema.ToArrow()
		if err != nil {
			return nil, fmt.Errorf("operator %s: output schema: %w", node.ID, err)
		}
		opts := connectors.KafkaSourceOptions{Format: "json", Partitions: 1}
		if err := node.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return connectors.NewKafkaSource(schema, opts), nil

	case plan.TypeUnion:
		return operators.NewUnion(), nil

	case plan.TypeWatermarkAssigner:
		var opts AssignerOptions
		if err := node.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return operators.NewWatermarkAssigner(opts.Column, opts.Watermarks), nil

	case plan.TypeLateDataFilter:
		var opts LateDataFilterOptions
		if err := node.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return operators.NewLateDataFilter(opts.Column), nil

	case plan.TypeProject:
		var opts ProjectOptions
		if err := node.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		spec, err := opts.spec()
		if err != nil {
			return nil, fmt.Errorf("operator %s: %w", node.ID, err)
		}
		return operators.NewProject(spec), nil

	case plan.TypeFilter:
		var opts FilterOptions
		if err := node.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		cond, err := expr.Compile(opts.Condition)
		if err != nil {
			return nil, fmt.Errorf("operator %s: %w", node.ID, err)
		}
		return operators.NewFilter(cond), nil

	case plan.TypeConsoleSink:
		var opts connectors.ConsoleOptions
		if err := node.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		c := connectors.NewConsole(opts.MaxRows)
		if r.Stdout != nil {
			c.SetWriter(r.Stdout)
		} else {
			c.SetWriter(os.Stdout)
		}
		return c, nil

	case plan.TypeKafkaSink:
		opts := connectors.KafkaSinkOptions{Format: "json"}
		if err := node.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return connectors.NewKafkaSink(opts), nil

	default:
		return nil, fmt.Errorf("%w: %q (operator %s)", ErrUnknownType, node.OperatorType, node.ID)
	}
}

// Check builds every node of p without opening anything and reports all failures.
func (r *Registry) Check(p *plan.ExecutionPlan) error {
	var errs []error
	for _, node := range p.Operators {
		if _, err := r.Build(node); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
