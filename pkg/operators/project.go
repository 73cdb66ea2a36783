package operators

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/isotope/flow/pkg/operator"
)

// CastColumn specifies a column to cast and its target Arrow type.
type CastColumn struct {
	Name       string
	TargetType arrow.DataType
}

// ProjectSpec lists the schema changes a Project applies, in order:
// casts first, then drops, then renames.
type ProjectSpec struct {
	Cast   []CastColumn
	Drop   []string
	Rename map[string]string // old name -> new name
}

// Project reshapes batches: it casts, drops and renames columns. It is used to
// line up the schemas of several sources before a union, or to turn an
// integer event-time field into a timestamp. Watermarks and statuses pass
// through unchanged.
type Project struct {
	spec  ProjectSpec
	casts map[string]arrow.DataType
	drop  map[string]bool
	alloc memory.Allocator
}

// NewProject creates a Project operator.
func NewProject(spec ProjectSpec) *Project {
	casts := make(map[string]arrow.DataType, len(spec.Cast))
	for _, c := range spec.Cast {
		casts[c.Name] = c.TargetType
	}
	drop := make(map[string]bool, len(spec.Drop))
	for _, name := range spec.Drop {
		drop[name] = true
	}
	return &Project{spec: spec, casts: casts, drop: drop}
}

func (p *Project) Open(ctx *operator.Context) error {
	p.alloc = ctx.Alloc
	return nil
}

func (p *Project) ProcessBatch(batch arrow.Record) ([]operator.Element, error) {
	schema := batch.Schema()
	fields := make([]arrow.Field, 0, schema.NumFields())
	arrays := make([]arrow.Array, 0, schema.NumFields())
	var casted []arrow.Array
	defer func() {
		for _, a := range casted {
			a.Release()
		}
	}()

	for i := 0; i < schema.NumFields(); i++ {
		f := schema.Field(i)
		if p.drop[f.Name] {
			continue
		}
		col := batch.Column(i)

		if target, ok := p.casts[f.Name]; ok && !arrow.TypeEqual(col.DataType(), target) {
			out, err := compute.CastArray(compute.WithAllocator(context.Background(), p.alloc), col, compute.SafeCastOptions(target))
			if err != nil {
				return nil, fmt.Errorf("cast column %q to %s: %w", f.Name, target, err)
			}
			casted = append(casted, out)
			col = out
			f.Type = target
		}
		if newName, ok := p.spec.Rename[f.Name]; ok {
			f.Name = newName
		}
		fields = append(fields, f)
		arrays = append(arrays, col)
	}

	// NewRecord retains the arrays; the deferred release drops our cast references.
	result := array.NewRecord(arrow.NewSchema(fields, nil), arrays, batch.NumRows())
	return []operator.Element{operator.BatchElement(result)}, nil
}

func (p *Project) ProcessWatermark(wm operator.Watermark) ([]operator.Element, error) {
	return operator.Forward(operator.WatermarkElement(wm.Timestamp))
}

func (p *Project) ProcessStreamStatus(status operator.StreamStatus) ([]operator.Element, error) {
	return operator.Forward(operator.StatusElement(status))
}

func (p *Project) Close() error { return nil }
