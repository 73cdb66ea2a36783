// Package expr evaluates SQL expressions against Arrow RecordBatches.
// An expression is parsed once with TiDB's SQL parser and then evaluated
// batch by batch, dispatching to Arrow compute kernels where they exist.
//
// Supported: column references, numeric/string/NULL literals, comparisons,
// + - * /, AND/OR/NOT, IS [NOT] NULL, [NOT] IN (...), [NOT] BETWEEN,
// LOWER and UPPER. Decimal literals evaluate as float64 and timestamp
// columns compare as their raw epoch value.
package expr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pingcap/tidb/pkg/parser/test_driver"

	"github.com/sandboxws/isotope/flow/pkg/arrow/helpers"
)

// ErrUnsupported is returned by Compile for syntax the evaluator cannot run.
var ErrUnsupported = errors.New("expr: unsupported expression")

var binaryKernels = map[opcode.Op]string{
	opcode.EQ:       "equal",
	opcode.NE:       "not_equal",
	opcode.GT:       "greater",
	opcode.LT:       "less",
	opcode.GE:       "greater_equal",
	opcode.LE:       "less_equal",
	opcode.Plus:     "add",
	opcode.Minus:    "subtract",
	opcode.Mul:      "multiply",
	opcode.Div:      "divide",
	opcode.LogicAnd: "and_kleene",
	opcode.LogicOr:  "or_kleene",
}

// Expr is a compiled SQL expression. It is immutable and safe for concurrent use.
type Expr struct {
	sql     string
	node    ast.ExprNode
	columns []string
}

// Compile parses sql and checks that every node can be evaluated.
func Compile(sql string) (*Expr, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, errors.New("expr: empty expression")
	}
	stmt, err := parser.New().ParseOneStmt("SELECT "+sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", sql, err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 || sel.From != nil {
		return nil, fmt.Errorf("parse expression %q: not a single expression", sql)
	}

	e := &Expr{sql: sql, node: sel.Fields.Fields[0].Expr}
	if err := e.check(e.node); err != nil {
		return nil, fmt.Errorf("expression %q: %w", sql, err)
	}
	return e, nil
}

// String returns the source text.
func (e *Expr) String() string { return e.sql }

// Columns returns the referenced column names in order of first use.
func (e *Expr) Columns() []string { return slices.Clone(e.columns) }

func (e *Expr) check(node ast.ExprNode) error {
	switch n := node.(type) {
	case *ast.ColumnNameExpr:
		if name := n.Name.Name.O; !slices.Contains(e.columns, name) {
			e.columns = append(e.columns, name)
		}
		return nil
	case *test_driver.ValueExpr:
		switch n.Datum.Kind() {
		case test_driver.KindInt64, test_driver.KindUint64, test_driver.KindFloat32,
			test_driver.KindFloat64, test_driver.KindMysqlDecimal, test_driver.KindString, test_driver.KindNull:
			return nil
		}
		return fmt.Errorf("%w: literal kind %v", ErrUnsupported, n.Datum.Kind())
	case *ast.BinaryOperationExpr:
		if _, ok := binaryKernels[n.Op]; !ok {
			return fmt.Errorf("%w: operator %v", ErrUnsupported, n.Op)
		}
		return e.checkAll(n.L, n.R)
	case *ast.UnaryOperationExpr:
		if n.Op != opcode.Not && n.Op != opcode.Not2 && n.Op != opcode.Minus {
			return fmt.Errorf("%w: unary operator %v", ErrUnsupported, n.Op)
		}
		return e.check(n.V)
	case *ast.IsNullExpr:
		return e.check(n.Expr)
	case *ast.ParenthesesExpr:
		return e.check(n.Expr)
	case *ast.PatternInExpr:
		if n.Sel != nil {
			return fmt.Errorf("%w: IN subquery", ErrUnsupported)
		}
		return e.checkAll(append([]ast.ExprNode{n.Expr}, n.List...)...)
	case *ast.BetweenExpr:
		return e.checkAll(n.Expr, n.Left, n.Right)
	case *ast.FuncCallExpr:
		switch n.FnName.L {
		case "lower", "upper":
			if len(n.Args) != 1 {
				return fmt.Errorf("%s takes 1 argument, got %d", n.FnName.O, len(n.Args))
			}
			return e.check(n.Args[0])
		}
		return fmt.Errorf("%w: function %s", ErrUnsupported, n.FnName.O)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, node)
	}
}

func (e *Expr) checkAll(nodes ...ast.ExprNode) error {
	for _, n := range nodes {
		if err := e.check(n); err != nil {
			return err
		}
	}
	return nil
}

// Eval evaluates the expression over batch. The caller must Release the result.
func (e *Expr) Eval(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (arrow.Array, error) {
	ev := evaluator{ctx: compute.WithAllocator(ctx, alloc), alloc: alloc, batch: batch}
	out, err := ev.eval(e.node)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", e.sql, err)
	}
	return out, nil
}

// EvalBool evaluates a predicate. NULL results are kept as nulls.
func (e *Expr) EvalBool(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	out, err := e.Eval(ctx, alloc, batch)
	if err != nil {
		return nil, err
	}
	mask, ok := out.(*array.Boolean)
	if !ok {
		out.Release()
		return nil, fmt.Errorf("expression %q: expected boolean result, got %s", e.sql, out.DataType())
	}
	return mask, nil
}

// evaluator holds the state of one Eval call.
type evaluator struct {
	ctx   context.Context
	alloc memory.Allocator
	batch arrow.Record
}

func (ev evaluator) eval(node ast.ExprNode) (arrow.Array, error) {
	switch n := node.(type) {
	case *ast.ColumnNameExpr:
		return ev.column(n.Name.Name.O)
	case *test_driver.ValueExpr:
		return ev.literal(n)
	case *ast.ParenthesesExpr:
		return ev.eval(n.Expr)
	case *ast.BinaryOperationExpr:
		left, err := ev.eval(n.L)
		if err != nil {
			return nil, err
		}
		defer left.Release()
		right, err := ev.eval(n.R)
		if err != nil {
			return nil, err
		}
		defer right.Release()
		return ev.call(binaryKernels[n.Op], left, right)
	case *ast.UnaryOperationExpr:
		return ev.unary(n)
	case *ast.IsNullExpr:
		return ev.isNull(n)
	case *ast.PatternInExpr:
		return ev.in(n)
	case *ast.BetweenExpr:
		return ev.between(n)
	case *ast.FuncCallExpr:
		return ev.caseMap(n)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, node)
	}
}

func (ev evaluator) column(name string) (arrow.Array, error) {
	arr, err := helpers.Column(ev.batch, name)
	if err != nil {
		return nil, err
	}
	arr.Retain()
	return arr, nil
}

func (ev evaluator) literal(v *test_driver.ValueExpr) (arrow.Array, error) {
	d := v.Datum
	var sc scalar.Scalar
	switch d.Kind() {
	case test_driver.KindInt64:
		sc = scalar.NewInt64Scalar(d.GetInt64())
	case test_driver.KindUint64:
		sc = scalar.NewInt64Scalar(int64(d.GetUint64()))
	case test_driver.KindFloat64:
		sc = scalar.NewFloat64Scalar(d.GetFloat64())
	case test_driver.KindFloat32:
		sc = scalar.NewFloat64Scalar(float64(d.GetFloat32()))
	case test_driver.KindMysqlDecimal:
		f, err := strconv.ParseFloat(string(d.GetMysqlDecimal().ToString()), 64)
		if err != nil {
			return nil, fmt.Errorf("decimal literal: %w", err)
		}
		sc = scalar.NewFloat64Scalar(f)
	case test_driver.KindString:
		sc = scalar.NewStringScalar(d.GetString())
	case test_driver.KindNull:
		sc = scalar.MakeNullScalar(arrow.PrimitiveTypes.Int64)
	default:
		return nil, fmt.Errorf("%w: literal kind %v", ErrUnsupported, d.Kind())
	}
	return scalar.MakeArrayFromScalar(sc, int(ev.batch.NumRows()), ev.alloc)
}

// call runs a binary compute kernel after promoting both sides to a common type.
func (ev evaluator) call(kernel string, left, right arrow.Array) (arrow.Array, error) {
	cl, cr, err := coerce(ev.ctx, left, right)
	if err != nil {
		return nil, err
	}
	defer cl.Release()
	defer cr.Release()

	out, err := compute.CallFunction(ev.ctx, kernel, nil,
		compute.NewDatumWithoutOwning(cl), compute.NewDatumWithoutOwning(cr))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kernel, err)
	}
	return toArray(out)
}

func (ev evaluator) unary(n *ast.UnaryOperationExpr) (arrow.Array, error) {
	inner, err := ev.eval(n.V)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	if n.Op == opcode.Minus {
		out, err := compute.Negate(ev.ctx, compute.ArithmeticOptions{}, compute.NewDatumWithoutOwning(inner))
		if err != nil {
			return nil, fmt.Errorf("unary minus: %w", err)
		}
		return toArray(out)
	}

	return ev.invert(inner)
}

// invert is three-valued NOT: nulls stay null.
func (ev evaluator) invert(arr arrow.Array) (arrow.Array, error) {
	mask, ok := arr.(*array.Boolean)
	if !ok {
		return nil, fmt.Errorf("NOT requires a boolean operand, got %s", arr.DataType())
	}
	bldr := array.NewBooleanBuilder(ev.alloc)
	defer bldr.Release()
	for i := 0; i < mask.Len(); i++ {
		if mask.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(!mask.Value(i))
	}
	return bldr.NewArray(), nil
}

func (ev evaluator) isNull(n *ast.IsNullExpr) (arrow.Array, error) {
	inner, err := ev.eval(n.Expr)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	bldr := array.NewBooleanBuilder(ev.alloc)
	defer bldr.Release()
	for i := 0; i < inner.Len(); i++ {
		bldr.Append(inner.IsNull(i) != n.Not)
	}
	return bldr.NewArray(), nil
}

// in folds x IN (a, b, ...) into (x = a) OR (x = b) OR ...
func (ev evaluator) in(n *ast.PatternInExpr) (arrow.Array, error) {
	subject, err := ev.eval(n.Expr)
	if err != nil {
		return nil, err
	}
	defer subject.Release()

	var acc arrow.Array
	for _, item := range n.List {
		candidate, err := ev.eval(item)
		if err != nil {
			release(acc)
			return nil, err
		}
		eq, err := ev.call("equal", subject, candidate)
		candidate.Release()
		if err != nil {
			release(acc)
			return nil, err
		}
		if acc == nil {
			acc = eq
			continue
		}
		next, err := ev.call("or_kleene", acc, eq)
		acc.Release()
		eq.Release()
		if err != nil {
			return nil, err
		}
		acc = next
	}
	if n.Not {
		return ev.not(acc)
	}
	return acc, nil
}

func (ev evaluator) between(n *ast.BetweenExpr) (arrow.Array, error) {
	subject, err := ev.eval(n.Expr)
	if err != nil {
		return nil, err
	}
	defer subject.Release()

	bound := func(node ast.ExprNode, kernel string) (arrow.Array, error) {
		b, err := ev.eval(node)
		if err != nil {
			return nil, err
		}
		defer b.Release()
		return ev.call(kernel, subject, b)
	}
	lo, err := bound(n.Left, "greater_equal")
	if err != nil {
		return nil, err
	}
	defer lo.Release()
	hi, err := bound(n.Right, "less_equal")
	if err != nil {
		return nil, err
	}
	defer hi.Release()

	out, err := ev.call("and_kleene", lo, hi)
	if err != nil || !n.Not {
		return out, err
	}
	return ev.not(out)
}

// not inverts and releases a boolean array.
func (ev evaluator) not(arr arrow.Array) (arrow.Array, error) {
	defer arr.Release()
	return ev.invert(arr)
}

func (ev evaluator) caseMap(n *ast.FuncCallExpr) (arrow.Array, error) {
	fn := strings.ToLower
	if n.FnName.L == "upper" {
		fn = strings.ToUpper
	}

	arg, err := ev.eval(n.Args[0])
	if err != nil {
		return nil, err
	}
	defer arg.Release()
	str, ok := arg.(*array.String)
	if !ok {
		return nil, fmt.Errorf("%s requires a string argument, got %s", n.FnName.O, arg.DataType())
	}

	bldr := array.NewStringBuilder(ev.alloc)
	defer bldr.Release()
	for i := 0; i < str.Len(); i++ {
		if str.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(fn(str.Value(i)))
	}
	return bldr.NewArray(), nil
}

func toArray(d compute.Datum) (arrow.Array, error) {
	defer d.Release()
	ad, ok := d.(*compute.ArrayDatum)
	if !ok {
		return nil, fmt.Errorf("unexpected datum type %T", d)
	}
	return ad.MakeArray(), nil
}

func release(arr arrow.Array) {
	if arr != nil {
		arr.Release()
	}
}
