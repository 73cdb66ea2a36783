package expr

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
)

// coerce brings two operands to a common type. Numeric types promote by
// rank, timestamps read as their int64 epoch value, and an all-null side
// takes the type of the other. Both results must be released.
func coerce(ctx context.Context, left, right arrow.Array) (arrow.Array, arrow.Array, error) {
	left, right = asEpoch(left), asEpoch(right)

	lt, rt := left.DataType(), right.DataType()
	switch {
	case arrow.TypeEqual(lt, rt):
		return left, right, nil
	case left.NullN() == left.Len():
		return castBoth(ctx, left, right, rt)
	case right.NullN() == right.Len():
		return castBoth(ctx, left, right, lt)
	}

	target := promote(lt.ID(), rt.ID())
	if target == nil {
		// Let the kernel report the mismatch.
		return left, right, nil
	}
	return castBoth(ctx, left, right, target)
}

// castBoth casts each side to target, consuming the inputs.
func castBoth(ctx context.Context, left, right arrow.Array, target arrow.DataType) (arrow.Array, arrow.Array, error) {
	l, err := castTo(ctx, left, target)
	if err != nil {
		right.Release()
		return nil, nil, fmt.Errorf("coerce left to %s: %w", target, err)
	}
	r, err := castTo(ctx, right, target)
	if err != nil {
		l.Release()
		return nil, nil, fmt.Errorf("coerce right to %s: %w", target, err)
	}
	return l, r, nil
}

// castTo consumes arr.
func castTo(ctx context.Context, arr arrow.Array, target arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(arr.DataType(), target) {
		return arr, nil
	}
	defer arr.Release()
	return compute.CastArray(ctx, arr, compute.SafeCastOptions(target))
}

// asEpoch returns a retained view of arr, reinterpreting timestamps as int64.
func asEpoch(arr arrow.Array) arrow.Array {
	if arr.DataType().ID() != arrow.TIMESTAMP {
		arr.Retain()
		return arr
	}
	src := arr.Data()
	data := array.NewData(arrow.PrimitiveTypes.Int64, src.Len(), src.Buffers(), nil, src.NullN(), src.Offset())
	defer data.Release()
	return array.MakeFromData(data)
}

var numericRank = map[arrow.Type]int{
	arrow.INT8:    1,
	arrow.INT16:   2,
	arrow.INT32:   3,
	arrow.INT64:   4,
	arrow.FLOAT32: 5,
	arrow.FLOAT64: 6,
}

var rankType = map[int]arrow.DataType{
	1: arrow.PrimitiveTypes.Int8,
	2: arrow.PrimitiveTypes.Int16,
	3: arrow.PrimitiveTypes.Int32,
	4: arrow.PrimitiveTypes.Int64,
	5: arrow.PrimitiveTypes.Float32,
	6: arrow.PrimitiveTypes.Float64,
}

// promote returns the wider numeric type, or nil when either side is not numeric.
func promote(a, b arrow.Type) arrow.DataType {
	ra, okA := numericRank[a]
	rb, okB := numericRank[b]
	if !okA || !okB {
		return nil
	}
	return rankType[max(ra, rb)]
}
