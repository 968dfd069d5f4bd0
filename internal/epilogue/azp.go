package epilogue

import (
	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/tensor"
)

// ColumnSums returns the int32 column sums of the int8 operand b (K x N).
// It is the azp_adj input of the per-token zero-point epilogue.
func ColumnSums(b *tensor.Tensor) (*tensor.Tensor, error) {
	if b == nil || b.DType != dtype.Int8 {
		return nil, errors.Wrap(ErrTypeMismatch, "column sums need an int8 operand")
	}
	out := tensor.Vector(dtype.Int32, b.Cols)
	for j := 0; j < b.Cols; j++ {
		var sum int32
		for k := 0; k < b.Rows; k++ {
			sum += b.Int(k, j)
		}
		out.SetInt(j, 0, sum)
	}
	return out, nil
}

// AZPAdjust returns zp * colsum(b), the azp_adj input of the per-tensor
// zero-point epilogue.
func AZPAdjust(b *tensor.Tensor, zp int32) (*tensor.Tensor, error) {
	sums, err := ColumnSums(b)
	if err != nil {
		return nil, err
	}
	for j := 0; j < sums.Rows; j++ {
		sums.SetInt(j, 0, zp*sums.Int(j, 0))
	}
	return sums, nil
}
