// Package engine defines the multiply-accumulate primitive the sparse kernels
// are built on, together with a portable host implementation.
//
// An engine only ever sees one output tile at a time: a slice of rows of the
// compressed operand and one packed k-panel of the dense operand. Tiling,
// pipelining and the epilogue belong to the kernel.
package engine

import (
	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/sparse"
	"github.com/samcharles93/scaledmm/internal/tensor"
)

// ErrUnsupported is returned for operand families an engine cannot multiply.
var ErrUnsupported = errors.New("engine: unsupported operand family")

// Accumulator is a tile-private partial sum buffer. Exactly one of I and F
// is used, depending on DType. Element (r, c) lives at r*LD + c.
type Accumulator struct {
	DType      dtype.DType
	Rows, Cols int
	LD         int
	I          []int32
	F          []float32
}

// Reset sets the valid extent and zeroes it.
func (a *Accumulator) Reset(rows, cols int) {
	a.Rows, a.Cols = rows, cols
	for r := 0; r < rows; r++ {
		if a.DType == dtype.Int32 {
			clear(a.I[r*a.LD : r*a.LD+cols])
		} else {
			clear(a.F[r*a.LD : r*a.LD+cols])
		}
	}
}

// Panel is a packed block of the dense operand: KLen consecutive K rows of
// Width consecutive columns, stored k-major (kk*Width + jj) and already
// converted to the accumulator domain.
type Panel struct {
	K0, KLen int
	J0       int
	Width    int
	I        []int32
	F        []float32
}

// SparseTile selects rows [Row0, Row0+Rows) of a compressed operand.
type SparseTile struct {
	Layout sparse.Layout
	Values *tensor.Tensor
	Meta   []uint16
	Row0   int
	Rows   int
}

// MMA multiplies a sparse tile by a packed panel and accumulates into acc.
type MMA interface {
	Name() string
	Supports(f dtype.Family) bool
	// MMA adds A[Row0:Row0+Rows, b.K0:b.K0+b.KLen] x b into acc. The panel
	// start and length are multiples of the 2:4 group size.
	MMA(acc *Accumulator, a SparseTile, b *Panel) error
}

// PackB copies the kLen x width block of b starting at (k0, j0) into p,
// converting elements to the accumulator type.
func PackB(p *Panel, b *tensor.Tensor, acc dtype.DType, k0, kLen, j0, width int) {
	p.K0, p.KLen, p.J0, p.Width = k0, kLen, j0, width
	for kk := 0; kk < kLen; kk++ {
		row := kk * width
		for jj := 0; jj < width; jj++ {
			if acc == dtype.Int32 {
				p.I[row+jj] = b.Int(k0+kk, j0+jj)
			} else {
				p.F[row+jj] = b.Float(k0+kk, j0+jj)
			}
		}
	}
}
