package engine

import (
	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/sparse"
)

// Host is the portable reference engine. It walks the 2:4 metadata of each
// row and touches only the two surviving products of every group.
type Host struct{}

func (Host) Name() string { return "host" }

func (Host) Supports(f dtype.Family) bool {
	return f != dtype.FamilyUnknown
}

func (h Host) MMA(acc *Accumulator, a SparseTile, b *Panel) error {
	if b.K0%sparse.GroupSize != 0 || b.KLen%sparse.GroupSize != 0 {
		return errors.Errorf("engine: panel k range [%d,%d) is not group aligned", b.K0, b.K0+b.KLen)
	}
	if a.Rows > acc.Rows || b.Width > acc.Cols {
		return errors.Errorf("engine: %dx%d tile exceeds %dx%d accumulator", a.Rows, b.Width, acc.Rows, acc.Cols)
	}
	f := dtype.FamilyOf(a.Values.DType)
	if !h.Supports(f) {
		return errors.Wrapf(ErrUnsupported, "%s", a.Values.DType)
	}
	if f.Accumulator() != acc.DType {
		return errors.Errorf("engine: %s operands need a %s accumulator, got %s", f, f.Accumulator(), acc.DType)
	}

	g0 := b.K0 / sparse.GroupSize
	g1 := (b.K0 + b.KLen) / sparse.GroupSize
	for r := 0; r < a.Rows; r++ {
		i := a.Row0 + r
		out := r * acc.LD
		for g := g0; g < g1; g++ {
			k0, k1 := a.Layout.Columns(a.Meta, i, g)
			p0 := (k0 - b.K0) * b.Width
			p1 := (k1 - b.K0) * b.Width
			if acc.DType == dtype.Int32 {
				v0 := a.Values.Int(i, g*sparse.Kept)
				v1 := a.Values.Int(i, g*sparse.Kept+1)
				if v0 == 0 && v1 == 0 {
					continue
				}
				dst := acc.I[out : out+b.Width]
				for jj := range dst {
					dst[jj] += v0*b.I[p0+jj] + v1*b.I[p1+jj]
				}
				continue
			}
			v0 := a.Values.Float(i, g*sparse.Kept)
			v1 := a.Values.Float(i, g*sparse.Kept+1)
			dst := acc.F[out : out+b.Width]
			for jj := range dst {
				dst[jj] += v0*b.F[p0+jj] + v1*b.F[p1+jj]
			}
		}
	}
	return nil
}
