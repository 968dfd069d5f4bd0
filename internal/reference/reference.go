// Package reference holds naive implementations used to verify kernels:
// dense products in float64, the epilogue formulas evaluated directly, and
// random problem generation.
package reference

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/epilogue"
	"github.com/samcharles93/scaledmm/internal/tensor"
)

// Tolerance is the acceptable drift of a kernel result: an element passes
// when |got-want| <= Abs + Rel*|want|.
type Tolerance struct {
	Abs float64 `json:"abs"`
	Rel float64 `json:"rel"`
}

// Tolerances are keyed by output type. Integer accumulation is exact, so the
// output rounding dominates.
var Tolerances = map[dtype.DType]Tolerance{
	dtype.Float32:  {Abs: 1e-3, Rel: 1e-4},
	dtype.Float16:  {Abs: 2e-3, Rel: 2e-3},
	dtype.BFloat16: {Abs: 1e-2, Rel: 1e-2},
}

func ToleranceFor(out dtype.DType) (Tolerance, error) {
	t, ok := Tolerances[out]
	if !ok {
		return Tolerance{}, errors.Errorf("reference: no tolerance configured for %s", out)
	}
	return t, nil
}

// Accumulate returns the dense product a (M x K) times b (K x N) in
// row-major order. Integer operands produce exact sums.
func Accumulate(a, b *tensor.Tensor) ([]float64, error) {
	if a.Cols != b.Rows {
		return nil, errors.Errorf("reference: inner dimensions %d and %d differ", a.Cols, b.Rows)
	}
	m, n, k := a.Rows, b.Cols, a.Cols
	out := make([]float64, m*n)
	integer := a.DType.IsInteger() && b.DType.IsInteger()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			if integer {
				var sum int64
				for kk := 0; kk < k; kk++ {
					sum += int64(a.Int(i, kk)) * int64(b.Int(kk, j))
				}
				out[i*n+j] = float64(sum)
				continue
			}
			var sum float64
			for kk := 0; kk < k; kk++ {
				sum += float64(a.Float(i, kk)) * float64(b.Float(kk, j))
			}
			out[i*n+j] = sum
		}
	}
	return out, nil
}

// Apply evaluates the epilogue formula of kind on acc (m x n) in float64.
func Apply(kind epilogue.Kind, in epilogue.Inputs, acc []float64, m, n int) []float64 {
	sa := epilogue.NewBroadcast(in.ScaleA, epilogue.Row)
	sb := epilogue.NewBroadcast(in.ScaleB, epilogue.Col)
	bias := epilogue.NewBroadcast(in.Bias, epilogue.Col)
	adj := epilogue.NewBroadcast(in.AZPAdj, epilogue.Col)
	azp := epilogue.NewBroadcast(in.AZP, epilogue.Row)

	out := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			v := acc[i*n+j]
			switch kind {
			case epilogue.ScaleBiasAZP:
				v -= float64(adj.Int(i, j))
			case epilogue.ScaleBiasAZPToken:
				v -= float64(azp.Int(i, j)) * float64(adj.Int(i, j))
			}
			d := float64(sa.Float(i, j)) * (float64(sb.Float(i, j)) * v)
			if kind.HasBias() {
				d += float64(bias.Float(i, j))
			}
			out[i*n+j] = d
		}
	}
	return out
}

// Report summarises a comparison.
type Report struct {
	Elements   int     `json:"elements"`
	Mismatches int     `json:"mismatches"`
	MaxAbs     float64 `json:"max_abs"`
	MaxRel     float64 `json:"max_rel"`
	FirstRow   int     `json:"first_row"`
	FirstCol   int     `json:"first_col"`
}

// OK reports whether every element was within tolerance.
func (r Report) OK() bool { return r.Mismatches == 0 }

// Err returns a descriptive error for a failed comparison.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return errors.Errorf("reference: %d of %d elements out of tolerance (first at (%d,%d), max abs %.3g, max rel %.3g)",
		r.Mismatches, r.Elements, r.FirstRow, r.FirstCol, r.MaxAbs, r.MaxRel)
}

func (r Report) String() string {
	return fmt.Sprintf("%d/%d ok, max abs %.3g, max rel %.3g", r.Elements-r.Mismatches, r.Elements, r.MaxAbs, r.MaxRel)
}

// Compare checks got (m x n) against want.
func Compare(got *tensor.Tensor, want []float64, tol Tolerance) Report {
	r := Report{Elements: got.Rows * got.Cols, FirstRow: -1, FirstCol: -1}
	for i := 0; i < got.Rows; i++ {
		for j := 0; j < got.Cols; j++ {
			w := want[i*got.Cols+j]
			diff := math.Abs(float64(got.Float(i, j)) - w)
			r.MaxAbs = max(r.MaxAbs, diff)
			if w != 0 {
				r.MaxRel = max(r.MaxRel, diff/math.Abs(w))
			}
			if diff > tol.Abs+tol.Rel*math.Abs(w) || math.IsNaN(diff) {
				if r.Mismatches == 0 {
					r.FirstRow, r.FirstCol = i, j
				}
				r.Mismatches++
			}
		}
	}
	return r
}
