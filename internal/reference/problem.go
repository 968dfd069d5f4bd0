package reference

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/epilogue"
	"github.com/samcharles93/scaledmm/internal/sparse"
	"github.com/samcharles93/scaledmm/internal/tensor"
)

// Spec describes a random problem.
type Spec struct {
	Family   dtype.Family  `json:"family" yaml:"family"`
	Out      dtype.DType   `json:"out" yaml:"out"`
	Epilogue epilogue.Kind `json:"epilogue" yaml:"epilogue"`
	M        int           `json:"m" yaml:"m"`
	N        int           `json:"n" yaml:"n"`
	K        int           `json:"k" yaml:"k"`
	Seed     int64         `json:"seed" yaml:"seed"`
	// Scalar scales are used instead of per-row and per-column vectors.
	ScalarScales bool `json:"scalar_scales" yaml:"scalar_scales"`
}

// Problem is a generated problem with every operand allocated.
type Problem struct {
	Spec   Spec
	Layout sparse.Layout
	// Dense is the uncompressed first operand.
	Dense  *tensor.Tensor
	A      *sparse.Operand
	B      *tensor.Tensor
	D      *tensor.Tensor
	Inputs epilogue.Inputs
}

func operandLimit(f dtype.Family) float32 {
	if f == dtype.FamilyInt8 {
		return 16
	}
	return 2
}

// Generate builds a random 2:4 sparse problem. Equal specs give equal
// problems.
func Generate(spec Spec) (*Problem, error) {
	if spec.Family == dtype.FamilyUnknown {
		return nil, errors.New("reference: unknown family")
	}
	if spec.Epilogue.HasAZP() && spec.Family != dtype.FamilyInt8 {
		return nil, errors.Wrapf(epilogue.ErrTypeMismatch, "reference: %s needs int8", spec.Epilogue)
	}
	layout, err := sparse.NewLayout(spec.M, spec.N, spec.K)
	if err != nil {
		return nil, err
	}
	op := spec.Family.Operand()
	lim := operandLimit(spec.Family)

	dense := tensor.New(op, spec.M, spec.K, tensor.RowMajor)
	tensor.FillRand(dense, spec.Seed, lim)
	if err := sparse.Prune(dense); err != nil {
		return nil, err
	}
	a, err := sparse.Compress(layout, dense)
	if err != nil {
		return nil, err
	}
	b := tensor.New(op, spec.K, spec.N, tensor.ColMajor)
	tensor.FillRand(b, spec.Seed+1, lim)

	p := &Problem{
		Spec:   spec,
		Layout: layout,
		Dense:  dense,
		A:      a,
		B:      b,
		D:      tensor.New(spec.Out, spec.M, spec.N, tensor.RowMajor),
	}
	if err := p.inputs(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Problem) inputs() error {
	rng := rand.New(rand.NewSource(p.Spec.Seed + 2))
	vec := func(dt dtype.DType, n int, lo, hi float32) *tensor.Tensor {
		t := tensor.Vector(dt, n)
		for i := 0; i < n; i++ {
			t.SetFloat(i, 0, lo+rng.Float32()*(hi-lo))
		}
		return t
	}
	in := epilogue.Inputs{}
	if p.Spec.ScalarScales {
		in.ScaleA = vec(dtype.Float32, 1, 0.01, 0.1)
		in.ScaleB = vec(dtype.Float32, 1, 0.01, 0.1)
	} else {
		in.ScaleA = vec(dtype.Float32, p.Spec.M, 0.01, 0.1)
		in.ScaleB = vec(dtype.Float32, p.Spec.N, 0.01, 0.1)
	}
	if p.Spec.Epilogue.HasBias() {
		in.Bias = vec(p.Spec.Out, p.Spec.N, -1, 1)
	}
	var err error
	switch p.Spec.Epilogue {
	case epilogue.ScaleBiasAZP:
		zp := rng.Int31n(17) - 8
		in.AZPAdj, err = epilogue.AZPAdjust(p.B, zp)
	case epilogue.ScaleBiasAZPToken:
		in.AZP = tensor.Vector(dtype.Int32, p.Spec.M)
		for i := 0; i < p.Spec.M; i++ {
			in.AZP.SetInt(i, 0, rng.Int31n(17)-8)
		}
		in.AZPAdj, err = epilogue.ColumnSums(p.B)
	}
	if err != nil {
		return err
	}
	p.Inputs = in
	return nil
}

// Expected evaluates the problem naively from the dense operand.
func (p *Problem) Expected() ([]float64, error) {
	acc, err := Accumulate(p.Dense, p.B)
	if err != nil {
		return nil, err
	}
	return Apply(p.Spec.Epilogue, p.Inputs, acc, p.Spec.M, p.Spec.N), nil
}

// Verify compares the problem's output tensor with Expected.
func (p *Problem) Verify() (Report, error) {
	want, err := p.Expected()
	if err != nil {
		return Report{}, err
	}
	tol, err := ToleranceFor(p.Spec.Out)
	if err != nil {
		return Report{}, err
	}
	return Compare(p.D, want, tol), nil
}
