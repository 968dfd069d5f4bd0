// Package epilogue implements the transforms applied to a raw accumulator
// tile before it is written to the output tensor: per-row/per-column
// dequantization scales, an optional bias and an optional asymmetric
// zero-point correction.
package epilogue

import (
	"math"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/tensor"
)

// ErrTypeMismatch is returned when an epilogue cannot be paired with the
// requested operand family or output type.
var ErrTypeMismatch = errors.New("epilogue type mismatch")

// Kind is the closed set of supported output formulas.
type Kind uint8

const (
	// ScaleOnly: D = scaleA[i] * (scaleB[j] * acc).
	ScaleOnly Kind = iota
	// ScaleBias: D = scaleA[i] * (scaleB[j] * acc) + bias[j].
	ScaleBias
	// ScaleBiasAZP: D = scaleA[i] * (scaleB[j] * (acc - azpAdj[j])) + bias[j].
	// azpAdj already folds the per-tensor zero point into the column sums of B.
	ScaleBiasAZP
	// ScaleBiasAZPToken: D = scaleA[i] * (scaleB[j] * (acc - azp[i]*azpAdj[j])) + bias[j].
	// The per-row zero point is applied as a rank-1 correction.
	ScaleBiasAZPToken
)

func (k Kind) String() string {
	switch k {
	case ScaleOnly:
		return "scale"
	case ScaleBias:
		return "scale_bias"
	case ScaleBiasAZP:
		return "scale_bias_azp"
	case ScaleBiasAZPToken:
		return "scale_bias_azp_token"
	default:
		return "unknown"
	}
}

// Kinds lists every epilogue kind.
func Kinds() []Kind {
	return []Kind{ScaleOnly, ScaleBias, ScaleBiasAZP, ScaleBiasAZPToken}
}

// ParseKind converts the String form back to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown epilogue %q", s)
}

// HasBias reports whether the formula adds a bias.
func (k Kind) HasBias() bool { return k != ScaleOnly }

// HasAZP reports whether the formula applies a zero-point correction.
func (k Kind) HasAZP() bool { return k == ScaleBiasAZP || k == ScaleBiasAZPToken }

// Inputs holds the auxiliary tensors of one call. Nil fields are absent.
type Inputs struct {
	ScaleA *tensor.Tensor
	ScaleB *tensor.Tensor
	Bias   *tensor.Tensor
	AZPAdj *tensor.Tensor
	AZP    *tensor.Tensor
}

// Infer picks the formula implied by which inputs are present. Only the four
// supported combinations are accepted; callers that need a degenerate case
// pass a zero bias or a unit scale.
func Infer(in Inputs) (Kind, error) {
	if in.ScaleA == nil || in.ScaleB == nil {
		return 0, errors.Wrap(ErrTypeMismatch, "scale_a and scale_b are required")
	}
	switch {
	case in.AZP != nil && in.AZPAdj == nil:
		return 0, errors.Wrap(ErrTypeMismatch, "per-token zero point requires azp_adj")
	case in.AZPAdj != nil && in.Bias == nil:
		return 0, errors.Wrap(ErrTypeMismatch, "zero-point correction requires a bias")
	case in.AZP != nil:
		return ScaleBiasAZPToken, nil
	case in.AZPAdj != nil:
		return ScaleBiasAZP, nil
	case in.Bias != nil:
		return ScaleBias, nil
	default:
		return ScaleOnly, nil
	}
}

// Epilogue is one bound formula with its broadcast operands.
type Epilogue struct {
	kind   Kind
	scaleA Broadcast
	scaleB Broadcast
	bias   Broadcast
	azpAdj Broadcast
	azp    Broadcast
}

// New builds an epilogue of the given kind, keeping only the inputs the
// formula reads. Every operand it keeps must be a valid tensor.
func New(kind Kind, in Inputs) (*Epilogue, error) {
	if kind > ScaleBiasAZPToken {
		return nil, errors.Wrapf(ErrTypeMismatch, "epilogue kind %d", kind)
	}
	if in.ScaleA == nil || in.ScaleB == nil {
		return nil, errors.Wrapf(ErrTypeMismatch, "%s: scale_a and scale_b are required", kind)
	}
	e := &Epilogue{kind: kind}
	var err error
	if e.scaleA, err = load("scale_a", in.ScaleA, Row); err != nil {
		return nil, err
	}
	if e.scaleB, err = load("scale_b", in.ScaleB, Col); err != nil {
		return nil, err
	}
	if kind.HasBias() {
		if in.Bias == nil {
			return nil, errors.Wrapf(ErrTypeMismatch, "%s: bias is required", kind)
		}
		if e.bias, err = load("bias", in.Bias, Col); err != nil {
			return nil, err
		}
	}
	if kind.HasAZP() {
		if in.AZPAdj == nil {
			return nil, errors.Wrapf(ErrTypeMismatch, "%s: azp_adj is required", kind)
		}
		if e.azpAdj, err = load("azp_adj", in.AZPAdj, Col); err != nil {
			return nil, err
		}
	}
	if kind == ScaleBiasAZPToken {
		if in.AZP == nil {
			return nil, errors.Wrapf(ErrTypeMismatch, "%s: azp is required", kind)
		}
		if e.azp, err = load("azp", in.AZP, Row); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func load(name string, t *tensor.Tensor, axis Axis) (Broadcast, error) {
	if err := t.Validate(); err != nil {
		return Broadcast{}, errors.Wrapf(err, "epilogue: %s operand", name)
	}
	return NewBroadcast(t, axis), nil
}

// Kind returns the bound formula.
func (e *Epilogue) Kind() Kind { return e.kind }

// CheckTypes validates operand element types against the operand family and
// the output type. It runs when a kernel is assembled, before any work.
func (e *Epilogue) CheckTypes(family dtype.Family, out dtype.DType) error {
	if !out.IsOutput() {
		return errors.Wrapf(ErrTypeMismatch, "output dtype %s", out)
	}
	if family == dtype.FamilyUnknown {
		return errors.Wrap(ErrTypeMismatch, "unknown operand family")
	}
	if t := e.scaleA.Tensor().DType; t != dtype.Float32 {
		return errors.Wrapf(ErrTypeMismatch, "scale_a must be f32, got %s", t)
	}
	if t := e.scaleB.Tensor().DType; t != dtype.Float32 {
		return errors.Wrapf(ErrTypeMismatch, "scale_b must be f32, got %s", t)
	}
	if e.kind.HasBias() {
		if t := e.bias.Tensor().DType; t != out {
			return errors.Wrapf(ErrTypeMismatch, "bias dtype %s must match output dtype %s", t, out)
		}
	}
	if e.kind.HasAZP() {
		if family != dtype.FamilyInt8 {
			return errors.Wrapf(ErrTypeMismatch, "%s requires int8 operands, got %s", e.kind, family)
		}
		if t := e.azpAdj.Tensor().DType; t != dtype.Int32 {
			return errors.Wrapf(ErrTypeMismatch, "azp_adj must be int32, got %s", t)
		}
	}
	if e.kind == ScaleBiasAZPToken {
		if t := e.azp.Tensor().DType; t != dtype.Int32 {
			return errors.Wrapf(ErrTypeMismatch, "azp must be int32, got %s", t)
		}
	}
	return nil
}

// Bind checks the broadcast operand lengths against an m x n output.
func (e *Epilogue) Bind(m, n int) error {
	if err := e.scaleA.Bind("scale_a", m, n); err != nil {
		return err
	}
	if err := e.scaleB.Bind("scale_b", m, n); err != nil {
		return err
	}
	if e.kind.HasBias() {
		if err := e.bias.Bind("bias", m, n); err != nil {
			return err
		}
	}
	if e.kind.HasAZP() {
		if err := e.azpAdj.Bind("azp_adj", m, n); err != nil {
			return err
		}
	}
	if e.kind == ScaleBiasAZPToken {
		if err := e.azp.Bind("azp", m, n); err != nil {
			return err
		}
	}
	return nil
}

// EvalInt applies the formula to an int32 accumulator. Zero-point terms are
// subtracted in int32 before the value is converted to float.
func (e *Epilogue) EvalInt(i, j int, acc int32) float32 {
	switch e.kind {
	case ScaleBiasAZP:
		acc -= e.azpAdj.Int(i, j)
	case ScaleBiasAZPToken:
		acc -= e.azp.Int(i, j) * e.azpAdj.Int(i, j)
	}
	return e.scale(i, j, float32(acc))
}

// EvalFloat applies the formula to a float32 accumulator.
func (e *Epilogue) EvalFloat(i, j int, acc float32) float32 {
	switch e.kind {
	case ScaleBiasAZP:
		acc -= e.azpAdj.Float(i, j)
	case ScaleBiasAZPToken:
		acc -= e.azp.Float(i, j) * e.azpAdj.Float(i, j)
	}
	return e.scale(i, j, acc)
}

func (e *Epilogue) scale(i, j int, v float32) float32 {
	inner := e.scaleB.Float(i, j) * v
	if !e.kind.HasBias() {
		return e.scaleA.Float(i, j) * inner
	}
	return fma32(e.scaleA.Float(i, j), inner, e.bias.Float(i, j))
}

// fma32 computes a*b+c rounded once to float32. The float64 product of two
// float32 values is exact; the sum is rounded to odd so that the final
// conversion cannot round a second time.
func fma32(a, b, c float32) float32 {
	p := float64(a) * float64(b)
	s := p + float64(c)
	if math.IsInf(s, 0) || math.IsNaN(s) {
		return float32(s)
	}
	bp := s - float64(c)
	residual := (p - bp) + (float64(c) - (s - bp))
	if bits := math.Float64bits(s); residual != 0 && bits&1 == 0 {
		if (residual > 0) == (s > 0) {
			bits++
		} else {
			bits--
		}
		s = math.Float64frombits(bits)
	}
	return float32(s)
}

// StoreInt32 evaluates a rows x cols int32 accumulator tile (leading
// dimension ld) whose top-left output element is (r0, c0) and writes it to
// out with round-to-nearest conversion.
func (e *Epilogue) StoreInt32(out *tensor.Tensor, acc []int32, ld, r0, c0, rows, cols int) {
	for r := range rows {
		row := acc[r*ld : r*ld+cols]
		i := r0 + r
		for c, v := range row {
			out.SetFloat(i, c0+c, e.EvalInt(i, c0+c, v))
		}
	}
}

// StoreFloat32 is StoreInt32 for float32 accumulators.
func (e *Epilogue) StoreFloat32(out *tensor.Tensor, acc []float32, ld, r0, c0, rows, cols int) {
	for r := range rows {
		row := acc[r*ld : r*ld+cols]
		i := r0 + r
		for c, v := range row {
			out.SetFloat(i, c0+c, e.EvalFloat(i, c0+c, v))
		}
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
