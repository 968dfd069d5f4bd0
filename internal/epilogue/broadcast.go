package epilogue

import (
	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/tensor"
)

// Axis selects which output index a broadcast operand varies with.
type Axis uint8

const (
	// Row quantities are indexed by the output row i (length M).
	Row Axis = iota
	// Col quantities are indexed by the output column j (length N).
	Col
)

func (a Axis) String() string {
	if a == Row {
		return "row"
	}
	return "col"
}

// Broadcast loads a scale, bias or zero-point operand either as one shared
// scalar or as one value per row or column. Whether it is a scalar is
// decided only by the element count of the tensor.
type Broadcast struct {
	t      *tensor.Tensor
	axis   Axis
	scalar bool
	f      float32
	i      int32
}

// NewBroadcast wraps t. A nil tensor yields an absent operand. The scalar
// value is loaded only from a valid tensor; Bind reports the rest.
func NewBroadcast(t *tensor.Tensor, axis Axis) Broadcast {
	b := Broadcast{t: t, axis: axis}
	if t == nil || !t.IsScalar() {
		return b
	}
	b.scalar = true
	if t.Validate() != nil {
		return b
	}
	if t.DType.IsInteger() {
		b.i = t.Int(0, 0)
		b.f = float32(b.i)
	} else {
		b.f = t.Float(0, 0)
	}
	return b
}

// Present reports whether an operand was supplied.
func (b Broadcast) Present() bool { return b.t != nil }

// IsScalar reports whether the operand is broadcast from a single value.
func (b Broadcast) IsScalar() bool { return b.scalar }

// Tensor returns the wrapped tensor.
func (b Broadcast) Tensor() *tensor.Tensor { return b.t }

// Axis returns the output index the operand follows.
func (b Broadcast) Axis() Axis { return b.axis }

// Bind checks the operand against an m x n output.
func (b Broadcast) Bind(name string, m, n int) error {
	if b.t == nil {
		return errors.Errorf("epilogue: %s operand missing", name)
	}
	if err := b.t.Validate(); err != nil {
		return errors.Wrapf(err, "epilogue: %s operand", name)
	}
	if b.t.Rows != 1 && b.t.Cols != 1 {
		return errors.Errorf("epilogue: %s operand must be a scalar or vector, got %dx%d", name, b.t.Rows, b.t.Cols)
	}
	if b.scalar {
		return nil
	}
	want := m
	if b.axis == Col {
		want = n
	}
	if b.t.Len() != want {
		return errors.Errorf("epilogue: %s %s vector has %d elements, want 1 or %d", name, b.axis, b.t.Len(), want)
	}
	return nil
}

func (b Broadcast) index(i, j int) int {
	if b.axis == Row {
		return i
	}
	return j
}

// Float returns the value applying to output element (i, j).
func (b Broadcast) Float(i, j int) float32 {
	if b.scalar {
		return b.f
	}
	return b.t.At(b.index(i, j))
}

// Int returns the integer value applying to output element (i, j).
func (b Broadcast) Int(i, j int) int32 {
	if b.scalar {
		return b.i
	}
	return b.t.IntAt(b.index(i, j))
}
