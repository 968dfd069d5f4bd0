package tensor

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/dtype"
)

// Layout describes how a 2-D tensor is laid out in its backing storage.
type Layout uint8

const (
	Strided Layout = iota
	RowMajor
	ColMajor
)

func (l Layout) String() string {
	switch l {
	case RowMajor:
		return "row-major"
	case ColMajor:
		return "col-major"
	default:
		return "strided"
	}
}

var (
	errNegativeDim     = errors.New("tensor: negative dimension")
	errUnsupportedType = errors.New("tensor: unsupported dtype")
	errShortStorage    = errors.New("tensor: storage shorter than shape and strides require")
)

// Tensor is a non-owning view over caller provided storage.
//
// Rows and Cols give the logical shape. RowStride and ColStride are measured
// in elements, so element (i, j) lives at byte offset
// (i*RowStride + j*ColStride) * DType.Size(). Vectors and scalars are
// represented as Rows x 1 tensors.
//
// Tensor never allocates or frees Data; the constructors below are helpers
// for callers that own the memory.
type Tensor struct {
	DType     dtype.DType
	Rows      int
	Cols      int
	RowStride int
	ColStride int
	Data      []byte
}

// New allocates a zeroed rows x cols tensor with the requested layout.
func New(dt dtype.DType, rows, cols int, layout Layout) *Tensor {
	if rows < 0 || cols < 0 {
		panic(errNegativeDim)
	}
	t := &Tensor{
		DType: dt,
		Rows:  rows,
		Cols:  cols,
		Data:  make([]byte, rows*cols*dt.Size()),
	}
	if layout == ColMajor {
		t.RowStride, t.ColStride = 1, rows
	} else {
		t.RowStride, t.ColStride = cols, 1
	}
	return t
}

// Vector allocates an n x 1 tensor.
func Vector(dt dtype.DType, n int) *Tensor {
	return New(dt, n, 1, RowMajor)
}

// Scalar allocates a single element tensor holding v.
func Scalar(dt dtype.DType, v float32) *Tensor {
	t := Vector(dt, 1)
	t.SetFloat(0, 0, v)
	return t
}

// VectorOf allocates a vector holding vals.
func VectorOf(dt dtype.DType, vals ...float32) *Tensor {
	t := Vector(dt, len(vals))
	for i, v := range vals {
		t.SetFloat(i, 0, v)
	}
	return t
}

// Wrap builds a view over existing storage and validates that the storage is
// large enough for the requested shape and strides.
func Wrap(dt dtype.DType, rows, cols, rowStride, colStride int, data []byte) (*Tensor, error) {
	if rows < 0 || cols < 0 {
		return nil, errNegativeDim
	}
	if dt.Size() == 0 {
		return nil, errors.Wrapf(errUnsupportedType, "wrap %s", dt)
	}
	t := &Tensor{DType: dt, Rows: rows, Cols: cols, RowStride: rowStride, ColStride: colStride, Data: data}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that the strides address only bytes inside Data.
func (t *Tensor) Validate() error {
	if t == nil {
		return errors.New("tensor: nil")
	}
	if t.Rows < 0 || t.Cols < 0 || t.RowStride < 0 || t.ColStride < 0 {
		return errNegativeDim
	}
	size := t.DType.Size()
	if size == 0 {
		return errors.Wrapf(errUnsupportedType, "validate %s", t.DType)
	}
	if t.Rows == 0 || t.Cols == 0 {
		return nil
	}
	last := (t.Rows-1)*t.RowStride + (t.Cols-1)*t.ColStride
	if (last+1)*size > len(t.Data) {
		return errors.Wrapf(errShortStorage, "%dx%d %s strides (%d,%d) need %d bytes, have %d",
			t.Rows, t.Cols, t.DType, t.RowStride, t.ColStride, (last+1)*size, len(t.Data))
	}
	return nil
}

// Layout classifies the strides. Single-column and single-row tensors are
// reported as row-major when their strides allow it.
func (t *Tensor) Layout() Layout {
	switch {
	case t.ColStride == 1 && (t.RowStride >= t.Cols || t.Rows <= 1):
		return RowMajor
	case t.RowStride == 1 && (t.ColStride >= t.Rows || t.Cols <= 1):
		return ColMajor
	default:
		return Strided
	}
}

// Is reports whether t can be addressed as layout l. The stride of a
// dimension with extent one is never constrained, so a K x 1 column is both
// row-major and column-major.
func (t *Tensor) Is(l Layout) bool {
	switch l {
	case RowMajor:
		return (t.ColStride == 1 || t.Cols <= 1) && (t.RowStride >= t.Cols || t.Rows <= 1)
	case ColMajor:
		return (t.RowStride == 1 || t.Rows <= 1) && (t.ColStride >= t.Rows || t.Cols <= 1)
	default:
		return t.Layout() == l
	}
}

// Len returns the number of logical elements.
func (t *Tensor) Len() int {
	return t.Rows * t.Cols
}

// IsScalar reports whether t holds exactly one element.
func (t *Tensor) IsScalar() bool {
	return t.Len() == 1
}

// Offset returns the byte offset of element (i, j).
func (t *Tensor) Offset(i, j int) int {
	return (i*t.RowStride + j*t.ColStride) * t.DType.Size()
}

// Float reads element (i, j) converted to float32.
func (t *Tensor) Float(i, j int) float32 {
	return dtype.DecodeFloat(t.DType, t.Data[t.Offset(i, j):])
}

// SetFloat writes v at (i, j), rounding to the tensor's dtype.
func (t *Tensor) SetFloat(i, j int, v float32) {
	dtype.EncodeFloat(t.DType, t.Data[t.Offset(i, j):], v)
}

// Int reads an integer element.
func (t *Tensor) Int(i, j int) int32 {
	return dtype.DecodeInt(t.DType, t.Data[t.Offset(i, j):])
}

// SetInt writes an integer element.
func (t *Tensor) SetInt(i, j int, v int32) {
	dtype.EncodeInt(t.DType, t.Data[t.Offset(i, j):], v)
}

// At reads element k of a flattened vector or scalar, regardless of
// whether it is stored as a row or a column.
func (t *Tensor) At(k int) float32 {
	if t.Cols == 1 {
		return t.Float(k, 0)
	}
	return t.Float(0, k)
}

// IntAt is At for integer vectors.
func (t *Tensor) IntAt(k int) int32 {
	if t.Cols == 1 {
		return t.Int(k, 0)
	}
	return t.Int(0, k)
}

// Floats copies the tensor into a row-major float32 slice.
func (t *Tensor) Floats() []float32 {
	out := make([]float32, t.Len())
	for i := 0; i < t.Rows; i++ {
		for j := 0; j < t.Cols; j++ {
			out[i*t.Cols+j] = t.Float(i, j)
		}
	}
	return out
}

// FillRand fills t with deterministic pseudo-random values. Integer tensors
// receive values in [-lim, lim]; float tensors values in [-lim, lim) rounded
// to the dtype.
func FillRand(t *Tensor, seed int64, lim float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < t.Rows; i++ {
		for j := 0; j < t.Cols; j++ {
			if t.DType.IsInteger() {
				span := int32(lim)
				t.SetInt(i, j, rng.Int31n(2*span+1)-span)
				continue
			}
			t.SetFloat(i, j, (rng.Float32()*2-1)*lim)
		}
	}
}
