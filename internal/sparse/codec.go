package sparse

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/tensor"
)

// ErrDensity is returned by Compress when a group holds more than two
// non-zero elements.
var ErrDensity = errors.New("sparse: group violates 2:4 sparsity")

// Operand is a compressed sparse first operand.
//
// Values is M x K/2, row-major, in the operand element type. Meta is a
// Uint16 tensor of M x StoredMetaCols words; its words are addressed through
// Layout.MetaOffset rather than through the tensor strides.
type Operand struct {
	Values *tensor.Tensor
	Meta   *tensor.Tensor
}

// K returns the logical reduction length implied by the value array.
func (o *Operand) K() int { return o.Values.Cols * Ratio }

// Check validates the operand against l. It catches shape errors only; a
// metadata array produced for a different M still passes if its size
// happens to match.
func (o *Operand) Check(l Layout) error {
	if o == nil || o.Values == nil || o.Meta == nil {
		return errors.Wrap(ErrShape, "operand values and metadata are required")
	}
	if err := o.Values.Validate(); err != nil {
		return errors.Wrap(err, "sparse values")
	}
	if err := o.Meta.Validate(); err != nil {
		return errors.Wrap(err, "sparse metadata")
	}
	if o.Values.Rows != l.M || o.Values.Cols != l.ValueCols {
		return errors.Wrapf(ErrShape, "values are %dx%d, want %dx%d", o.Values.Rows, o.Values.Cols, l.M, l.ValueCols)
	}
	if o.Meta.DType != dtype.Uint16 {
		return errors.Wrapf(ErrShape, "metadata dtype %s, want %s", o.Meta.DType, dtype.Uint16)
	}
	if o.Meta.Rows != l.M || o.Meta.Cols != l.StoredMetaCols() {
		return errors.Wrapf(ErrShape, "metadata is %dx%d, want %dx%d", o.Meta.Rows, o.Meta.Cols, l.M, l.StoredMetaCols())
	}
	if len(o.Meta.Data) < l.MetaLen()*2 {
		return errors.Wrapf(ErrShape, "metadata holds %d bytes, want %d", len(o.Meta.Data), l.MetaLen()*2)
	}
	return nil
}

// Words decodes the metadata array into host-order words.
func (o *Operand) Words() []uint16 {
	words := make([]uint16, len(o.Meta.Data)/2)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(o.Meta.Data[2*i:])
	}
	return words
}

// NewOperand allocates a zeroed operand for l with values of type dt.
func NewOperand(l Layout, dt dtype.DType) *Operand {
	return &Operand{
		Values: tensor.New(dt, l.M, l.ValueCols, tensor.RowMajor),
		Meta:   tensor.New(dtype.Uint16, l.M, l.StoredMetaCols(), tensor.RowMajor),
	}
}

func isZero(t *tensor.Tensor, i, j int) bool {
	if t.DType.IsInteger() {
		return t.Int(i, j) == 0
	}
	return t.Float(i, j) == 0
}

// Compress packs the dense M x K tensor into a 2:4 operand. Groups with fewer
// than two non-zeros are padded with zero survivors at the lowest free
// positions, so every descriptor names two distinct ascending indices.
func Compress(l Layout, dense *tensor.Tensor) (*Operand, error) {
	if err := dense.Validate(); err != nil {
		return nil, errors.Wrap(err, "sparse compress")
	}
	if dense.Rows != l.M || dense.Cols != l.K {
		return nil, errors.Wrapf(ErrShape, "dense operand is %dx%d, want %dx%d", dense.Rows, dense.Cols, l.M, l.K)
	}
	if dtype.FamilyOf(dense.DType) == dtype.FamilyUnknown {
		return nil, errors.Wrapf(ErrShape, "dtype %s is not a matmul operand", dense.DType)
	}

	op := NewOperand(l, dense.DType)
	size := dense.DType.Size()
	meta := make([]uint16, l.MetaLen())
	for i := 0; i < l.M; i++ {
		for g := 0; g < l.Groups(); g++ {
			var keep [Kept]int
			n := 0
			for p := 0; p < GroupSize; p++ {
				if isZero(dense, i, g*GroupSize+p) {
					continue
				}
				if n == Kept {
					return nil, errors.Wrapf(ErrDensity, "row %d group %d", i, g)
				}
				keep[n] = p
				n++
			}
			keep = padPositions(keep, n)
			for s, p := range keep {
				src := dense.Offset(i, g*GroupSize+p)
				dst := l.ValueOffset(i, g*Kept+s) * size
				copy(op.Values.Data[dst:dst+size], dense.Data[src:src+size])
			}
			l.setGroupDescriptor(meta, i, g, Descriptor(keep[0], keep[1]))
		}
	}
	for k, w := range meta {
		binary.LittleEndian.PutUint16(op.Meta.Data[2*k:], w)
	}
	return op, nil
}

// padPositions fills the unused survivor slots with the lowest positions not
// already kept and keeps the pair ascending.
func padPositions(keep [Kept]int, n int) [Kept]int {
	for p := 0; n < Kept && p < GroupSize; p++ {
		if n == 1 && keep[0] == p {
			continue
		}
		keep[n] = p
		n++
	}
	if keep[0] > keep[1] {
		keep[0], keep[1] = keep[1], keep[0]
	}
	return keep
}

// Decompress expands op back into a dense M x K row-major tensor.
func Decompress(l Layout, op *Operand) (*tensor.Tensor, error) {
	if err := op.Check(l); err != nil {
		return nil, err
	}
	dense := tensor.New(op.Values.DType, l.M, l.K, tensor.RowMajor)
	size := op.Values.DType.Size()
	meta := op.Words()
	for i := 0; i < l.M; i++ {
		for g := 0; g < l.Groups(); g++ {
			k0, k1 := l.Columns(meta, i, g)
			for s, k := range [Kept]int{k0, k1} {
				src := op.Values.Offset(i, g*Kept+s)
				dst := dense.Offset(i, k)
				copy(dense.Data[dst:dst+size], op.Values.Data[src:src+size])
			}
		}
	}
	return dense, nil
}

// Prune zeroes the two smallest-magnitude elements of every group of dense in
// place so that it satisfies 2:4 sparsity. Ties keep the lower index.
func Prune(dense *tensor.Tensor) error {
	if err := dense.Validate(); err != nil {
		return errors.Wrap(err, "sparse prune")
	}
	if dense.Cols%GroupSize != 0 {
		return errors.Wrapf(ErrShape, "k=%d is not a multiple of %d", dense.Cols, GroupSize)
	}
	for i := 0; i < dense.Rows; i++ {
		for g := 0; g < dense.Cols/GroupSize; g++ {
			var mag [GroupSize]float32
			for p := range mag {
				v := dense.Float(i, g*GroupSize+p)
				if v < 0 {
					v = -v
				}
				mag[p] = v
			}
			first, second := 0, 1
			if mag[second] > mag[first] {
				first, second = second, first
			}
			for p := 2; p < GroupSize; p++ {
				switch {
				case mag[p] > mag[first]:
					first, second = p, first
				case mag[p] > mag[second]:
					second = p
				}
			}
			for p := 0; p < GroupSize; p++ {
				if p == first || p == second {
					continue
				}
				if dense.DType.IsInteger() {
					dense.SetInt(i, g*GroupSize+p, 0)
				} else {
					dense.SetFloat(i, g*GroupSize+p, 0)
				}
			}
		}
	}
	return nil
}
