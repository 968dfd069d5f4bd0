// Package sparse defines the compressed 2:4 structured-sparse operand format:
// for every group of four consecutive elements along K at most two survive,
// the survivors are stored densely and a 4-bit descriptor records their
// positions.
//
// Both physical layouts are functions of the problem shape. Decoding an
// operand with a layout built for a different shape is not detected and
// produces wrong values; callers must use the shape the operand was
// compressed with.
package sparse

import (
	"github.com/pkg/errors"
)

const (
	// GroupSize is the number of logical K elements one descriptor covers.
	GroupSize = 4
	// Kept is the number of survivors per group.
	Kept = 2
	// Ratio is the logical-to-compressed K ratio.
	Ratio = GroupSize / Kept
	// GroupsPerWord is the number of 4-bit descriptors packed into one
	// uint16 metadata word.
	GroupsPerWord = 4
	// KPerWord is the number of logical K elements one metadata word covers.
	KPerWord = GroupSize * GroupsPerWord
	// MetaInterleave is the number of adjacent metadata columns stored
	// together for each row.
	MetaInterleave = 2
)

// ErrShape reports a problem shape the codec cannot describe.
var ErrShape = errors.New("sparse: invalid problem shape")

// Layout describes the compressed value array and the metadata array of the
// sparse M x K operand in an M x N x K multiply.
type Layout struct {
	M, N, K int

	// ValueCols is the row length of the compressed value array (K / Ratio).
	ValueCols int
	// MetaCols is the number of uint16 metadata words per row.
	MetaCols int
	// metaColsPadded rounds MetaCols up to a multiple of MetaInterleave.
	metaColsPadded int
}

// NewLayout derives the layouts for an m x n x k problem.
func NewLayout(m, n, k int) (Layout, error) {
	if m <= 0 || n <= 0 || k <= 0 {
		return Layout{}, errors.Wrapf(ErrShape, "m=%d n=%d k=%d", m, n, k)
	}
	if k%GroupSize != 0 {
		return Layout{}, errors.Wrapf(ErrShape, "k=%d is not a multiple of %d", k, GroupSize)
	}
	metaCols := (k + KPerWord - 1) / KPerWord
	return Layout{
		M:              m,
		N:              n,
		K:              k,
		ValueCols:      k / Ratio,
		MetaCols:       metaCols,
		metaColsPadded: (metaCols + MetaInterleave - 1) / MetaInterleave * MetaInterleave,
	}, nil
}

// Groups returns the number of 2:4 groups per row.
func (l Layout) Groups() int { return l.K / GroupSize }

// ValueLen is the number of elements of the compressed value array.
func (l Layout) ValueLen() int { return l.M * l.ValueCols }

// StoredMetaCols is MetaCols rounded up to a whole interleave group. The
// metadata tensor is allocated as M x StoredMetaCols words.
func (l Layout) StoredMetaCols() int { return l.metaColsPadded }

// MetaLen is the number of uint16 words of the metadata array.
func (l Layout) MetaLen() int { return l.M * l.metaColsPadded }

// ValueOffset returns the element offset of compressed value c of row i.
func (l Layout) ValueOffset(i, c int) int { return i*l.ValueCols + c }

// MetaOffset returns the word offset of metadata column c of row i.
// Columns are stored in pairs: the pair holding c starts after every
// previous pair of all M rows, and inside the pair the two words of a row
// are adjacent.
func (l Layout) MetaOffset(i, c int) int {
	return (c/MetaInterleave)*(l.M*MetaInterleave) + i*MetaInterleave + c%MetaInterleave
}

// Descriptor packs the two surviving positions of a group.
func Descriptor(idx0, idx1 int) uint16 {
	return uint16(idx0&0x3) | uint16(idx1&0x3)<<2
}

// Positions unpacks a 4-bit group descriptor.
func Positions(desc uint16) (idx0, idx1 int) {
	return int(desc & 0x3), int((desc >> 2) & 0x3)
}

// GroupDescriptor extracts the descriptor of group g of row i from meta.
func (l Layout) GroupDescriptor(meta []uint16, i, g int) uint16 {
	word := meta[l.MetaOffset(i, g/GroupsPerWord)]
	shift := uint(g%GroupsPerWord) * 4
	return (word >> shift) & 0xF
}

// Columns returns the logical K indices of the two survivors of group g of
// row i. They are stored at ValueOffset(i, 2g) and ValueOffset(i, 2g+1).
func (l Layout) Columns(meta []uint16, i, g int) (k0, k1 int) {
	idx0, idx1 := Positions(l.GroupDescriptor(meta, i, g))
	return g*GroupSize + idx0, g*GroupSize + idx1
}

// setGroupDescriptor stores the descriptor of group g of row i.
func (l Layout) setGroupDescriptor(meta []uint16, i, g int, desc uint16) {
	off := l.MetaOffset(i, g/GroupsPerWord)
	shift := uint(g%GroupsPerWord) * 4
	meta[off] = meta[off]&^(0xF<<shift) | (desc&0xF)<<shift
}
