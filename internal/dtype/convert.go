package dtype

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// fp8Table maps every E4M3FN bit pattern to float32.
var fp8Table = func() [256]float32 {
	var tbl [256]float32
	for i := range tbl {
		tbl[i] = fp8ToF32(uint8(i))
	}
	return tbl
}()

// Float8MaxFinite is the largest finite E4M3FN magnitude.
const Float8MaxFinite = 448

func fp8ToF32(b uint8) float32 {
	sign := float32(1)
	if b&0x80 != 0 {
		sign = -1
	}
	exp := int((b >> 3) & 0xF)
	mant := float32(b & 0x7)
	switch {
	case exp == 0xF && b&0x7 == 0x7:
		return float32(math.NaN())
	case exp == 0:
		return sign * mant / 8 * float32(math.Ldexp(1, -6))
	default:
		return sign * (1 + mant/8) * float32(math.Ldexp(1, exp-7))
	}
}

// Float8FromFloat32 encodes v as E4M3FN, rounding to nearest even and
// saturating out-of-range magnitudes (including infinities) to ±448.
func Float8FromFloat32(v float32) uint8 {
	if v != v {
		return 0x7F
	}
	var sign uint8
	f := float64(v)
	if f < 0 {
		sign = 0x80
		f = -f
	}
	if f >= Float8MaxFinite {
		return sign | 0x7E
	}
	if f == 0 {
		return sign
	}
	_, e := math.Frexp(f)
	e-- // f = m * 2^e with m in [1, 2)
	var bits uint8
	if e < -6 {
		// Subnormal quantum is 2^-9; a result of 8 carries into the first normal binade.
		bits = uint8(math.RoundToEven(math.Ldexp(f, 9)))
	} else {
		q := int(math.RoundToEven(math.Ldexp(f, 3-e)))
		if q == 16 {
			e++
			q = 8
		}
		bits = uint8((e+7)<<3) | uint8(q-8)
	}
	if bits > 0x7E {
		bits = 0x7E
	}
	return sign | bits
}

// Float8ToFloat32 decodes an E4M3FN value.
func Float8ToFloat32(b uint8) float32 {
	return fp8Table[b]
}

// BFloat16FromFloat32 rounds v to the nearest bf16 value (ties to even).
func BFloat16FromFloat32(v float32) bfloat16.BFloat16 {
	u := math.Float32bits(v)
	if v != v {
		return bfloat16.FromBits(uint16(u>>16) | 0x0040)
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return bfloat16.FromBits(uint16((u + rnd) >> 16))
}

// DecodeFloat reads one element of type d from the start of b as float32.
// Integer types are converted exactly where float32 allows.
func DecodeFloat(d DType, b []byte) float32 {
	switch d {
	case Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case Float16:
		return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
	case BFloat16:
		return bfloat16.FromBits(binary.LittleEndian.Uint16(b)).Float32()
	case Float8E4M3:
		return fp8Table[b[0]]
	case Int8:
		return float32(int8(b[0]))
	case Int32:
		return float32(int32(binary.LittleEndian.Uint32(b)))
	case Uint16:
		return float32(binary.LittleEndian.Uint16(b))
	default:
		panic("dtype: decode of " + d.String())
	}
}

// EncodeFloat writes v into b using the encoding of d, rounding to nearest.
func EncodeFloat(d DType, b []byte, v float32) {
	switch d {
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	case Float16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(v).Bits())
	case BFloat16:
		binary.LittleEndian.PutUint16(b, BFloat16FromFloat32(v).Bits())
	case Float8E4M3:
		b[0] = Float8FromFloat32(v)
	case Int8:
		b[0] = uint8(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(clampRound(v, 0, math.MaxUint16)))
	default:
		panic("dtype: encode of " + d.String())
	}
}

// DecodeInt reads an integer element. Only integer types are accepted.
func DecodeInt(d DType, b []byte) int32 {
	switch d {
	case Int8:
		return int32(int8(b[0]))
	case Int32:
		return int32(binary.LittleEndian.Uint32(b))
	case Uint16:
		return int32(binary.LittleEndian.Uint16(b))
	default:
		panic("dtype: integer decode of " + d.String())
	}
}

// EncodeInt writes an integer element, truncating to the width of d.
func EncodeInt(d DType, b []byte, v int32) {
	switch d {
	case Int8:
		b[0] = uint8(int8(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	default:
		panic("dtype: integer encode of " + d.String())
	}
}

// Round converts v to the precision of d and back, which is what a store
// followed by a load observes.
func Round(d DType, v float32) float32 {
	var buf [4]byte
	EncodeFloat(d, buf[:], v)
	return DecodeFloat(d, buf[:])
}

func clampRound(v float32, lo, hi float64) float64 {
	f := math.RoundToEven(float64(v))
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}
