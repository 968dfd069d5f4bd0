// Package dtype describes the element encodings understood by the sparse
// scaled matmul kernels and converts them to and from float32.
package dtype

import (
	"fmt"
	"strings"
)

// DType identifies the encoding of one tensor element.
type DType uint8

const (
	Invalid DType = iota
	Float16
	BFloat16
	Float8E4M3
	Int8
	Int32
	Float32
	// Uint16 is only used for structured-sparsity metadata words.
	Uint16
)

var dtypeNames = map[DType]string{
	Invalid:    "invalid",
	Float16:    "f16",
	BFloat16:   "bf16",
	Float8E4M3: "fp8e4m3",
	Int8:       "int8",
	Int32:      "int32",
	Float32:    "f32",
	Uint16:     "u16",
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Size returns the element size in bytes, or 0 for Invalid.
func (d DType) Size() int {
	switch d {
	case Float8E4M3, Int8:
		return 1
	case Float16, BFloat16, Uint16:
		return 2
	case Int32, Float32:
		return 4
	default:
		return 0
	}
}

// IsInteger reports whether values of d are read with integer semantics.
func (d DType) IsInteger() bool {
	return d == Int8 || d == Int32 || d == Uint16
}

// IsOutput reports whether d may be used for the result tensor.
func (d DType) IsOutput() bool {
	return d == Float16 || d == BFloat16 || d == Float32
}

// Parse converts a user supplied name ("int8", "fp8", "bf16", ...) to a DType.
func Parse(name string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "f16", "fp16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	case "fp8", "f8", "e4m3", "fp8e4m3", "float8_e4m3fn":
		return Float8E4M3, nil
	case "int8", "i8", "s8":
		return Int8, nil
	case "int32", "i32":
		return Int32, nil
	case "f32", "fp32", "float32":
		return Float32, nil
	case "u16", "uint16":
		return Uint16, nil
	default:
		return Invalid, fmt.Errorf("unknown dtype %q (expected f16, bf16, fp8, int8, int32, f32)", name)
	}
}

// Family groups operand types that share one kernel configuration table.
type Family uint8

const (
	FamilyUnknown Family = iota
	FamilyF16
	FamilyBF16
	FamilyFP8
	FamilyInt8
)

func (f Family) String() string {
	switch f {
	case FamilyF16:
		return "f16"
	case FamilyBF16:
		return "bf16"
	case FamilyFP8:
		return "fp8"
	case FamilyInt8:
		return "int8"
	default:
		return "unknown"
	}
}

// Families lists every supported operand family in table order.
func Families() []Family {
	return []Family{FamilyF16, FamilyBF16, FamilyFP8, FamilyInt8}
}

// FamilyOf maps an operand element type to its family. Types that are not
// valid matmul operands map to FamilyUnknown.
func FamilyOf(d DType) Family {
	switch d {
	case Float16:
		return FamilyF16
	case BFloat16:
		return FamilyBF16
	case Float8E4M3:
		return FamilyFP8
	case Int8:
		return FamilyInt8
	default:
		return FamilyUnknown
	}
}

// Operand returns the element type stored in operand tensors of the family.
func (f Family) Operand() DType {
	switch f {
	case FamilyF16:
		return Float16
	case FamilyBF16:
		return BFloat16
	case FamilyFP8:
		return Float8E4M3
	case FamilyInt8:
		return Int8
	default:
		return Invalid
	}
}

// Accumulator returns the type partial sums are carried in: Int32 for int8
// operands, Float32 for everything else.
func (f Family) Accumulator() DType {
	if f == FamilyInt8 {
		return Int32
	}
	return Float32
}

// ParseFamily accepts a family name or any operand dtype name.
func ParseFamily(name string) (Family, error) {
	for _, f := range Families() {
		if strings.EqualFold(strings.TrimSpace(name), f.String()) {
			return f, nil
		}
	}
	d, err := Parse(name)
	if err == nil {
		if f := FamilyOf(d); f != FamilyUnknown {
			return f, nil
		}
	}
	return FamilyUnknown, fmt.Errorf("unknown operand family %q (expected f16, bf16, fp8, int8)", name)
}

func (d DType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DType) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (f Family) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Family) UnmarshalText(b []byte) error {
	v, err := ParseFamily(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
