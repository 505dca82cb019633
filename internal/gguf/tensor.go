package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tensor returns the descriptor of the named tensor.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return TensorInfo{}, false
}

// Raw returns the encoded bytes of the named tensor. With a mapped file the
// slice aliases the mapping and is only valid until Close.
func (f *File) Raw(name string) ([]byte, TensorInfo, error) {
	info, ok := f.Tensor(name)
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	n := info.Elements()
	if n == 0 {
		return nil, info, fmt.Errorf("tensor %s: empty dims", name)
	}
	size, err := byteSize(info.Type, n)
	if err != nil {
		return nil, info, fmt.Errorf("tensor %s: %w", name, err)
	}
	off := f.DataOffset + info.Offset
	if f.data != nil {
		if end := uint64(len(f.data)); off > end || size > end-off {
			return nil, info, fmt.Errorf("tensor %s: data past end of file", name)
		}
		return f.data[off : off+size], info, nil
	}
	if f.src == nil {
		return nil, info, fmt.Errorf("tensor %s: file is closed", name)
	}
	buf := make([]byte, size)
	if _, err := f.src.ReadAt(buf, int64(off)); err != nil {
		return nil, info, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, info, nil
}

// ReadF32 decodes the named tensor into float32 values.
// F32, F16 and BF16 tensors are supported.
func (f *File) ReadF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return nil, info, err
	}
	n := int(info.Elements())
	out := make([]float32, n)
	switch info.Type {
	case TensorF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case TensorF16:
		for i := range out {
			out[i] = halfToFloat(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case TensorBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	default:
		return nil, info, fmt.Errorf("tensor %s: %w %s", name, ErrUnsupportedType, info.Type)
	}
	return out, info, nil
}

func byteSize(t TensorType, n uint64) (uint64, error) {
	switch t {
	case TensorF32:
		return n * 4, nil
	case TensorF16, TensorBF16:
		return n * 2, nil
	default:
		return 0, fmt.Errorf("%w %s", ErrUnsupportedType, t)
	}
}

// halfToFloat converts an IEEE 754 binary16 value.
func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff
	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// Subnormal: renormalize into a float32 exponent.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}

// floatToHalf converts to binary16 with round-to-nearest-even.
func floatToHalf(f float32) uint16 {
	b := math.Float32bits(f)
	sign := uint16(b>>16) & 0x8000
	exp := int32(b>>23&0xff) - 127 + 15
	mant := b & 0x7fffff

	switch {
	case b&0x7fffffff == 0:
		return sign
	case b>>23&0xff == 0xff:
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	case exp >= 0x1f:
		return sign | 0x7c00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		rem := mant & (1<<shift - 1)
		mid := uint32(1) << (shift - 1)
		if rem > mid || (rem == mid && half&1 == 1) {
			half++
		}
		return sign | half
	}
	half := sign | uint16(exp)<<10 | uint16(mant>>13)
	rem := mant & 0x1fff
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		half++
	}
	return half
}
