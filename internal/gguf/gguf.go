// Package gguf reads and writes GGUF model files: the header, the typed
// key/value metadata, tensor descriptors and raw tensor data.
package gguf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	magic            = "GGUF"
	defaultAlignment = 32
)

var (
	ErrInvalidMagic       = errors.New("gguf: invalid magic")
	ErrUnsupportedVersion = errors.New("gguf: unsupported version")
	ErrUnsupportedType    = errors.New("gguf: unsupported tensor type")
	ErrTensorNotFound     = errors.New("gguf: tensor not found")
)

type ValueType uint32

const (
	TypeUint8 ValueType = iota
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeFloat32
	TypeBool
	TypeString
	TypeArray
	TypeUint64
	TypeInt64
	TypeFloat64
)

var valueTypeNames = [...]string{
	TypeUint8: "u8", TypeInt8: "i8", TypeUint16: "u16", TypeInt16: "i16",
	TypeUint32: "u32", TypeInt32: "i32", TypeFloat32: "f32", TypeBool: "bool",
	TypeString: "string", TypeArray: "array", TypeUint64: "u64", TypeInt64: "i64",
	TypeFloat64: "f64",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// ArrayValue is a homogeneous metadata array.
type ArrayValue struct {
	ElemType ValueType
	Values   []any
}

// Value is one metadata entry.
type Value struct {
	Type  ValueType
	Value any
}

type TensorType uint32

const (
	TensorF32  TensorType = 0
	TensorF16  TensorType = 1
	TensorQ4_0 TensorType = 2
	TensorQ4_1 TensorType = 3
	TensorQ5_0 TensorType = 6
	TensorQ5_1 TensorType = 7
	TensorQ8_0 TensorType = 8
	TensorQ8_1 TensorType = 9
	TensorQ2_K TensorType = 10
	TensorQ3_K TensorType = 11
	TensorQ4_K TensorType = 12
	TensorQ5_K TensorType = 13
	TensorQ6_K TensorType = 14
	TensorQ8_K TensorType = 15
	TensorBF16 TensorType = 30
)

var tensorTypeNames = map[TensorType]string{
	TensorF32: "F32", TensorF16: "F16", TensorBF16: "BF16",
	TensorQ4_0: "Q4_0", TensorQ4_1: "Q4_1", TensorQ5_0: "Q5_0", TensorQ5_1: "Q5_1",
	TensorQ8_0: "Q8_0", TensorQ8_1: "Q8_1",
	TensorQ2_K: "Q2_K", TensorQ3_K: "Q3_K", TensorQ4_K: "Q4_K", TensorQ5_K: "Q5_K",
	TensorQ6_K: "Q6_K", TensorQ8_K: "Q8_K",
}

func (t TensorType) String() string {
	if s, ok := tensorTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// TensorInfo describes one tensor. Offset is relative to the data section.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   TensorType
	Offset uint64
}

// Elements returns the number of values in the tensor.
func (t TensorInfo) Elements() uint64 {
	if len(t.Dims) == 0 {
		return 0
	}
	n := uint64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// File is an open GGUF file. Tensor data stays on disk (or in the mapping)
// until requested.
type File struct {
	Path       string
	Version    uint32
	Meta       Metadata
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64

	data  []byte
	src   io.ReaderAt
	close func() error
}

// Open parses the header of the GGUF file at path. The file is mapped
// read-only where the platform allows and read on demand otherwise.
// The returned file must be closed.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	size := st.Size()

	gf := &File{Path: path}
	var r *reader
	if data, err := mapFile(f, size); err == nil {
		_ = f.Close()
		gf.data = data
		gf.src = bytes.NewReader(data)
		gf.close = func() error { return unmapFile(data) }
		r = newReader(bytes.NewReader(data), size)
	} else {
		gf.src = f
		gf.close = f.Close
		r = newReader(io.NewSectionReader(f, 0, size), size)
	}

	if err := gf.parse(r); err != nil {
		_ = gf.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return gf, nil
}

func (f *File) parse(r *reader) error {
	m, err := r.bytes(4)
	if err != nil {
		return err
	}
	if string(m) != magic {
		return fmt.Errorf("%w %q", ErrInvalidMagic, m)
	}
	if f.Version, err = read[uint32](r); err != nil {
		return err
	}
	if f.Version < 2 || f.Version > 3 {
		return fmt.Errorf("%w %d", ErrUnsupportedVersion, f.Version)
	}
	tensorCount, err := read[uint64](r)
	if err != nil {
		return err
	}
	kvCount, err := read[uint64](r)
	if err != nil {
		return err
	}
	if err := r.plausible(kvCount, 12); err != nil {
		return fmt.Errorf("kv count: %w", err)
	}
	if err := r.plausible(tensorCount, 24); err != nil {
		return fmt.Errorf("tensor count: %w", err)
	}

	f.Meta = make(Metadata, kvCount)
	for i := range kvCount {
		key, err := r.string()
		if err != nil {
			return fmt.Errorf("read key %d: %w", i, err)
		}
		vt, err := read[uint32](r)
		if err != nil {
			return fmt.Errorf("read value type for %s: %w", key, err)
		}
		val, err := readValue(r, ValueType(vt))
		if err != nil {
			return fmt.Errorf("read value for %s: %w", key, err)
		}
		f.Meta[key] = Value{Type: ValueType(vt), Value: val}
	}

	f.Tensors = make([]TensorInfo, 0, tensorCount)
	for i := range tensorCount {
		ti, err := readTensorInfo(r)
		if err != nil {
			return fmt.Errorf("read tensor %d: %w", i, err)
		}
		f.Tensors = append(f.Tensors, ti)
	}

	f.Alignment = defaultAlignment
	if a, ok := f.Meta.Uint("general.alignment"); ok && a > 0 {
		f.Alignment = a
	}
	f.DataOffset = align(uint64(r.off), f.Alignment)
	return nil
}

func readTensorInfo(r *reader) (TensorInfo, error) {
	name, err := r.string()
	if err != nil {
		return TensorInfo{}, err
	}
	nDim, err := read[uint32](r)
	if err != nil {
		return TensorInfo{}, err
	}
	if nDim > 8 {
		return TensorInfo{}, fmt.Errorf("tensor %s: %d dimensions", name, nDim)
	}
	dims := make([]uint64, nDim)
	for d := range dims {
		if dims[d], err = read[uint64](r); err != nil {
			return TensorInfo{}, err
		}
	}
	typ, err := read[uint32](r)
	if err != nil {
		return TensorInfo{}, err
	}
	off, err := read[uint64](r)
	if err != nil {
		return TensorInfo{}, err
	}
	return TensorInfo{Name: name, Dims: dims, Type: TensorType(typ), Offset: off}, nil
}

// Close releases the mapping or file descriptor.
func (f *File) Close() error {
	if f.close == nil {
		return nil
	}
	c := f.close
	f.close = nil
	f.data = nil
	f.src = nil
	return c()
}

// Mapped reports whether the file is memory mapped.
func (f *File) Mapped() bool { return f.data != nil }

func align(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	if rem := offset % alignment; rem != 0 {
		return offset + alignment - rem
	}
	return offset
}
