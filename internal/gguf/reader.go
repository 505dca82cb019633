package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// reader decodes little-endian GGUF primitives and tracks the offset so the
// data section can be located afterwards.
type reader struct {
	br   *bufio.Reader
	off  int64
	size int64
}

func newReader(rd io.Reader, size int64) *reader {
	return &reader{br: bufio.NewReaderSize(rd, 64<<10), size: size}
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.br.Read(p)
	r.off += int64(n)
	return n, err
}

func (r *reader) remaining() int64 { return r.size - r.off }

// plausible rejects counts that could not fit in the rest of the file,
// given a minimum encoded size per item.
func (r *reader) plausible(count uint64, minSize int64) error {
	if count > uint64(r.remaining()/minSize)+1 {
		return fmt.Errorf("%d items cannot fit in %d bytes", count, r.remaining())
	}
	return nil
}

func (r *reader) bytes(n uint64) ([]byte, error) {
	if n > uint64(r.remaining()) {
		return nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *reader) string() (string, error) {
	n, err := read[uint64](r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.remaining()) {
		return "", fmt.Errorf("string length %d exceeds file", n)
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type fixed interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~float32 | ~float64
}

func read[T fixed](r *reader) (T, error) {
	var v T
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readValue(r *reader, vt ValueType) (any, error) {
	switch vt {
	case TypeUint8:
		return read[uint8](r)
	case TypeInt8:
		return read[int8](r)
	case TypeUint16:
		return read[uint16](r)
	case TypeInt16:
		return read[int16](r)
	case TypeUint32:
		return read[uint32](r)
	case TypeInt32:
		return read[int32](r)
	case TypeUint64:
		return read[uint64](r)
	case TypeInt64:
		return read[int64](r)
	case TypeFloat32:
		return read[float32](r)
	case TypeFloat64:
		return read[float64](r)
	case TypeBool:
		b, err := read[uint8](r)
		return b != 0, err
	case TypeString:
		return r.string()
	case TypeArray:
		et, err := read[uint32](r)
		if err != nil {
			return nil, err
		}
		if ValueType(et) == TypeArray {
			return nil, fmt.Errorf("nested arrays are not supported")
		}
		count, err := read[uint64](r)
		if err != nil {
			return nil, err
		}
		if err := r.plausible(count, 1); err != nil {
			return nil, err
		}
		values := make([]any, 0, count)
		for range count {
			v, err := readValue(r, ValueType(et))
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return ArrayValue{ElemType: ValueType(et), Values: values}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %d", uint32(vt))
	}
}
