package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

type kvEntry struct {
	key string
	val Value
}

type tensorEntry struct {
	info TensorInfo
	data []byte
}

// Writer assembles a GGUF v3 file in memory. Metadata keys keep the order
// they were first set in. It is meant for small models and test fixtures.
type Writer struct {
	kv        []kvEntry
	index     map[string]int
	tensors   []tensorEntry
	alignment uint64
	dataSize  uint64
}

// NewWriter returns an empty writer using the default alignment.
func NewWriter() *Writer {
	return &Writer{index: make(map[string]int), alignment: defaultAlignment}
}

// Set stores a metadata value. Supported Go types are the fixed-width
// integers, float32, float64, bool, string, and slices of string, int32,
// uint32 and float32.
func (w *Writer) Set(key string, v any) error {
	val, err := toValue(v)
	if err != nil {
		return fmt.Errorf("gguf: key %s: %w", key, err)
	}
	if key == "general.alignment" {
		a, ok := asUint64(val.Value)
		if !ok || a == 0 || len(w.tensors) > 0 {
			return fmt.Errorf("gguf: general.alignment must be a positive integer set before tensors")
		}
		w.alignment = a
	}
	if i, ok := w.index[key]; ok {
		w.kv[i].val = val
		return nil
	}
	w.index[key] = len(w.kv)
	w.kv = append(w.kv, kvEntry{key: key, val: val})
	return nil
}

// AddF32 adds a tensor stored as F32.
func (w *Writer) AddF32(name string, dims []uint64, values []float32) error {
	return w.add(name, dims, TensorF32, values, 4, func(b []byte, v float32) {
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	})
}

// AddF16 adds a tensor stored as F16.
func (w *Writer) AddF16(name string, dims []uint64, values []float32) error {
	return w.add(name, dims, TensorF16, values, 2, func(b []byte, v float32) {
		binary.LittleEndian.PutUint16(b, floatToHalf(v))
	})
}

func (w *Writer) add(name string, dims []uint64, typ TensorType, values []float32, width int, put func([]byte, float32)) error {
	info := TensorInfo{Name: name, Dims: append([]uint64(nil), dims...), Type: typ}
	if n := info.Elements(); n == 0 || n != uint64(len(values)) {
		return fmt.Errorf("gguf: tensor %s: dims %v do not match %d values", name, dims, len(values))
	}
	for _, t := range w.tensors {
		if t.info.Name == name {
			return fmt.Errorf("gguf: duplicate tensor %s", name)
		}
	}
	data := make([]byte, len(values)*width)
	for i, v := range values {
		put(data[i*width:], v)
	}
	w.dataSize = align(w.dataSize, w.alignment)
	info.Offset = w.dataSize
	w.dataSize += uint64(len(data))
	w.tensors = append(w.tensors, tensorEntry{info: info, data: data})
	return nil
}

// WriteTo encodes the file.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(out)}
	put := func(v any) {
		if cw.err == nil {
			cw.err = binary.Write(cw, binary.LittleEndian, v)
		}
	}
	putString := func(s string) {
		put(uint64(len(s)))
		if cw.err == nil {
			_, cw.err = io.WriteString(cw, s)
		}
	}

	if _, err := io.WriteString(cw, magic); err != nil {
		return cw.n, err
	}
	put(uint32(3))
	put(uint64(len(w.tensors)))
	put(uint64(len(w.kv)))
	for _, e := range w.kv {
		putString(e.key)
		put(uint32(e.val.Type))
		writeValue(e.val, put, putString)
	}
	for _, t := range w.tensors {
		putString(t.info.Name)
		put(uint32(len(t.info.Dims)))
		for _, d := range t.info.Dims {
			put(d)
		}
		put(uint32(t.info.Type))
		put(t.info.Offset)
	}

	base := align(uint64(cw.n), w.alignment)
	cw.pad(base)
	for _, t := range w.tensors {
		cw.pad(base + t.info.Offset)
		if cw.err == nil {
			_, cw.err = cw.Write(t.data)
		}
	}
	if cw.err == nil {
		cw.err = cw.w.Flush()
	}
	return cw.n, cw.err
}

// WriteFile writes the model to path via a temporary file and rename.
func (w *Writer) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeValue(v Value, put func(any), putString func(string)) {
	switch v.Type {
	case TypeString:
		putString(v.Value.(string))
	case TypeBool:
		var b uint8
		if v.Value.(bool) {
			b = 1
		}
		put(b)
	case TypeArray:
		arr := v.Value.(ArrayValue)
		put(uint32(arr.ElemType))
		put(uint64(len(arr.Values)))
		for _, item := range arr.Values {
			writeValue(Value{Type: arr.ElemType, Value: item}, put, putString)
		}
	default:
		put(v.Value)
	}
}

func toValue(v any) (Value, error) {
	switch t := v.(type) {
	case uint8:
		return Value{TypeUint8, t}, nil
	case int8:
		return Value{TypeInt8, t}, nil
	case uint16:
		return Value{TypeUint16, t}, nil
	case int16:
		return Value{TypeInt16, t}, nil
	case uint32:
		return Value{TypeUint32, t}, nil
	case int32:
		return Value{TypeInt32, t}, nil
	case uint64:
		return Value{TypeUint64, t}, nil
	case int64:
		return Value{TypeInt64, t}, nil
	case float32:
		return Value{TypeFloat32, t}, nil
	case float64:
		return Value{TypeFloat64, t}, nil
	case bool:
		return Value{TypeBool, t}, nil
	case string:
		return Value{TypeString, t}, nil
	case []string:
		return arrayOf(TypeString, t), nil
	case []int32:
		return arrayOf(TypeInt32, t), nil
	case []uint32:
		return arrayOf(TypeUint32, t), nil
	case []float32:
		return arrayOf(TypeFloat32, t), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

func arrayOf[T any](et ValueType, items []T) Value {
	vals := make([]any, len(items))
	for i, it := range items {
		vals[i] = it
	}
	return Value{TypeArray, ArrayValue{ElemType: et, Values: vals}}
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) pad(to uint64) {
	for c.err == nil && uint64(c.n) < to {
		c.err = c.w.WriteByte(0)
		c.n++
	}
}
