package gguf

import (
	"reflect"
	"testing"
)

func TestArray(t *testing.T) {
	t.Parallel()
	m := Metadata{
		"strings": {Type: TypeArray, Value: ArrayValue{ElemType: TypeString, Values: []any{"a", "b", "c"}}},
		"ints":    {Type: TypeArray, Value: ArrayValue{ElemType: TypeInt32, Values: []any{int32(1), int32(2), int32(3)}}},
		"mixed":   {Type: TypeArray, Value: ArrayValue{ElemType: TypeString, Values: []any{"a", 1}}},
		"scalar":  {Type: TypeString, Value: "hello"},
	}

	strs, ok := Array[string](m, "strings")
	if !ok || !reflect.DeepEqual(strs, []string{"a", "b", "c"}) {
		t.Fatalf("strings: got %v ok=%v", strs, ok)
	}
	ints, ok := Array[int32](m, "ints")
	if !ok || !reflect.DeepEqual(ints, []int32{1, 2, 3}) {
		t.Fatalf("ints: got %v ok=%v", ints, ok)
	}
	if m.Len("strings") != 3 || m.Len("scalar") != -1 {
		t.Fatalf("Len mismatch")
	}

	for _, key := range []string{"mixed", "scalar", "missing"} {
		if _, ok := Array[string](m, key); ok {
			t.Fatalf("%s: expected !ok", key)
		}
	}
	if _, ok := Array[int32](m, "strings"); ok {
		t.Fatalf("expected element type mismatch to fail")
	}
}

func TestScalarAccessors(t *testing.T) {
	t.Parallel()
	m := Metadata{
		"u8":   {Type: TypeUint8, Value: uint8(7)},
		"i32":  {Type: TypeInt32, Value: int32(-3)},
		"u64":  {Type: TypeUint64, Value: uint64(1 << 40)},
		"f32":  {Type: TypeFloat32, Value: float32(0.5)},
		"bool": {Type: TypeBool, Value: true},
		"name": {Type: TypeString, Value: "tiny"},
	}

	if v, ok := m.Uint("u8"); !ok || v != 7 {
		t.Fatalf("Uint(u8)=%d,%v", v, ok)
	}
	if _, ok := m.Uint("i32"); ok {
		t.Fatalf("negative value must not convert to uint")
	}
	if v, ok := m.Int("i32"); !ok || v != -3 {
		t.Fatalf("Int(i32)=%d,%v", v, ok)
	}
	if v, ok := m.Int("u64"); !ok || v != 1<<40 {
		t.Fatalf("Int(u64)=%d,%v", v, ok)
	}
	if v, ok := m.Float("f32"); !ok || v != 0.5 {
		t.Fatalf("Float(f32)=%v,%v", v, ok)
	}
	if v, ok := m.Bool("bool"); !ok || !v {
		t.Fatalf("Bool=%v,%v", v, ok)
	}
	if _, err := m.Require("name"); err != nil {
		t.Fatalf("Require(name): %v", err)
	}
	if _, err := m.Require("general.architecture"); err == nil {
		t.Fatalf("expected error for missing key")
	}
}
