package gguf

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeTestModel(t *testing.T, dir string) string {
	t.Helper()
	w := NewWriter()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(w.Set("general.architecture", "bigram"))
	must(w.Set("general.name", "tiny"))
	must(w.Set("general.file_type", uint32(0)))
	must(w.Set("bigram.context_length", uint32(128)))
	must(w.Set("tokenizer.ggml.tokens", []string{"<s>", "</s>", "▁a", "b"}))
	must(w.Set("tokenizer.ggml.bos_token_id", uint32(0)))
	must(w.Set("tokenizer.ggml.eos_token_id", int32(1)))
	must(w.Set("bigram.scale", float32(0.25)))
	must(w.Set("bigram.tied", true))
	must(w.AddF32("output.weight", []uint64{4, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8}))
	must(w.AddF16("output.bias", []uint64{4}, []float32{0.5, -1, 0, 65504}))

	path := filepath.Join(dir, "tiny.gguf")
	must(w.WriteFile(path))
	return path
}

func TestWriteThenOpen(t *testing.T) {
	t.Parallel()
	path := writeTestModel(t, t.TempDir())

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Version != 3 {
		t.Fatalf("Version=%d", f.Version)
	}
	if arch, _ := f.Meta.String("general.architecture"); arch != "bigram" {
		t.Fatalf("arch=%q", arch)
	}
	if tied, ok := f.Meta.Bool("bigram.tied"); !ok || !tied {
		t.Fatalf("bool metadata lost")
	}
	if f.DataOffset%f.Alignment != 0 {
		t.Fatalf("data offset %d not aligned to %d", f.DataOffset, f.Alignment)
	}

	w, info, err := f.ReadF32("output.weight")
	if err != nil {
		t.Fatalf("ReadF32 weight: %v", err)
	}
	if !reflect.DeepEqual(info.Dims, []uint64{4, 2}) {
		t.Fatalf("dims=%v", info.Dims)
	}
	if !reflect.DeepEqual(w, []float32{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("weight=%v", w)
	}

	b, info, err := f.ReadF32("output.bias")
	if err != nil {
		t.Fatalf("ReadF32 bias: %v", err)
	}
	if info.Type != TensorF16 {
		t.Fatalf("bias type=%s", info.Type)
	}
	if !reflect.DeepEqual(b, []float32{0.5, -1, 0, 65504}) {
		t.Fatalf("bias=%v", b)
	}

	if _, _, err := f.ReadF32("missing"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("expected ErrTensorNotFound, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	path := writeTestModel(t, t.TempDir())

	s, err := Peek(path)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	want := Summary{
		Path:          path,
		Version:       3,
		Arch:          "bigram",
		Name:          "tiny",
		FileType:      "F32",
		ContextLength: 128,
		VocabSize:     4,
		Tensors:       2,
		Params:        12,
		BOS:           0,
		EOS:           1,
	}
	if s != want {
		t.Fatalf("Summarize:\n got %+v\nwant %+v", s, want)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.gguf")
	if err := os.WriteFile(bad, []byte("NOPE\x03\x00\x00\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(bad); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}

	old := filepath.Join(dir, "v1.gguf")
	if err := os.WriteFile(old, []byte("GGUF\x01\x00\x00\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(old); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}

	// A header claiming far more entries than the file can hold.
	var buf bytes.Buffer
	buf.WriteString("GGUF\x03\x00\x00\x00")
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0})
	huge := filepath.Join(dir, "huge.gguf")
	if err := os.WriteFile(huge, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(huge); err == nil {
		t.Fatalf("expected error for implausible kv count")
	}
}

func TestHalfConversion(t *testing.T) {
	t.Parallel()
	for _, v := range []float32{0, 1, -2.5, 0.000061035156, 5.9604645e-08, 65504} {
		if got := halfToFloat(floatToHalf(v)); got != v {
			t.Fatalf("half round trip %v -> %v", v, got)
		}
	}
	if got := halfToFloat(floatToHalf(1e6)); !math.IsInf(float64(got), 1) {
		t.Fatalf("expected overflow to +Inf, got %v", got)
	}
	if got := halfToFloat(floatToHalf(float32(math.NaN()))); !math.IsNaN(float64(got)) {
		t.Fatalf("expected NaN, got %v", got)
	}
}

func TestWriterRejectsMismatchedDims(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	if err := w.AddF32("t", []uint64{2, 2}, []float32{1, 2, 3}); err == nil {
		t.Fatalf("expected dims mismatch error")
	}
	if err := w.AddF32("t", []uint64{1}, []float32{1}); err != nil {
		t.Fatalf("AddF32: %v", err)
	}
	if err := w.AddF32("t", []uint64{1}, []float32{1}); err == nil {
		t.Fatalf("expected duplicate tensor error")
	}
	if err := w.Set("x", struct{}{}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestHumanCount(t *testing.T) {
	t.Parallel()
	cases := map[uint64]string{12: "12", 125_000_000: "125M", 7_240_000_000: "7.2B", 4_000: "4K"}
	for n, want := range cases {
		if got := HumanCount(n); got != want {
			t.Fatalf("HumanCount(%d)=%q want %q", n, got, want)
		}
	}
}

func TestRawRejectsOffsetPastEnd(t *testing.T) {
	t.Parallel()
	f := &File{
		DataOffset: 32,
		data:       make([]byte, 64),
		Tensors: []TensorInfo{
			{Name: "ok", Dims: []uint64{8}, Type: TensorF32},
			// off+size wraps around to a small number.
			{Name: "wrap", Dims: []uint64{4}, Type: TensorF32, Offset: math.MaxUint64 - 40},
			{Name: "long", Dims: []uint64{16}, Type: TensorF32},
		},
	}
	if _, _, err := f.Raw("ok"); err != nil {
		t.Fatalf("Raw(ok): %v", err)
	}
	for _, name := range []string{"wrap", "long"} {
		if _, _, err := f.Raw(name); err == nil {
			t.Fatalf("Raw(%s): expected past-end error", name)
		}
	}
}
