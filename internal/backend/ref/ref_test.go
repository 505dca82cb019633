package ref

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/samcharles93/llamarun/internal/backend"
	"github.com/samcharles93/llamarun/internal/backend/ref/reftest"
	"github.com/samcharles93/llamarun/internal/gguf"
)

func loadFrance(t *testing.T, opts backend.Options) (*Handle, reftest.Model) {
	t.Helper()
	m := reftest.France()
	path := m.Write(t, t.TempDir())
	h, err := Loader{}.Load(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h.(*Handle), m
}

func TestLoadInfo(t *testing.T) {
	t.Parallel()
	h, m := loadFrance(t, backend.Options{Threads: 2})
	info := h.Info()
	want := backend.Info{
		Backend:      backend.Ref,
		Arch:         Arch,
		Name:         "france",
		VocabSize:    len(m.Tokens),
		ContextSize:  64,
		TrainContext: 64,
		BatchSize:    defaultBatchSize,
		Threads:      2,
		BOS:          0,
		EOS:          1,
	}
	if info != want {
		t.Fatalf("Info:\n got %+v\nwant %+v", info, want)
	}
	if !h.IsEndOfSequence(1) || h.IsEndOfSequence(0) {
		t.Fatalf("IsEndOfSequence wrong")
	}
}

func TestTokenizeRoundTrip(t *testing.T) {
	t.Parallel()
	h, m := loadFrance(t, backend.Options{})

	ids, err := h.Tokenize("The capital of France is", true)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	want := []int{m.BOS, m.ID("▁The"), m.ID("▁capital"), m.ID("▁of"), m.ID("▁France"), m.ID("▁is")}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids=%v want %v", ids, want)
	}
	text, err := h.Detokenize(ids)
	if err != nil {
		t.Fatalf("Detokenize: %v", err)
	}
	if text != " The capital of France is" {
		t.Fatalf("text=%q", text)
	}

	ids, err = h.Tokenize("The zebra", false)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if ids[0] != m.ID("▁The") || ids[len(ids)-1] != m.Unknown {
		t.Fatalf("unknown runes should map to <unk>: %v", ids)
	}
	if _, err := h.Detokenize([]int{99}); err == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestSubmitScoresRequestedPositions(t *testing.T) {
	t.Parallel()
	h, m := loadFrance(t, backend.Options{Threads: 3})
	ids, _ := h.Tokenize("The capital of France is", true)

	batch := backend.Batch{}
	for i, tok := range ids {
		batch.Entries = append(batch.Entries, backend.Entry{Token: tok, Pos: i, Scores: i == 1 || i == len(ids)-1})
	}
	out, err := h.Submit(context.Background(), batch)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d vectors, want 2", len(out))
	}
	if got := favored(out[len(ids)-1]); got != m.ID("Paris") {
		t.Fatalf("after ▁is got %q", m.Tokens[got])
	}
	if got := favored(out[1]); got != m.ID("▁capital") {
		t.Fatalf("after ▁The got %q", m.Tokens[got])
	}
	if h.Committed() != len(ids) {
		t.Fatalf("committed=%d", h.Committed())
	}
}

func TestSubmitRejectsAndRollsBack(t *testing.T) {
	t.Parallel()
	h, _ := loadFrance(t, backend.Options{ContextSize: 4, BatchSize: 3})
	ctx := context.Background()

	if _, err := h.Submit(ctx, backend.Batch{Entries: []backend.Entry{{Token: 0, Pos: 0}, {Token: 3, Pos: 1}}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cases := []struct {
		name  string
		batch backend.Batch
	}{
		{"gap", backend.Batch{Entries: []backend.Entry{{Token: 4, Pos: 3}}}},
		{"rewind", backend.Batch{Entries: []backend.Entry{{Token: 4, Pos: 1}}}},
		{"partial gap", backend.Batch{Entries: []backend.Entry{{Token: 4, Pos: 2}, {Token: 5, Pos: 4}}}},
		{"context", backend.Batch{Entries: []backend.Entry{{Token: 4, Pos: 2}, {Token: 5, Pos: 3}, {Token: 6, Pos: 4}}}},
		{"token", backend.Batch{Entries: []backend.Entry{{Token: 99, Pos: 2}}}},
		{"capacity", backend.Batch{Entries: make([]backend.Entry, 4)}},
	}
	for _, tc := range cases {
		if _, err := h.Submit(ctx, tc.batch); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if h.Committed() != 2 {
			t.Fatalf("%s: committed=%d after rejected batch", tc.name, h.Committed())
		}
	}
}

func TestEvictShiftsPositions(t *testing.T) {
	t.Parallel()
	h, m := loadFrance(t, backend.Options{ContextSize: 4})
	ctx := context.Background()
	ids, _ := h.Tokenize("The capital of", true)
	batch := backend.Batch{}
	for i, tok := range ids {
		batch.Entries = append(batch.Entries, backend.Entry{Token: tok, Pos: i})
	}
	if _, err := h.Submit(ctx, batch); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.Evict(1, 2); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if h.Committed() != 2 {
		t.Fatalf("committed=%d", h.Committed())
	}
	out, err := h.Submit(ctx, backend.Batch{Entries: []backend.Entry{{Token: m.ID("▁France"), Pos: 2, Scores: true}}})
	if err != nil {
		t.Fatalf("Submit after evict: %v", err)
	}
	if got := favored(out[2]); got != m.ID("▁is") {
		t.Fatalf("after ▁France got %q", m.Tokens[got])
	}
	if err := h.Evict(2, 5); err == nil {
		t.Fatalf("expected out of range eviction to fail")
	}
	if err := h.Reset(); err != nil || h.Committed() != 0 {
		t.Fatalf("Reset: %v committed=%d", err, h.Committed())
	}
}

func TestClosedHandle(t *testing.T) {
	t.Parallel()
	h, _ := loadFrance(t, backend.Options{})
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.Submit(context.Background(), backend.Batch{Entries: []backend.Entry{{Pos: 0}}}); err == nil {
		t.Fatalf("expected error after Close")
	}
}

func TestLoadF16Weights(t *testing.T) {
	t.Parallel()
	m := reftest.Loop()
	m.F16 = true
	path := m.Write(t, t.TempDir())
	h, err := Loader{}.Load(context.Background(), path, backend.Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer func() { _ = h.Close() }()
	out, err := h.Submit(context.Background(), backend.Batch{Entries: []backend.Entry{{Token: m.ID("▁c"), Pos: 0, Scores: true}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := favored(out[0]); got != m.ID("▁a") {
		t.Fatalf("after ▁c got %q", m.Tokens[got])
	}
}

func TestLoadRejectsOtherArchitectures(t *testing.T) {
	t.Parallel()
	w := gguf.NewWriter()
	if err := w.Set("general.architecture", "llama"); err != nil {
		t.Fatal(err)
	}
	if err := w.AddF32("token_embd.weight", []uint64{2}, []float32{1, 2}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "llama.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}

	_, err := Loader{}.Load(context.Background(), path, backend.Options{})
	if !errors.Is(err, backend.ErrUnsupportedArch) {
		t.Fatalf("expected ErrUnsupportedArch, got %v", err)
	}
	if !errors.Is(err, backend.ErrBackendFailure) {
		t.Fatalf("expected load errors to be backend failures, got %v", err)
	}

	if _, err := (Loader{}).Load(context.Background(), filepath.Join(t.TempDir(), "missing.gguf"), backend.Options{}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadHonorsCancelledContext(t *testing.T) {
	t.Parallel()
	path := reftest.Loop().Write(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Loader{}).Load(ctx, path, backend.Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// favored returns the highest scoring token id.
func favored(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
