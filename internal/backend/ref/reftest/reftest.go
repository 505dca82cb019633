// Package reftest builds tiny bigram GGUF models for tests.
package reftest

import (
	"path/filepath"
	"testing"

	"github.com/samcharles93/llamarun/internal/gguf"
)

// Strength is the score given to a token's favored successor. Every other
// successor scores zero.
const Strength = 8

// Model describes a bigram model by its vocabulary and favored successors.
type Model struct {
	Name    string
	Tokens  []string
	BOS     int
	EOS     int
	Unknown int
	Context int
	// Next maps a token to the token it should be followed by.
	Next map[string]string
	F16  bool
}

// France answers "The capital of France is" with "Paris", then ".", then
// end of sequence.
func France() Model {
	return Model{
		Name:    "france",
		Tokens:  []string{"<s>", "</s>", "<unk>", "▁The", "▁capital", "▁of", "▁France", "▁is", "Paris", "."},
		BOS:     0,
		EOS:     1,
		Unknown: 2,
		Context: 64,
		Next: map[string]string{
			"<s>":      "▁The",
			"▁The":     "▁capital",
			"▁capital": "▁of",
			"▁of":      "▁France",
			"▁France":  "▁is",
			"▁is":      "Paris",
			"Paris":    ".",
			".":        "</s>",
		},
	}
}

// Loop counts "▁a ▁b ▁c" forever and never ends the sequence.
func Loop() Model {
	return Model{
		Name:    "loop",
		Tokens:  []string{"<s>", "</s>", "<unk>", "▁a", "▁b", "▁c"},
		BOS:     0,
		EOS:     1,
		Unknown: 2,
		Context: 512,
		Next: map[string]string{
			"<s>": "▁a",
			"▁a":  "▁b",
			"▁b":  "▁c",
			"▁c":  "▁a",
		},
	}
}

// ID returns the id of tok, or -1.
func (m Model) ID(tok string) int {
	for i, t := range m.Tokens {
		if t == tok {
			return i
		}
	}
	return -1
}

// Weights returns the row-major [vocab, vocab] score table.
func (m Model) Weights() []float32 {
	n := len(m.Tokens)
	w := make([]float32, n*n)
	for from, to := range m.Next {
		i, j := m.ID(from), m.ID(to)
		if i < 0 || j < 0 {
			continue
		}
		w[i*n+j] = Strength
	}
	return w
}

// Write encodes the model as model.gguf inside dir and returns its path.
func (m Model) Write(tb testing.TB, dir string) string {
	tb.Helper()
	path := filepath.Join(dir, "model.gguf")
	if err := m.WriteFile(path); err != nil {
		tb.Fatalf("write model: %v", err)
	}
	return path
}

// WriteFile encodes the model at path.
func (m Model) WriteFile(path string) error {
	w := gguf.NewWriter()
	n := uint64(len(m.Tokens))
	kv := []struct {
		key string
		val any
	}{
		{"general.architecture", "bigram"},
		{"general.name", m.Name},
		{"general.file_type", uint32(0)},
		{"bigram.context_length", uint32(m.Context)},
		{"bigram.vocab_size", uint32(n)},
		{"tokenizer.ggml.model", "llama"},
		{"tokenizer.ggml.tokens", m.Tokens},
	}
	for _, e := range kv {
		if err := w.Set(e.key, e.val); err != nil {
			return err
		}
	}
	for key, id := range map[string]int{
		"tokenizer.ggml.bos_token_id":     m.BOS,
		"tokenizer.ggml.eos_token_id":     m.EOS,
		"tokenizer.ggml.unknown_token_id": m.Unknown,
	} {
		if id < 0 {
			continue
		}
		if err := w.Set(key, uint32(id)); err != nil {
			return err
		}
	}
	add := w.AddF32
	if m.F16 {
		add = w.AddF16
	}
	if err := add("output.weight", []uint64{n, n}, m.Weights()); err != nil {
		return err
	}
	return w.WriteFile(path)
}
