// Package ref is a pure-Go backend for small GGUF bigram models. It
// exists so the engine can run end to end without native libraries, and
// it enforces the same batch contract a full runtime would.
package ref

import (
	"errors"
	"fmt"

	"github.com/samcharles93/llamarun/internal/backend"
	"github.com/samcharles93/llamarun/internal/gguf"
)

// Arch is the general.architecture value this backend evaluates.
const Arch = "bigram"

// Model is a next-token table: the scores predicted after token t are row
// t of Weight plus Bias.
type Model struct {
	Name         string
	Vocab        *Vocab
	Weight       []float32
	Bias         []float32
	TrainContext int
}

// ReadModel loads a bigram model from an open GGUF file.
func ReadModel(f *gguf.File) (*Model, error) {
	arch, err := f.Meta.Require("general.architecture")
	if err != nil {
		return nil, err
	}
	if arch != Arch {
		return nil, fmt.Errorf("%w %q: the ref backend only evaluates %q models", backend.ErrUnsupportedArch, arch, Arch)
	}

	tokens, ok := gguf.Array[string](f.Meta, "tokenizer.ggml.tokens")
	if !ok {
		return nil, errors.New("missing tokenizer.ggml.tokens")
	}
	special := func(key string) int {
		if v, ok := f.Meta.Int(key); ok {
			return int(v)
		}
		return -1
	}
	vocab, err := newVocab(tokens,
		special("tokenizer.ggml.bos_token_id"),
		special("tokenizer.ggml.eos_token_id"),
		special("tokenizer.ggml.unknown_token_id"))
	if err != nil {
		return nil, err
	}

	n := vocab.Size()
	weight, info, err := f.ReadF32("output.weight")
	if err != nil {
		return nil, err
	}
	if len(info.Dims) != 2 || info.Dims[0] != uint64(n) || info.Dims[1] != uint64(n) {
		return nil, fmt.Errorf("output.weight has dims %v, want [%d %d]", info.Dims, n, n)
	}

	m := &Model{Vocab: vocab, Weight: weight}
	if _, ok := f.Tensor("output.bias"); ok {
		bias, info, err := f.ReadF32("output.bias")
		if err != nil {
			return nil, err
		}
		if info.Elements() != uint64(n) {
			return nil, fmt.Errorf("output.bias has %d values, want %d", info.Elements(), n)
		}
		m.Bias = bias
	}
	m.Name, _ = f.Meta.String("general.name")
	if c, ok := f.Meta.Uint(Arch + ".context_length"); ok {
		m.TrainContext = int(c)
	}
	return m, nil
}

// Row writes the scores predicted after token into dst.
func (m *Model) Row(token int, dst []float32) {
	n := m.Vocab.Size()
	copy(dst, m.Weight[token*n:(token+1)*n])
	for i, b := range m.Bias {
		dst[i] += b
	}
}
