package gguf

import "fmt"

// Summary is the model card shown by inspect and list.
type Summary struct {
	Path          string `json:"path"`
	Version       uint32 `json:"version"`
	Arch          string `json:"arch"`
	Name          string `json:"name,omitempty"`
	FileType      string `json:"file_type,omitempty"`
	ContextLength uint64 `json:"context_length,omitempty"`
	EmbeddingSize uint64 `json:"embedding_length,omitempty"`
	Layers        uint64 `json:"block_count,omitempty"`
	VocabSize     int    `json:"vocab_size"`
	Tensors       int    `json:"tensors"`
	Params        uint64 `json:"params"`
	BOS           int64  `json:"bos_token_id"`
	EOS           int64  `json:"eos_token_id"`
}

// llama.cpp's general.file_type values.
var fileTypes = map[uint64]string{
	0: "F32", 1: "F16", 2: "Q4_0", 3: "Q4_1", 7: "Q8_0", 8: "Q5_0", 9: "Q5_1",
	10: "Q2_K", 11: "Q3_K_S", 12: "Q3_K_M", 13: "Q3_K_L", 14: "Q4_K_S",
	15: "Q4_K_M", 16: "Q5_K_S", 17: "Q5_K_M", 18: "Q6_K", 32: "BF16",
}

// Summarize extracts the commonly displayed metadata from f.
func Summarize(f *File) Summary {
	s := Summary{
		Path:      f.Path,
		Version:   f.Version,
		Tensors:   len(f.Tensors),
		VocabSize: max(0, f.Meta.Len("tokenizer.ggml.tokens")),
		BOS:       -1,
		EOS:       -1,
	}
	s.Arch, _ = f.Meta.String("general.architecture")
	s.Name, _ = f.Meta.String("general.name")
	if ft, ok := f.Meta.Uint("general.file_type"); ok {
		if name, ok := fileTypes[ft]; ok {
			s.FileType = name
		} else {
			s.FileType = fmt.Sprintf("type(%d)", ft)
		}
	}
	if s.Arch != "" {
		s.ContextLength, _ = f.Meta.Uint(s.Arch + ".context_length")
		s.EmbeddingSize, _ = f.Meta.Uint(s.Arch + ".embedding_length")
		s.Layers, _ = f.Meta.Uint(s.Arch + ".block_count")
	}
	if v, ok := f.Meta.Int("tokenizer.ggml.bos_token_id"); ok {
		s.BOS = v
	}
	if v, ok := f.Meta.Int("tokenizer.ggml.eos_token_id"); ok {
		s.EOS = v
	}
	for _, t := range f.Tensors {
		s.Params += t.Elements()
	}
	return s
}

// Peek opens path, summarizes it and closes it again.
func Peek(path string) (Summary, error) {
	f, err := Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer func() { _ = f.Close() }()
	return Summarize(f), nil
}

// HumanCount renders a parameter count like 7.2B or 125M.
func HumanCount(n uint64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.0fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.0fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}
