package backend

import (
	"context"
	"fmt"
	"strings"
)

const (
	Ref  = "ref"
	Auto = "auto"
)

// Options are passed through to the backend when a model is loaded.
type Options struct {
	ContextSize int
	Threads     int
	BatchSize   int
}

// Info describes a loaded model handle.
type Info struct {
	Backend      string
	Arch         string
	Name         string
	VocabSize    int
	ContextSize  int
	TrainContext int
	BatchSize    int
	Threads      int
	BOS          int
	EOS          int
}

// Entry is one token placed at a position, optionally asking for the
// score vector the model predicts from that position.
type Entry struct {
	Token  int
	Pos    int
	Scores bool
}

// Batch is an ordered submission of entries.
type Batch struct {
	Entries []Entry
}

// Len returns the number of entries in the batch.
func (b Batch) Len() int { return len(b.Entries) }

// Requested returns the positions whose scores the batch asks for, in order.
func (b Batch) Requested() []int {
	var out []int
	for _, e := range b.Entries {
		if e.Scores {
			out = append(out, e.Pos)
		}
	}
	return out
}

// Handle is a loaded model bound to a single context window.
// A handle is not safe for concurrent Submit calls; callers serialize.
type Handle interface {
	// Submit evaluates the batch and returns score vectors keyed by position
	// for every entry that requested them.
	Submit(ctx context.Context, batch Batch) (map[int][]float32, error)
	Tokenize(text string, addBOS bool) ([]int, error)
	Detokenize(tokens []int) (string, error)
	IsEndOfSequence(token int) bool
	// Evict removes n positions starting at start and shifts later
	// positions down by n.
	Evict(start, n int) error
	// Reset clears all committed positions.
	Reset() error
	Info() Info
	Close() error
}

// Loader opens model files for one backend implementation.
type Loader interface {
	Name() string
	Load(ctx context.Context, path string, opts Options) (Handle, error)
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Ref, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto or ref)", backend)
	}
}
