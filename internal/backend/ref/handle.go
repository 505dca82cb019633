package ref

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/llamarun/internal/backend"
	"github.com/samcharles93/llamarun/internal/gguf"
	"github.com/samcharles93/llamarun/internal/logger"
)

const defaultBatchSize = 512

var errClosed = errors.New("handle is closed")

// Loader opens bigram GGUF files.
type Loader struct {
	Log logger.Logger
}

func (Loader) Name() string { return backend.Ref }

// Load reads the model at path and binds it to a fresh context window.
func (l Loader) Load(ctx context.Context, path string, opts backend.Options) (backend.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := gguf.Open(path)
	if err != nil {
		return nil, backend.Fail("load", err)
	}
	defer func() { _ = f.Close() }()

	m, err := ReadModel(f)
	if err != nil {
		return nil, backend.Fail("load", fmt.Errorf("%s: %w", path, err))
	}
	h, err := NewHandle(m, opts)
	if err != nil {
		return nil, backend.Fail("load", err)
	}
	log := l.Log
	if log == nil {
		log = logger.Discard()
	}
	info := h.Info()
	log.Debug("model loaded", "path", path, "arch", Arch, "vocab", info.VocabSize, "ctx", info.ContextSize, "batch", info.BatchSize, "threads", info.Threads, "mapped", f.Mapped())
	return h, nil
}

// Handle evaluates batches for one context window.
type Handle struct {
	mu        sync.Mutex
	model     *Model
	opts      backend.Options
	committed []int
	closed    bool
}

// NewHandle binds m to a context window. Zero options take the model's
// training context, a 512 entry batch and one thread per CPU.
func NewHandle(m *Model, opts backend.Options) (*Handle, error) {
	if opts.ContextSize <= 0 {
		opts.ContextSize = m.TrainContext
	}
	if opts.ContextSize <= 0 {
		return nil, errors.New("context size must be > 0")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}
	return &Handle{
		model:     m,
		opts:      opts,
		committed: make([]int, 0, opts.ContextSize),
	}, nil
}

// Submit commits the batch entries at their positions and returns scores
// for the entries that asked for them. Positions must continue the window
// without gaps. A rejected batch leaves the window unchanged.
func (h *Handle) Submit(ctx context.Context, b backend.Batch) (map[int][]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errClosed
	}
	if b.Len() > h.opts.BatchSize {
		return nil, fmt.Errorf("batch of %d exceeds capacity %d", b.Len(), h.opts.BatchSize)
	}

	base := len(h.committed)
	vocab := h.model.Vocab.Size()
	for i, e := range b.Entries {
		want := base + i
		switch {
		case e.Pos != want:
			h.committed = h.committed[:base]
			return nil, fmt.Errorf("entry %d at position %d, expected %d", i, e.Pos, want)
		case e.Pos >= h.opts.ContextSize:
			h.committed = h.committed[:base]
			return nil, fmt.Errorf("position %d outside context of %d", e.Pos, h.opts.ContextSize)
		case e.Token < 0 || e.Token >= vocab:
			h.committed = h.committed[:base]
			return nil, fmt.Errorf("token %d outside vocabulary of %d", e.Token, vocab)
		}
		h.committed = append(h.committed, e.Token)
	}

	requested := b.Requested()
	rows := make([][]float32, len(requested))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.Threads)
	for i, pos := range requested {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row := make([]float32, vocab)
			h.model.Row(h.committed[pos], row)
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.committed = h.committed[:base]
		return nil, err
	}

	out := make(map[int][]float32, len(requested))
	for i, pos := range requested {
		out[pos] = rows[i]
	}
	return out, nil
}

func (h *Handle) Tokenize(text string, addBOS bool) ([]int, error) {
	return h.model.Vocab.Encode(text, addBOS)
}

func (h *Handle) Detokenize(tokens []int) (string, error) {
	return h.model.Vocab.Decode(tokens)
}

func (h *Handle) IsEndOfSequence(token int) bool {
	return token >= 0 && token == h.model.Vocab.eos
}

// Evict drops n committed positions starting at start and shifts the rest
// down. A bigram model has no positional state, so shifting is exact.
func (h *Handle) Evict(start, n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errClosed
	}
	if start < 0 || n < 0 || start+n > len(h.committed) {
		return fmt.Errorf("evict [%d,%d) outside %d committed positions", start, start+n, len(h.committed))
	}
	h.committed = append(h.committed[:start], h.committed[start+n:]...)
	return nil
}

func (h *Handle) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errClosed
	}
	h.committed = h.committed[:0]
	return nil
}

// Committed returns how many positions are filled.
func (h *Handle) Committed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.committed)
}

func (h *Handle) Info() backend.Info {
	return backend.Info{
		Backend:      backend.Ref,
		Arch:         Arch,
		Name:         h.model.Name,
		VocabSize:    h.model.Vocab.Size(),
		ContextSize:  h.opts.ContextSize,
		TrainContext: h.model.TrainContext,
		BatchSize:    h.opts.BatchSize,
		Threads:      h.opts.Threads,
		BOS:          h.model.Vocab.bos,
		EOS:          h.model.Vocab.eos,
	}
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.committed = nil
	return nil
}
