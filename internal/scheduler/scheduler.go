// Package scheduler turns prompt and decode steps into backend batches.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/samcharles93/llamarun/internal/backend"
	"github.com/samcharles93/llamarun/internal/logger"
	"github.com/samcharles93/llamarun/internal/scores"
)

// Prompt builds the prompt batch: every token starting at position start,
// with scores requested only for the final position.
func Prompt(tokens []int, start int) backend.Batch {
	entries := make([]backend.Entry, len(tokens))
	for i, tok := range tokens {
		entries[i] = backend.Entry{Token: tok, Pos: start + i}
	}
	if n := len(entries); n > 0 {
		entries[n-1].Scores = true
	}
	return backend.Batch{Entries: entries}
}

// Step builds a single-token decode batch that always requests scores.
func Step(token, pos int) backend.Batch {
	return backend.Batch{Entries: []backend.Entry{{Token: token, Pos: pos, Scores: true}}}
}

// Split chunks b into batches of at most capacity entries. Entry order and
// score requests are preserved. A capacity <= 0 returns b unchanged.
func Split(b backend.Batch, capacity int) []backend.Batch {
	if capacity <= 0 || len(b.Entries) <= capacity {
		return []backend.Batch{b}
	}
	out := make([]backend.Batch, 0, (len(b.Entries)+capacity-1)/capacity)
	for i := 0; i < len(b.Entries); i += capacity {
		end := min(i+capacity, len(b.Entries))
		out = append(out, backend.Batch{Entries: b.Entries[i:end]})
	}
	return out
}

// Scheduler submits batches to one backend handle and publishes the
// returned scores through a gate. Submissions are serialized.
type Scheduler struct {
	mu       sync.Mutex
	handle   backend.Handle
	gate     *scores.Gate
	capacity int
	vocab    int
	log      logger.Logger
	calls    int
}

// New returns a scheduler for h. A batchCapacity <= 0 uses the handle's
// reported batch size.
func New(h backend.Handle, gate *scores.Gate, batchCapacity int, log logger.Logger) *Scheduler {
	info := h.Info()
	if batchCapacity <= 0 {
		batchCapacity = info.BatchSize
	}
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		handle:   h,
		gate:     gate,
		capacity: batchCapacity,
		vocab:    info.VocabSize,
		log:      log,
	}
}

// Capacity returns the largest batch sent in one backend call.
func (s *Scheduler) Capacity() int { return s.capacity }

// Calls returns how many backend submit calls have been made.
func (s *Scheduler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// check rejects a score vector of the wrong length or one holding NaN or
// +Inf. -Inf is a valid mask. A vocab of 0 skips the length check.
func (s *Scheduler) check(pos int, vec []float32) error {
	if s.vocab > 0 && len(vec) != s.vocab {
		return fmt.Errorf("scores for position %d have %d entries, vocabulary has %d", pos, len(vec), s.vocab)
	}
	for i, v := range vec {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 1) {
			return fmt.Errorf("score %d at position %d is %v", i, pos, v)
		}
	}
	return nil
}

// Submit evaluates b as one logical step. Oversized batches are split; the
// scores of every chunk are installed in the gate together once all chunks
// succeed. Any backend error, and any missing or malformed score vector, is
// returned as a *backend.Failure.
func (s *Scheduler) Submit(ctx context.Context, b backend.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	requested := b.Requested()
	s.gate.Begin(requested)
	if b.Len() == 0 {
		return nil
	}

	chunks := Split(b, s.capacity)
	merged := make(map[int][]float32, len(requested))
	for i, chunk := range chunks {
		var out map[int][]float32
		err := backend.Guard("submit", func() error {
			var err error
			out, err = s.handle.Submit(ctx, chunk)
			return err
		})
		s.calls++
		if err != nil {
			return fmt.Errorf("chunk %d/%d at position %d: %w", i+1, len(chunks), chunk.Entries[0].Pos, err)
		}
		want := chunk.Requested()
		for _, pos := range want {
			vec, ok := out[pos]
			if !ok || len(vec) == 0 {
				return &backend.Failure{Op: "submit", Err: fmt.Errorf("no scores returned for requested position %d", pos)}
			}
			if err := s.check(pos, vec); err != nil {
				return &backend.Failure{Op: "submit", Err: err}
			}
			merged[pos] = vec
		}
		if extra := len(out) - len(want); extra > 0 {
			s.log.Debug("dropping unrequested scores", "chunk", i+1, "extra", extra)
		}
	}

	for _, pos := range requested {
		if err := s.gate.Install(pos, merged[pos]); err != nil {
			return err
		}
	}
	if len(chunks) > 1 {
		s.log.Debug("split batch", "entries", b.Len(), "chunks", len(chunks), "capacity", s.capacity)
	}
	return nil
}
