package inference

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/llamarun/internal/backend"
	"github.com/samcharles93/llamarun/internal/logger"
	"github.com/samcharles93/llamarun/internal/logits"
	"github.com/samcharles93/llamarun/internal/scheduler"
	"github.com/samcharles93/llamarun/internal/scores"
	"github.com/samcharles93/llamarun/internal/sequence"
)

// Session is one generation over an engine's handle. Fragments may be
// pulled once; Cancel and the accessors are safe from any goroutine.
type Session struct {
	id      string
	ctx     context.Context
	engine  *Engine
	req     Request
	seed    int64
	prompt  []int
	store   *sequence.Store
	gate    *scores.Gate
	sched   *scheduler.Scheduler
	sampler *logits.Sampler
	log     logger.Logger

	cancelled atomic.Bool
	pulled    atomic.Bool

	mu     sync.Mutex
	state  State
	reason StopReason
	err    error
	text   strings.Builder
	tokens []int
	stats  Stats
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Seed returns the seed the sampler was created with.
func (s *Session) Seed() int64 { return s.seed }

// PromptTokens returns the tokenized prompt.
func (s *Session) PromptTokens() []int { return append([]int(nil), s.prompt...) }

// Cancel asks the session to stop before its next step.
func (s *Session) Cancel() { s.cancelled.Store(true) }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the stop reason, or "" while the session is running.
func (s *Session) Reason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns the error that failed the session, if any. Cancellation and
// the other normal stop reasons are not errors.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Result returns everything generated so far.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{
		Session: s.id,
		Text:    s.text.String(),
		Tokens:  append([]int(nil), s.tokens...),
		Reason:  s.reason,
		Seed:    s.seed,
		Stats:   s.stats,
	}
}

// Fragments returns the decoded text of each generated token, in order.
// The first pull evaluates the prompt. The next step does not start until
// the consumer has taken the previous fragment; breaking out of the loop
// stops the session as Cancelled. A second range over the sequence yields
// nothing.
func (s *Session) Fragments() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !s.pulled.CompareAndSwap(false, true) {
			return
		}
		s.run(yield)
	}
}

func (s *Session) run(yield func(string) bool) {
	if err := s.engine.acquire(s.ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			s.fail(err)
		} else {
			s.stop(Cancelled)
		}
		return
	}
	defer s.engine.release()

	if !s.evaluatePrompt() {
		return
	}

	decodeStart := time.Now()
	var consumer time.Duration
	defer func() {
		s.mu.Lock()
		s.stats.Decode = time.Since(decodeStart) - consumer
		s.mu.Unlock()
	}()

	pos := len(s.prompt) - 1
	pending := -1
	for {
		if s.cancelled.Load() || s.ctx.Err() != nil {
			s.stop(Cancelled)
			return
		}

		if pending >= 0 {
			start := time.Now()
			if err := s.sched.Submit(s.ctx, scheduler.Step(pending, pos)); err != nil {
				s.submitFailed(err)
				return
			}
			s.engine.obs.StepDecoded(time.Since(start))
		}

		vec, err := s.gate.Scores(pos)
		if err != nil {
			s.log.Error("scores unavailable", "pos", pos, "error", err)
			s.fail(err)
			return
		}
		tok, err := s.sampler.Sample(vec, s.history())
		if err != nil {
			s.fail(err)
			return
		}

		eos, err := s.engine.isEOS(tok)
		if err != nil {
			s.fail(err)
			return
		}
		if eos {
			s.stop(EndOfSequence)
			return
		}

		span, err := s.store.Append(tok)
		if errors.Is(err, sequence.ErrCapacityExceeded) {
			s.stop(ContextFull)
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
		if !span.Empty() && !s.evict(span) {
			return
		}

		frag, err := s.engine.detokenize(tok)
		if err != nil {
			s.fail(err)
			return
		}

		s.mu.Lock()
		if s.state == PromptEval {
			s.state = Decoding
		}
		s.text.WriteString(frag)
		s.tokens = append(s.tokens, tok)
		s.stats.Generated++
		generated := s.stats.Generated
		s.mu.Unlock()

		handedOff := time.Now()
		more := yield(frag)
		consumer += time.Since(handedOff)
		if !more {
			s.stop(Cancelled)
			return
		}
		if generated >= s.req.MaxTokens {
			s.stop(LengthLimit)
			return
		}

		pending = tok
		pos = s.store.Position() - 1
	}
}

// history returns up to RepeatLastN of the most recent generated tokens.
// Prompt tokens are never penalized. Only the decode goroutine appends to
// s.tokens, so it reads them without the lock.
func (s *Session) history() []int {
	n := s.req.RepeatLastN
	if n <= 0 {
		return nil
	}
	return s.tokens[max(0, len(s.tokens)-n):]
}

// evaluatePrompt resets the handle and submits the whole prompt, asking for
// scores at its last position only.
func (s *Session) evaluatePrompt() bool {
	s.setState(PromptEval)
	if err := backend.Guard("reset", s.engine.handle.Reset); err != nil {
		s.fail(err)
		return false
	}

	start := time.Now()
	if err := s.sched.Submit(s.ctx, scheduler.Prompt(s.prompt, 0)); err != nil {
		s.submitFailed(err)
		return false
	}
	took := time.Since(start)

	s.mu.Lock()
	s.stats.PromptTokens = len(s.prompt)
	s.stats.PromptEval = took
	s.mu.Unlock()

	s.engine.obs.PromptEvaluated(len(s.prompt), took)
	s.log.Debug("prompt evaluated", "tokens", len(s.prompt), "batches", s.sched.Calls(), "took", took)
	return true
}

// evict mirrors a span dropped from the store into the backend.
func (s *Session) evict(span sequence.Span) bool {
	err := backend.Guard("evict", func() error {
		return s.engine.handle.Evict(span.Start, span.Len)
	})
	if err != nil {
		s.fail(err)
		return false
	}
	s.mu.Lock()
	s.stats.Evicted += span.Len
	s.mu.Unlock()
	s.engine.obs.Evicted(span.Len)
	s.log.Debug("context shifted", "start", span.Start, "dropped", span.Len, "total_evicted", s.store.Evicted())
	return true
}

// submitFailed treats an error caused by the session's own context as a
// cancellation.
func (s *Session) submitFailed(err error) {
	if s.ctx.Err() != nil {
		s.stop(Cancelled)
		return
	}
	s.fail(err)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.stop(Failed)
}

func (s *Session) stop(reason StopReason) {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.state = Stopped
	s.reason = reason
	generated := s.stats.Generated
	err := s.err
	s.mu.Unlock()

	s.engine.obs.Stopped(reason, generated)
	if err != nil {
		s.log.Error("generation failed", "error", err, "generated", generated)
		return
	}
	s.log.Debug("generation stopped", "reason", string(reason), "generated", generated)
}
