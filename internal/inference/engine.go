// Package inference runs generation sessions against a loaded backend
// handle: prompt evaluation, then token by token decoding until a stop
// condition.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/llamarun/internal/backend"
	"github.com/samcharles93/llamarun/internal/logger"
	"github.com/samcharles93/llamarun/internal/logits"
	"github.com/samcharles93/llamarun/internal/scheduler"
	"github.com/samcharles93/llamarun/internal/scores"
	"github.com/samcharles93/llamarun/internal/sequence"
)

var ErrClosed = errors.New("engine is closed")

// Observer receives generation events. Implementations must be safe for
// concurrent use when several engines share one.
type Observer interface {
	PromptEvaluated(tokens int, took time.Duration)
	StepDecoded(took time.Duration)
	Evicted(tokens int)
	Stopped(reason StopReason, generated int)
}

type nopObserver struct{}

func (nopObserver) PromptEvaluated(int, time.Duration) {}
func (nopObserver) StepDecoded(time.Duration)          {}
func (nopObserver) Evicted(int)                        {}
func (nopObserver) Stopped(StopReason, int)            {}

// Config tunes an Engine. The zero value is usable.
type Config struct {
	Logger   logger.Logger
	Observer Observer
	// BatchSize caps entries per backend call. Zero uses the handle's size.
	BatchSize int
}

// Engine owns one backend handle and runs at most one session on it at a
// time.
type Engine struct {
	handle backend.Handle
	log    logger.Logger
	obs    Observer
	batch  int

	// sem is held by the session currently driving the handle.
	sem chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewEngine takes ownership of h; Close closes it.
func NewEngine(h backend.Handle, cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Engine{
		handle: h,
		log:    log,
		obs:    obs,
		batch:  cfg.BatchSize,
		sem:    make(chan struct{}, 1),
	}
}

// Info describes the loaded model.
func (e *Engine) Info() backend.Info { return e.handle.Info() }

// Start validates req, tokenizes the prompt and returns an idle session.
// Nothing is evaluated until the session's fragments are pulled.
func (e *Engine) Start(ctx context.Context, req Request) (*Session, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if e.isClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info := e.handle.Info()
	store, err := sequence.New(info.ContextSize, req.Eviction)
	if err != nil {
		return nil, &ConfigError{Field: "eviction", Reason: err.Error()}
	}

	var prompt []int
	err = backend.Guard("tokenize", func() error {
		var err error
		prompt, err = e.handle.Tokenize(req.Prompt, req.AddBOS)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	if len(prompt) == 0 {
		return nil, &ConfigError{Field: "prompt", Reason: "produced no tokens"}
	}
	if err := store.SetPrompt(prompt); err != nil {
		return nil, fmt.Errorf("prompt of %d tokens: %w", len(prompt), err)
	}

	seed := req.Seed
	if seed < 0 {
		seed = logits.EntropySeed()
	}
	id := uuid.NewString()
	gate := scores.NewGate()
	log := e.log.With("session", id)
	return &Session{
		id:      id,
		ctx:     ctx,
		engine:  e,
		req:     req,
		seed:    seed,
		prompt:  prompt,
		store:   store,
		gate:    gate,
		sched:   scheduler.New(e.handle, gate, e.batch, log),
		sampler: logits.NewSampler(req.SamplerConfig(seed)),
		log:     log,
	}, nil
}

// Generate runs req to completion, passing each fragment to stream. The
// result is returned even when the session failed.
func (e *Engine) Generate(ctx context.Context, req Request, stream StreamFunc) (*Result, error) {
	s, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	for frag := range s.Fragments() {
		if stream != nil {
			stream(frag)
		}
	}
	res := s.Result()
	return &res, s.Err()
}

// Close waits for the running session to finish and releases the handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.sem <- struct{}{}
	defer func() { <-e.sem }()
	return backend.Guard("close", e.handle.Close)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.isClosed() {
		<-e.sem
		return ErrClosed
	}
	return nil
}

func (e *Engine) release() { <-e.sem }

// detokenize decodes one token, recovering backend panics.
func (e *Engine) detokenize(token int) (string, error) {
	var frag string
	err := backend.Guard("detokenize", func() error {
		var err error
		frag, err = e.handle.Detokenize([]int{token})
		return err
	})
	return frag, err
}

func (e *Engine) isEOS(token int) (bool, error) {
	var eos bool
	err := backend.Guard("eos", func() error {
		eos = e.handle.IsEndOfSequence(token)
		return nil
	})
	return eos, err
}
