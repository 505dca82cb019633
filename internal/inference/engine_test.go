package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/llamarun/internal/backend"
	"github.com/samcharles93/llamarun/internal/backend/ref/reftest"
	"github.com/samcharles93/llamarun/internal/logger"
	"github.com/samcharles93/llamarun/internal/scores"
	"github.com/samcharles93/llamarun/internal/sequence"
)

func loadEngine(t *testing.T, m reftest.Model, opts backend.Options) *Engine {
	t.Helper()
	path := m.Write(t, t.TempDir())
	res, err := Loader{Backend: "ref", Options: opts, Logger: logger.Discard()}.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = res.Engine.Close() })
	return res.Engine
}

func greedy(prompt string, maxTokens int) Request {
	return Request{
		Prompt:        prompt,
		MaxTokens:     maxTokens,
		Seed:          1,
		Temperature:   0,
		TopP:          1,
		RepeatPenalty: 1,
		AddBOS:        true,
	}
}

// fakeHandle predicts next(token) with score 1 and everything else floor.
type fakeHandle struct {
	mu        sync.Mutex
	floor     float32
	vocab     int
	eos       int
	ctxSize   int
	next      func(int) int
	committed int
	submits   int
	tokenizes int
	failAt    int
	panicAt   int
	omit      bool
}

func newFake() *fakeHandle {
	return &fakeHandle{
		vocab:   16,
		eos:     15,
		ctxSize: 64,
		next:    func(t int) int { return (t + 1) % 10 },
	}
}

func (f *fakeHandle) Submit(_ context.Context, b backend.Batch) (map[int][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submits == f.failAt {
		return nil, errors.New("device lost")
	}
	if f.submits == f.panicAt {
		panic("kernel exploded")
	}
	out := make(map[int][]float32)
	for _, e := range b.Entries {
		if e.Pos != f.committed {
			return nil, fmt.Errorf("position %d, expected %d", e.Pos, f.committed)
		}
		f.committed++
		if e.Scores && !f.omit {
			vec := make([]float32, f.vocab)
			for i := range vec {
				vec[i] = f.floor
			}
			vec[f.next(e.Token)] = 1
			out[e.Pos] = vec
		}
	}
	return out, nil
}

func (f *fakeHandle) Tokenize(text string, addBOS bool) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenizes++
	var ids []int
	if addBOS {
		ids = append(ids, 0)
	}
	for range strings.Fields(text) {
		ids = append(ids, 1)
	}
	return ids, nil
}

func (f *fakeHandle) Detokenize(tokens []int) (string, error) {
	var sb strings.Builder
	for _, t := range tokens {
		fmt.Fprintf(&sb, "<%d>", t)
	}
	return sb.String(), nil
}

func (f *fakeHandle) IsEndOfSequence(t int) bool { return t == f.eos }

func (f *fakeHandle) Evict(start, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed -= n
	return nil
}

func (f *fakeHandle) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = 0
	return nil
}

func (f *fakeHandle) Info() backend.Info {
	return backend.Info{Backend: "fake", VocabSize: f.vocab, ContextSize: f.ctxSize, BatchSize: 8, EOS: f.eos}
}

func (f *fakeHandle) Close() error { return nil }

func (f *fakeHandle) calls() (submits, tokenizes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.tokenizes
}

func fakeEngine(f *fakeHandle) *Engine {
	return NewEngine(f, Config{Logger: logger.Discard()})
}

func TestGreedyAnswersParis(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.France(), backend.Options{})

	var frags []string
	res, err := e.Generate(context.Background(), greedy("The capital of France is", 1), func(s string) {
		frags = append(frags, s)
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "Paris" || len(frags) != 1 || frags[0] != "Paris" {
		t.Fatalf("text=%q frags=%q", res.Text, frags)
	}
	if res.Reason != LengthLimit {
		t.Fatalf("reason=%s", res.Reason)
	}
	if res.Stats.PromptTokens != 6 || res.Stats.Generated != 1 {
		t.Fatalf("stats=%+v", res.Stats)
	}
}

func TestGenerateStopsAtEndOfSequence(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.France(), backend.Options{})

	res, err := e.Generate(context.Background(), greedy("The capital of France is", 50), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "Paris." || res.Reason != EndOfSequence || len(res.Tokens) != 2 {
		t.Fatalf("got %+v", res)
	}
}

func TestGreedyIgnoresSeed(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.Loop(), backend.Options{})
	var texts []string
	for _, seed := range []int64{1, 2, 99, -1} {
		req := greedy("a", 9)
		req.Seed = seed
		res, err := e.Generate(context.Background(), req, nil)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		texts = append(texts, res.Text)
	}
	for _, got := range texts {
		if got != " b c a b c a b c a" {
			t.Fatalf("texts=%q", texts)
		}
	}
}

func TestRepeatPenaltyOnlySeesGeneratedTokens(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.floor = 0.5
	f.next = func(t int) int { return t }
	e := fakeEngine(f)

	// The prompt is [0 1] and every step favors repeating the last token.
	// Token 1 is not penalized until it has been generated; then it falls
	// to 1/3 and the lowest id still at 0.5 wins.
	req := Request{Prompt: "a", MaxTokens: 2, Seed: 1, Temperature: 1, TopK: 1, TopP: 1, RepeatPenalty: 3, RepeatLastN: 64, AddBOS: true}
	res, err := e.Generate(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Tokens) != 2 || res.Tokens[0] != 1 || res.Tokens[1] != 0 {
		t.Fatalf("tokens=%v want [1 0]", res.Tokens)
	}
}

func TestDecodeTimeExcludesConsumer(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.France(), backend.Options{})

	const pause = 40 * time.Millisecond
	start := time.Now()
	res, err := e.Generate(context.Background(), greedy("The capital of France is", 50), func(string) {
		time.Sleep(pause)
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Stats.Generated != 2 || time.Since(start) < 2*pause {
		t.Fatalf("stats=%+v", res.Stats)
	}
	if res.Stats.Decode >= pause {
		t.Fatalf("decode=%s includes consumer time", res.Stats.Decode)
	}
}

func TestMaxTokensZeroIsRejectedBeforeBackend(t *testing.T) {
	t.Parallel()
	f := newFake()
	e := fakeEngine(f)

	_, err := e.Start(context.Background(), greedy("hello", 0))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "max_tokens" {
		t.Fatalf("expected max_tokens ConfigError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if submits, tokenizes := f.calls(); submits != 0 || tokenizes != 0 {
		t.Fatalf("backend touched: submits=%d tokenizes=%d", submits, tokenizes)
	}
}

func TestFullPromptStopsWithContextFull(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.France(), backend.Options{ContextSize: 4})

	s, err := e.Start(context.Background(), greedy("The capital of", 10))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(s.PromptTokens()) != 4 {
		t.Fatalf("prompt tokens=%v", s.PromptTokens())
	}
	var n int
	for range s.Fragments() {
		n++
	}
	if n != 0 {
		t.Fatalf("emitted %d fragments", n)
	}
	if s.Reason() != ContextFull || s.Err() != nil {
		t.Fatalf("reason=%s err=%v", s.Reason(), s.Err())
	}
	if st := s.Stats(); st.PromptTokens != 4 || st.Generated != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestPromptLongerThanContextIsRejected(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.France(), backend.Options{ContextSize: 3})
	_, err := e.Start(context.Background(), greedy("The capital of France", 10))
	if !errors.Is(err, sequence.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestCancelAfterThreeFragments(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.Loop(), backend.Options{})

	s, err := e.Start(context.Background(), greedy("a", 100))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	var got []string
	for frag := range s.Fragments() {
		got = append(got, frag)
		if len(got) == 3 {
			s.Cancel()
		}
	}
	if len(got) != 3 {
		t.Fatalf("delivered %d fragments: %q", len(got), got)
	}
	res := s.Result()
	if res.Reason != Cancelled || s.Err() != nil {
		t.Fatalf("reason=%s err=%v", res.Reason, s.Err())
	}
	if res.Text != " b c a" || res.Stats.Generated != 3 {
		t.Fatalf("result=%+v", res)
	}
	if s.State() != Stopped {
		t.Fatalf("state=%s", s.State())
	}
}

func TestBreakStopsAsCancelled(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.Loop(), backend.Options{})
	s, err := e.Start(context.Background(), greedy("a", 100))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range s.Fragments() {
		break
	}
	if s.Reason() != Cancelled || len(s.Result().Tokens) != 1 {
		t.Fatalf("reason=%s tokens=%v", s.Reason(), s.Result().Tokens)
	}

	// Single pass: a second range yields nothing.
	for range s.Fragments() {
		t.Fatalf("second range produced a fragment")
	}

	// The handle is free for the next session.
	res, err := e.Generate(context.Background(), greedy("a", 2), nil)
	if err != nil || res.Text != " b c" {
		t.Fatalf("next session: %+v %v", res, err)
	}
}

func TestCancelledContextStopsSession(t *testing.T) {
	t.Parallel()
	f := newFake()
	e := fakeEngine(f)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := e.Start(ctx, greedy("x", 10))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	for range s.Fragments() {
		t.Fatalf("unexpected fragment")
	}
	if s.Reason() != Cancelled || s.Err() != nil {
		t.Fatalf("reason=%s err=%v", s.Reason(), s.Err())
	}
}

func TestMaxTokensBoundsSampledOutput(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.Loop(), backend.Options{})
	for seed := int64(0); seed < 5; seed++ {
		req := Request{Prompt: "a", MaxTokens: 5, Seed: seed, Temperature: 1.5, TopP: 1, RepeatPenalty: 1, AddBOS: true}
		res, err := e.Generate(context.Background(), req, nil)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		n := len(res.Tokens)
		if n > 5 || (res.Reason == LengthLimit && n != 5) {
			t.Fatalf("seed %d: %d tokens, reason %s", seed, n, res.Reason)
		}
	}
}

func TestSeededSamplingIsReproducible(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.Loop(), backend.Options{})
	req := Request{Prompt: "a", MaxTokens: 30, Seed: 42, Temperature: 3, TopP: 1, RepeatPenalty: 1, AddBOS: true}
	a, err := e.Generate(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := e.Generate(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.Text != b.Text || a.Seed != 42 {
		t.Fatalf("seeded runs differ:\n%q\n%q", a.Text, b.Text)
	}
}

func TestShiftEvictionKeepsGenerating(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.Loop(), backend.Options{ContextSize: 8})
	req := greedy("a", 20)
	req.Eviction = sequence.Eviction{Enabled: true, Keep: 1}

	res, err := e.Generate(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Reason != LengthLimit || len(res.Tokens) != 20 {
		t.Fatalf("reason=%s tokens=%d", res.Reason, len(res.Tokens))
	}
	want := strings.Repeat(" b c a", 7)[:len(" b")*20]
	if res.Text != want {
		t.Fatalf("text=%q want %q", res.Text, want)
	}
	if res.Stats.Evicted == 0 {
		t.Fatalf("expected evictions, stats=%+v", res.Stats)
	}
}

func TestInvalidEvictionIsConfigError(t *testing.T) {
	t.Parallel()
	e := fakeEngine(newFake())
	req := greedy("x", 4)
	req.Eviction = sequence.Eviction{Enabled: true, Keep: 64}
	if _, err := e.Start(context.Background(), req); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBackendFailureIsFatal(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.failAt = 2
	e := fakeEngine(f)

	var frags []string
	res, err := e.Generate(context.Background(), greedy("x y", 10), func(s string) { frags = append(frags, s) })
	if !errors.Is(err, backend.ErrBackendFailure) {
		t.Fatalf("expected ErrBackendFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "device lost") {
		t.Fatalf("backend error not surfaced verbatim: %v", err)
	}
	if res.Reason != Failed || len(frags) != 1 {
		t.Fatalf("reason=%s frags=%q", res.Reason, frags)
	}
	if submits, _ := f.calls(); submits != 2 {
		t.Fatalf("retried: submits=%d", submits)
	}
}

func TestBackendPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.panicAt = 1
	e := fakeEngine(f)
	_, err := e.Generate(context.Background(), greedy("x", 3), nil)
	if !errors.Is(err, backend.ErrBackendFailure) || !strings.Contains(err.Error(), "kernel exploded") {
		t.Fatalf("expected recovered panic, got %v", err)
	}
}

func TestMissingScoresAreBackendFailure(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.omit = true
	e := fakeEngine(f)
	res, err := e.Generate(context.Background(), greedy("x", 3), nil)
	if !errors.Is(err, backend.ErrBackendFailure) {
		t.Fatalf("expected ErrBackendFailure, got %v", err)
	}
	if errors.Is(err, scores.ErrScoresUnavailable) {
		t.Fatalf("gate should never be read after a failed submit: %v", err)
	}
	if res.Reason != Failed || res.Stats.Generated != 0 {
		t.Fatalf("result=%+v", res)
	}
}

func TestSessionsShareHandleSequentially(t *testing.T) {
	t.Parallel()
	e := loadEngine(t, reftest.Loop(), backend.Options{})

	const n = 4
	results := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Generate(context.Background(), greedy("a", 12), nil)
			errs[i] = err
			if res != nil {
				results[i] = res.Text
			}
		}()
	}
	wg.Wait()
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("session %d: %v", i, errs[i])
		}
		if results[i] != strings.Repeat(" b c a", 4) {
			t.Fatalf("session %d text=%q", i, results[i])
		}
	}
}

type countingObserver struct {
	mu      sync.Mutex
	prompts int
	steps   int
	evicted int
	reasons []StopReason
}

func (o *countingObserver) PromptEvaluated(int, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prompts++
}

func (o *countingObserver) StepDecoded(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps++
}

func (o *countingObserver) Evicted(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evicted += n
}

func (o *countingObserver) Stopped(r StopReason, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reasons = append(o.reasons, r)
}

func TestObserverSeesEveryPhase(t *testing.T) {
	t.Parallel()
	obs := &countingObserver{}
	e := NewEngine(newFake(), Config{Logger: logger.Discard(), Observer: obs})
	if _, err := e.Generate(context.Background(), greedy("x", 4), nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if obs.prompts != 1 || obs.steps != 3 || len(obs.reasons) != 1 || obs.reasons[0] != LengthLimit {
		t.Fatalf("observer=%+v", obs)
	}
}

func TestClosedEngineRejectsSessions(t *testing.T) {
	t.Parallel()
	e := fakeEngine(newFake())
	s, err := e.Start(context.Background(), greedy("x", 2))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := e.Start(context.Background(), greedy("x", 2)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	for range s.Fragments() {
		t.Fatalf("unexpected fragment")
	}
	if !errors.Is(s.Err(), ErrClosed) || s.Reason() != Failed {
		t.Fatalf("reason=%s err=%v", s.Reason(), s.Err())
	}
}
