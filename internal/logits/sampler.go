package logits

import (
	"errors"
	"math/rand"
	"time"
)

var (
	ErrEmptyScores  = errors.New("empty score vector")
	ErrNoCandidates = errors.New("no candidates left after filtering")
)

// SamplerConfig configures the behaviour of a Sampler.
//
// Temperature 0 is greedy decoding. TopK 0 and TopP 1 disable those
// filters; RepeatPenalty 1 and MinP 0 do the same for theirs.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Greedy reports whether the config always picks the arg-max.
func (c SamplerConfig) Greedy() bool {
	return c.Temperature <= 0
}

// Sampler draws tokens from score vectors. It owns the random source of
// one session and is not safe for concurrent use.
type Sampler struct {
	rng      *rand.Rand
	cfg      SamplerConfig
	pipeline *Pipeline
	cands    Candidates
}

// NewSampler returns a sampler running the default pipeline.
// Out-of-range filter values are clamped to their disabled setting.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Temperature < 0 {
		cfg.Temperature = 0
	}
	if cfg.TopK < 0 {
		cfg.TopK = 0
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		cfg:      cfg,
		pipeline: DefaultPipeline(),
	}
}

// EntropySeed returns a seed for sessions that did not ask for one.
func EntropySeed() int64 {
	return time.Now().UnixNano()
}

// Config returns the effective configuration.
func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Sample picks the next token from scores. history holds previously
// generated tokens, oldest first, for the repetition penalty.
// scores is not modified.
func (s *Sampler) Sample(scores []float32, history []int) (int, error) {
	if len(scores) == 0 {
		return 0, ErrEmptyScores
	}
	s.cands.Reset(scores)
	return s.pipeline.Run(&s.cands, &Step{
		Config:  s.cfg,
		History: history,
		Rand:    s.rng,
	})
}
