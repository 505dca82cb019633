package inference

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/llamarun/internal/logits"
	"github.com/samcharles93/llamarun/internal/sequence"
)

var ErrInvalidConfig = errors.New("invalid generation config")

// ConfigError rejects a request before the backend is touched.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrInvalidConfig, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Request is one prompt and the policy used to continue it.
type Request struct {
	Prompt    string
	MaxTokens int
	// Seed < 0 draws a seed from the clock.
	Seed int64

	Temperature   float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	RepeatLastN   int

	AddBOS   bool
	Eviction sequence.Eviction
}

// Validate checks the sampling policy and limits.
func (r Request) Validate() error {
	bad := func(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }
	switch {
	case r.MaxTokens <= 0:
		return &ConfigError{Field: "max_tokens", Reason: fmt.Sprintf("must be > 0, got %d", r.MaxTokens)}
	case bad(r.Temperature) || r.Temperature < 0:
		return &ConfigError{Field: "temperature", Reason: fmt.Sprintf("must be >= 0, got %v", r.Temperature)}
	case r.TopK < 0:
		return &ConfigError{Field: "top_k", Reason: fmt.Sprintf("must be >= 0, got %d", r.TopK)}
	case bad(r.TopP) || r.TopP <= 0 || r.TopP > 1:
		return &ConfigError{Field: "top_p", Reason: fmt.Sprintf("must be in (0, 1], got %v", r.TopP)}
	case bad(r.MinP) || r.MinP < 0 || r.MinP > 1:
		return &ConfigError{Field: "min_p", Reason: fmt.Sprintf("must be in [0, 1], got %v", r.MinP)}
	case bad(r.RepeatPenalty) || r.RepeatPenalty <= 0:
		return &ConfigError{Field: "repeat_penalty", Reason: fmt.Sprintf("must be > 0, got %v", r.RepeatPenalty)}
	case r.RepeatLastN < 0:
		return &ConfigError{Field: "repeat_last_n", Reason: fmt.Sprintf("must be >= 0, got %d", r.RepeatLastN)}
	}
	return nil
}

// SamplerConfig converts the request's policy for the given seed.
func (r Request) SamplerConfig(seed int64) logits.SamplerConfig {
	return logits.SamplerConfig{
		Seed:          seed,
		Temperature:   float32(r.Temperature),
		TopK:          r.TopK,
		TopP:          float32(r.TopP),
		MinP:          float32(r.MinP),
		RepeatPenalty: float32(r.RepeatPenalty),
		RepeatLastN:   r.RepeatLastN,
	}
}

// RequestOptions holds caller overrides. Nil fields keep the defaults.
type RequestOptions struct {
	Prompt string

	MaxTokens *int
	Seed      *int64

	Temperature   *float64
	TopK          *int
	TopP          *float64
	MinP          *float64
	RepeatPenalty *float64
	RepeatLastN   *int

	NoBOS *bool

	// Overflow is "stop" (default) or "shift".
	Overflow *string
	Keep     *int
}

// GenDefaults are per-model or per-config sampling defaults. Unset and
// out-of-range values are ignored.
type GenDefaults struct {
	MaxTokens     *int
	Temperature   *float64
	TopK          *int
	TopP          *float64
	RepeatPenalty *float64
}

const (
	OverflowStop  = "stop"
	OverflowShift = "shift"
)

// ResolveRequest merges defaults and overrides into a Request. Values are
// not validated here; Validate does that.
func ResolveRequest(opts RequestOptions, defaults GenDefaults) (Request, error) {
	req := Request{
		Prompt:        opts.Prompt,
		MaxTokens:     1024,
		Seed:          -1,
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		MinP:          0.0,
		RepeatPenalty: 1.0,
		RepeatLastN:   64,
		AddBOS:        true,
	}

	if defaults.MaxTokens != nil && *defaults.MaxTokens > 0 {
		req.MaxTokens = *defaults.MaxTokens
	}
	if defaults.Temperature != nil && *defaults.Temperature >= 0 {
		req.Temperature = *defaults.Temperature
	}
	if defaults.TopK != nil && *defaults.TopK >= 0 {
		req.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		req.TopP = *defaults.TopP
	}
	if defaults.RepeatPenalty != nil && *defaults.RepeatPenalty > 0 {
		req.RepeatPenalty = *defaults.RepeatPenalty
	}

	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	if opts.Seed != nil {
		req.Seed = *opts.Seed
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		req.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		req.TopP = *opts.TopP
	}
	if opts.MinP != nil {
		req.MinP = *opts.MinP
	}
	if opts.RepeatPenalty != nil {
		req.RepeatPenalty = *opts.RepeatPenalty
	}
	if opts.RepeatLastN != nil {
		req.RepeatLastN = *opts.RepeatLastN
	}
	if opts.NoBOS != nil {
		req.AddBOS = !*opts.NoBOS
	}

	overflow := OverflowStop
	if opts.Overflow != nil && *opts.Overflow != "" {
		overflow = *opts.Overflow
	}
	switch overflow {
	case OverflowStop:
	case OverflowShift:
		req.Eviction.Enabled = true
		if opts.Keep != nil {
			req.Eviction.Keep = *opts.Keep
		}
	default:
		return Request{}, &ConfigError{Field: "context_overflow", Reason: fmt.Sprintf("must be %q or %q, got %q", OverflowStop, OverflowShift, overflow)}
	}
	return req, nil
}
