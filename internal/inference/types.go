package inference

import (
	"fmt"
	"time"
)

// StreamFunc receives each decoded fragment in order.
type StreamFunc func(fragment string)

// State is the position of a session in its lifecycle.
type State int

const (
	Idle State = iota
	PromptEval
	Decoding
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PromptEval:
		return "prompt-eval"
	case Decoding:
		return "decoding"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StopReason says why a session reached Stopped.
type StopReason string

const (
	EndOfSequence StopReason = "end_of_sequence"
	LengthLimit   StopReason = "length_limit"
	ContextFull   StopReason = "context_full"
	Cancelled     StopReason = "cancelled"
	Failed        StopReason = "failed"
)

// Stats are the phase timings of one session.
type Stats struct {
	PromptTokens int           `json:"prompt_tokens"`
	PromptEval   time.Duration `json:"prompt_eval_ns"`
	Generated    int           `json:"generated_tokens"`
	// Decode does not count time spent in the stream consumer.
	Decode       time.Duration `json:"decode_ns"`
	Evicted      int           `json:"evicted_tokens,omitempty"`
}

// TPS returns decode throughput in tokens per second.
func (s Stats) TPS() float64 {
	if s.Decode <= 0 {
		return 0
	}
	return float64(s.Generated) / s.Decode.Seconds()
}

// PromptTPS returns prompt evaluation throughput in tokens per second.
func (s Stats) PromptTPS() float64 {
	if s.PromptEval <= 0 {
		return 0
	}
	return float64(s.PromptTokens) / s.PromptEval.Seconds()
}

// Result is the final outcome of a session.
type Result struct {
	Session string     `json:"session"`
	Text    string     `json:"text"`
	Tokens  []int      `json:"tokens"`
	Reason  StopReason `json:"stop_reason"`
	Seed    int64      `json:"seed"`
	Stats   Stats      `json:"stats"`
}
