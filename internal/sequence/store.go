// Package sequence holds the token history of one generation session.
package sequence

import (
	"errors"
	"fmt"
)

var (
	ErrCapacityExceeded = errors.New("context window full")
	ErrInvalidEviction  = errors.New("invalid eviction policy")
)

// CapacityError reports an append that would overflow the context window.
type CapacityError struct {
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v: capacity %d", ErrCapacityExceeded, e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// Eviction drops the oldest tokens once the window fills.
// The first Keep tokens are pinned and never dropped. Discard is how many
// tokens go per eviction; zero means half of the unpinned window.
type Eviction struct {
	Enabled bool
	Keep    int
	Discard int
}

// Span is a run of positions removed by an eviction.
type Span struct {
	Start int
	Len   int
}

// Empty reports whether nothing was removed.
func (s Span) Empty() bool { return s.Len == 0 }

// Store is the ordered token list of a session.
// Positions are dense: the token at index i sits at position i.
type Store struct {
	tokens    []int
	capacity  int
	promptLen int
	evict     Eviction
	evicted   int
}

// New creates a store bounded by capacity.
func New(capacity int, evict Eviction) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be > 0 (got %d)", capacity)
	}
	if evict.Enabled {
		if evict.Keep < 0 || evict.Keep >= capacity-1 {
			return nil, fmt.Errorf("%w: keep %d leaves no room in a window of %d", ErrInvalidEviction, evict.Keep, capacity)
		}
		if evict.Discard < 0 {
			return nil, fmt.Errorf("%w: discard must be >= 0 (got %d)", ErrInvalidEviction, evict.Discard)
		}
		free := capacity - evict.Keep
		if evict.Discard == 0 {
			evict.Discard = max(1, free/2)
		}
		evict.Discard = min(evict.Discard, free)
	}
	return &Store{
		tokens:   make([]int, 0, capacity),
		capacity: capacity,
		evict:    evict,
	}, nil
}

// Capacity returns the window size.
func (s *Store) Capacity() int { return s.capacity }

// Position returns the current length, which is the position of the next token.
func (s *Store) Position() int { return len(s.tokens) }

// Remaining returns how many tokens fit before the window is full.
func (s *Store) Remaining() int { return s.capacity - len(s.tokens) }

// Full reports whether the next append needs an eviction.
func (s *Store) Full() bool { return len(s.tokens) >= s.capacity }

// PromptLen returns how many of the current tokens came from the prompt.
func (s *Store) PromptLen() int { return s.promptLen }

// Evicted returns the total number of tokens dropped so far.
func (s *Store) Evicted() int { return s.evicted }

// Tokens returns a copy of the current tokens.
func (s *Store) Tokens() []int {
	out := make([]int, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// SetPrompt resets the store to the given prompt tokens.
// The prompt must fit in the window; prompts are never evicted on load.
func (s *Store) SetPrompt(tokens []int) error {
	if len(tokens) > s.capacity {
		return &CapacityError{Capacity: s.capacity}
	}
	s.Reset()
	s.tokens = append(s.tokens, tokens...)
	s.promptLen = len(tokens)
	return nil
}

// Append adds token at Position(). If the window is full and eviction is
// enabled, the oldest unpinned tokens are dropped first and the removed span
// is returned so the caller can mirror it in the backend.
func (s *Store) Append(token int) (Span, error) {
	var span Span
	if s.Full() {
		if !s.evict.Enabled {
			return Span{}, &CapacityError{Capacity: s.capacity}
		}
		span = s.drop()
	}
	s.tokens = append(s.tokens, token)
	return span, nil
}

func (s *Store) drop() Span {
	start := s.evict.Keep
	n := min(s.evict.Discard, len(s.tokens)-start)
	s.tokens = append(s.tokens[:start], s.tokens[start+n:]...)
	if s.promptLen > start {
		s.promptLen = max(start, s.promptLen-n)
	}
	s.evicted += n
	return Span{Start: start, Len: n}
}

// Reset empties the store.
func (s *Store) Reset() {
	s.tokens = s.tokens[:0]
	s.promptLen = 0
	s.evicted = 0
}
