// Package scores guards access to the per-position score vectors a backend
// returns for a batch.
package scores

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrScoresUnavailable = errors.New("scores unavailable")

// UnavailableError reports a read of a position the last batch did not
// request scores for.
type UnavailableError struct {
	Pos       int
	Requested []int
}

func (e *UnavailableError) Error() string {
	if len(e.Requested) == 0 {
		return fmt.Sprintf("%v: position %d (no scores requested)", ErrScoresUnavailable, e.Pos)
	}
	return fmt.Sprintf("%v: position %d (requested %v)", ErrScoresUnavailable, e.Pos, e.Requested)
}

func (e *UnavailableError) Unwrap() error { return ErrScoresUnavailable }

// Gate holds the score vectors of the most recent step only.
type Gate struct {
	mu        sync.Mutex
	requested []int
	vectors   map[int][]float32
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{vectors: make(map[int][]float32)}
}

// Begin starts a new step that will request the given positions.
// Every vector from the previous step is discarded.
func (g *Gate) Begin(requested []int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requested = slices.Clone(requested)
	clear(g.vectors)
}

// Install stores the vector for pos. Positions that were not requested in
// the current step are rejected.
func (g *Gate) Install(pos int, vec []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !slices.Contains(g.requested, pos) {
		return &UnavailableError{Pos: pos, Requested: slices.Clone(g.requested)}
	}
	g.vectors[pos] = vec
	return nil
}

// Scores returns the vector for pos if the most recent step requested it
// and the backend delivered it.
func (g *Gate) Scores(pos int) ([]float32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	vec, ok := g.vectors[pos]
	if !ok {
		return nil, &UnavailableError{Pos: pos, Requested: slices.Clone(g.requested)}
	}
	return vec, nil
}
