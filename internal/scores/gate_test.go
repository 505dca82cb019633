package scores

import (
	"errors"
	"testing"
)

func TestScoresOnlyForRequestedPositions(t *testing.T) {
	t.Parallel()

	g := NewGate()
	g.Begin([]int{4})
	if err := g.Install(4, []float32{1, 2}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := g.Scores(4); err != nil {
		t.Fatalf("Scores(4): %v", err)
	}

	for _, pos := range []int{0, 3, 5} {
		_, err := g.Scores(pos)
		if !errors.Is(err, ErrScoresUnavailable) {
			t.Fatalf("Scores(%d): expected ErrScoresUnavailable, got %v", pos, err)
		}
		var ue *UnavailableError
		if !errors.As(err, &ue) || ue.Pos != pos {
			t.Fatalf("Scores(%d): expected UnavailableError, got %#v", pos, err)
		}
	}
}

func TestBeginDiscardsPreviousStep(t *testing.T) {
	t.Parallel()

	g := NewGate()
	g.Begin([]int{0})
	_ = g.Install(0, []float32{1})

	g.Begin([]int{1})
	if _, err := g.Scores(0); !errors.Is(err, ErrScoresUnavailable) {
		t.Fatalf("expected stale position to be unavailable, got %v", err)
	}
	// Requested but not yet delivered.
	if _, err := g.Scores(1); !errors.Is(err, ErrScoresUnavailable) {
		t.Fatalf("expected undelivered position to be unavailable, got %v", err)
	}
}

func TestInstallRejectsUnrequested(t *testing.T) {
	t.Parallel()

	g := NewGate()
	g.Begin([]int{2})
	if err := g.Install(1, []float32{0}); !errors.Is(err, ErrScoresUnavailable) {
		t.Fatalf("expected rejection, got %v", err)
	}
	g.Begin(nil)
	if err := g.Install(2, []float32{0}); err == nil {
		t.Fatalf("expected rejection after an empty step")
	}
}
