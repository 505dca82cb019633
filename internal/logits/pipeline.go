package logits

import (
	"cmp"
	"math"
	"math/rand"
	"slices"
)

// Candidate is one vocabulary entry still in the running.
type Candidate struct {
	ID    int
	Logit float32
	P     float64
}

// Candidates is the working set the pipeline narrows down to one token.
// A stage that settles the outcome sets Chosen, which ends the pipeline.
type Candidates struct {
	Items      []Candidate
	Sorted     bool // descending by Logit, ties by ascending ID
	Normalized bool // P holds a softmax over Items
	Chosen     int
}

// Reset loads scores into c, reusing its storage. NaN scores are treated
// as -Inf so they can never be drawn.
func (c *Candidates) Reset(scores []float32) {
	if cap(c.Items) < len(scores) {
		c.Items = make([]Candidate, len(scores))
	}
	c.Items = c.Items[:len(scores)]
	for i, v := range scores {
		if math.IsNaN(float64(v)) {
			v = float32(math.Inf(-1))
		}
		c.Items[i] = Candidate{ID: i, Logit: v}
	}
	c.Sorted = false
	c.Normalized = false
	c.Chosen = -1
}

// Len returns the number of remaining candidates.
func (c *Candidates) Len() int { return len(c.Items) }

// Sort orders candidates by logit descending, ties by ascending ID.
func (c *Candidates) Sort() {
	if c.Sorted {
		return
	}
	slices.SortFunc(c.Items, func(a, b Candidate) int {
		if a.Logit != b.Logit {
			return cmp.Compare(b.Logit, a.Logit)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	c.Sorted = true
}

// Normalize fills P with a softmax over the current logits.
func (c *Candidates) Normalize() {
	if c.Normalized || len(c.Items) == 0 {
		return
	}
	maxv := float32(math.Inf(-1))
	for _, it := range c.Items {
		maxv = max(maxv, it.Logit)
	}
	if math.IsInf(float64(maxv), 1) {
		// +Inf candidates share all of the mass.
		var n int
		for _, it := range c.Items {
			if math.IsInf(float64(it.Logit), 1) {
				n++
			}
		}
		for i := range c.Items {
			c.Items[i].P = 0
			if math.IsInf(float64(c.Items[i].Logit), 1) {
				c.Items[i].P = 1 / float64(n)
			}
		}
		c.Normalized = true
		return
	}
	var sum float64
	for i := range c.Items {
		e := math.Exp(float64(c.Items[i].Logit - maxv))
		c.Items[i].P = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		// Every logit is -Inf; spread evenly rather than dividing by zero.
		u := 1 / float64(len(c.Items))
		for i := range c.Items {
			c.Items[i].P = u
		}
	} else {
		inv := 1 / sum
		for i := range c.Items {
			c.Items[i].P *= inv
		}
	}
	c.Normalized = true
}

// Truncate keeps the first n candidates.
func (c *Candidates) Truncate(n int) {
	n = max(1, n)
	if n >= len(c.Items) {
		return
	}
	c.Items = c.Items[:n]
	c.Normalized = false
}

// Step is the per-draw input shared by every stage.
type Step struct {
	Config  SamplerConfig
	History []int
	Rand    *rand.Rand
}

// Stage transforms the candidate set. Stages are applied in pipeline order.
type Stage interface {
	Name() string
	Apply(c *Candidates, s *Step)
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	stages []Stage
}

// NewPipeline builds a pipeline from stages in the given order.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: slices.Clone(stages)}
}

// DefaultPipeline returns temperature, repetition penalty, top-k, top-p,
// min-p and the final draw, in that order.
func DefaultPipeline() *Pipeline {
	return NewPipeline(Temperature{}, RepeatPenalty{}, TopK{}, TopP{}, MinP{}, Draw{})
}

// Stages returns the stage names in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run applies the stages to c until one of them picks a token. If none do,
// the best remaining candidate is returned.
func (p *Pipeline) Run(c *Candidates, s *Step) (int, error) {
	if c.Len() == 0 {
		return 0, ErrEmptyScores
	}
	for _, st := range p.stages {
		st.Apply(c, s)
		if c.Chosen >= 0 {
			return c.Chosen, nil
		}
		if c.Len() == 0 {
			return 0, ErrNoCandidates
		}
	}
	return best(c.Items), nil
}

// Temperature divides logits by the temperature. Zero temperature selects
// the arg-max and ends the pipeline.
type Temperature struct{}

func (Temperature) Name() string { return "temperature" }

func (Temperature) Apply(c *Candidates, s *Step) {
	t := s.Config.Temperature
	if t <= 0 {
		c.Chosen = best(c.Items)
		return
	}
	if t == 1 {
		return
	}
	inv := 1 / t
	for i := range c.Items {
		c.Items[i].Logit *= inv
	}
	c.Normalized = false
}

// RepeatPenalty pushes down tokens seen in the last RepeatLastN history
// entries. Positive logits are divided and negative ones multiplied.
type RepeatPenalty struct{}

func (RepeatPenalty) Name() string { return "repeat-penalty" }

func (RepeatPenalty) Apply(c *Candidates, s *Step) {
	pen := s.Config.RepeatPenalty
	if pen <= 0 || pen == 1 || len(s.History) == 0 {
		return
	}
	window := s.History
	if n := s.Config.RepeatLastN; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	seen := make(map[int]struct{}, len(window))
	for _, id := range window {
		seen[id] = struct{}{}
	}
	for i := range c.Items {
		if _, ok := seen[c.Items[i].ID]; !ok {
			continue
		}
		if c.Items[i].Logit > 0 {
			c.Items[i].Logit /= pen
		} else {
			c.Items[i].Logit *= pen
		}
	}
	c.Sorted = false
	c.Normalized = false
}

// TopK keeps the K highest logits. K == 0 disables it.
type TopK struct{}

func (TopK) Name() string { return "top-k" }

func (TopK) Apply(c *Candidates, s *Step) {
	k := s.Config.TopK
	if k <= 0 || k >= c.Len() {
		return
	}
	if c.Sorted {
		c.Truncate(k)
		return
	}
	top := selectTopK(c.Items, k)
	c.Items = c.Items[:copy(c.Items, top)]
	c.Sorted = true
	c.Normalized = false
}

// TopP keeps the smallest prefix of the sorted distribution whose mass
// reaches P. P >= 1 disables it.
type TopP struct{}

func (TopP) Name() string { return "top-p" }

func (TopP) Apply(c *Candidates, s *Step) {
	p := float64(s.Config.TopP)
	if p <= 0 || p >= 1 {
		return
	}
	c.Sort()
	c.Normalize()
	var cum float64
	cut := c.Len()
	for i, it := range c.Items {
		cum += it.P
		if cum >= p {
			cut = i + 1
			break
		}
	}
	c.Truncate(cut)
}

// MinP drops candidates whose probability is below MinP times the most
// likely candidate's. MinP <= 0 disables it.
type MinP struct{}

func (MinP) Name() string { return "min-p" }

func (MinP) Apply(c *Candidates, s *Step) {
	mp := float64(s.Config.MinP)
	if mp <= 0 {
		return
	}
	c.Sort()
	c.Normalize()
	threshold := c.Items[0].P * mp
	n := 0
	for _, it := range c.Items {
		if it.P < threshold {
			break
		}
		n++
	}
	c.Truncate(n)
}

// Draw normalizes the survivors and samples one of them.
type Draw struct{}

func (Draw) Name() string { return "draw" }

func (Draw) Apply(c *Candidates, s *Step) {
	c.Normalize()
	if s.Rand == nil {
		c.Chosen = best(c.Items)
		return
	}
	r := s.Rand.Float64()
	var cum float64
	for _, it := range c.Items {
		cum += it.P
		if r < cum {
			c.Chosen = it.ID
			return
		}
	}
	// Rounding left r above the total mass.
	c.Chosen = c.Items[len(c.Items)-1].ID
}

// best returns the ID with the highest logit, lowest ID on ties.
func best(items []Candidate) int {
	bi := 0
	for i := 1; i < len(items); i++ {
		a, b := items[i], items[bi]
		if a.Logit > b.Logit || (a.Logit == b.Logit && a.ID < b.ID) {
			bi = i
		}
	}
	return items[bi].ID
}

// selectTopK returns the k best items ordered by logit descending with ties
// by ascending ID. It is O(V*K), which beats a full sort for small K.
func selectTopK(items []Candidate, k int) []Candidate {
	top := make([]Candidate, 0, k+1)
	for _, it := range items {
		pos := len(top)
		for pos > 0 && ranksBefore(it, top[pos-1]) {
			pos--
		}
		if pos >= k {
			continue
		}
		top = append(top, Candidate{})
		copy(top[pos+1:], top[pos:])
		top[pos] = it
		if len(top) > k {
			top = top[:k]
		}
	}
	return top
}

func ranksBefore(a, b Candidate) bool {
	if a.Logit != b.Logit {
		return a.Logit > b.Logit
	}
	return a.ID < b.ID
}
