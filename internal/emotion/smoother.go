package emotion

import (
	"math"
	"sync"

	"pulse/internal/domain"
)

const (
	DefaultSmoothingWindow = 15
	DefaultSmoothingDecay  = 0.8
)

// Smoother keeps the last N combined results and settles them with an
// exponential decay so the newest result weighs the most.
type Smoother struct {
	mu     sync.Mutex
	size   int
	decay  float64
	window []domain.CombinedResult
}

func NewSmoother(size int, decay float64) *Smoother {
	if size <= 0 {
		size = DefaultSmoothingWindow
	}
	if decay <= 0 || decay > 1 || math.IsNaN(decay) {
		decay = DefaultSmoothingDecay
	}
	return &Smoother{size: size, decay: decay, window: make([]domain.CombinedResult, 0, size)}
}

func (s *Smoother) Push(r domain.CombinedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.window) == s.size {
		copy(s.window, s.window[1:])
		s.window = s.window[:s.size-1]
	}
	s.window = append(s.window, r)
}

func (s *Smoother) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window)
}

func (s *Smoother) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = s.window[:0]
}

// Settled returns the decay weighted blend of the window, with
// weight_i = decay^(n-1-i) renormalised over the window.
func (s *Smoother) Settled() (domain.CombinedResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.window)
	if n == 0 {
		return domain.CombinedResult{}, false
	}

	scores := make(domain.EmotionVector)
	seen := make(map[domain.Modality]bool, len(domain.ModalityOrder))
	total := 0.0
	for i, r := range s.window {
		w := math.Pow(s.decay, float64(n-1-i))
		total += w
		for label, score := range r.Scores {
			scores[label] += score * w
		}
		for _, m := range r.Modalities {
			seen[m] = true
		}
	}
	for label := range scores {
		scores[label] /= total
	}

	modalities := make([]domain.Modality, 0, len(seen))
	for _, m := range domain.ModalityOrder {
		if seen[m] {
			modalities = append(modalities, m)
		}
	}

	last := s.window[n-1]
	dominant, confidence := Dominant(scores)
	return domain.CombinedResult{
		TerminalID:      last.TerminalID,
		DominantEmotion: dominant,
		Confidence:      confidence,
		Scores:          scores,
		Modalities:      modalities,
		Timestamp:       last.Timestamp,
	}, true
}
