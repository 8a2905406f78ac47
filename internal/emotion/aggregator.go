package emotion

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"pulse/internal/domain"
)

var ErrEmptyInput = errors.New("combine requires at least one modality reading")

// Weights are the per-modality blend factors. Only the modalities present in
// a combine call are used, rescaled to sum to 1.
type Weights struct {
	Face  float64 `yaml:"face" json:"face"`
	Voice float64 `yaml:"voice" json:"voice"`
	Text  float64 `yaml:"text" json:"text"`
}

func DefaultWeights() Weights {
	return Weights{Face: 0.5, Voice: 0.3, Text: 0.2}
}

// BalancedWeights is the flatter preset used by the continuous analyzer
// pages of the web client.
func BalancedWeights() Weights {
	return Weights{Face: 0.4, Voice: 0.35, Text: 0.25}
}

func (w Weights) For(m domain.Modality) float64 {
	switch m {
	case domain.ModalityFace:
		return w.Face
	case domain.ModalityVoice:
		return w.Voice
	case domain.ModalityText:
		return w.Text
	default:
		return 0
	}
}

func (w Weights) Validate() error {
	for _, v := range []float64{w.Face, w.Voice, w.Text} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("modality weights must be finite and non-negative: %+v", w)
		}
	}
	if w.Face+w.Voice+w.Text <= 0 {
		return fmt.Errorf("modality weights must not all be zero")
	}
	return nil
}

type Aggregator struct {
	weights Weights
	now     func() time.Time
}

func NewAggregator(weights Weights) *Aggregator {
	if weights.Validate() != nil {
		weights = DefaultWeights()
	}
	return &Aggregator{weights: weights, now: time.Now}
}

func (a *Aggregator) Weights() Weights {
	return a.weights
}

// Combine blends the normalized vectors of readings into one result. Several
// readings of the same modality share that modality's weight evenly. The
// output does not depend on the order of readings.
func (a *Aggregator) Combine(readings []domain.ModalityReading) (domain.CombinedResult, error) {
	if len(readings) == 0 {
		return domain.CombinedResult{}, ErrEmptyInput
	}

	ordered := make([]domain.ModalityReading, 0, len(readings))
	for _, r := range readings {
		m, ok := domain.ParseModality(string(r.Modality))
		if !ok {
			return domain.CombinedResult{}, fmt.Errorf("unknown modality %q", r.Modality)
		}
		r.Modality = m
		ordered = append(ordered, r)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := domain.ModalityRank(ordered[i].Modality), domain.ModalityRank(ordered[j].Modality)
		if ri != rj {
			return ri < rj
		}
		if !ordered[i].CapturedAt.Equal(ordered[j].CapturedAt) {
			return ordered[i].CapturedAt.Before(ordered[j].CapturedAt)
		}
		return vectorKey(ordered[i].Vector) < vectorKey(ordered[j].Vector)
	})

	perModality := make(map[domain.Modality]domain.EmotionVector, len(domain.ModalityOrder))
	counts := make(map[domain.Modality]int, len(domain.ModalityOrder))
	latest := time.Time{}
	for _, r := range ordered {
		acc := perModality[r.Modality]
		if acc == nil {
			acc = make(domain.EmotionVector)
			perModality[r.Modality] = acc
		}
		for label, score := range Normalize(r.Vector) {
			acc[label] += score
		}
		counts[r.Modality]++
		if r.CapturedAt.After(latest) {
			latest = r.CapturedAt
		}
	}

	present := make([]domain.Modality, 0, len(perModality))
	weightSum := 0.0
	for _, m := range domain.ModalityOrder {
		acc, ok := perModality[m]
		if !ok {
			continue
		}
		for label := range acc {
			acc[label] /= float64(counts[m])
		}
		present = append(present, m)
		weightSum += a.weights.For(m)
	}

	scores := make(domain.EmotionVector)
	for _, m := range present {
		w := 1.0 / float64(len(present))
		if weightSum > 0 {
			w = a.weights.For(m) / weightSum
		}
		for label, score := range perModality[m] {
			scores[label] += score * w
		}
	}

	dominant := pickDominant(scores, present, perModality)
	if latest.IsZero() {
		latest = a.now().UTC()
	}
	return domain.CombinedResult{
		DominantEmotion: dominant,
		Confidence:      scores[dominant],
		Scores:          scores,
		Modalities:      present,
		Timestamp:       latest,
	}, nil
}

// pickDominant returns the argmax of scores. Exact ties go to the label the
// highest priority modality (face, voice, text) scored highest, then to the
// known label order.
func pickDominant(scores domain.EmotionVector, present []domain.Modality, perModality map[domain.Modality]domain.EmotionVector) string {
	labels := sortedLabels(scores)
	best := scores[labels[0]]
	for _, l := range labels[1:] {
		if scores[l] > best {
			best = scores[l]
		}
	}
	tied := make([]string, 0, 2)
	for _, l := range labels {
		if scores[l] == best {
			tied = append(tied, l)
		}
	}

	for _, m := range present {
		if len(tied) == 1 {
			break
		}
		vec := perModality[m]
		top := vec[tied[0]]
		for _, l := range tied[1:] {
			if vec[l] > top {
				top = vec[l]
			}
		}
		narrowed := tied[:0:0]
		for _, l := range tied {
			if vec[l] == top {
				narrowed = append(narrowed, l)
			}
		}
		tied = narrowed
	}
	return tied[0]
}

func vectorKey(v domain.EmotionVector) string {
	var b strings.Builder
	for _, l := range sortedLabels(v) {
		b.WriteString(l)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(v[l], 'g', -1, 64))
		b.WriteByte(';')
	}
	return b.String()
}
