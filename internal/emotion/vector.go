package emotion

import (
	"math"
	"sort"

	"pulse/internal/domain"
)

func Labels() []string {
	return domain.KnownLabels()
}

// Normalize scales v so its scores sum to 1. Aliased labels are folded onto
// their canonical label; negative, NaN and infinite scores count as zero.
// A vector without positive mass becomes the uniform distribution over the
// known label set.
func Normalize(v domain.EmotionVector) domain.EmotionVector {
	clean := make(domain.EmotionVector, len(v))
	for label, score := range v {
		key := label
		if canonical, ok := domain.CanonicalLabel(label); ok {
			key = canonical
		}
		if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 {
			score = 0
		}
		clean[key] += score
	}

	total := 0.0
	for _, label := range sortedLabels(clean) {
		total += clean[label]
	}
	if total <= 0 {
		return Uniform()
	}
	for label := range clean {
		clean[label] /= total
	}
	return clean
}

func Uniform() domain.EmotionVector {
	labels := domain.KnownLabels()
	out := make(domain.EmotionVector, len(labels))
	w := 1.0 / float64(len(labels))
	for _, l := range labels {
		out[l] = w
	}
	return out
}

// Dominant returns the highest scoring label; exact ties resolve to the
// label that comes first in the known label order.
func Dominant(v domain.EmotionVector) (string, float64) {
	labels := sortedLabels(v)
	if len(labels) == 0 {
		return domain.EmotionNeutral, 0
	}
	top := labels[0]
	for _, l := range labels[1:] {
		if v[l] > v[top] {
			top = l
		}
	}
	return top, v[top]
}

// sortedLabels orders labels by the known label order, then alphabetically
// for labels outside the known set.
func sortedLabels(v domain.EmotionVector) []string {
	labels := make([]string, 0, len(v))
	for l := range v {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		ri, rj := domain.LabelRank(labels[i]), domain.LabelRank(labels[j])
		if ri != rj {
			return ri < rj
		}
		return labels[i] < labels[j]
	})
	return labels
}

// spread builds a normalized vector giving confidence to label and splitting
// the remaining mass evenly over the other known labels.
func spread(label string, confidence float64) domain.EmotionVector {
	labels := domain.KnownLabels()
	out := make(domain.EmotionVector, len(labels))
	rest := (1 - confidence) / float64(len(labels)-1)
	for _, l := range labels {
		out[l] = rest
	}
	out[label] = confidence
	return out
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func round(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}
