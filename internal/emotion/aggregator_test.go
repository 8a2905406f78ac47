package emotion

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pulse/internal/domain"
)

const eps = 1e-9

func sum(v domain.EmotionVector) float64 {
	total := 0.0
	for _, s := range v {
		total += s
	}
	return total
}

func TestNormalizeSumsToOneAndKeepsOrdering(t *testing.T) {
	tests := []struct {
		name string
		in   domain.EmotionVector
	}{
		{name: "already normalized", in: domain.EmotionVector{"happy": 0.8, "sad": 0.2}},
		{name: "raw counts", in: domain.EmotionVector{"happy": 3, "sad": 1, "angry": 6}},
		{name: "single label", in: domain.EmotionVector{"neutral": 0.01}},
		{name: "with zero entries", in: domain.EmotionVector{"fearful": 0, "surprised": 0.4, "disgusted": 0.1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if math.Abs(sum(got)-1) > eps {
				t.Fatalf("sum=%.12f, want 1", sum(got))
			}
			for a, sa := range tt.in {
				for b, sb := range tt.in {
					if sa > sb && !(got[a] > got[b]) {
						t.Fatalf("ordering lost: in %s=%v > %s=%v, out %v vs %v", a, sa, b, sb, got[a], got[b])
					}
				}
			}
		})
	}
}

func TestNormalizeZeroIsUniform(t *testing.T) {
	for _, in := range []domain.EmotionVector{nil, {}, {"happy": 0, "sad": 0}} {
		got := Normalize(in)
		labels := domain.KnownLabels()
		if len(got) != len(labels) {
			t.Fatalf("uniform has %d labels, want %d", len(got), len(labels))
		}
		for _, l := range labels {
			if math.Abs(got[l]-1/float64(len(labels))) > eps {
				t.Fatalf("label %s=%v, want %v", l, got[l], 1/float64(len(labels)))
			}
		}
		if math.Abs(sum(got)-1) > eps {
			t.Fatalf("uniform sum=%v", sum(got))
		}
	}
}

func TestNormalizeFoldsAliasesAndDropsNegative(t *testing.T) {
	got := Normalize(domain.EmotionVector{"joy": 1, "happy": 1, "anger": -3, "sadness": 2})
	if math.Abs(got["happy"]-0.5) > eps || math.Abs(got["sad"]-0.5) > eps {
		t.Fatalf("normalized=%v, want happy=0.5 sad=0.5", got)
	}
	if got["angry"] != 0 {
		t.Fatalf("negative score leaked: %v", got["angry"])
	}
}

func TestCombineFaceAndVoice(t *testing.T) {
	agg := NewAggregator(Weights{Face: 0.5, Voice: 0.5, Text: 0.2})
	res, err := agg.Combine([]domain.ModalityReading{
		{Modality: domain.ModalityFace, Vector: domain.EmotionVector{"happy": 0.8, "sad": 0.2}},
		{Modality: domain.ModalityVoice, Vector: domain.EmotionVector{"happy": 0.1, "sad": 0.9}},
	})
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if math.Abs(res.Scores["happy"]-0.45) > eps || math.Abs(res.Scores["sad"]-0.55) > eps {
		t.Fatalf("scores=%v, want happy=0.45 sad=0.55", res.Scores)
	}
	if res.DominantEmotion != "sad" {
		t.Fatalf("dominant=%s, want sad", res.DominantEmotion)
	}
	if math.Abs(res.Confidence-0.55) > eps {
		t.Fatalf("confidence=%v, want 0.55", res.Confidence)
	}
	if diff := cmp.Diff([]domain.Modality{domain.ModalityFace, domain.ModalityVoice}, res.Modalities); diff != "" {
		t.Fatalf("modalities mismatch (-want +got):\n%s", diff)
	}
}

func TestCombineSingleReadingKeepsDominant(t *testing.T) {
	agg := NewAggregator(DefaultWeights())
	vec := domain.EmotionVector{"angry": 2, "sad": 1, "neutral": 1}
	res, err := agg.Combine([]domain.ModalityReading{{Modality: domain.ModalityText, Vector: vec}})
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	want := Normalize(vec)
	if diff := cmp.Diff(want, res.Scores); diff != "" {
		t.Fatalf("single reading scores mismatch (-want +got):\n%s", diff)
	}
	if wantLabel, _ := Dominant(want); res.DominantEmotion != wantLabel {
		t.Fatalf("dominant=%s, want %s", res.DominantEmotion, wantLabel)
	}
}

func TestCombineIsOrderInvariant(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	readings := []domain.ModalityReading{
		{Modality: domain.ModalityFace, Vector: domain.EmotionVector{"happy": 0.31, "surprised": 0.17, "neutral": 0.52}, CapturedAt: at},
		{Modality: domain.ModalityVoice, Vector: domain.EmotionVector{"angry": 0.7, "neutral": 0.3}, CapturedAt: at.Add(time.Second)},
		{Modality: domain.ModalityText, Vector: domain.EmotionVector{"happy": 0.1, "sad": 0.3, "fearful": 0.6}, CapturedAt: at},
		{Modality: domain.ModalityFace, Vector: domain.EmotionVector{"happy": 0.9, "neutral": 0.1}, CapturedAt: at},
	}
	agg := NewAggregator(BalancedWeights())
	want, err := agg.Combine(readings)
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}

	perms := [][]int{{3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, p := range perms {
		shuffled := make([]domain.ModalityReading, len(p))
		for i, idx := range p {
			shuffled[i] = readings[idx]
		}
		got, err := agg.Combine(shuffled)
		if err != nil {
			t.Fatalf("combine failed: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("order %v changed result (-want +got):\n%s", p, diff)
		}
	}
}

func TestCombineRenormalizesWeightsForMissingModality(t *testing.T) {
	agg := NewAggregator(DefaultWeights())
	res, err := agg.Combine([]domain.ModalityReading{
		{Modality: domain.ModalityFace, Vector: domain.EmotionVector{"happy": 1}},
		{Modality: domain.ModalityText, Vector: domain.EmotionVector{"sad": 1}},
	})
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if math.Abs(res.Scores["happy"]-0.5/0.7) > eps || math.Abs(res.Scores["sad"]-0.2/0.7) > eps {
		t.Fatalf("scores=%v, want happy=%.4f sad=%.4f", res.Scores, 0.5/0.7, 0.2/0.7)
	}
	if math.Abs(sum(res.Scores)-1) > eps {
		t.Fatalf("combined scores sum=%v, want 1", sum(res.Scores))
	}
}

func TestCombineAveragesRepeatedModality(t *testing.T) {
	agg := NewAggregator(DefaultWeights())
	res, err := agg.Combine([]domain.ModalityReading{
		{Modality: domain.ModalityFace, Vector: domain.EmotionVector{"happy": 1}},
		{Modality: domain.ModalityFace, Vector: domain.EmotionVector{"sad": 1}},
		{Modality: domain.ModalityVoice, Vector: domain.EmotionVector{"sad": 1}},
	})
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	// face weight 0.625 split over two readings, voice 0.375.
	if math.Abs(res.Scores["happy"]-0.3125) > eps || math.Abs(res.Scores["sad"]-0.6875) > eps {
		t.Fatalf("scores=%v", res.Scores)
	}
}

func TestCombineTieBreakPrefersFace(t *testing.T) {
	agg := NewAggregator(Weights{Face: 0.5, Voice: 0.5})
	for _, readings := range [][]domain.ModalityReading{
		{
			{Modality: domain.ModalityVoice, Vector: domain.EmotionVector{"sad": 1}},
			{Modality: domain.ModalityFace, Vector: domain.EmotionVector{"surprised": 1}},
		},
		{
			{Modality: domain.ModalityFace, Vector: domain.EmotionVector{"surprised": 1}},
			{Modality: domain.ModalityVoice, Vector: domain.EmotionVector{"sad": 1}},
		},
	} {
		res, err := agg.Combine(readings)
		if err != nil {
			t.Fatalf("combine failed: %v", err)
		}
		if res.DominantEmotion != "surprised" {
			t.Fatalf("dominant=%s, want surprised (face wins ties)", res.DominantEmotion)
		}
	}
}

func TestCombineErrors(t *testing.T) {
	agg := NewAggregator(DefaultWeights())
	if _, err := agg.Combine(nil); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("empty combine err=%v, want ErrEmptyInput", err)
	}
	if _, err := agg.Combine([]domain.ModalityReading{{Modality: "smell", Vector: domain.EmotionVector{"happy": 1}}}); err == nil {
		t.Fatalf("expected error for unknown modality")
	}
}

func TestCombineAllZeroReadingIsNotAnError(t *testing.T) {
	agg := NewAggregator(DefaultWeights())
	res, err := agg.Combine([]domain.ModalityReading{{Modality: domain.ModalityFace, Vector: domain.EmotionVector{"happy": 0}}})
	if err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if res.DominantEmotion != domain.KnownLabels()[0] {
		t.Fatalf("dominant=%s, want first known label for a uniform vector", res.DominantEmotion)
	}
}

func TestNewAggregatorFallsBackOnInvalidWeights(t *testing.T) {
	agg := NewAggregator(Weights{Face: -1})
	if agg.Weights() != DefaultWeights() {
		t.Fatalf("weights=%+v, want defaults", agg.Weights())
	}
}
