package domain

import (
	"errors"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		rec       EmotionRecord
		wantField string
	}{
		{name: "valid", rec: EmotionRecord{DominantEmotion: "happy", Source: "face", Confidence: ptr(0.8)}},
		{name: "alias accepted", rec: EmotionRecord{DominantEmotion: "Joy", Source: "camera_snapshot"}},
		{name: "missing emotion", rec: EmotionRecord{Source: "text"}, wantField: "dominantEmotion"},
		{name: "unknown emotion", rec: EmotionRecord{DominantEmotion: "not_a_real_emotion", Source: "text"}, wantField: "dominantEmotion"},
		{name: "unknown source", rec: EmotionRecord{DominantEmotion: "sad", Source: "telepathy"}, wantField: "source"},
		{name: "confidence above one", rec: EmotionRecord{DominantEmotion: "sad", Source: "manual", Confidence: ptr(1.2)}, wantField: "confidence"},
		{name: "negative confidence", rec: EmotionRecord{DominantEmotion: "sad", Source: "manual", Confidence: ptr(-0.1)}, wantField: "confidence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.rec)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Fatalf("field=%s, want %s", verr.Field, tt.wantField)
			}
		})
	}
}

func TestCanonicalize(t *testing.T) {
	got := Canonicalize(EmotionRecord{DominantEmotion: "Anger", Source: "audio"})
	if got.DominantEmotion != EmotionAngry || got.Source != string(ModalityVoice) {
		t.Fatalf("got (%s,%s), want (angry,voice)", got.DominantEmotion, got.Source)
	}
}

func TestFilterApply(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []EmotionRecord{
		{ID: "a", Timestamp: base, DominantEmotion: "happy", Source: "face"},
		{ID: "b", Timestamp: base.Add(time.Hour), DominantEmotion: "sad", Source: "text"},
		{ID: "c", Timestamp: base.Add(2 * time.Hour), DominantEmotion: "happy", Source: "text"},
	}

	got := Filter{Emotion: "happy"}.Apply(records)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("emotion filter = %+v", got)
	}
	got = Filter{StartDate: base.Add(30 * time.Minute), Source: "text", Limit: 1}.Apply(records)
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("date+source+limit filter = %+v", got)
	}
}

func TestRecordPatchApply(t *testing.T) {
	rec := EmotionRecord{ID: "x", DominantEmotion: "sad", Source: "text", Notes: "old"}
	got := RecordPatch{DominantEmotion: ptr("happy"), Confidence: ptr(0.4)}.Apply(rec)
	if got.DominantEmotion != "happy" || got.Notes != "old" || got.Confidence == nil || *got.Confidence != 0.4 {
		t.Fatalf("patched record = %+v", got)
	}
}
