package readings

import (
	"testing"
	"time"

	"pulse/internal/domain"
)

func TestRegistryKeepsNewestPerModality(t *testing.T) {
	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(5 * time.Second)
	r.now = func() time.Time { return now }

	r.Put("t1", domain.ModalityReading{Modality: domain.ModalityText, Vector: domain.EmotionVector{"sad": 1}, CapturedAt: now.Add(-time.Second)})
	r.Put("t1", domain.ModalityReading{Modality: domain.ModalityFace, Vector: domain.EmotionVector{"happy": 1}, CapturedAt: now})
	r.Put("t1", domain.ModalityReading{Modality: domain.ModalityFace, Vector: domain.EmotionVector{"angry": 1}, CapturedAt: now.Add(-2 * time.Second)})

	got := r.Fresh("t1")
	if len(got) != 2 {
		t.Fatalf("fresh=%v, want two readings", got)
	}
	if got[0].Modality != domain.ModalityFace || got[0].Vector["happy"] != 1 {
		t.Fatalf("face reading=%+v, want newest happy", got[0])
	}
	if got[1].Modality != domain.ModalityText {
		t.Fatalf("second reading=%+v, want text", got[1])
	}
}

func TestRegistryExpiresReadings(t *testing.T) {
	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(5 * time.Second)
	r.now = func() time.Time { return now }
	r.Put("t1", domain.ModalityReading{Modality: domain.ModalityVoice, Vector: domain.EmotionVector{"sad": 1}, CapturedAt: now})

	now = now.Add(6 * time.Second)
	if got := r.Fresh("t1"); len(got) != 0 {
		t.Fatalf("fresh=%v, want expired", got)
	}
}

func TestRegistryOnlineAndSession(t *testing.T) {
	r := NewRegistry(0)
	r.Put("b", domain.ModalityReading{Modality: domain.ModalityText, Vector: domain.EmotionVector{"happy": 1}})
	r.SetOnline("a", true)
	r.SetOnline("c", false)
	r.SetSession("a", "s-1")

	online := r.ListOnline()
	if len(online) != 2 || online[0] != "a" || online[1] != "b" {
		t.Fatalf("online=%v, want [a b]", online)
	}
	if r.Session("a") != "s-1" {
		t.Fatalf("session=%q", r.Session("a"))
	}

	r.SetOnline("b", false)
	if got := r.Fresh("b"); got != nil {
		t.Fatalf("offline terminal returned readings: %v", got)
	}
}
