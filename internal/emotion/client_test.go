package emotion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pulse/internal/domain"
)

func TestClientAnalyzeText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/emotion/text" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["text"] != "so happy" {
			t.Errorf("text=%q, want trimmed input", in["text"])
		}
		_ = json.NewEncoder(w).Encode(NewTextAnalyzer().Analyze(in["text"]))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	got, err := c.AnalyzeText(context.Background(), "  so happy ")
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if got.Emotion != domain.EmotionHappy {
		t.Fatalf("emotion=%s, want happy", got.Emotion)
	}
}

func TestClientCombineSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no readings", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Combine(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "status=400") {
		t.Fatalf("err=%v, want status=400", err)
	}
}

func TestClientDisabled(t *testing.T) {
	var c *Client
	if c.Enabled() {
		t.Fatalf("nil client should be disabled")
	}
	if _, err := NewClient("", 0).AnalyzeText(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
