package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pulse/internal/config"
	"pulse/internal/domain"
	"pulse/internal/emotion"
)

type textRequest struct {
	Text string `json:"text"`
}

type audioRequest struct {
	Spectra [][]int      `json:"spectra,omitempty"`
	Frames  []audioFrame `json:"frames,omitempty"`
}

type audioFrame struct {
	Volume float64 `json:"volume"`
	Pitch  float64 `json:"pitch"`
}

type combineRequest struct {
	Readings []domain.ModalityReading `json:"readings"`
	Weights  *emotion.Weights         `json:"weights,omitempty"`
}

type textResponse struct {
	emotion.TextResult
	LatencyMS float64 `json:"latency_ms"`
}

type audioResponse struct {
	emotion.AudioResult
	LatencyMS float64 `json:"latency_ms"`
}

type server struct {
	cfg        config.EmotionServerConfig
	text       *emotion.TextAnalyzer
	aggregator *emotion.Aggregator
	logger     *slog.Logger
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg, err := config.LoadEmotionServerConfig()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	s := &server{
		cfg:        cfg,
		text:       emotion.NewTextAnalyzer(),
		aggregator: emotion.NewAggregator(cfg.Analysis.Weights),
		logger:     logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info("emotion server started", "addr", cfg.HTTPAddr, "weights", fmt.Sprintf("%+v", cfg.Analysis.Weights))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"labels":  emotion.Labels(),
			"weights": s.aggregator.Weights(),
		})
	})
	r.Post("/v1/emotion/text", s.handleText)
	r.Post("/v1/emotion/audio", s.handleAudio)
	r.Post("/v1/emotion/combine", s.handleCombine)
	return r
}

func (s *server) handleText(w http.ResponseWriter, req *http.Request) {
	var in textRequest
	if err := decodeJSONBody(req, s.cfg.MaxBodyBytes, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "text is required"})
		return
	}

	start := time.Now()
	out := s.text.Analyze(in.Text)
	writeJSON(w, http.StatusOK, textResponse{TextResult: out, LatencyMS: roundMillis(time.Since(start))})
}

// handleAudio scores one window of audio features. The request is
// stateless; callers keep their own rolling window.
func (s *server) handleAudio(w http.ResponseWriter, req *http.Request) {
	var in audioRequest
	if err := decodeJSONBody(req, s.cfg.MaxBodyBytes, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if len(in.Spectra) == 0 && len(in.Frames) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "spectra or frames is required"})
		return
	}

	start := time.Now()
	analyzer := emotion.NewAudioAnalyzer(len(in.Spectra)+len(in.Frames), s.cfg.Analysis.Audio)
	for _, spectrum := range in.Spectra {
		analyzer.PushSpectrum(toBytes(spectrum))
	}
	for _, f := range in.Frames {
		if !finite(f.Volume) || !finite(f.Pitch) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "frame values must be finite numbers"})
			return
		}
		analyzer.PushFrame(f.Volume, f.Pitch)
	}
	writeJSON(w, http.StatusOK, audioResponse{AudioResult: analyzer.Analyze(), LatencyMS: roundMillis(time.Since(start))})
}

func (s *server) handleCombine(w http.ResponseWriter, req *http.Request) {
	var in combineRequest
	if err := decodeJSONBody(req, s.cfg.MaxBodyBytes, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	aggregator := s.aggregator
	if in.Weights != nil {
		if err := in.Weights.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		aggregator = emotion.NewAggregator(*in.Weights)
	}

	out, err := aggregator.Combine(in.Readings)
	if errors.Is(err, emotion.ErrEmptyInput) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("combine failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func toBytes(in []int) []byte {
	out := make([]byte, len(in))
	for i, v := range in {
		out[i] = byte(min(max(v, 0), 255))
	}
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func decodeJSONBody(req *http.Request, maxBytes int64, out any) error {
	defer req.Body.Close()
	data, err := io.ReadAll(io.LimitReader(req.Body, maxBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return fmt.Errorf("request body too large")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid json: multiple JSON values")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func roundMillis(d time.Duration) float64 {
	ms := float64(d.Microseconds()) / 1000.0
	return math.Round(ms*1000) / 1000
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
