package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pulse/internal/config"
	"pulse/internal/domain"
	"pulse/internal/mqtt"
)

const maxLogLines = 200

// simState is what the debug page shows: the latest combined result and
// sync state received from the agent plus a rolling log.
type simState struct {
	mu        sync.RWMutex
	sessionID string
	combined  *domain.CombinedResult
	sync      *domain.SyncState
	sent      int
	logs      []string
}

type stateSnapshot struct {
	TerminalID string                 `json:"terminal_id"`
	SessionID  string                 `json:"session_id"`
	Combined   *domain.CombinedResult `json:"combined,omitempty"`
	Sync       *domain.SyncState      `json:"sync,omitempty"`
	Sent       int                    `json:"readings_sent"`
	Logs       []string               `json:"logs"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg, err := config.LoadTerminalSimConfig()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	state := &simState{sessionID: cfg.SessionID}
	if state.sessionID == "" {
		state.sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := startMQTT(ctx, cfg, state, logger)
	if err != nil {
		logger.Error("start terminal mqtt failed", "error", err)
		os.Exit(1)
	}
	defer client.Disconnect(100)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           routes(cfg, state, client),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("terminal simulator started", "addr", cfg.HTTPAddr, "terminal_id", cfg.TerminalID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("terminal simulator shutdown signal")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("terminal simulator shutdown failed", "error", err)
	}
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
}

func routes(cfg config.TerminalSimConfig, state *simState, client publisher) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, state.snapshot(cfg.TerminalID))
	})
	r.Post("/session/new", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": state.newSession()})
	})
	r.Post("/reading", func(w http.ResponseWriter, req *http.Request) {
		var in mqtt.ReadingMessage
		if err := decodeBody(req, &in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if len(in.Vector) == 0 && in.Text == "" && len(in.Spectrum) == 0 && in.Frame == nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "one of vector, text, spectrum or frame is required"})
			return
		}
		if in.SessionID == "" {
			in.SessionID = state.session()
		}
		if in.CapturedAt.IsZero() {
			in.CapturedAt = time.Now().UTC()
		}
		buf, _ := json.Marshal(in)
		topic := mqtt.TopicReading(cfg.MQTT.TopicPrefix, cfg.TerminalID)
		if token := client.Publish(topic, 1, false, buf); token.Wait() && token.Error() != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": token.Error().Error()})
			return
		}
		state.recordSent(in)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "session_id": in.SessionID})
	})
	return r
}

func startMQTT(ctx context.Context, cfg config.TerminalSimConfig, state *simState, logger *slog.Logger) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.MQTT.BrokerURL).
		SetClientID(cfg.MQTT.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	onlineTopic := mqtt.TopicOnline(cfg.MQTT.TopicPrefix, cfg.TerminalID)
	opts.SetWill(onlineTopic, "offline", 1, true)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	if token := client.Publish(onlineTopic, 1, true, "online"); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	combinedTopic := mqtt.TopicCombined(cfg.MQTT.TopicPrefix, cfg.TerminalID)
	if token := client.Subscribe(combinedTopic, 1, func(_ paho.Client, msg paho.Message) {
		var result domain.CombinedResult
		if err := json.Unmarshal(msg.Payload(), &result); err != nil {
			logger.Warn("invalid combined payload", "error", err)
			return
		}
		state.setCombined(result)
	}); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	if token := client.Subscribe(mqtt.TopicSyncState(cfg.MQTT.TopicPrefix), 1, func(_ paho.Client, msg paho.Message) {
		var s domain.SyncState
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			logger.Warn("invalid sync state payload", "error", err)
			return
		}
		state.setSync(s)
	}); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	heartbeatTopic := mqtt.TopicHeartbeat(cfg.MQTT.TopicPrefix, cfg.TerminalID)
	go func() {
		heartbeatTicker := time.NewTicker(cfg.HeartbeatInterval)
		defer heartbeatTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeatTicker.C:
				client.Publish(heartbeatTopic, 0, false, []byte("1"))
			}
		}
	}()

	go func() {
		<-ctx.Done()
		client.Publish(onlineTopic, 1, true, "offline")
	}()

	return client, nil
}

func (s *simState) snapshot(terminalID string) stateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateSnapshot{
		TerminalID: terminalID,
		SessionID:  s.sessionID,
		Combined:   s.combined,
		Sync:       s.sync,
		Sent:       s.sent,
		Logs:       append([]string(nil), s.logs...),
	}
}

func (s *simState) session() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *simState) newSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = uuid.NewString()
	s.appendLogLocked(fmt.Sprintf("new session %s", s.sessionID))
	return s.sessionID
}

func (s *simState) recordSent(in mqtt.ReadingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	modality := in.Modality
	if modality == "" {
		modality = "auto"
	}
	s.appendLogLocked(fmt.Sprintf("sent %s reading", modality))
}

func (s *simState) setCombined(r domain.CombinedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.combined = &r
	s.appendLogLocked(fmt.Sprintf("combined %s (%.2f)", r.DominantEmotion, r.Confidence))
}

func (s *simState) setSync(st domain.SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync = &st
	s.appendLogLocked(fmt.Sprintf("sync mode=%s online=%t queue=%d", st.Mode, st.Online, st.QueueSize))
}

func (s *simState) appendLogLocked(line string) {
	s.logs = append(s.logs, time.Now().Format(time.RFC3339)+" "+line)
	if len(s.logs) > maxLogLines {
		s.logs = s.logs[len(s.logs)-maxLogLines:]
	}
}

func decodeBody(req *http.Request, out any) error {
	defer req.Body.Close()
	data, err := io.ReadAll(io.LimitReader(req.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
