package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"pulse/internal/domain"
	"pulse/internal/emotion"
	"pulse/internal/events"
)

type HubConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	AudioWindow int
	Audio       emotion.AudioThresholds
}

// ReadingSink receives the per-terminal readings decoded from the broker.
type ReadingSink interface {
	Put(terminalID string, reading domain.ModalityReading)
	SetOnline(terminalID string, online bool)
	SetSession(terminalID, sessionID string)
}

// EventSource is the subset of the event bus the hub forwards to the broker.
type EventSource interface {
	OnCombinedResult(events.CombinedHandler) func()
	OnSyncStateChange(events.SyncStateHandler) func()
}

// ReadingMessage is published by terminals on {prefix}/terminal/{id}/reading.
// Exactly one of Vector, Text, Spectrum or Frame carries the reading.
type ReadingMessage struct {
	Modality   string               `json:"modality"`
	Vector     domain.EmotionVector `json:"vector,omitempty"`
	Text       string               `json:"text,omitempty"`
	Spectrum   []int                `json:"spectrum,omitempty"`
	Frame      *AudioFrame          `json:"frame,omitempty"`
	SessionID  string               `json:"session_id,omitempty"`
	CapturedAt time.Time            `json:"captured_at,omitempty"`
}

type AudioFrame struct {
	Volume float64 `json:"volume"`
	Pitch  float64 `json:"pitch"`
}

type combinedMessage struct {
	MessageID string `json:"message_id"`
	domain.CombinedResult
}

type syncStateMessage struct {
	MessageID string `json:"message_id"`
	domain.SyncState
}

type Hub struct {
	cfg    HubConfig
	client paho.Client
	sink   ReadingSink
	text   *emotion.TextAnalyzer
	logger *slog.Logger
	now    func() time.Time

	audioMu sync.Mutex
	audio   map[string]*emotion.AudioAnalyzer

	unbindMu sync.Mutex
	unbind   []func()
}

func NewHub(cfg HubConfig, sink ReadingSink, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "pulse"
	}
	if cfg.AudioWindow <= 0 {
		cfg.AudioWindow = 30
	}
	if cfg.Audio == (emotion.AudioThresholds{}) {
		cfg.Audio = emotion.DefaultAudioThresholds()
	}
	return &Hub{
		cfg:    cfg,
		sink:   sink,
		text:   emotion.NewTextAnalyzer(),
		logger: logger,
		now:    time.Now,
		audio:  make(map[string]*emotion.AudioAnalyzer),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(h.cfg.BrokerURL).
		SetClientID(h.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	if h.cfg.Username != "" {
		opts.SetUsername(h.cfg.Username)
		opts.SetPassword(h.cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		h.logger.Error("mqtt connection lost", "error", err)
	})
	// Subscriptions are not restored by the client on reconnect.
	opts.SetOnConnectHandler(func(_ paho.Client) {
		if err := h.subscribeHandlers(); err != nil {
			h.logger.Error("mqtt subscribe failed", "error", err)
		}
	})

	h.client = paho.NewClient(opts)
	if token := h.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	go func() {
		<-ctx.Done()
		h.Unbind()
		h.client.Disconnect(100)
	}()

	return nil
}

func (h *Hub) subscribeHandlers() error {
	if token := h.client.Subscribe(TopicTerminalReading(h.cfg.TopicPrefix), 1, h.onReading); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := h.client.Subscribe(TopicTerminalOnline(h.cfg.TopicPrefix), 1, h.onOnline); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := h.client.Subscribe(TopicTerminalHeartbeat(h.cfg.TopicPrefix), 0, h.onHeartbeat); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Bind forwards combined results and sync state changes from events to the
// broker until Unbind is called.
func (h *Hub) Bind(source EventSource) {
	h.unbindMu.Lock()
	defer h.unbindMu.Unlock()
	h.unbind = append(h.unbind,
		source.OnCombinedResult(h.PublishCombined),
		source.OnSyncStateChange(h.PublishSyncState),
	)
}

func (h *Hub) Unbind() {
	h.unbindMu.Lock()
	fns := h.unbind
	h.unbind = nil
	h.unbindMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (h *Hub) onReading(_ paho.Client, msg paho.Message) {
	h.handleReading(msg.Topic(), msg.Payload())
}

func (h *Hub) onOnline(_ paho.Client, msg paho.Message) {
	h.handleOnline(msg.Topic(), msg.Payload())
}

func (h *Hub) onHeartbeat(_ paho.Client, msg paho.Message) {
	terminalID, err := ParseTerminalID(msg.Topic(), h.cfg.TopicPrefix)
	if err != nil {
		h.logger.Warn("skip invalid heartbeat topic", "topic", msg.Topic(), "error", err)
		return
	}
	h.sink.SetOnline(terminalID, true)
}

func (h *Hub) handleReading(topic string, payload []byte) {
	terminalID, err := ParseTerminalID(topic, h.cfg.TopicPrefix)
	if err != nil {
		h.logger.Warn("skip invalid reading topic", "topic", topic, "error", err)
		return
	}

	var msg ReadingMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.logger.Warn("invalid reading payload", "terminal_id", terminalID, "error", err)
		return
	}
	reading, err := h.decodeReading(terminalID, msg)
	if err != nil {
		h.logger.Warn("reading rejected", "terminal_id", terminalID, "modality", msg.Modality, "error", err)
		return
	}

	if msg.SessionID != "" {
		h.sink.SetSession(terminalID, msg.SessionID)
	}
	h.sink.Put(terminalID, reading)
	h.logger.Debug("reading received", "terminal_id", terminalID, "modality", reading.Modality)
}

func (h *Hub) handleOnline(topic string, payload []byte) {
	terminalID, err := ParseTerminalID(topic, h.cfg.TopicPrefix)
	if err != nil {
		h.logger.Warn("skip invalid online topic", "topic", topic, "error", err)
		return
	}
	online := ParseOnline(payload)
	if !online {
		h.dropAudio(terminalID)
	}
	h.sink.SetOnline(terminalID, online)
	h.logger.Info("terminal online status", "terminal_id", terminalID, "online", online)
}

// decodeReading turns a terminal message into a modality reading. Raw text
// and audio features are scored here so terminals may send either scores
// or raw inputs.
func (h *Hub) decodeReading(terminalID string, msg ReadingMessage) (domain.ModalityReading, error) {
	at := msg.CapturedAt.UTC()
	if msg.CapturedAt.IsZero() {
		at = h.now().UTC()
	}

	modality, ok := domain.ParseModality(msg.Modality)
	if !ok {
		switch {
		case msg.Modality != "":
			return domain.ModalityReading{}, fmt.Errorf("unknown modality %q", msg.Modality)
		case strings.TrimSpace(msg.Text) != "":
			modality = domain.ModalityText
		case len(msg.Spectrum) > 0 || msg.Frame != nil:
			modality = domain.ModalityVoice
		default:
			return domain.ModalityReading{}, errors.New("modality is required")
		}
	}

	switch {
	case len(msg.Vector) > 0:
		return domain.ModalityReading{Modality: modality, Vector: emotion.Normalize(msg.Vector), CapturedAt: at}, nil
	case modality == domain.ModalityText && strings.TrimSpace(msg.Text) != "":
		return h.text.Reading(msg.Text, at), nil
	case modality == domain.ModalityVoice && (len(msg.Spectrum) > 0 || msg.Frame != nil):
		analyzer := h.audioFor(terminalID)
		if len(msg.Spectrum) > 0 {
			analyzer.PushSpectrum(spectrumBytes(msg.Spectrum))
		} else {
			analyzer.PushFrame(msg.Frame.Volume, msg.Frame.Pitch)
		}
		return analyzer.Reading(at), nil
	default:
		return domain.ModalityReading{}, fmt.Errorf("%s reading carries no data", modality)
	}
}

func (h *Hub) audioFor(terminalID string) *emotion.AudioAnalyzer {
	h.audioMu.Lock()
	defer h.audioMu.Unlock()
	a, ok := h.audio[terminalID]
	if !ok {
		a = emotion.NewAudioAnalyzer(h.cfg.AudioWindow, h.cfg.Audio)
		h.audio[terminalID] = a
	}
	return a
}

func (h *Hub) dropAudio(terminalID string) {
	h.audioMu.Lock()
	delete(h.audio, terminalID)
	h.audioMu.Unlock()
}

func spectrumBytes(in []int) []byte {
	out := make([]byte, len(in))
	for i, v := range in {
		switch {
		case v < 0:
			v = 0
		case v > 255:
			v = 255
		}
		out[i] = byte(v)
	}
	return out
}

// PublishCombined sends a settled result to {prefix}/terminal/{id}/combined.
func (h *Hub) PublishCombined(r domain.CombinedResult) {
	if r.TerminalID == "" {
		return
	}
	h.publish(TopicCombined(h.cfg.TopicPrefix, r.TerminalID), false, combinedMessage{
		MessageID:      uuid.NewString(),
		CombinedResult: r,
	})
}

// PublishSyncState sends a retained copy of the latest sync state so new
// subscribers see it immediately.
func (h *Hub) PublishSyncState(s domain.SyncState) {
	h.publish(TopicSyncState(h.cfg.TopicPrefix), true, syncStateMessage{
		MessageID: uuid.NewString(),
		SyncState: s,
	})
}

func (h *Hub) publish(topic string, retained bool, v any) {
	if h.client == nil || !h.client.IsConnectionOpen() {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("encode mqtt message failed", "topic", topic, "error", err)
		return
	}
	token := h.client.Publish(topic, 1, retained, body)
	go func() {
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			h.logger.Warn("mqtt publish failed", "topic", topic, "error", token.Error())
		}
	}()
}
