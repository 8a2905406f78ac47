package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pulse/internal/emotion"
)

// AnalysisConfig tunes the fusion pipeline. It can be loaded from the YAML
// file named by PULSE_CONFIG_FILE; environment variables win over the file.
type AnalysisConfig struct {
	WeightPreset    string                  `yaml:"weight_preset"`
	Weights         emotion.Weights         `yaml:"weights"`
	SmoothingWindow int                     `yaml:"smoothing_window"`
	SmoothingDecay  float64                 `yaml:"smoothing_decay"`
	IntervalMS      int                     `yaml:"interval_ms"`
	SaveEvery       int                     `yaml:"save_every"`
	ReadingTTLSecs  int                     `yaml:"reading_ttl_seconds"`
	AudioWindow     int                     `yaml:"audio_window"`
	Audio           emotion.AudioThresholds `yaml:"audio"`
}

func (c AnalysisConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func (c AnalysisConfig) ReadingTTL() time.Duration {
	return time.Duration(c.ReadingTTLSecs) * time.Second
}

type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Enabled is false when no broker is configured.
func (c MQTTConfig) Enabled() bool {
	return c.BrokerURL != ""
}

type AgentConfig struct {
	DataPath      string
	RemoteBaseURL string
	RemoteToken   string
	RemoteTimeout time.Duration
	// StorageMode, when set, replaces the mode persisted in the local store.
	StorageMode     string
	MonitorInterval time.Duration
	FlushSchedule   string
	MQTT            MQTTConfig
	Analysis        AnalysisConfig
}

type ServerConfig struct {
	HTTPAddr     string
	DBDSN        string
	MaxBodyBytes int64
	JWTSecret    string
	TokenTTL     time.Duration
}

type EmotionServerConfig struct {
	HTTPAddr     string
	MaxBodyBytes int64
	Analysis     AnalysisConfig
}

type CLIConfig struct {
	DataPath          string
	RemoteBaseURL     string
	RemoteToken       string
	RemoteTimeout     time.Duration
	EmotionServiceURL string
}

type TerminalSimConfig struct {
	HTTPAddr          string
	TerminalID        string
	SessionID         string
	HeartbeatInterval time.Duration
	MQTT              MQTTConfig
}

func defaultAnalysis() AnalysisConfig {
	return AnalysisConfig{
		WeightPreset:    "default",
		Weights:         emotion.DefaultWeights(),
		SmoothingWindow: 5,
		SmoothingDecay:  0.8,
		IntervalMS:      1000,
		SaveEvery:       30,
		ReadingTTLSecs:  10,
		AudioWindow:     30,
		Audio:           emotion.DefaultAudioThresholds(),
	}
}

// LoadAnalysisConfig builds the analysis settings from defaults, the
// optional YAML file and then the environment.
func LoadAnalysisConfig() (AnalysisConfig, error) {
	cfg := defaultAnalysis()
	if path := getenvDefault("PULSE_CONFIG_FILE", ""); path != "" {
		if err := overlayFile(path, &cfg); err != nil {
			return AnalysisConfig{}, err
		}
	}

	cfg.WeightPreset = strings.ToLower(getenvDefault("PULSE_WEIGHT_PRESET", cfg.WeightPreset))
	switch cfg.WeightPreset {
	case "default", "":
	case "balanced":
		cfg.Weights = emotion.BalancedWeights()
	case "custom":
	default:
		return AnalysisConfig{}, fmt.Errorf("unknown PULSE_WEIGHT_PRESET %q", cfg.WeightPreset)
	}
	cfg.Weights.Face = getenvFloatDefault("PULSE_WEIGHT_FACE", cfg.Weights.Face)
	cfg.Weights.Voice = getenvFloatDefault("PULSE_WEIGHT_VOICE", cfg.Weights.Voice)
	cfg.Weights.Text = getenvFloatDefault("PULSE_WEIGHT_TEXT", cfg.Weights.Text)
	cfg.SmoothingWindow = getenvIntDefault("PULSE_SMOOTHING_WINDOW", cfg.SmoothingWindow)
	cfg.SmoothingDecay = getenvFloatDefault("PULSE_SMOOTHING_DECAY", cfg.SmoothingDecay)
	cfg.IntervalMS = getenvIntDefault("PULSE_ANALYSIS_INTERVAL_MS", cfg.IntervalMS)
	cfg.SaveEvery = getenvIntDefault("PULSE_SAVE_EVERY", cfg.SaveEvery)
	cfg.ReadingTTLSecs = getenvIntDefault("PULSE_READING_TTL_SECONDS", cfg.ReadingTTLSecs)
	cfg.AudioWindow = getenvIntDefault("PULSE_AUDIO_WINDOW", cfg.AudioWindow)

	if err := cfg.Weights.Validate(); err != nil {
		return AnalysisConfig{}, err
	}
	if cfg.SmoothingWindow <= 0 {
		return AnalysisConfig{}, fmt.Errorf("smoothing window must be positive, got %d", cfg.SmoothingWindow)
	}
	if cfg.SmoothingDecay <= 0 || cfg.SmoothingDecay > 1 {
		return AnalysisConfig{}, fmt.Errorf("smoothing decay must be in (0,1], got %v", cfg.SmoothingDecay)
	}
	return cfg, nil
}

func overlayFile(path string, cfg *AnalysisConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func LoadAgentConfig() (AgentConfig, error) {
	analysis, err := LoadAnalysisConfig()
	if err != nil {
		return AgentConfig{}, err
	}
	cfg := AgentConfig{
		DataPath:        getenvDefault("PULSE_DATA_PATH", "pulse.db"),
		RemoteBaseURL:   strings.TrimRight(os.Getenv("PULSE_REMOTE_URL"), "/"),
		RemoteToken:     strings.TrimSpace(os.Getenv("PULSE_REMOTE_TOKEN")),
		RemoteTimeout:   time.Duration(getenvIntDefault("PULSE_REMOTE_TIMEOUT_SECONDS", 3)) * time.Second,
		StorageMode:     strings.ToLower(os.Getenv("PULSE_STORAGE_MODE")),
		MonitorInterval: time.Duration(getenvIntDefault("PULSE_MONITOR_INTERVAL_SECONDS", 10)) * time.Second,
		FlushSchedule:   getenvDefault("PULSE_FLUSH_SCHEDULE", "@every 1m"),
		MQTT:            loadMQTTConfig("pulse-agent"),
		Analysis:        analysis,
	}

	switch cfg.StorageMode {
	case "", "local", "remote":
	default:
		return AgentConfig{}, fmt.Errorf("PULSE_STORAGE_MODE must be local or remote, got %q", cfg.StorageMode)
	}
	if cfg.StorageMode == "remote" && cfg.RemoteBaseURL == "" {
		return AgentConfig{}, fmt.Errorf("PULSE_REMOTE_URL is required when PULSE_STORAGE_MODE=remote")
	}
	return cfg, nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddr:     getenvDefault("PULSE_HTTP_ADDR", ":9020"),
		DBDSN:        os.Getenv("DB_DSN"),
		MaxBodyBytes: getenvInt64Default("PULSE_MAX_BODY_BYTES", 1<<20),
		JWTSecret:    os.Getenv("PULSE_JWT_SECRET"),
		TokenTTL:     time.Duration(getenvIntDefault("PULSE_JWT_TTL_HOURS", 24)) * time.Hour,
	}
	if cfg.DBDSN == "" {
		return ServerConfig{}, fmt.Errorf("DB_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return ServerConfig{}, fmt.Errorf("PULSE_JWT_SECRET is required")
	}
	if cfg.TokenTTL <= 0 {
		return ServerConfig{}, fmt.Errorf("PULSE_JWT_TTL_HOURS must be positive")
	}
	return cfg, nil
}

func LoadEmotionServerConfig() (EmotionServerConfig, error) {
	analysis, err := LoadAnalysisConfig()
	if err != nil {
		return EmotionServerConfig{}, err
	}
	return EmotionServerConfig{
		HTTPAddr:     getenvDefault("EMOTION_HTTP_ADDR", ":9012"),
		MaxBodyBytes: getenvInt64Default("EMOTION_MAX_BODY_BYTES", 65536),
		Analysis:     analysis,
	}, nil
}

func LoadCLIConfig() CLIConfig {
	return CLIConfig{
		DataPath:          getenvDefault("PULSE_DATA_PATH", "pulse.db"),
		RemoteBaseURL:     strings.TrimRight(os.Getenv("PULSE_REMOTE_URL"), "/"),
		RemoteToken:       strings.TrimSpace(os.Getenv("PULSE_REMOTE_TOKEN")),
		RemoteTimeout:     time.Duration(getenvIntDefault("PULSE_REMOTE_TIMEOUT_SECONDS", 3)) * time.Second,
		EmotionServiceURL: os.Getenv("EMOTION_SERVICE_URL"),
	}
}

func LoadTerminalSimConfig() (TerminalSimConfig, error) {
	cfg := TerminalSimConfig{
		HTTPAddr:          getenvDefault("TERMINAL_SIM_HTTP_ADDR", ":9011"),
		TerminalID:        getenvDefault("TERMINAL_ID", "terminal-debug-01"),
		SessionID:         os.Getenv("TERMINAL_SESSION_ID"),
		HeartbeatInterval: time.Duration(getenvIntDefault("TERMINAL_HEARTBEAT_INTERVAL_SECONDS", 10)) * time.Second,
		MQTT:              loadMQTTConfig("terminal-sim"),
	}
	if !cfg.MQTT.Enabled() {
		return TerminalSimConfig{}, fmt.Errorf("MQTT_BROKER_URL is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return cfg, nil
}

func loadMQTTConfig(defaultClientID string) MQTTConfig {
	return MQTTConfig{
		BrokerURL:   os.Getenv("MQTT_BROKER_URL"),
		ClientID:    getenvDefault("MQTT_CLIENT_ID", defaultClientID),
		Username:    os.Getenv("MQTT_USERNAME"),
		Password:    os.Getenv("MQTT_PASSWORD"),
		TopicPrefix: getenvDefault("MQTT_TOPIC_PREFIX", "pulse"),
	}
}

func getenvDefault(key, val string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return val
}

func getenvIntDefault(key string, val int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return val
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return val
	}
	return n
}

func getenvInt64Default(key string, val int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return val
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return val
	}
	return n
}

func getenvFloatDefault(key string, val float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return val
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return val
	}
	return f
}
