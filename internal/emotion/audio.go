package emotion

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"pulse/internal/domain"
)

const (
	DefaultAudioBuffer = 20
	minAudioFrames     = 5
)

type AudioThresholds struct {
	HighVolume  float64 `yaml:"high_volume" json:"high_volume"`
	LowVolume   float64 `yaml:"low_volume" json:"low_volume"`
	HighPitch   float64 `yaml:"high_pitch" json:"high_pitch"`
	LowPitch    float64 `yaml:"low_pitch" json:"low_pitch"`
	Consistency float64 `yaml:"consistency" json:"consistency"`
}

func DefaultAudioThresholds() AudioThresholds {
	return AudioThresholds{
		HighVolume:  0.7,
		LowVolume:   0.3,
		HighPitch:   0.6,
		LowPitch:    0.4,
		Consistency: 0.5,
	}
}

type AudioFeatures struct {
	Volume         float64 `json:"volume"`
	Pitch          float64 `json:"pitch"`
	VolumeVariance float64 `json:"volume_variance"`
	PitchVariance  float64 `json:"pitch_variance"`
}

type AudioResult struct {
	Emotion    string               `json:"emotion"`
	Confidence float64              `json:"confidence"`
	Vector     domain.EmotionVector `json:"vector"`
	Features   AudioFeatures        `json:"features"`
	Frames     int                  `json:"frames"`
}

// AudioAnalyzer classifies a rolling buffer of (volume, pitch) frames with
// fixed threshold rules. The thresholds are placeholders, not a trained model.
type AudioAnalyzer struct {
	mu         sync.Mutex
	size       int
	thresholds AudioThresholds
	volumes    []float64
	pitches    []float64
}

func NewAudioAnalyzer(size int, thresholds AudioThresholds) *AudioAnalyzer {
	if size <= 0 {
		size = DefaultAudioBuffer
	}
	return &AudioAnalyzer{
		size:       size,
		thresholds: thresholds,
		volumes:    make([]float64, 0, size),
		pitches:    make([]float64, 0, size),
	}
}

// SpectrumFeatures derives a normalized volume (mean magnitude) and pitch
// (position of the strongest bin) from a byte frequency spectrum.
func SpectrumFeatures(spectrum []byte) (volume, pitch float64) {
	if len(spectrum) == 0 {
		return 0, 0
	}
	mags := make([]float64, len(spectrum))
	for i, b := range spectrum {
		mags[i] = float64(b)
	}
	volume = floats.Sum(mags) / float64(len(mags)) / 255
	peak := floats.MaxIdx(mags)
	pitch = clamp((float64(peak)/float64(len(mags))-0.1)/0.4, 0, 1)
	return volume, pitch
}

func (a *AudioAnalyzer) PushSpectrum(spectrum []byte) {
	v, p := SpectrumFeatures(spectrum)
	a.PushFrame(v, p)
}

func (a *AudioAnalyzer) PushFrame(volume, pitch float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.volumes = append(a.volumes, clamp(volume, 0, 1))
	a.pitches = append(a.pitches, clamp(pitch, 0, 1))
	if len(a.volumes) > a.size {
		a.volumes = a.volumes[1:]
		a.pitches = a.pitches[1:]
	}
}

func (a *AudioAnalyzer) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.volumes)
}

func (a *AudioAnalyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.volumes = a.volumes[:0]
	a.pitches = a.pitches[:0]
}

func (a *AudioAnalyzer) Analyze() AudioResult {
	a.mu.Lock()
	volumes := append([]float64(nil), a.volumes...)
	pitches := append([]float64(nil), a.pitches...)
	a.mu.Unlock()

	if len(volumes) < minAudioFrames {
		return AudioResult{
			Emotion:    domain.EmotionNeutral,
			Confidence: 0.7,
			Vector:     spread(domain.EmotionNeutral, 0.7),
			Features:   AudioFeatures{Volume: 0.5, Pitch: 0.5},
			Frames:     len(volumes),
		}
	}

	volMean, volVar := stat.PopMeanVariance(volumes, nil)
	pitchMean, pitchVar := stat.PopMeanVariance(pitches, nil)
	label := a.classify(volMean, pitchMean, volVar, pitchVar)
	conf := a.confidence(label, volMean, pitchMean)

	return AudioResult{
		Emotion:    label,
		Confidence: round(conf, 6),
		Vector:     spread(label, conf),
		Features: AudioFeatures{
			Volume:         round(volMean, 6),
			Pitch:          round(pitchMean, 6),
			VolumeVariance: round(volVar, 6),
			PitchVariance:  round(pitchVar, 6),
		},
		Frames: len(volumes),
	}
}

func (a *AudioAnalyzer) Reading(at time.Time) domain.ModalityReading {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return domain.ModalityReading{
		Modality:   domain.ModalityVoice,
		Vector:     a.Analyze().Vector,
		CapturedAt: at,
	}
}

func (a *AudioAnalyzer) classify(volume, pitch, volVar, pitchVar float64) string {
	th := a.thresholds
	highVolume := volume > th.HighVolume
	lowVolume := volume < th.LowVolume
	highPitch := pitch > th.HighPitch
	lowPitch := pitch < th.LowPitch
	consistent := volVar < th.Consistency && pitchVar < th.Consistency

	switch {
	case highVolume && lowPitch:
		return domain.EmotionAngry
	case highVolume && highPitch:
		return domain.EmotionExcited
	case lowVolume && highPitch:
		return domain.EmotionFearful
	case lowVolume && lowPitch:
		return domain.EmotionSad
	case highPitch && !consistent:
		return domain.EmotionSurprised
	default:
		return domain.EmotionNeutral
	}
}

// confidence grows linearly with the distance past the deciding threshold.
func (a *AudioAnalyzer) confidence(label string, volume, pitch float64) float64 {
	th := a.thresholds
	conf := 0.5
	switch label {
	case domain.EmotionAngry:
		conf = 0.7 + (volume-th.HighVolume)*2
	case domain.EmotionExcited, domain.EmotionFearful, domain.EmotionSurprised:
		conf = 0.7 + (pitch-th.HighPitch)*2
	case domain.EmotionSad:
		conf = 0.7 + (th.LowVolume-volume)*2
	}
	return clamp(conf, 0.1, 0.95)
}
