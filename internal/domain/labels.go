package domain

import "strings"

const (
	EmotionHappy     = "happy"
	EmotionSad       = "sad"
	EmotionAngry     = "angry"
	EmotionNeutral   = "neutral"
	EmotionSurprised = "surprised"
	EmotionFearful   = "fearful"
	EmotionDisgusted = "disgusted"
	EmotionExcited   = "excited"
	EmotionConfused  = "confused"
)

var knownLabels = []string{
	EmotionHappy,
	EmotionSad,
	EmotionAngry,
	EmotionNeutral,
	EmotionSurprised,
	EmotionFearful,
	EmotionDisgusted,
	EmotionExcited,
	EmotionConfused,
}

var labelAliases = map[string]string{
	"happiness":  EmotionHappy,
	"joy":        EmotionHappy,
	"joyful":     EmotionHappy,
	"sadness":    EmotionSad,
	"anger":      EmotionAngry,
	"mad":        EmotionAngry,
	"calm":       EmotionNeutral,
	"surprise":   EmotionSurprised,
	"fear":       EmotionFearful,
	"scared":     EmotionFearful,
	"disgust":    EmotionDisgusted,
	"excitement": EmotionExcited,
	"confusion":  EmotionConfused,
}

var sourceAliases = map[string]string{
	"face":              string(ModalityFace),
	"camera":            string(ModalityFace),
	"camera_snapshot":   string(ModalityFace),
	"voice":             string(ModalityVoice),
	"audio":             string(ModalityVoice),
	"text":              string(ModalityText),
	"manual":            SourceManual,
	"manual_submission": SourceManual,
}

// KnownLabels returns the canonical label set in its fixed order.
func KnownLabels() []string {
	out := make([]string, len(knownLabels))
	copy(out, knownLabels)
	return out
}

func LabelRank(label string) int {
	for i, l := range knownLabels {
		if l == label {
			return i
		}
	}
	return len(knownLabels)
}

// CanonicalLabel maps a label or one of its aliases onto the canonical set.
func CanonicalLabel(label string) (string, bool) {
	key := strings.TrimSpace(strings.ToLower(label))
	if key == "" {
		return "", false
	}
	if LabelRank(key) < len(knownLabels) {
		return key, true
	}
	aliased, ok := labelAliases[key]
	return aliased, ok
}

func CanonicalSource(source string) (string, bool) {
	key := strings.TrimSpace(strings.ToLower(source))
	v, ok := sourceAliases[key]
	return v, ok
}

func ParseModality(s string) (Modality, bool) {
	v, ok := CanonicalSource(s)
	if !ok || v == SourceManual {
		return "", false
	}
	return Modality(v), true
}
