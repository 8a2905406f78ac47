package emotion

import (
	"strings"
	"time"
	"unicode"

	"pulse/internal/domain"
)

const (
	Schema = "pulse-vector-v1"
	Engine = "go-lexical-v2"
)

const negationLookback = 3

type TextResult struct {
	Emotion    string               `json:"emotion"`
	Confidence float64              `json:"confidence"`
	Sentiment  string               `json:"sentiment"`
	Vector     domain.EmotionVector `json:"vector"`
	Keywords   []string             `json:"keywords,omitempty"`
	WordCount  int                  `json:"word_count"`
}

// TextAnalyzer is a keyword scorer with a short negation window. It is a
// placeholder for a trained model and never fails on empty input.
type TextAnalyzer struct{}

func NewTextAnalyzer() *TextAnalyzer {
	return &TextAnalyzer{}
}

var emotionKeywords = []struct {
	emotion  string
	keywords []string
}{
	{emotion: domain.EmotionHappy, keywords: []string{"happy", "joy", "great", "excellent", "good", "wonderful", "delighted", "pleased", "cheerful", "smile", "love", "amazing", "glad"}},
	{emotion: domain.EmotionSad, keywords: []string{"sad", "disappointed", "unhappy", "bad", "terrible", "depressed", "cry", "down", "gloomy", "miserable", "awful"}},
	{emotion: domain.EmotionAngry, keywords: []string{"angry", "frustrated", "annoyed", "mad", "furious", "irritated", "rage", "hate", "resent", "enraged"}},
	{emotion: domain.EmotionFearful, keywords: []string{"afraid", "scared", "terrified", "frightened", "anxious", "worried", "nervous", "fear"}},
	{emotion: domain.EmotionSurprised, keywords: []string{"wow", "amazed", "shocked", "surprised", "unbelievable", "unexpected", "astonished", "whoa"}},
	{emotion: domain.EmotionExcited, keywords: []string{"excited", "thrilled", "ecstatic", "elated", "energetic", "passionate", "enthusiastic"}},
	{emotion: domain.EmotionDisgusted, keywords: []string{"disgusting", "disgusted", "gross", "nasty", "revolting"}},
	{emotion: domain.EmotionNeutral, keywords: []string{"okay", "ok", "fine", "normal", "average", "standard", "calm", "indifferent", "meh"}},
	{emotion: domain.EmotionConfused, keywords: []string{"confused", "puzzled", "unsure", "lost"}},
}

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "cannot": true, "can't": true,
	"dont": true, "don't": true, "isn't": true, "wasn't": true, "without": true,
}

func isNegation(token string) bool {
	return negations[token] || strings.HasSuffix(token, "n't")
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func (a *TextAnalyzer) Analyze(text string) TextResult {
	tokens := tokenize(text)

	raw := make(domain.EmotionVector, len(emotionKeywords))
	for _, item := range emotionKeywords {
		raw[item.emotion] = 0
	}
	var keywords []string
	seen := make(map[string]bool)

	for i, tok := range tokens {
		for _, item := range emotionKeywords {
			if !containsWord(item.keywords, tok) {
				continue
			}
			if negatedAt(tokens, i) {
				raw[item.emotion] -= 0.5
			} else {
				raw[item.emotion]++
			}
			if !seen[tok] {
				seen[tok] = true
				keywords = append(keywords, tok)
			}
		}
	}

	positive := false
	for _, v := range raw {
		if v > 0 {
			positive = true
			break
		}
	}
	if !positive {
		raw[domain.EmotionNeutral] = 1
	}

	minScore := 0.0
	for _, v := range raw {
		if v < minScore {
			minScore = v
		}
	}
	for k := range raw {
		raw[k] -= minScore
	}

	vec := Normalize(raw)
	dominant, confidence := Dominant(vec)
	return TextResult{
		Emotion:    dominant,
		Confidence: round(confidence, 6),
		Sentiment:  sentimentOf(dominant),
		Vector:     vec,
		Keywords:   keywords,
		WordCount:  len(tokens),
	}
}

func (a *TextAnalyzer) Reading(text string, at time.Time) domain.ModalityReading {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return domain.ModalityReading{
		Modality:   domain.ModalityText,
		Vector:     a.Analyze(text).Vector,
		CapturedAt: at,
	}
}

func negatedAt(tokens []string, i int) bool {
	start := i - negationLookback
	if start < 0 {
		start = 0
	}
	for _, prev := range tokens[start:i] {
		if isNegation(prev) {
			return true
		}
	}
	return false
}

func containsWord(words []string, tok string) bool {
	for _, w := range words {
		if w == tok {
			return true
		}
	}
	return false
}

func sentimentOf(emotion string) string {
	switch emotion {
	case domain.EmotionHappy, domain.EmotionExcited:
		return "positive"
	case domain.EmotionSad, domain.EmotionFearful, domain.EmotionAngry, domain.EmotionDisgusted:
		return "negative"
	default:
		return "neutral"
	}
}
