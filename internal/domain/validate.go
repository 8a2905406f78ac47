package domain

import (
	"fmt"
	"math"
	"strings"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid emotion record: %s %s", e.Field, e.Reason)
}

// Validate checks the structure of a record before it is written anywhere.
// Label and source aliases are accepted; callers store the canonical form
// returned by Canonicalize.
func Validate(rec EmotionRecord) error {
	if strings.TrimSpace(rec.DominantEmotion) == "" {
		return &ValidationError{Field: "dominantEmotion", Reason: "is required"}
	}
	if _, ok := CanonicalLabel(rec.DominantEmotion); !ok {
		return &ValidationError{Field: "dominantEmotion", Reason: fmt.Sprintf("%q is not a known emotion", rec.DominantEmotion)}
	}
	if strings.TrimSpace(rec.Source) == "" {
		return &ValidationError{Field: "source", Reason: "is required"}
	}
	if _, ok := CanonicalSource(rec.Source); !ok {
		return &ValidationError{Field: "source", Reason: fmt.Sprintf("%q is not a known source", rec.Source)}
	}
	if rec.Confidence != nil {
		if err := validateConfidence(*rec.Confidence); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePatch checks only the fields a patch sets.
func ValidatePatch(p RecordPatch) error {
	if p.DominantEmotion != nil {
		if _, ok := CanonicalLabel(*p.DominantEmotion); !ok {
			return &ValidationError{Field: "dominantEmotion", Reason: fmt.Sprintf("%q is not a known emotion", *p.DominantEmotion)}
		}
	}
	if p.Source != nil {
		if _, ok := CanonicalSource(*p.Source); !ok {
			return &ValidationError{Field: "source", Reason: fmt.Sprintf("%q is not a known source", *p.Source)}
		}
	}
	if p.Confidence != nil {
		return validateConfidence(*p.Confidence)
	}
	return nil
}

func validateConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("%v is outside [0,1]", c)}
	}
	return nil
}

// Canonicalize rewrites label and source aliases. It assumes Validate passed.
func Canonicalize(rec EmotionRecord) EmotionRecord {
	if l, ok := CanonicalLabel(rec.DominantEmotion); ok {
		rec.DominantEmotion = l
	}
	if s, ok := CanonicalSource(rec.Source); ok {
		rec.Source = s
	}
	return rec
}

func CanonicalizePatch(p RecordPatch) RecordPatch {
	if p.DominantEmotion != nil {
		if l, ok := CanonicalLabel(*p.DominantEmotion); ok {
			p.DominantEmotion = &l
		}
	}
	if p.Source != nil {
		if s, ok := CanonicalSource(*p.Source); ok {
			p.Source = &s
		}
	}
	return p
}
