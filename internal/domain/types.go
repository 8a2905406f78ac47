package domain

import (
	"errors"
	"time"
)

var ErrRecordNotFound = errors.New("emotion record not found")

type Modality string

const (
	ModalityFace  Modality = "face"
	ModalityVoice Modality = "voice"
	ModalityText  Modality = "text"
)

// ModalityOrder is the fixed priority used for tie-breaks and stable output.
var ModalityOrder = []Modality{ModalityFace, ModalityVoice, ModalityText}

func ModalityRank(m Modality) int {
	for i, v := range ModalityOrder {
		if v == m {
			return i
		}
	}
	return len(ModalityOrder)
}

const SourceManual = "manual"

type EmotionVector map[string]float64

func (v EmotionVector) Clone() EmotionVector {
	if v == nil {
		return nil
	}
	out := make(EmotionVector, len(v))
	for k, s := range v {
		out[k] = s
	}
	return out
}

type ModalityReading struct {
	Modality   Modality      `json:"modality"`
	Vector     EmotionVector `json:"vector"`
	CapturedAt time.Time     `json:"captured_at"`
}

type CombinedResult struct {
	TerminalID      string        `json:"terminal_id,omitempty"`
	DominantEmotion string        `json:"dominant_emotion"`
	Confidence      float64       `json:"confidence"`
	Scores          EmotionVector `json:"scores"`
	Modalities      []Modality    `json:"modalities"`
	Timestamp       time.Time     `json:"timestamp"`
}

type SyncStatus string

const (
	SyncSaved   SyncStatus = "saved"
	SyncPending SyncStatus = "pending_sync"
)

type EmotionRecord struct {
	ID              string                     `json:"id"`
	Timestamp       time.Time                  `json:"timestamp"`
	DominantEmotion string                     `json:"dominantEmotion"`
	Confidence      *float64                   `json:"confidence,omitempty"`
	Source          string                     `json:"source"`
	RawVectors      map[Modality]EmotionVector `json:"rawVectors,omitempty"`
	Notes           string                     `json:"notes,omitempty"`
	SessionID       string                     `json:"sessionId,omitempty"`
	UserID          string                     `json:"userId,omitempty"`
	SyncStatus      SyncStatus                 `json:"syncStatus,omitempty"`
}

// PendingSync reports whether the record is only persisted locally and
// still waits for remote replay.
func (r EmotionRecord) PendingSync() bool {
	return r.SyncStatus == SyncPending
}

type RecordPatch struct {
	DominantEmotion *string  `json:"dominantEmotion,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	Source          *string  `json:"source,omitempty"`
	Notes           *string  `json:"notes,omitempty"`
	SessionID       *string  `json:"sessionId,omitempty"`
}

func (p RecordPatch) Empty() bool {
	return p.DominantEmotion == nil && p.Confidence == nil && p.Source == nil && p.Notes == nil && p.SessionID == nil
}

func (p RecordPatch) Apply(rec EmotionRecord) EmotionRecord {
	if p.DominantEmotion != nil {
		rec.DominantEmotion = *p.DominantEmotion
	}
	if p.Confidence != nil {
		c := *p.Confidence
		rec.Confidence = &c
	}
	if p.Source != nil {
		rec.Source = *p.Source
	}
	if p.Notes != nil {
		rec.Notes = *p.Notes
	}
	if p.SessionID != nil {
		rec.SessionID = *p.SessionID
	}
	return rec
}

type QueueAction string

const (
	ActionCreate QueueAction = "create"
	ActionUpdate QueueAction = "update"
	ActionDelete QueueAction = "delete"
)

type QueueEntry struct {
	Seq      int64         `json:"seq"`
	Action   QueueAction   `json:"action"`
	Record   EmotionRecord `json:"record"`
	Patch    *RecordPatch  `json:"patch,omitempty"`
	QueuedAt time.Time     `json:"queuedAt"`
}

type Filter struct {
	StartDate time.Time
	EndDate   time.Time
	Emotion   string
	Source    string
	Limit     int
}

func (f Filter) Match(rec EmotionRecord) bool {
	if !f.StartDate.IsZero() && rec.Timestamp.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && rec.Timestamp.After(f.EndDate) {
		return false
	}
	if f.Emotion != "" && rec.DominantEmotion != f.Emotion {
		return false
	}
	if f.Source != "" && rec.Source != f.Source {
		return false
	}
	return true
}

// Apply keeps matching records in their original order and honours Limit.
func (f Filter) Apply(records []EmotionRecord) []EmotionRecord {
	out := make([]EmotionRecord, 0, len(records))
	for _, rec := range records {
		if !f.Match(rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// SyncState is emitted whenever the storage mode, connectivity or queue
// status of the hybrid persistence changes.
type SyncState struct {
	Mode      string    `json:"mode"`
	Online    bool      `json:"online"`
	Degraded  bool      `json:"degraded"`
	Flushing  bool      `json:"flushing"`
	QueueSize int       `json:"queue_size"`
	LastSync  time.Time `json:"last_sync,omitempty"`
	// LastError is the replay error that halted the latest flush.
	LastError string `json:"last_error,omitempty"`
	TS        string `json:"ts"`
}
