package readings

import (
	"sort"
	"strings"
	"sync"
	"time"

	"pulse/internal/domain"
)

type TerminalState struct {
	TerminalID  string
	SessionID   string
	Readings    map[domain.Modality]domain.ModalityReading
	Online      bool
	LastUpdated time.Time
}

// Registry keeps the latest reading per modality for every terminal.
// Readings older than the TTL are not returned.
type Registry struct {
	mu         sync.RWMutex
	data       map[string]TerminalState
	readingTTL time.Duration
	now        func() time.Time
}

func NewRegistry(readingTTL time.Duration) *Registry {
	if readingTTL <= 0 {
		readingTTL = 10 * time.Second
	}
	return &Registry{
		data:       make(map[string]TerminalState),
		readingTTL: readingTTL,
		now:        time.Now,
	}
}

// Put stores reading for terminalID unless a newer reading of the same
// modality is already held.
func (r *Registry) Put(terminalID string, reading domain.ModalityReading) {
	if reading.CapturedAt.IsZero() {
		reading.CapturedAt = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.data[terminalID]
	if state.Readings == nil {
		state.Readings = make(map[domain.Modality]domain.ModalityReading, len(domain.ModalityOrder))
	}
	if current, ok := state.Readings[reading.Modality]; ok && current.CapturedAt.After(reading.CapturedAt) {
		return
	}
	reading.Vector = reading.Vector.Clone()
	state.TerminalID = terminalID
	state.Readings[reading.Modality] = reading
	state.Online = true
	state.LastUpdated = r.now()
	r.data[terminalID] = state
}

func (r *Registry) SetOnline(terminalID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.data[terminalID]
	state.TerminalID = terminalID
	state.Online = online
	state.LastUpdated = r.now()
	r.data[terminalID] = state
}

func (r *Registry) SetSession(terminalID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.data[terminalID]
	state.TerminalID = terminalID
	state.SessionID = sessionID
	state.LastUpdated = r.now()
	r.data[terminalID] = state
}

func (r *Registry) Session(terminalID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data[terminalID].SessionID
}

// Fresh returns the unexpired readings of terminalID in modality order.
func (r *Registry) Fresh(terminalID string) []domain.ModalityReading {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.data[terminalID]
	if !ok || !state.Online {
		return nil
	}
	now := r.now()
	out := make([]domain.ModalityReading, 0, len(state.Readings))
	for _, m := range domain.ModalityOrder {
		reading, ok := state.Readings[m]
		if !ok || r.isExpired(reading.CapturedAt, now) {
			continue
		}
		reading.Vector = reading.Vector.Clone()
		out = append(out, reading)
	}
	return out
}

// ListOnline returns the ids of online terminals, sorted.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.data))
	for id, state := range r.data {
		if strings.TrimSpace(id) == "" || !state.Online {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) isExpired(at, now time.Time) bool {
	if r.readingTTL <= 0 {
		return false
	}
	return now.Sub(at) > r.readingTTL
}
