package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pulse/internal/domain"
	"pulse/internal/emotion"
)

const (
	MinInterval     = 200 * time.Millisecond
	MaxInterval     = 5 * time.Second
	DefaultInterval = time.Second
)

type ReadingSource interface {
	ListOnline() []string
	Fresh(terminalID string) []domain.ModalityReading
	Session(terminalID string) string
}

type ResultPublisher interface {
	PublishCombined(domain.CombinedResult)
}

type RecordSaver interface {
	Save(ctx context.Context, rec domain.EmotionRecord) (domain.EmotionRecord, error)
}

type Config struct {
	Interval  time.Duration
	Window    int
	Decay     float64
	SaveEvery int
}

// Analyzer periodically combines the freshest readings of every online
// terminal, smooths the results over time and publishes them. Every
// SaveEvery ticks the settled result is persisted as a record.
type Analyzer struct {
	source     ReadingSource
	aggregator *emotion.Aggregator
	events     ResultPublisher
	saver      RecordSaver
	cfg        Config
	logger     *slog.Logger

	smMu      sync.Mutex
	smoothers map[string]*emotion.Smoother

	active atomic.Bool
	ticks  int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAnalyzer(source ReadingSource, aggregator *emotion.Aggregator, events ResultPublisher, saver RecordSaver, cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.Interval > MaxInterval {
		cfg.Interval = MaxInterval
	}
	return &Analyzer{
		source:     source,
		aggregator: aggregator,
		events:     events,
		saver:      saver,
		cfg:        cfg,
		logger:     logger,
		smoothers:  make(map[string]*emotion.Smoother),
	}
}

// Start runs the ticker loop in a goroutine until Stop is called or parent
// is done. Calling Start on a running analyzer does nothing.
func (a *Analyzer) Start(parent context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.active.Store(true)

	go func() {
		defer close(done)
		a.run(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit. Results of a tick that
// was in flight are discarded.
func (a *Analyzer) Stop() {
	a.active.Store(false)
	a.runMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *Analyzer) Active() bool {
	return a.active.Load()
}

func (a *Analyzer) run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	a.logger.Info("continuous analysis started", "interval", a.cfg.Interval, "save_every", a.cfg.SaveEvery)

	for {
		select {
		case <-ctx.Done():
			a.active.Store(false)
			a.logger.Info("continuous analysis stopped")
			return
		case tickAt := <-ticker.C:
			a.tick(ctx, tickAt.UTC())
		}
	}
}

func (a *Analyzer) tick(ctx context.Context, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("analysis tick panicked", "panic", rec)
		}
	}()

	a.ticks++
	persist := a.saver != nil && a.cfg.SaveEvery > 0 && a.ticks%a.cfg.SaveEvery == 0

	for _, terminalID := range a.source.ListOnline() {
		if ctx.Err() != nil || !a.active.Load() {
			return
		}
		readings := a.source.Fresh(terminalID)
		if len(readings) == 0 {
			continue
		}
		combined, err := a.aggregator.Combine(readings)
		if err != nil {
			a.logger.Warn("analysis tick: combine failed", "terminal_id", terminalID, "error", err)
			continue
		}
		combined.TerminalID = terminalID

		smoother := a.smoother(terminalID)
		smoother.Push(combined)
		settled, ok := smoother.Settled()
		if !ok {
			continue
		}
		if !a.active.Load() {
			return
		}
		if a.events != nil {
			a.events.PublishCombined(settled)
		}
		if persist {
			a.save(ctx, terminalID, settled, readings, now)
		}
	}
}

func (a *Analyzer) save(ctx context.Context, terminalID string, settled domain.CombinedResult, readings []domain.ModalityReading, now time.Time) {
	if len(settled.Modalities) == 0 {
		return
	}
	raw := make(map[domain.Modality]domain.EmotionVector, len(readings))
	for _, r := range readings {
		raw[r.Modality] = emotion.Normalize(r.Vector)
	}
	confidence := settled.Confidence
	ts := settled.Timestamp
	if ts.IsZero() {
		ts = now
	}
	rec := domain.EmotionRecord{
		Timestamp:       ts,
		DominantEmotion: settled.DominantEmotion,
		Confidence:      &confidence,
		Source:          string(settled.Modalities[0]),
		RawVectors:      raw,
		SessionID:       a.source.Session(terminalID),
	}
	saved, err := a.saver.Save(ctx, rec)
	if err != nil {
		a.logger.Warn("analysis tick: save record failed", "terminal_id", terminalID, "error", err)
		return
	}
	a.logger.Debug("analysis record saved", "terminal_id", terminalID, "record_id", saved.ID, "sync_status", saved.SyncStatus)
}

func (a *Analyzer) smoother(terminalID string) *emotion.Smoother {
	a.smMu.Lock()
	defer a.smMu.Unlock()
	s, ok := a.smoothers[terminalID]
	if !ok {
		s = emotion.NewSmoother(a.cfg.Window, a.cfg.Decay)
		a.smoothers[terminalID] = s
	}
	return s
}

// Reset drops the smoothing history of terminalID.
func (a *Analyzer) Reset(terminalID string) {
	a.smMu.Lock()
	defer a.smMu.Unlock()
	delete(a.smoothers, terminalID)
}
