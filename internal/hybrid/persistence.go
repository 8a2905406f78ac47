package hybrid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulse/internal/domain"
	"pulse/internal/remote"
)

type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLocal, ModeRemote:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown storage mode %q", s)
	}
}

const (
	settingMode     = "storage_mode"
	settingLastSync = "last_sync"
)

type LocalStore interface {
	PutRecord(ctx context.Context, rec domain.EmotionRecord) error
	GetRecord(ctx context.Context, id string) (domain.EmotionRecord, error)
	DeleteRecord(ctx context.Context, id string) error
	ListRecords(ctx context.Context, filter domain.Filter) ([]domain.EmotionRecord, error)
	SetSyncStatus(ctx context.Context, id string, status domain.SyncStatus) error
	CompleteCreate(ctx context.Context, seq int64, oldID, newID string, status domain.SyncStatus) error
	Enqueue(ctx context.Context, entry domain.QueueEntry) (domain.QueueEntry, error)
	QueueEntries(ctx context.Context) ([]domain.QueueEntry, error)
	RemoveQueueEntry(ctx context.Context, seq int64) error
	QueueSize(ctx context.Context) (int, error)
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

type RemoteStore interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, rec domain.EmotionRecord) (domain.EmotionRecord, error)
	Update(ctx context.Context, id string, patch domain.RecordPatch) (domain.EmotionRecord, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter domain.Filter) ([]domain.EmotionRecord, error)
}

type StatePublisher interface {
	PublishSyncState(domain.SyncState)
}

type Options struct {
	Logger *slog.Logger
	Events StatePublisher
	Now    func() time.Time
	NewID  func() string
}

type FlushReport struct {
	Replayed  int  `json:"replayed"`
	Remaining int  `json:"remaining"`
	Coalesced bool `json:"coalesced"`
}

type ImportReport struct {
	Imported int `json:"imported"`
	Pending  int `json:"pending"`
	Skipped  int `json:"skipped"`
}

// Persistence writes emotion records to either the local store or the
// remote API. In Remote mode, writes that cannot reach the remote are kept
// locally and queued; FlushQueue replays the queue in FIFO order.
type Persistence struct {
	local  LocalStore
	remote RemoteStore
	events StatePublisher
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	// writeMu serializes every read-modify-write of the local store and
	// queue, including each replayed entry.
	writeMu sync.Mutex

	mu         sync.Mutex
	mode       Mode
	online     bool
	lastSync   time.Time
	flushing   bool
	flushAgain bool
	// lastReplayErr is the error that halted the latest flush, cleared by
	// the next flush that empties the queue.
	lastReplayErr string
}

// New builds a Persistence in Local mode. remote may be nil when no
// backend is configured.
func New(local LocalStore, remoteStore RemoteStore, opts Options) *Persistence {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Persistence{
		local:  local,
		remote: remoteStore,
		events: opts.Events,
		logger: opts.Logger,
		now:    opts.Now,
		newID:  opts.NewID,
		mode:   ModeLocal,
	}
}

// Init restores the persisted mode and last sync time. A persisted Remote
// mode is kept even when the ping fails; the service then runs degraded.
func (p *Persistence) Init(ctx context.Context) error {
	value, ok, err := p.local.Setting(ctx, settingMode)
	if err != nil {
		return fmt.Errorf("load storage mode: %w", err)
	}
	mode := ModeLocal
	if ok {
		if parsed, err := ParseMode(value); err == nil {
			mode = parsed
		}
	}
	if mode == ModeRemote && p.remote == nil {
		p.logger.Warn("persisted remote mode without a remote backend, using local")
		mode = ModeLocal
	}
	if value, ok, err := p.local.Setting(ctx, settingLastSync); err == nil && ok {
		if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
			p.mu.Lock()
			p.lastSync = ts
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
	p.logger.Info("storage mode restored", "mode", mode)

	if mode == ModeRemote {
		p.SetOnline(ctx, p.remote.Ping(ctx) == nil)
	} else {
		p.emitState(ctx)
	}
	return nil
}

func (p *Persistence) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Persistence) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// SetMode switches storage mode. Switching to Remote pings the remote
// first and returns *RemoteUnavailableError without changing mode when the
// ping fails.
func (p *Persistence) SetMode(ctx context.Context, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if mode == ModeRemote {
		if p.remote == nil {
			return &RemoteUnavailableError{Err: ErrNoRemote}
		}
		if err := p.remote.Ping(ctx); err != nil {
			p.logger.Warn("remote ping failed, keeping storage mode", "mode", p.Mode(), "error", err)
			return &RemoteUnavailableError{Err: err}
		}
	}

	p.mu.Lock()
	p.mode = mode
	if mode == ModeRemote {
		p.online = true
	}
	p.mu.Unlock()

	if err := p.local.SetSetting(ctx, settingMode, string(mode)); err != nil {
		p.logger.Warn("persist storage mode failed", "mode", mode, "error", err)
	}
	p.logger.Info("storage mode changed", "mode", mode)
	p.emitState(ctx)

	if mode == ModeRemote {
		p.flushIfQueued(ctx)
	}
	return nil
}

// Save validates rec and writes it according to the current mode. The
// returned record's SyncStatus tells whether the backend confirmed it
// (saved) or it waits in the offline queue (pending_sync).
func (p *Persistence) Save(ctx context.Context, rec domain.EmotionRecord) (domain.EmotionRecord, error) {
	if err := domain.Validate(rec); err != nil {
		return domain.EmotionRecord{}, err
	}
	rec = domain.Canonicalize(rec)
	if rec.ID == "" {
		rec.ID = p.newID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = p.now().UTC()
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.Mode() == ModeLocal {
		rec.SyncStatus = domain.SyncSaved
		if err := p.local.PutRecord(ctx, rec); err != nil {
			return domain.EmotionRecord{}, err
		}
		return rec, nil
	}

	if p.canWriteRemote(ctx) {
		outbound := rec
		outbound.SyncStatus = ""
		created, err := p.remote.Create(ctx, outbound)
		if err == nil {
			confirmed := mergeConfirmed(rec, created)
			if err := p.local.PutRecord(ctx, confirmed); err != nil {
				p.logger.Warn("mirror confirmed record locally failed", "record_id", confirmed.ID, "error", err)
			}
			p.markSynced(ctx)
			return confirmed, nil
		}
		if !remote.IsUnavailable(err) {
			return domain.EmotionRecord{}, fmt.Errorf("remote save: %w", err)
		}
		p.logger.Warn("remote save failed, queueing record", "record_id", rec.ID, "error", err)
		p.setOffline(ctx)
	}

	rec.SyncStatus = domain.SyncPending
	if err := p.local.PutRecord(ctx, rec); err != nil {
		return domain.EmotionRecord{}, err
	}
	if _, err := p.local.Enqueue(ctx, domain.QueueEntry{Action: domain.ActionCreate, Record: rec, QueuedAt: p.now().UTC()}); err != nil {
		return domain.EmotionRecord{}, fmt.Errorf("queue record: %w", err)
	}
	p.emitState(ctx)
	return rec, nil
}

// Get reads from the remote when in Remote mode and online, falling back to
// the local store on any remote failure. Records still pending sync are
// merged into remote results so nothing saved offline disappears.
func (p *Persistence) Get(ctx context.Context, filter domain.Filter) ([]domain.EmotionRecord, error) {
	if p.Mode() == ModeRemote && p.Online() {
		records, err := p.remote.List(ctx, filter)
		if err == nil {
			return p.mergePending(ctx, records, filter), nil
		}
		p.logger.Warn("remote read failed, using local store", "error", err)
		if remote.IsUnavailable(err) {
			p.setOffline(ctx)
		}
	}
	return p.local.ListRecords(ctx, filter)
}

func (p *Persistence) mergePending(ctx context.Context, records []domain.EmotionRecord, filter domain.Filter) []domain.EmotionRecord {
	local, err := p.local.ListRecords(ctx, domain.Filter{StartDate: filter.StartDate, EndDate: filter.EndDate, Emotion: filter.Emotion, Source: filter.Source})
	if err != nil {
		p.logger.Warn("list pending records failed", "error", err)
		return records
	}
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[r.ID] = true
	}
	added := false
	for _, r := range local {
		if r.PendingSync() && !seen[r.ID] {
			records = append(records, r)
			added = true
		}
	}
	if !added {
		return records
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records
}

// Update applies patch to the record with id. The merged record must pass
// validation.
func (p *Persistence) Update(ctx context.Context, id string, patch domain.RecordPatch) (domain.EmotionRecord, error) {
	if patch.Empty() {
		return domain.EmotionRecord{}, &domain.ValidationError{Field: "patch", Reason: "has no fields"}
	}
	if err := domain.ValidatePatch(patch); err != nil {
		return domain.EmotionRecord{}, err
	}
	patch = domain.CanonicalizePatch(patch)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	current, localErr := p.local.GetRecord(ctx, id)
	if localErr != nil && !errors.Is(localErr, domain.ErrRecordNotFound) {
		return domain.EmotionRecord{}, localErr
	}
	haveLocal := localErr == nil
	if haveLocal {
		if err := domain.Validate(patch.Apply(current)); err != nil {
			return domain.EmotionRecord{}, err
		}
	}

	if p.Mode() == ModeLocal {
		if !haveLocal {
			return domain.EmotionRecord{}, localErr
		}
		merged := patch.Apply(current)
		merged.SyncStatus = domain.SyncSaved
		if err := p.local.PutRecord(ctx, merged); err != nil {
			return domain.EmotionRecord{}, err
		}
		return merged, nil
	}

	if p.canWriteRemote(ctx) {
		updated, err := p.remote.Update(ctx, id, patch)
		if err == nil {
			base := patch.Apply(current)
			if !haveLocal {
				base = patch.Apply(domain.EmotionRecord{ID: id})
			}
			confirmed := mergeConfirmed(base, updated)
			if err := p.local.PutRecord(ctx, confirmed); err != nil {
				p.logger.Warn("mirror updated record locally failed", "record_id", id, "error", err)
			}
			p.markSynced(ctx)
			return confirmed, nil
		}
		if remote.IsNotFound(err) {
			return domain.EmotionRecord{}, fmt.Errorf("remote update %s: %w", id, domain.ErrRecordNotFound)
		}
		if !remote.IsUnavailable(err) {
			return domain.EmotionRecord{}, fmt.Errorf("remote update: %w", err)
		}
		p.logger.Warn("remote update failed, queueing patch", "record_id", id, "error", err)
		p.setOffline(ctx)
	}

	merged := patch.Apply(domain.EmotionRecord{ID: id})
	if haveLocal {
		merged = patch.Apply(current)
		merged.SyncStatus = domain.SyncPending
		if err := p.local.PutRecord(ctx, merged); err != nil {
			return domain.EmotionRecord{}, err
		}
	}
	merged.SyncStatus = domain.SyncPending
	queued := patch
	if _, err := p.local.Enqueue(ctx, domain.QueueEntry{Action: domain.ActionUpdate, Record: merged, Patch: &queued, QueuedAt: p.now().UTC()}); err != nil {
		return domain.EmotionRecord{}, fmt.Errorf("queue update: %w", err)
	}
	p.emitState(ctx)
	return merged, nil
}

func (p *Persistence) Delete(ctx context.Context, id string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.Mode() == ModeLocal {
		return p.local.DeleteRecord(ctx, id)
	}

	if p.canWriteRemote(ctx) {
		err := p.remote.Delete(ctx, id)
		if err == nil || remote.IsNotFound(err) {
			localErr := p.local.DeleteRecord(ctx, id)
			if err != nil && errors.Is(localErr, domain.ErrRecordNotFound) {
				return domain.ErrRecordNotFound
			}
			if localErr != nil && !errors.Is(localErr, domain.ErrRecordNotFound) {
				return localErr
			}
			if err == nil {
				p.markSynced(ctx)
			}
			return nil
		}
		if !remote.IsUnavailable(err) {
			return fmt.Errorf("remote delete: %w", err)
		}
		p.logger.Warn("remote delete failed, queueing delete", "record_id", id, "error", err)
		p.setOffline(ctx)
	}

	if err := p.local.DeleteRecord(ctx, id); err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return err
	}
	if _, err := p.local.Enqueue(ctx, domain.QueueEntry{Action: domain.ActionDelete, Record: domain.EmotionRecord{ID: id}, QueuedAt: p.now().UTC()}); err != nil {
		return fmt.Errorf("queue delete: %w", err)
	}
	p.emitState(ctx)
	return nil
}

// canWriteRemote is true when a write may go straight to the remote. With
// entries still queued, new writes queue behind them to keep FIFO order.
func (p *Persistence) canWriteRemote(ctx context.Context) bool {
	if p.remote == nil || !p.Online() {
		return false
	}
	n, err := p.local.QueueSize(ctx)
	if err != nil {
		p.logger.Warn("read queue size failed", "error", err)
		return false
	}
	return n == 0
}

// mergeConfirmed takes the server's record as canonical and fills the
// fields it did not echo from the local copy.
func mergeConfirmed(local, server domain.EmotionRecord) domain.EmotionRecord {
	out := server
	if out.ID == "" {
		out.ID = local.ID
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = local.Timestamp
	}
	if out.DominantEmotion == "" {
		out.DominantEmotion = local.DominantEmotion
	}
	if out.Source == "" {
		out.Source = local.Source
	}
	if out.Confidence == nil {
		out.Confidence = local.Confidence
	}
	if out.RawVectors == nil {
		out.RawVectors = local.RawVectors
	}
	if out.Notes == "" {
		out.Notes = local.Notes
	}
	if out.SessionID == "" {
		out.SessionID = local.SessionID
	}
	if out.UserID == "" {
		out.UserID = local.UserID
	}
	out.SyncStatus = domain.SyncSaved
	return out
}

// Import saves each record through Save. Invalid records are skipped and
// counted; any other failure stops the import.
func (p *Persistence) Import(ctx context.Context, records []domain.EmotionRecord) (ImportReport, error) {
	var report ImportReport
	for _, rec := range records {
		rec.SyncStatus = ""
		saved, err := p.Save(ctx, rec)
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			p.logger.Warn("skip invalid imported record", "record_id", rec.ID, "error", err)
			report.Skipped++
			continue
		case err != nil:
			return report, err
		}
		report.Imported++
		if saved.PendingSync() {
			report.Pending++
		}
	}
	return report, nil
}
