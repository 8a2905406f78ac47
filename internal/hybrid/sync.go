package hybrid

import (
	"context"
	"errors"
	"time"

	"pulse/internal/domain"
	"pulse/internal/remote"
)

// FlushQueue replays queued writes against the remote in FIFO order. The
// first entry that fails halts the pass and is reported as
// *QueueReplayError; it stays queued with everything behind it. A call
// made while a flush is running is folded into that flush.
func (p *Persistence) FlushQueue(ctx context.Context) (FlushReport, error) {
	if p.remote == nil {
		return FlushReport{}, ErrNoRemote
	}

	p.mu.Lock()
	if p.flushing {
		p.flushAgain = true
		p.mu.Unlock()
		return FlushReport{Coalesced: true}, nil
	}
	p.flushing = true
	p.mu.Unlock()
	p.emitState(ctx)

	var (
		report FlushReport
		err    error
	)
	for {
		var replayed int
		replayed, err = p.flushPass(ctx)
		report.Replayed += replayed

		remaining, sizeErr := p.local.QueueSize(ctx)
		if sizeErr != nil && err == nil {
			err = sizeErr
		}
		report.Remaining = remaining

		p.mu.Lock()
		again := err == nil && (p.flushAgain || remaining > 0) && ctx.Err() == nil
		p.flushAgain = false
		if !again {
			p.flushing = false
		}
		p.mu.Unlock()
		if !again {
			break
		}
	}

	p.mu.Lock()
	if err == nil {
		p.lastReplayErr = ""
	} else {
		p.lastReplayErr = err.Error()
	}
	p.mu.Unlock()

	if err == nil {
		p.markSynced(ctx)
		if report.Replayed > 0 {
			p.logger.Info("offline queue flushed", "replayed", report.Replayed)
		}
	} else {
		p.logger.Warn("offline queue flush halted", "replayed", report.Replayed, "remaining", report.Remaining, "error", err)
		p.emitState(ctx)
	}
	return report, err
}

func (p *Persistence) flushPass(ctx context.Context) (int, error) {
	entries, err := p.local.QueueEntries(ctx)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := p.replayEntry(ctx, entries, i); err != nil {
			if remote.IsUnavailable(err) {
				p.setOffline(ctx)
			}
			return replayed, &QueueReplayError{Entry: entries[i], Err: err}
		}
		replayed++
	}
	return replayed, nil
}

// replayEntry sends entries[i] to the remote and removes it from the queue.
// When the remote assigns a new id to a created record, later entries in
// entries are pointed at that id as well.
func (p *Persistence) replayEntry(ctx context.Context, entries []domain.QueueEntry, i int) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	entry := entries[i]
	id := entry.Record.ID
	laterForID := false
	for _, next := range entries[i+1:] {
		if next.Record.ID == id {
			laterForID = true
			break
		}
	}
	status := domain.SyncSaved
	if laterForID {
		status = domain.SyncPending
	}

	switch entry.Action {
	case domain.ActionCreate:
		outbound := entry.Record
		outbound.SyncStatus = ""
		created, err := p.remote.Create(ctx, outbound)
		if err != nil {
			return err
		}
		newID := id
		if created.ID != "" {
			newID = created.ID
		}
		if err := p.local.CompleteCreate(ctx, entry.Seq, id, newID, status); err != nil {
			return err
		}
		if newID != id {
			for j := i + 1; j < len(entries); j++ {
				if entries[j].Record.ID == id {
					entries[j].Record.ID = newID
				}
			}
		}
		return nil

	case domain.ActionUpdate:
		if entry.Patch == nil {
			return p.local.RemoveQueueEntry(ctx, entry.Seq)
		}
		if _, err := p.remote.Update(ctx, id, *entry.Patch); err != nil {
			if !remote.IsNotFound(err) {
				return err
			}
			p.logger.Warn("queued update target missing remotely, dropping", "record_id", id)
		}
		if err := p.local.RemoveQueueEntry(ctx, entry.Seq); err != nil {
			return err
		}
		return p.settle(ctx, id, status)

	case domain.ActionDelete:
		if err := p.remote.Delete(ctx, id); err != nil && !remote.IsNotFound(err) {
			return err
		}
		return p.local.RemoveQueueEntry(ctx, entry.Seq)

	default:
		p.logger.Warn("dropping queue entry with unknown action", "seq", entry.Seq, "action", entry.Action)
		return p.local.RemoveQueueEntry(ctx, entry.Seq)
	}
}

func (p *Persistence) settle(ctx context.Context, id string, status domain.SyncStatus) error {
	err := p.local.SetSyncStatus(ctx, id, status)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	return err
}

// SetOnline records a connectivity signal. Going from offline to online in
// Remote mode starts a flush of the offline queue.
func (p *Persistence) SetOnline(ctx context.Context, online bool) {
	p.mu.Lock()
	was := p.online
	p.online = online
	mode := p.mode
	p.mu.Unlock()

	if was == online {
		return
	}
	p.logger.Info("connectivity changed", "online", online, "mode", mode)
	p.emitState(ctx)
	if online && mode == ModeRemote {
		p.flushIfQueued(ctx)
	}
}

func (p *Persistence) flushIfQueued(ctx context.Context) {
	n, err := p.local.QueueSize(ctx)
	if err != nil || n == 0 {
		return
	}
	if _, err := p.FlushQueue(ctx); err != nil {
		p.logger.Warn("flush after reconnect failed", "error", err)
	}
}

// RunConnectivityMonitor pings the remote every interval while in Remote
// mode and feeds the result to SetOnline. It blocks until ctx is done.
func (p *Persistence) RunConnectivityMonitor(ctx context.Context, interval time.Duration) {
	if p.remote == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.logger.Info("connectivity monitor started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Mode() != ModeRemote {
				continue
			}
			err := p.remote.Ping(ctx)
			if ctx.Err() != nil {
				return
			}
			p.SetOnline(ctx, err == nil)
		}
	}
}

// State reports mode, connectivity and queue status.
func (p *Persistence) State(ctx context.Context) (domain.SyncState, error) {
	size, err := p.local.QueueSize(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.SyncState{
		Mode:      string(p.mode),
		Online:    p.online,
		Degraded:  p.mode == ModeRemote && !p.online,
		Flushing:  p.flushing,
		QueueSize: size,
		LastSync:  p.lastSync,
		LastError: p.lastReplayErr,
		TS:        p.now().UTC().Format(time.RFC3339Nano),
	}, err
}

func (p *Persistence) emitState(ctx context.Context) {
	if p.events == nil {
		return
	}
	state, err := p.State(ctx)
	if err != nil {
		p.logger.Warn("read sync state failed", "error", err)
	}
	p.events.PublishSyncState(state)
}

func (p *Persistence) setOffline(ctx context.Context) {
	p.mu.Lock()
	was := p.online
	p.online = false
	p.mu.Unlock()
	if was {
		p.logger.Warn("remote storage went offline")
		p.emitState(ctx)
	}
}

// markSynced records a successful remote round trip. It marks the service
// online without triggering another flush.
func (p *Persistence) markSynced(ctx context.Context) {
	now := p.now().UTC()
	p.mu.Lock()
	p.online = true
	p.lastSync = now
	p.mu.Unlock()
	if err := p.local.SetSetting(ctx, settingLastSync, now.Format(time.RFC3339Nano)); err != nil {
		p.logger.Warn("persist last sync failed", "error", err)
	}
	p.emitState(ctx)
}
