package events

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"pulse/internal/domain"
)

type CombinedHandler func(domain.CombinedResult)

type SyncStateHandler func(domain.SyncState)

// Bus fans combined results and sync state changes out to subscribers.
// Handlers run synchronously on the publishing goroutine; a panicking
// handler is logged and does not affect the others.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	combined map[int]CombinedHandler
	sync     map[int]SyncStateHandler
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		combined: make(map[int]CombinedHandler),
		sync:     make(map[int]SyncStateHandler),
		logger:   logger,
	}
}

// OnCombinedResult registers h and returns a func that removes it.
func (b *Bus) OnCombinedResult(h CombinedHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.combined[id] = h
	return func() {
		b.mu.Lock()
		delete(b.combined, id)
		b.mu.Unlock()
	}
}

func (b *Bus) OnSyncStateChange(h SyncStateHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.sync[id] = h
	return func() {
		b.mu.Lock()
		delete(b.sync, id)
		b.mu.Unlock()
	}
}

func (b *Bus) PublishCombined(r domain.CombinedResult) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]CombinedHandler, 0, len(b.combined))
	for _, h := range b.combined {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safely("combined", func() { h(r) })
	}
}

func (b *Bus) PublishSyncState(s domain.SyncState) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]SyncStateHandler, 0, len(b.sync))
	for _, h := range b.sync {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safely("sync_state", func() { h(s) })
	}
}

// CombinedStream delivers combined results on a channel until ctx is done.
// Results are dropped when the consumer falls more than buf behind.
func (b *Bus) CombinedStream(ctx context.Context, buf int) <-chan domain.CombinedResult {
	ch := make(chan domain.CombinedResult, bufSize(buf))
	stream(ctx, b, ch, b.OnCombinedResult)
	return ch
}

func (b *Bus) SyncStateStream(ctx context.Context, buf int) <-chan domain.SyncState {
	ch := make(chan domain.SyncState, bufSize(buf))
	stream(ctx, b, ch, b.OnSyncStateChange)
	return ch
}

func stream[T any, H ~func(T)](ctx context.Context, b *Bus, ch chan T, subscribe func(H) func()) {
	var mu sync.Mutex
	closed := false
	unsubscribe := subscribe(func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
			b.logger.Debug("event stream full, dropping event")
		}
	})
	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
}

func bufSize(buf int) int {
	if buf <= 0 {
		return 16
	}
	return buf
}

func (b *Bus) safely(kind string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event handler panicked", "kind", kind, "panic", rec)
		}
	}()
	fn()
}
