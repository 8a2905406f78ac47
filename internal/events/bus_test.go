package events

import (
	"context"
	"testing"
	"time"

	"pulse/internal/domain"
)

func TestBusDeliversAndUnsubscribes(t *testing.T) {
	bus := NewBus(nil)
	var got []string
	unsubscribe := bus.OnCombinedResult(func(r domain.CombinedResult) {
		got = append(got, r.DominantEmotion)
	})

	bus.PublishCombined(domain.CombinedResult{DominantEmotion: "happy"})
	unsubscribe()
	bus.PublishCombined(domain.CombinedResult{DominantEmotion: "sad"})

	if len(got) != 1 || got[0] != "happy" {
		t.Fatalf("got=%v, want [happy]", got)
	}
}

func TestBusRecoversFromPanickingHandler(t *testing.T) {
	bus := NewBus(nil)
	bus.OnSyncStateChange(func(domain.SyncState) { panic("boom") })
	called := 0
	bus.OnSyncStateChange(func(domain.SyncState) { called++ })

	bus.PublishSyncState(domain.SyncState{Mode: "local"})
	bus.PublishSyncState(domain.SyncState{Mode: "remote"})

	if called != 2 {
		t.Fatalf("healthy handler called %d times, want 2", called)
	}
}

func TestSyncStateStream(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.SyncStateStream(ctx, 1)

	bus.PublishSyncState(domain.SyncState{Mode: "remote", Online: false, Degraded: true})
	// buffer of one: the second event is dropped rather than blocking.
	bus.PublishSyncState(domain.SyncState{Mode: "local"})

	select {
	case s := <-ch:
		if !s.Degraded {
			t.Fatalf("state=%+v, want degraded", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("stream delivered the dropped event")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream not closed after cancel")
	}

	// publishing after close must not panic.
	bus.PublishSyncState(domain.SyncState{Mode: "local"})
}
