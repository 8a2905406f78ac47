package hybrid

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pulse/internal/domain"
	"pulse/internal/events"
	"pulse/internal/localstore"
	"pulse/internal/remote"
)

type fakeRemote struct {
	mu         sync.Mutex
	down       bool
	pingErr   error
	assignIDs  bool
	failCreate map[string]error
	records    map[string]domain.EmotionRecord
	creates    []string
	block      chan struct{}
	entered    chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		failCreate: make(map[string]error),
		records:    make(map[string]domain.EmotionRecord),
	}
}

var errUnavailable = &remote.StatusError{Method: http.MethodPost, Path: "/api/emotions", Code: http.StatusServiceUnavailable}

func (f *fakeRemote) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeRemote) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return f.pingErr
	}
	if f.down {
		return errUnavailable
	}
	return nil
}

func (f *fakeRemote) Create(_ context.Context, rec domain.EmotionRecord) (domain.EmotionRecord, error) {
	f.mu.Lock()
	block, entered := f.block, f.entered
	f.mu.Unlock()
	if block != nil {
		entered <- struct{}{}
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return domain.EmotionRecord{}, errUnavailable
	}
	if err := f.failCreate[rec.ID]; err != nil {
		return domain.EmotionRecord{}, err
	}
	if f.assignIDs {
		rec.ID = "emo_" + rec.ID
	}
	rec.SyncStatus = ""
	f.records[rec.ID] = rec
	f.creates = append(f.creates, rec.ID)
	return rec, nil
}

func (f *fakeRemote) Update(_ context.Context, id string, patch domain.RecordPatch) (domain.EmotionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return domain.EmotionRecord{}, errUnavailable
	}
	rec, ok := f.records[id]
	if !ok {
		return domain.EmotionRecord{}, &remote.StatusError{Code: http.StatusNotFound}
	}
	rec = patch.Apply(rec)
	f.records[id] = rec
	return rec, nil
}

func (f *fakeRemote) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errUnavailable
	}
	if _, ok := f.records[id]; !ok {
		return &remote.StatusError{Code: http.StatusNotFound}
	}
	delete(f.records, id)
	return nil
}

func (f *fakeRemote) List(_ context.Context, filter domain.Filter) ([]domain.EmotionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errUnavailable
	}
	out := make([]domain.EmotionRecord, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return filter.Apply(out), nil
}

func (f *fakeRemote) createdIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.creates...)
}

type fixture struct {
	p      *Persistence
	store  *localstore.Store
	remote *fakeRemote
	bus    *events.Bus
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "hybrid-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rem := newFakeRemote()
	bus := events.NewBus(nil)
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	var (
		mu   sync.Mutex
		tick int
	)
	p := New(store, rem, Options{
		Events: bus,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		},
	})
	return fixture{p: p, store: store, remote: rem, bus: bus}
}

func happy(id string) domain.EmotionRecord {
	conf := 0.9
	return domain.EmotionRecord{ID: id, DominantEmotion: "happy", Source: "face", Confidence: &conf}
}

func queuedIDs(t *testing.T, store *localstore.Store) []string {
	t.Helper()
	entries, err := store.QueueEntries(context.Background())
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Action) + ":" + e.Record.ID
	}
	return out
}

func TestSaveLocalMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	saved, err := f.p.Save(ctx, domain.EmotionRecord{DominantEmotion: "Joy", Source: "camera"})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)
	require.False(t, saved.Timestamp.IsZero())
	require.Equal(t, "happy", saved.DominantEmotion)
	require.Equal(t, "face", saved.Source)
	require.Equal(t, domain.SyncSaved, saved.SyncStatus)

	got, err := f.p.Get(ctx, domain.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Empty(t, queuedIDs(t, f.store))
	require.Empty(t, f.remote.createdIDs())
}

func TestSaveRemoteOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.assignIDs = true
	require.NoError(t, f.p.SetMode(ctx, ModeRemote))

	saved, err := f.p.Save(ctx, happy("r1"))
	require.NoError(t, err)
	require.Equal(t, "emo_r1", saved.ID)
	require.Equal(t, domain.SyncSaved, saved.SyncStatus)

	mirrored, err := f.store.GetRecord(ctx, "emo_r1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncSaved, mirrored.SyncStatus)

	state, err := f.p.State(ctx)
	require.NoError(t, err)
	require.False(t, state.LastSync.IsZero())
}

func TestSaveRemoteOfflineQueuesCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.p.SetMode(ctx, ModeRemote))

	states := f.bus.SyncStateStream(ctx, 32)
	f.remote.setDown(true)

	saved, err := f.p.Save(ctx, happy("offline-1"))
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, saved.SyncStatus)
	require.True(t, saved.PendingSync())

	got, err := f.p.Get(ctx, domain.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "offline-1", got[0].ID)

	require.Equal(t, []string{"create:offline-1"}, queuedIDs(t, f.store))

	sawDegraded := false
	for len(states) > 0 {
		if s := <-states; s.Degraded {
			sawDegraded = true
		}
	}
	require.True(t, sawDegraded, "going offline in remote mode should emit a degraded state")
}

func TestFlushAfterReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.assignIDs = true
	require.NoError(t, f.p.SetMode(ctx, ModeRemote))
	f.remote.setDown(true)

	_, err := f.p.Save(ctx, happy("offline-1"))
	require.NoError(t, err)
	require.False(t, f.p.Online())

	f.remote.setDown(false)
	f.p.SetOnline(ctx, true)

	require.Empty(t, queuedIDs(t, f.store))
	require.Equal(t, []string{"emo_offline-1"}, f.remote.createdIDs())

	local, err := f.store.GetRecord(ctx, "emo_offline-1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncSaved, local.SyncStatus)
	_, err = f.store.GetRecord(ctx, "offline-1")
	require.ErrorIs(t, err, domain.ErrRecordNotFound)

	// drop the local mirror: the record must now come from the remote.
	require.NoError(t, f.store.DeleteRecord(ctx, "emo_offline-1"))
	got, err := f.p.Get(ctx, domain.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "emo_offline-1", got[0].ID)
}

func TestGetMergesPendingIntoRemoteResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.p.SetMode(ctx, ModeRemote))

	_, err := f.p.Save(ctx, happy("synced"))
	require.NoError(t, err)

	f.remote.setDown(true)
	_, err = f.p.Save(ctx, happy("pending"))
	require.NoError(t, err)

	// remote reachable again but the flush has not happened yet.
	f.remote.setDown(false)
	f.p.mu.Lock()
	f.p.online = true
	f.p.mu.Unlock()

	got, err := f.p.Get(ctx, domain.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "pending", got[0].ID)
	require.True(t, got[0].PendingSync())
	require.Equal(t, "synced", got[1].ID)
}

func TestSetModeRemotePingFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.pingErr = errors.New("dial tcp: connection refused")

	err := f.p.SetMode(ctx, ModeRemote)
	var unavailable *RemoteUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, ModeLocal, f.p.Mode())

	_, ok, err := f.store.Setting(ctx, settingMode)
	require.NoError(t, err)
	require.False(t, ok)

	noRemote := New(f.store, nil, Options{})
	require.ErrorIs(t, noRemote.SetMode(ctx, ModeRemote), ErrNoRemote)
	require.Error(t, f.p.SetMode(ctx, Mode("cloud")))
}

func TestSaveRejectsInvalidRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.p.SetMode(ctx, ModeRemote))
	f.remote.setDown(true)

	bad := []domain.EmotionRecord{
		{DominantEmotion: "not_a_real_emotion", Source: "face"},
		{DominantEmotion: "", Source: "face"},
		{DominantEmotion: "happy", Source: "telepathy"},
		func() domain.EmotionRecord { c := 1.5; r := happy("c"); r.Confidence = &c; return r }(),
	}
	for _, rec := range bad {
		_, err := f.p.Save(ctx, rec)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr, "record %+v", rec)
	}

	local, err := f.store.ListRecords(ctx, domain.Filter{})
	require.NoError(t, err)
	require.Empty(t, local)
	require.Empty(t, queuedIDs(t, f.store))
}

func TestFlushHaltsOnFailingEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.p.SetMode(ctx, ModeRemote))
	f.remote.setDown(true)

	for _, id := range []string{"first", "second", "third"} {
		_, err := f.p.Save(ctx, happy(id))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"create:first", "create:second", "create:third"}, queuedIDs(t, f.store))

	f.remote.setDown(false)
	f.remote.failCreate["second"] = &remote.StatusError{Code: http.StatusInternalServerError}

	report, err := f.p.FlushQueue(ctx)
	var replayErr *QueueReplayError
	require.ErrorAs(t, err, &replayErr)
	require.Equal(t, "second", replayErr.Entry.Record.ID)
	require.Equal(t, 1, report.Replayed)
	require.Equal(t, 2, report.Remaining)

	require.Equal(t, []string{"first"}, f.remote.createdIDs())
	require.Equal(t, []string{"create:second", "create:third"}, queuedIDs(t, f.store))

	first, err := f.store.GetRecord(ctx, "first")
	require.NoError(t, err)
	require.Equal(t, domain.SyncSaved, first.SyncStatus)
	third, err := f.store.GetRecord(ctx, "third")
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, third.SyncStatus)

	delete(f.remote.failCreate, "second")
	report, err = f.p.FlushQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Replayed)
	require.Equal(t, []string{"first", "second", "third"}, f.remote.createdIDs())
}

func TestOfflineUpdateAndDeleteReplayInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.assignIDs = true
	require.NoError(t, f.p.SetMode(ctx, ModeRemote))
	f.remote.setDown(true)

	_, err := f.p.Save(ctx, happy("a"))
	require.NoError(t, err)
	_, err = f.p.Save(ctx, happy("b"))
	require.NoError(t, err)

	sad := "sad"
	updated, err := f.p.Update(ctx, "a", domain.RecordPatch{DominantEmotion: &sad})
	require.NoError(t, err)
	require.Equal(t, "sad", updated.DominantEmotion)
	require.True(t, updated.PendingSync())
	require.NoError(t, f.p.Delete(ctx, "b"))

	require.Equal(t, []string{"create:a", "create:b", "update:a", "delete:b"}, queuedIDs(t, f.store))

	f.remote.setDown(false)
	f.p.SetOnline(ctx, true)
	require.Empty(t, queuedIDs(t, f.store))

	f.remote.mu.Lock()
	remoteA, okA := f.remote.records["emo_a"]
	_, okB := f.remote.records["emo_b"]
	f.remote.mu.Unlock()
	require.True(t, okA)
	require.Equal(t, "sad", remoteA.DominantEmotion)
	require.False(t, okB)

	localA, err := f.store.GetRecord(ctx, "emo_a")
	require.NoError(t, err)
	require.Equal(t, "sad", localA.DominantEmotion)
	require.Equal(t, domain.SyncSaved, localA.SyncStatus)
}

// flakyLocal fails the next failCompletes create completions.
type flakyLocal struct {
	*localstore.Store
	mu            sync.Mutex
	failCompletes int
}

func (f *flakyLocal) CompleteCreate(ctx context.Context, seq int64, oldID, newID string, status domain.SyncStatus) error {
	f.mu.Lock()
	fail := f.failCompletes > 0
	if fail {
		f.failCompletes--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("disk busy")
	}
	return f.Store.CompleteCreate(ctx, seq, oldID, newID, status)
}

func TestFailedCreateCompletionKeepsEntryQueued(t *testing.T) {
	ctx := context.Background()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "flaky.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	local := &flakyLocal{Store: store}
	rem := newFakeRemote()
	rem.assignIDs = true
	p := New(local, rem, Options{})

	require.NoError(t, p.SetMode(ctx, ModeRemote))
	rem.setDown(true)
	_, err = p.Save(ctx, happy("a"))
	require.NoError(t, err)
	sad := "sad"
	_, err = p.Update(ctx, "a", domain.RecordPatch{DominantEmotion: &sad})
	require.NoError(t, err)
	rem.setDown(false)

	local.failCompletes = 1
	_, err = p.FlushQueue(ctx)
	var replayErr *QueueReplayError
	require.ErrorAs(t, err, &replayErr)
	require.Equal(t, domain.ActionCreate, replayErr.Entry.Action)
	require.Equal(t, []string{"create:a", "update:a"}, queuedIDs(t, store))
	stale, err := store.GetRecord(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, domain.SyncPending, stale.SyncStatus)

	report, err := p.FlushQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Replayed)
	require.Empty(t, queuedIDs(t, store))

	rem.mu.Lock()
	remoteA := rem.records["emo_a"]
	rem.mu.Unlock()
	require.Equal(t, "sad", remoteA.DominantEmotion)

	_, err = store.GetRecord(ctx, "a")
	require.ErrorIs(t, err, domain.ErrRecordNotFound)
	localA, err := store.GetRecord(ctx, "emo_a")
	require.NoError(t, err)
	require.Equal(t, "sad", localA.DominantEmotion)
	require.Equal(t, domain.SyncSaved, localA.SyncStatus)
}

func TestStateReportsHaltingReplayError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.p.SetMode(ctx, ModeRemote))
	f.remote.setDown(true)
	_, err := f.p.Save(ctx, happy("rejected"))
	require.NoError(t, err)
	f.remote.setDown(false)

	f.remote.failCreate["rejected"] = &remote.StatusError{Method: http.MethodPost, Path: "/api/emotions", Code: http.StatusUnprocessableEntity}
	_, err = f.p.FlushQueue(ctx)
	require.Error(t, err)

	state, err := f.p.State(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, state.QueueSize)
	require.Contains(t, state.LastError, "status=422")
	require.Contains(t, state.LastError, "rejected")

	delete(f.remote.failCreate, "rejected")
	_, err = f.p.FlushQueue(ctx)
	require.NoError(t, err)
	state, err = f.p.State(ctx)
	require.NoError(t, err)
	require.Zero(t, state.QueueSize)
	require.Empty(t, state.LastError)
}

func TestUpdateValidatesMergedRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.p.Save(ctx, happy("a"))
	require.NoError(t, err)

	bogus := "grumpy"
	_, err = f.p.Update(ctx, "a", domain.RecordPatch{DominantEmotion: &bogus})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.p.Update(ctx, "a", domain.RecordPatch{})
	require.ErrorAs(t, err, &verr)

	notes := "after lunch"
	got, err := f.p.Update(ctx, "a", domain.RecordPatch{Notes: &notes})
	require.NoError(t, err)
	require.Equal(t, "after lunch", got.Notes)

	_, err = f.p.Update(ctx, "missing", domain.RecordPatch{Notes: &notes})
	require.ErrorIs(t, err, domain.ErrRecordNotFound)
	require.ErrorIs(t, f.p.Delete(ctx, "missing"), domain.ErrRecordNotFound)
}

func TestFlushCoalescesConcurrentRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.p.SetMode(ctx, ModeRemote))
	f.remote.setDown(true)
	_, err := f.p.Save(ctx, happy("a"))
	require.NoError(t, err)
	f.remote.setDown(false)

	f.remote.mu.Lock()
	f.remote.block = make(chan struct{})
	f.remote.entered = make(chan struct{}, 1)
	block, entered := f.remote.block, f.remote.entered
	f.remote.mu.Unlock()

	done := make(chan FlushReport, 1)
	go func() {
		report, err := f.p.FlushQueue(ctx)
		if err != nil {
			t.Errorf("flush failed: %v", err)
		}
		done <- report
	}()

	<-entered
	second, err := f.p.FlushQueue(ctx)
	require.NoError(t, err)
	require.True(t, second.Coalesced)

	f.remote.mu.Lock()
	f.remote.block = nil
	f.remote.mu.Unlock()
	close(block)

	select {
	case report := <-done:
		require.Equal(t, 1, report.Replayed)
		require.Zero(t, report.Remaining)
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not finish")
	}
	require.Equal(t, []string{"a"}, f.remote.createdIDs())
}

func TestInitRestoresPersistedMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.p.SetMode(ctx, ModeRemote))

	f.remote.setDown(true)
	restarted := New(f.store, f.remote, Options{})
	require.NoError(t, restarted.Init(ctx))
	require.Equal(t, ModeRemote, restarted.Mode())
	require.False(t, restarted.Online())

	state, err := restarted.State(ctx)
	require.NoError(t, err)
	require.True(t, state.Degraded)
}

func TestImportSkipsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	report, err := f.p.Import(ctx, []domain.EmotionRecord{
		happy("i1"),
		{ID: "i2", DominantEmotion: "nope", Source: "face"},
		{ID: "i3", DominantEmotion: "sad", Source: "manual_submission"},
	})
	require.NoError(t, err)
	require.Equal(t, ImportReport{Imported: 2, Skipped: 1}, report)

	got, err := f.p.Get(ctx, domain.Filter{Source: "manual"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "i3", got[0].ID)
}
