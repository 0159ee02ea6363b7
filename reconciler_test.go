package medsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubFetcher is an in-process reminderFetcher.
type stubFetcher struct {
	mu         sync.Mutex
	reminders  []Reminder
	serverTime time.Time
	hasUpdates bool
	fetchCalls int
	checkCalls int
	fetchErr   error
	checkErr   error
	started    chan struct{}
	gate       chan struct{}
}

func (f *stubFetcher) FetchUpcoming(ctx context.Context, days int) ([]Reminder, time.Time, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, time.Time{}, f.fetchErr
	}
	return f.reminders, f.serverTime, nil
}

func (f *stubFetcher) CheckUpdates(ctx context.Context, lastSync time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls++
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.hasUpdates, nil
}

func (f *stubFetcher) checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkCalls
}

// stubAttach records what the reconciler hands to the voice note fetcher.
type stubAttach struct {
	mu     sync.Mutex
	queued int
	seen   []Reminder
}

func (a *stubAttach) FetchMissing(reminders []Reminder) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append([]Reminder(nil), reminders...)
	return a.queued
}

func TestReconcilerDownloadAndSchedule(t *testing.T) {
	store := newTestStore(t)
	bridge := NewMemoryAlarmBridge()
	now := time.Now()

	withAudio := testReminder("r-audio", now.Add(3*time.Hour))
	withAudio.AudioURL = "https://cdn.example.com/note.mp3"
	fetcher := &stubFetcher{
		reminders: []Reminder{
			testReminder("r-future", now.Add(2*time.Hour)),
			testReminder("r-recent", now.Add(-time.Hour)),
			testReminder("r-stale", now.Add(-24*time.Hour)),
			withAudio,
		},
		serverTime: now.UTC().Truncate(time.Second),
	}
	attach := &stubAttach{queued: 1}

	recon := NewReconciler(store, fetcher, bridge, attach, 7, 12*time.Hour, time.Minute, testLogger())
	result, err := recon.DownloadAndSchedule(context.Background())
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	if result.Merge.Added != 4 {
		t.Errorf("expected 4 added, got %+v", result.Merge)
	}
	// The -24h entry is outside the 12h grace window.
	if result.Pruned != 1 {
		t.Errorf("expected 1 pruned, got %d", result.Pruned)
	}
	// Future doses get alarms; the recent past does not.
	if result.Scheduled != 2 {
		t.Errorf("expected 2 alarms, got %d", result.Scheduled)
	}
	if result.AudioQueued != 1 {
		t.Errorf("expected 1 audio queued, got %d", result.AudioQueued)
	}
	if !result.ServerTime.Equal(fetcher.serverTime) {
		t.Errorf("expected server watermark %v, got %v", fetcher.serverTime, result.ServerTime)
	}

	left, err := store.Reminders(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 3 {
		t.Errorf("expected 3 cached reminders, got %d", len(left))
	}
	if len(attach.seen) != 3 {
		t.Errorf("expected voice note scan over cached reminders, got %d", len(attach.seen))
	}

	cursor, err := recon.Cursor(context.Background())
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !cursor.LastSyncTime.Equal(fetcher.serverTime) {
		t.Errorf("expected cursor %v, got %v", fetcher.serverTime, cursor.LastSyncTime)
	}
	if cursor.HasUpdates {
		t.Error("expected update hint cleared after download")
	}
}

func TestReconcilerProtectsPendingConfirmation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	seedReminders(t, store,
		testReminder("pending", now.Add(time.Hour)),
		testReminder("delivered", now.Add(2*time.Hour)),
	)

	// Both were taken locally; only "pending" still has an undelivered
	// confirmation.
	if _, err := store.SetStatus(ctx, "pending", StatusTaken, now); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := store.SetStatus(ctx, "delivered", StatusTaken, now); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := store.InsertAction(ctx, NewQueuedAction(ActionConfirm, "pending", now)); err != nil {
		t.Fatalf("insert action: %v", err)
	}

	// The server still sees both as scheduled.
	fetcher := &stubFetcher{
		reminders: []Reminder{
			testReminder("pending", now.Add(time.Hour)),
			testReminder("delivered", now.Add(2*time.Hour)),
		},
		serverTime: now,
	}
	recon := NewReconciler(store, fetcher, nil, nil, 7, 12*time.Hour, time.Minute, testLogger())

	result, err := recon.DownloadAndSchedule(ctx)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if result.Merge.Protected != 1 {
		t.Errorf("expected 1 protected, got %+v", result.Merge)
	}

	got, _ := store.Reminder(ctx, "pending")
	if got.Status != StatusTaken {
		t.Errorf("pending confirmation was downgraded to %s", got.Status)
	}
	got, _ = store.Reminder(ctx, "delivered")
	if got.Status != StatusScheduled {
		t.Errorf("expected server to win for delivered entry, got %s", got.Status)
	}
}

func TestReconcilerCheckForUpdatesThrottle(t *testing.T) {
	store := newTestStore(t)
	fetcher := &stubFetcher{hasUpdates: true}
	recon := NewReconciler(store, fetcher, nil, nil, 7, 12*time.Hour, time.Hour, testLogger())
	ctx := context.Background()

	has, err := recon.CheckForUpdates(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !has {
		t.Error("expected updates reported")
	}
	if got := fetcher.checks(); got != 1 {
		t.Fatalf("expected 1 network check, got %d", got)
	}

	// Inside the throttle window: answered from the stored hint, no
	// network.
	has, err = recon.CheckForUpdates(ctx)
	if err != nil {
		t.Fatalf("throttled check: %v", err)
	}
	if !has {
		t.Error("expected stored hint answer")
	}
	if got := fetcher.checks(); got != 1 {
		t.Errorf("throttled check hit the network, %d calls", got)
	}
}

func TestReconcilerCheckFailureKeepsHint(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetHasUpdates(context.Background(), true); err != nil {
		t.Fatalf("seed hint: %v", err)
	}
	fetcher := &stubFetcher{checkErr: newNetworkError("GET /check-updates", "", errors.New("timeout"))}
	recon := NewReconciler(store, fetcher, nil, nil, 7, 12*time.Hour, time.Minute, testLogger())

	has, err := recon.CheckForUpdates(context.Background())
	if err == nil {
		t.Fatal("expected the probe error to surface")
	}
	if !has {
		t.Error("expected the stored hint to survive a failed probe")
	}
}

func TestReconcilerMarkUpdateHint(t *testing.T) {
	store := newTestStore(t)
	recon := NewReconciler(store, &stubFetcher{}, nil, nil, 7, 12*time.Hour, time.Minute, testLogger())
	ctx := context.Background()

	if err := recon.MarkUpdateHint(ctx); err != nil {
		t.Fatalf("mark hint: %v", err)
	}
	cursor, err := recon.Cursor(ctx)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !cursor.HasUpdates {
		t.Error("expected hint recorded")
	}
}

func TestReconcilerDownloadInProgress(t *testing.T) {
	store := newTestStore(t)
	fetcher := &stubFetcher{started: make(chan struct{}), gate: make(chan struct{})}
	recon := NewReconciler(store, fetcher, nil, nil, 7, 12*time.Hour, time.Minute, testLogger())
	ctx := context.Background()

	done := make(chan error)
	go func() {
		_, err := recon.DownloadAndSchedule(ctx)
		done <- err
	}()
	<-fetcher.started

	if _, err := recon.DownloadAndSchedule(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}

	close(fetcher.gate)
	if err := <-done; err != nil {
		t.Fatalf("first download: %v", err)
	}
}

func TestReconcilerClearAll(t *testing.T) {
	store := newTestStore(t)
	bridge := NewMemoryAlarmBridge()
	now := time.Now()

	r := testReminder("r1", now.Add(time.Hour))
	seedReminders(t, store, r)
	bridge.Schedule(r)

	recon := NewReconciler(store, &stubFetcher{}, bridge, nil, 7, 12*time.Hour, time.Minute, testLogger())
	if err := recon.ClearAll(context.Background()); err != nil {
		t.Fatalf("clear all: %v", err)
	}

	if scheduled := bridge.Scheduled(); len(scheduled) != 0 {
		t.Errorf("expected all alarms canceled, got %v", scheduled)
	}
	left, err := store.Reminders(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("expected empty cache, got %d", len(left))
	}
}

func TestReconcilerWithoutAPI(t *testing.T) {
	store := newTestStore(t)
	recon := NewReconciler(store, nil, nil, nil, 7, 12*time.Hour, time.Minute, testLogger())
	ctx := context.Background()

	if _, err := recon.DownloadAndSchedule(ctx); !errors.Is(err, ErrOffline) {
		t.Errorf("expected ErrOffline, got %v", err)
	}

	if err := store.SetHasUpdates(ctx, true); err != nil {
		t.Fatalf("seed hint: %v", err)
	}
	has, err := recon.CheckForUpdates(ctx)
	if err != nil {
		t.Fatalf("check without api: %v", err)
	}
	if !has {
		t.Error("expected stored hint without an api")
	}
}
