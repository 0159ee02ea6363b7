package medsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubSender is an in-process directSender.
type stubSender struct {
	mu        sync.Mutex
	confirmed []string
	snoozed   []string
	err       error
}

func (s *stubSender) ConfirmReminders(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.confirmed = append(s.confirmed, ids...)
	return nil
}

func (s *stubSender) SnoozeReminders(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.snoozed = append(s.snoozed, ids...)
	return nil
}

func (s *stubSender) confirmedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.confirmed))
	copy(out, s.confirmed)
	return out
}

type coordFixture struct {
	coord   *Coordinator
	store   *Store
	queue   *ActionQueue
	sender  *stubSender
	monitor *NetworkMonitor
	bridge  *MemoryAlarmBridge
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	store := newTestStore(t)
	sender := &stubSender{}
	queue := NewActionQueue(store, nil, &stubSyncer{}, 3, testLogger())
	monitor := NewNetworkMonitor(nil, 0, testLogger())
	bridge := NewMemoryAlarmBridge()
	coord := NewCoordinator(store, queue, sender, monitor, bridge, staticTokens("token"),
		10*time.Minute, testLogger())
	return &coordFixture{coord: coord, store: store, queue: queue, sender: sender, monitor: monitor, bridge: bridge}
}

func TestCoordinatorConfirmDelivered(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	now := time.Now()

	r := testReminder("r1", now.Add(time.Hour))
	seedReminders(t, f.store, r)
	f.bridge.Schedule(r)

	res := f.coord.ConfirmReminder(ctx, "r1", OriginAlarm)
	if res.Status != ConfirmDelivered {
		t.Fatalf("expected delivered, got %s (%v)", res.Status, res.Err)
	}
	if !res.Ok() {
		t.Error("delivered result should be Ok")
	}

	got, err := f.store.Reminder(ctx, "r1")
	if err != nil {
		t.Fatalf("read reminder: %v", err)
	}
	if got.Status != StatusTaken {
		t.Errorf("expected local status taken, got %s", got.Status)
	}

	if ids := f.sender.confirmedIDs(); len(ids) != 1 || ids[0] != "r1" {
		t.Errorf("expected direct delivery of r1, got %v", ids)
	}

	count, err := f.queue.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if count != 0 {
		t.Errorf("delivered confirmation should not queue, got %d pending", count)
	}

	if scheduled := f.bridge.Scheduled(); len(scheduled) != 0 {
		t.Errorf("expected alarm canceled, still scheduled: %v", scheduled)
	}

	refreshed, err := f.store.DashboardRefreshedAt(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if refreshed.IsZero() {
		t.Error("expected dashboard touch timestamp")
	}
}

func TestCoordinatorConfirmQueuedWhenOffline(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	seedReminders(t, f.store, testReminder("r1", time.Now().Add(time.Hour)))
	f.monitor.SetOnline(false)

	res := f.coord.ConfirmReminder(ctx, "r1", OriginNotification)
	if res.Status != ConfirmQueued {
		t.Fatalf("expected queued, got %s (%v)", res.Status, res.Err)
	}

	if ids := f.sender.confirmedIDs(); len(ids) != 0 {
		t.Errorf("offline confirm must not hit the network, got %v", ids)
	}

	pending, err := f.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ReminderID != "r1" || pending[0].Type != ActionConfirm {
		t.Errorf("expected queued confirm for r1, got %v", pending)
	}

	// Local truth is already written.
	got, _ := f.store.Reminder(ctx, "r1")
	if got.Status != StatusTaken {
		t.Errorf("expected local status taken while offline, got %s", got.Status)
	}
}

func TestCoordinatorConfirmQueuedWithoutToken(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	seedReminders(t, f.store, testReminder("r1", time.Now().Add(time.Hour)))
	f.coord.tokens = staticTokens("")

	res := f.coord.ConfirmReminder(ctx, "r1", OriginManual)
	if res.Status != ConfirmQueued {
		t.Fatalf("expected queued without a session, got %s", res.Status)
	}
	if ids := f.sender.confirmedIDs(); len(ids) != 0 {
		t.Errorf("expected no direct call without a token, got %v", ids)
	}
}

func TestCoordinatorConfirmQueuedOnTransientFailure(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	seedReminders(t, f.store, testReminder("r1", time.Now().Add(time.Hour)))
	f.sender.err = newNetworkError("POST /reminders/confirm", "", errors.New("connection refused"))

	res := f.coord.ConfirmReminder(ctx, "r1", OriginAlarm)
	if res.Status != ConfirmQueued {
		t.Fatalf("expected fallback to queue, got %s (%v)", res.Status, res.Err)
	}
	count, _ := f.queue.PendingCount(ctx)
	if count != 1 {
		t.Errorf("expected 1 queued action, got %d", count)
	}
}

func TestCoordinatorConfirmRejected(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	seedReminders(t, f.store, testReminder("r1", time.Now().Add(time.Hour)))
	f.sender.err = newServerError("POST /reminders/confirm", 409, "dose cancelled by caregiver")

	res := f.coord.ConfirmReminder(ctx, "r1", OriginManual)
	if res.Status != ConfirmRejected {
		t.Fatalf("expected rejected, got %s", res.Status)
	}
	if res.Ok() {
		t.Error("rejected result must not be Ok")
	}

	// A definitive rejection is not queued for retry.
	count, _ := f.queue.PendingCount(ctx)
	if count != 0 {
		t.Errorf("rejection should not queue, got %d pending", count)
	}
}

func TestCoordinatorConfirmDuplicate(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	seedReminders(t, f.store, testReminder("r1", time.Now().Add(time.Hour)))

	first := f.coord.ConfirmReminder(ctx, "r1", OriginAlarm)
	if first.Status != ConfirmDelivered {
		t.Fatalf("expected delivered, got %s", first.Status)
	}

	second := f.coord.ConfirmReminder(ctx, "r1", OriginDeepLink)
	if second.Status != ConfirmDuplicate {
		t.Fatalf("expected duplicate, got %s", second.Status)
	}
	if !second.Ok() {
		t.Error("duplicate result should be Ok")
	}
	if ids := f.sender.confirmedIDs(); len(ids) != 1 {
		t.Errorf("duplicate must not resend, got %v", ids)
	}
}

func TestCoordinatorConfirmUnknownReminder(t *testing.T) {
	f := newCoordFixture(t)

	res := f.coord.ConfirmReminder(context.Background(), "ghost", OriginDeepLink)
	if res.Status != ConfirmFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if !errors.Is(res.Err, ErrReminderNotFound) {
		t.Errorf("expected ErrReminderNotFound, got %v", res.Err)
	}
}

// gateSender blocks inside delivery until released, to hold a confirmation
// in flight.
type gateSender struct {
	started chan struct{}
	release chan struct{}
}

func (g *gateSender) ConfirmReminders(ctx context.Context, ids []string) error {
	close(g.started)
	<-g.release
	return nil
}

func (g *gateSender) SnoozeReminders(ctx context.Context, ids []string) error { return nil }

func TestCoordinatorConfirmBusy(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	seedReminders(t, f.store, testReminder("r1", time.Now().Add(time.Hour)))
	gate := &gateSender{started: make(chan struct{}), release: make(chan struct{})}
	f.coord.api = gate

	done := make(chan ConfirmResult)
	go func() { done <- f.coord.ConfirmReminder(ctx, "r1", OriginAlarm) }()

	select {
	case <-gate.started:
	case <-time.After(time.Second):
		t.Fatal("first confirm never reached delivery")
	}

	res := f.coord.ConfirmReminder(ctx, "r1", OriginNotification)
	if res.Status != ConfirmBusy {
		t.Errorf("expected busy, got %s", res.Status)
	}
	if !errors.Is(res.Err, ErrConfirmInFlight) {
		t.Errorf("expected ErrConfirmInFlight, got %v", res.Err)
	}

	close(gate.release)
	first := <-done
	if first.Status != ConfirmDelivered {
		t.Errorf("expected first confirm delivered, got %s", first.Status)
	}
}

func TestCoordinatorSnoozeReschedulesAlarm(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	now := time.Now()

	r := testReminder("r1", now.Add(5*time.Minute))
	seedReminders(t, f.store, r)
	f.bridge.Schedule(r)

	res := f.coord.SnoozeReminder(ctx, "r1", OriginAlarm)
	if res.Status != ConfirmDelivered {
		t.Fatalf("expected delivered snooze, got %s (%v)", res.Status, res.Err)
	}

	got, err := f.store.Reminder(ctx, "r1")
	if err != nil {
		t.Fatalf("read reminder: %v", err)
	}
	if got.Status != StatusSnoozed {
		t.Errorf("expected snoozed, got %s", got.Status)
	}
	if got.SnoozedUntil == nil {
		t.Fatal("expected snoozed-until to be set")
	}
	wantAround := now.Add(10 * time.Minute)
	if got.SnoozedUntil.Before(wantAround.Add(-time.Minute)) || got.SnoozedUntil.After(wantAround.Add(time.Minute)) {
		t.Errorf("snoozed until %v, expected about %v", got.SnoozedUntil, wantAround)
	}

	if scheduled := f.bridge.Scheduled(); len(scheduled) != 1 {
		t.Errorf("expected alarm rescheduled, got %v", scheduled)
	}
}

func TestCoordinatorDrainPendingConfirmations(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	seedReminders(t, f.store, testReminder("r1", time.Now().Add(time.Hour)))
	f.bridge.AddPendingConfirmation("r1")
	f.bridge.AddPendingConfirmation("ghost")

	processed, err := f.coord.DrainPendingConfirmations(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected 1 ingested, got %d", processed)
	}

	got, _ := f.store.Reminder(ctx, "r1")
	if got.Status != StatusTaken {
		t.Errorf("expected drained confirmation applied, got %s", got.Status)
	}

	// The native list is cleared even when some entries fail.
	pending, err := f.bridge.PendingConfirmations()
	if err != nil {
		t.Fatalf("bridge pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected native list cleared, got %v", pending)
	}
}

func TestCoordinatorPermissions(t *testing.T) {
	f := newCoordFixture(t)
	f.bridge.DenyOverlay = true

	report := f.coord.Permissions()
	if report.Complete() {
		t.Error("expected incomplete permissions")
	}
	missing := report.Missing()
	if len(missing) != 1 || missing[0] != PermissionOverlay {
		t.Errorf("expected overlay missing, got %v", missing)
	}
}
