package medsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ConfirmOrigin identifies where a confirmation or snooze came from.
type ConfirmOrigin string

const (
	// OriginAlarm is the full-screen alarm's confirm button.
	OriginAlarm ConfirmOrigin = "alarm"
	// OriginNotification is a notification action button.
	OriginNotification ConfirmOrigin = "notification"
	// OriginDeepLink is a reminder link opened from outside the app.
	OriginDeepLink ConfirmOrigin = "deep_link"
	// OriginManual is a tap inside the app.
	OriginManual ConfirmOrigin = "manual"
	// OriginSweep is the periodic drain of native-UI confirmations.
	OriginSweep ConfirmOrigin = "sweep"
)

// interactive reports whether a user is watching the result right now.
// Backend rejections surface only on interactive origins.
func (o ConfirmOrigin) interactive() bool {
	return o == OriginManual || o == OriginDeepLink
}

// ConfirmStatus is the outcome class of a confirmation attempt.
type ConfirmStatus string

const (
	// ConfirmDelivered means the backend accepted the action immediately.
	ConfirmDelivered ConfirmStatus = "delivered"
	// ConfirmQueued means the action is stored for later delivery.
	ConfirmQueued ConfirmStatus = "queued"
	// ConfirmDuplicate means the reminder was already in the target state.
	ConfirmDuplicate ConfirmStatus = "duplicate"
	// ConfirmBusy means another attempt for this reminder is in flight.
	ConfirmBusy ConfirmStatus = "busy"
	// ConfirmRejected means the backend definitively refused the action.
	ConfirmRejected ConfirmStatus = "rejected"
	// ConfirmFailed means a local failure prevented recording the action.
	ConfirmFailed ConfirmStatus = "failed"
)

// ConfirmResult is the typed outcome of a confirmation or snooze.
type ConfirmResult struct {
	ReminderID string        `json:"reminderId"`
	Status     ConfirmStatus `json:"status"`
	Err        error         `json:"-"`
}

// Ok reports whether the dose is recorded locally (delivered, queued, or
// already done).
func (r ConfirmResult) Ok() bool {
	switch r.Status {
	case ConfirmDelivered, ConfirmQueued, ConfirmDuplicate:
		return true
	}
	return false
}

// directSender delivers a single confirmation or snooze straight to the
// backend. Implemented by APIClient.
type directSender interface {
	ConfirmReminders(ctx context.Context, reminderIDs []string) error
	SnoozeReminders(ctx context.Context, reminderIDs []string) error
}

// Coordinator runs the confirmation flow: local truth first, delivery
// second. Whatever happens on the network, the patient's tap is never
// lost and never recorded twice.
type Coordinator struct {
	store   *Store
	queue   *ActionQueue
	api     directSender
	monitor *NetworkMonitor
	alarms  AlarmBridge
	tokens  TokenProvider
	breaker *CircuitBreaker
	logger  *slog.Logger

	snoozeFor time.Duration

	mu       sync.Mutex
	inFlight map[string]bool

	now func() time.Time
}

// NewCoordinator wires the confirmation flow.
func NewCoordinator(store *Store, queue *ActionQueue, api directSender, monitor *NetworkMonitor,
	alarms AlarmBridge, tokens TokenProvider, snoozeFor time.Duration, logger *slog.Logger) *Coordinator {
	if snoozeFor <= 0 {
		snoozeFor = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     store,
		queue:     queue,
		api:       api,
		monitor:   monitor,
		alarms:    alarms,
		tokens:    tokens,
		breaker:   NewCircuitBreaker(5, 30*time.Second),
		logger:    logger,
		snoozeFor: snoozeFor,
		inFlight:  make(map[string]bool),
		now:       time.Now,
	}
}

// ConfirmReminder records a dose as taken and delivers the confirmation,
// directly when a session and connectivity exist, otherwise through the
// offline queue. Order is fixed: local status, day stats, dashboard
// signal, then the network. A second call for the same reminder while one
// runs returns ConfirmBusy without touching anything.
func (c *Coordinator) ConfirmReminder(ctx context.Context, reminderID string, origin ConfirmOrigin) ConfirmResult {
	return c.apply(ctx, reminderID, origin, ActionConfirm)
}

// SnoozeReminder defers a dose and reschedules its alarm.
func (c *Coordinator) SnoozeReminder(ctx context.Context, reminderID string, origin ConfirmOrigin) ConfirmResult {
	return c.apply(ctx, reminderID, origin, ActionSnooze)
}

func (c *Coordinator) apply(ctx context.Context, reminderID string, origin ConfirmOrigin, typ ActionType) ConfirmResult {
	if !c.acquire(reminderID) {
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmBusy, Err: ErrConfirmInFlight}
	}
	defer c.release(reminderID)

	now := c.now()
	target := StatusTaken
	if typ == ActionSnooze {
		target = StatusSnoozed
	}

	changed, err := c.store.SetStatus(ctx, reminderID, target, now)
	if err != nil {
		c.logger.Error("failed to record dose locally", "reminder", reminderID, "origin", origin, "err", err)
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmFailed, Err: err}
	}
	if !changed {
		c.logger.Debug("dose already recorded", "reminder", reminderID, "status", target)
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmDuplicate}
	}

	// Day stats were recomputed with the status write; flag the dashboard.
	if err := c.store.TouchDashboard(ctx, now); err != nil {
		c.logger.Warn("dashboard signal failed", "err", err)
	}

	c.adjustAlarm(ctx, reminderID, typ, now)

	if c.canSendDirect() {
		if result, done := c.sendDirect(ctx, reminderID, origin, typ); done {
			return result
		}
	}

	// Offline, no session, or transport trouble: the queue takes over.
	_, _, err = c.queue.Add(ctx, typ, reminderID)
	if err != nil {
		// The dose stays recorded locally; only redelivery is at risk.
		c.logger.Error("failed to queue action", "reminder", reminderID, "type", typ, "err", err)
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmQueued, Err: err}
	}
	return ConfirmResult{ReminderID: reminderID, Status: ConfirmQueued}
}

// adjustAlarm cancels the alarm for a taken dose or reschedules it for a
// snoozed one.
func (c *Coordinator) adjustAlarm(ctx context.Context, reminderID string, typ ActionType, now time.Time) {
	if c.alarms == nil {
		return
	}
	switch typ {
	case ActionConfirm:
		if err := c.alarms.Cancel(reminderID); err != nil {
			c.logger.Warn("alarm cancel failed", "reminder", reminderID, "err", err)
		}
	case ActionSnooze:
		until := now.Add(c.snoozeFor)
		if err := c.store.SetSnoozedUntil(ctx, reminderID, until); err != nil {
			c.logger.Warn("snooze time write failed", "reminder", reminderID, "err", err)
		}
		r, err := c.store.Reminder(ctx, reminderID)
		if err != nil {
			c.logger.Warn("snoozed reminder reload failed", "reminder", reminderID, "err", err)
			return
		}
		r.ScheduledAt = until
		if err := c.alarms.Schedule(r); err != nil {
			c.logger.Warn("alarm reschedule failed", "reminder", reminderID, "err", err)
		}
	}
}

func (c *Coordinator) canSendDirect() bool {
	if c.api == nil || c.monitor == nil || !c.monitor.Online() {
		return false
	}
	if c.tokens == nil {
		return false
	}
	token, err := c.tokens.Token()
	return err == nil && token != ""
}

// sendDirect attempts immediate delivery. done=false hands the action to
// the queue instead.
func (c *Coordinator) sendDirect(ctx context.Context, reminderID string, origin ConfirmOrigin, typ ActionType) (ConfirmResult, bool) {
	err := c.breaker.Execute(func() error {
		switch typ {
		case ActionSnooze:
			return c.api.SnoozeReminders(ctx, []string{reminderID})
		default:
			return c.api.ConfirmReminders(ctx, []string{reminderID})
		}
	})
	if err == nil {
		c.logger.Info("action delivered", "reminder", reminderID, "type", typ, "origin", origin)
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmDelivered}, true
	}

	var se *ServerError
	if errors.As(err, &se) && !se.Temporary() {
		// Definitive rejection: retrying would not change the answer, so
		// nothing is queued. Local state stands until the next reconcile.
		if origin.interactive() {
			return ConfirmResult{ReminderID: reminderID, Status: ConfirmRejected, Err: se}, true
		}
		c.logger.Warn("backend rejected background action",
			"reminder", reminderID, "type", typ, "origin", origin, "status", se.StatusCode)
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmRejected, Err: se}, true
	}

	// Transient trouble, including an open breaker: fall back to the queue.
	c.logger.Info("direct delivery unavailable, queueing",
		"reminder", reminderID, "type", typ, "err", err)
	return ConfirmResult{}, false
}

// DrainPendingConfirmations ingests confirmations made from the native
// alarm UI while the engine was not running, then clears the native list.
func (c *Coordinator) DrainPendingConfirmations(ctx context.Context) (int, error) {
	if c.alarms == nil {
		return 0, nil
	}
	pending, err := c.alarms.PendingConfirmations()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	processed := 0
	for _, reminderID := range pending {
		result := c.ConfirmReminder(ctx, reminderID, OriginSweep)
		if result.Ok() {
			processed++
			continue
		}
		c.logger.Warn("pending confirmation not ingested",
			"reminder", reminderID, "status", result.Status, "err", result.Err)
	}

	if err := c.alarms.ClearPendingConfirmations(); err != nil {
		return processed, err
	}
	c.logger.Info("drained native confirmations", "count", len(pending), "ingested", processed)
	return processed, nil
}

// Permissions aggregates the platform capability probes.
func (c *Coordinator) Permissions() PermissionReport {
	if c.alarms == nil {
		return PermissionReport{}
	}
	return PermissionReport{
		ExactAlarms:         c.alarms.CanScheduleExactAlarms(),
		Overlay:             c.alarms.CanDrawOverlays(),
		BatteryUnrestricted: c.alarms.IsIgnoringBatteryOptimizations(),
	}
}

func (c *Coordinator) acquire(reminderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[reminderID] {
		return false
	}
	c.inFlight[reminderID] = true
	return true
}

func (c *Coordinator) release(reminderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, reminderID)
}
