package medsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// Engine ties the store, the action queue, the coordinator, and the
// reconciler together behind a single lifecycle. An app keeps exactly one
// Engine per data file, opened at launch and closed at exit.
//
// Every confirmation and snooze, regardless of where it came from (alarm,
// notification, deep link, UI tap), funnels through one dispatch channel
// consumed by a single goroutine. Two triggers for the same reminder that
// arrive together therefore cannot race: the first wins, the second is
// answered with ConfirmBusy.
type Engine struct {
	config Config
	logger *slog.Logger

	store   *Store
	journal *Journal
	api     *APIClient
	queue   *ActionQueue
	coord   *Coordinator
	recon   *Reconciler
	monitor *NetworkMonitor
	attach  *AttachmentManager
	push    *PushListener
	export  *AdherenceExporter

	confirmCh chan confirmRequest
	closeCh   chan struct{}

	mu         sync.Mutex
	pending    map[string]bool
	listenerID int
	closed     bool

	wg sync.WaitGroup
}

// confirmRequest is one confirmation or snooze traveling through the
// engine's dispatch channel.
type confirmRequest struct {
	reminderID string
	typ        ActionType
	origin     ConfirmOrigin
	result     chan ConfirmResult
}

// SyncReport summarizes one full manual sync: pending actions pushed up,
// then the reminder window pulled down.
type SyncReport struct {
	Queue    SyncQueueResult `json:"queue"`
	Download DownloadResult  `json:"download"`
}

// EngineStats is a point-in-time snapshot for diagnostics screens.
type EngineStats struct {
	Online         bool            `json:"online"`
	PendingActions int             `json:"pending_actions"`
	DeadLetters    int             `json:"dead_letters"`
	Queue          QueueStats      `json:"queue"`
	Cursor         SyncCursor      `json:"cursor"`
	Attachments    AttachmentStats `json:"attachments"`
	JournalBytes   int64           `json:"journal_bytes"`
	PushConnected  bool            `json:"push_connected,omitempty"`
	PushHints      uint64          `json:"push_hints,omitempty"`
	SeriesPushed   uint64          `json:"series_pushed,omitempty"`
}

// Open opens or creates the reminder database at path and starts the
// engine's background services. The returned Engine is ready for use;
// callers should follow up with HandleAppStart to trigger the initial
// drain and download.
func Open(path string, cfg Config) (*Engine, error) {
	if cfg.Path == "" {
		cfg.Path = path
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	cfg.normalize()
	if cfg.Queue.JournalPath == "" {
		cfg.Queue.JournalPath = cfg.Path + ".journal"
	}
	if cfg.Attachments.Dir == "" {
		cfg.Attachments.Dir = filepath.Join(filepath.Dir(cfg.Path), "attachments")
	}
	logger := cfg.Logger

	store, err := NewStore(StoreConfig{Path: cfg.Path}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	journal, err := NewJournal(cfg.Queue.JournalPath, cfg.Queue.JournalSyncInterval, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	var enc *Encryptor
	if cfg.Encryption != nil {
		enc, err = NewEncryptor(*cfg.Encryption)
		if err != nil {
			_ = journal.Close()
			_ = store.Close()
			return nil, fmt.Errorf("failed to init encryption: %w", err)
		}
	}

	// Without a base URL the engine runs fully local: reads and writes hit
	// the store, actions pile up in the queue, nothing is sent anywhere.
	var api *APIClient
	var syncer actionSyncer
	var sender directSender
	var fetcher reminderFetcher
	if cfg.BaseURL != "" {
		api = NewAPIClient(APIClientConfig{
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Sync.RequestTimeout,
			HTTPClient: cfg.HTTPClient,
			Tokens:     cfg.Tokens,
			Logger:     logger,
		})
		syncer, sender, fetcher = api, api, api
	}

	attach, err := NewAttachmentManager(store, cfg.Attachments, enc, cfg.HTTPClient, logger)
	if err != nil {
		_ = journal.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to init attachments: %w", err)
	}

	queue := NewActionQueue(store, journal, syncer, cfg.Queue.MaxRetries, logger)
	recon := NewReconciler(store, fetcher, cfg.Alarms, attach, cfg.Sync.HorizonDays,
		cfg.Sync.PastGrace, cfg.Sync.UpdateCheckMinInterval, logger)
	monitor := NewNetworkMonitor(cfg.Probe, 0, logger)
	coord := NewCoordinator(store, queue, sender, monitor, cfg.Alarms, cfg.Tokens,
		cfg.Sync.SnoozeDuration, logger)

	e := &Engine{
		config:    cfg,
		logger:    logger,
		store:     store,
		journal:   journal,
		api:       api,
		queue:     queue,
		coord:     coord,
		recon:     recon,
		monitor:   monitor,
		attach:    attach,
		confirmCh: make(chan confirmRequest, 64),
		closeCh:   make(chan struct{}),
		pending:   make(map[string]bool),
	}

	ctx := context.Background()

	if err := queue.Recover(ctx); err != nil {
		attach.Close()
		_ = journal.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to recover queue: %w", err)
	}

	deviceID, err := store.DeviceID(ctx)
	if err != nil {
		attach.Close()
		_ = journal.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to load device id: %w", err)
	}
	if api != nil {
		api.SetDeviceID(deviceID)
	}

	monitor.Start()
	e.listenerID = monitor.AddListener(e.onConnectivityChange)

	e.wg.Add(1)
	go e.dispatchLoop()

	if cfg.Sync.SweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepLoop(cfg.Sync.SweepInterval)
	}

	if cfg.Push != nil && cfg.Push.Enabled && cfg.BaseURL != "" {
		push, err := NewPushListener(*cfg.Push, cfg.BaseURL, cfg.Tokens, e.onPushHint, logger)
		if err != nil {
			logger.Warn("push listener disabled", "error", err)
		} else {
			push.SetDeviceID(deviceID)
			push.Start()
			e.push = push
		}
	}

	if cfg.Export != nil && cfg.Export.Enabled {
		e.export = NewAdherenceExporter(store, *cfg.Export, deviceID, cfg.HTTPClient, logger)
		e.export.Start()
	}

	logger.Info("engine opened",
		"path", cfg.Path,
		"device", deviceID,
		"remote", cfg.BaseURL != "",
		"push", e.push != nil,
		"export", e.export != nil)
	return e, nil
}

// Close stops background services and closes the store and journal.
// In-flight confirmations finish; queued ones are answered with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.closeCh)

	if e.push != nil {
		e.push.Stop()
	}
	if e.export != nil {
		e.export.Stop()
	}
	e.monitor.RemoveListener(e.listenerID)
	e.monitor.Stop()
	e.wg.Wait()
	e.attach.Close()

	var firstErr error
	if err := e.journal.Close(); err != nil {
		firstErr = err
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("engine closed")
	return firstErr
}

// dispatchLoop serializes all confirmations and snoozes. It runs each
// request under its own deadline so that a canceled caller cannot abandon
// a half-applied confirmation: once a request is picked up, the local
// write always completes.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case req := <-e.confirmCh:
			ctx, cancel := context.WithTimeout(context.Background(), e.config.Sync.RequestTimeout)
			var res ConfirmResult
			if req.typ == ActionSnooze {
				res = e.coord.SnoozeReminder(ctx, req.reminderID, req.origin)
			} else {
				res = e.coord.ConfirmReminder(ctx, req.reminderID, req.origin)
			}
			cancel()
			e.clearPending(req.reminderID)
			req.result <- res
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, typ ActionType, reminderID string, origin ConfirmOrigin) ConfirmResult {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmFailed, Err: ErrClosed}
	}
	if e.pending[reminderID] {
		e.mu.Unlock()
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmBusy, Err: ErrConfirmInFlight}
	}
	e.pending[reminderID] = true
	e.mu.Unlock()

	req := confirmRequest{
		reminderID: reminderID,
		typ:        typ,
		origin:     origin,
		result:     make(chan ConfirmResult, 1),
	}
	select {
	case e.confirmCh <- req:
	case <-e.closeCh:
		e.clearPending(reminderID)
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmFailed, Err: ErrClosed}
	case <-ctx.Done():
		e.clearPending(reminderID)
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmFailed, Err: ctx.Err()}
	}
	select {
	case res := <-req.result:
		return res
	case <-ctx.Done():
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmFailed, Err: ctx.Err()}
	case <-e.closeCh:
		return ConfirmResult{ReminderID: reminderID, Status: ConfirmFailed, Err: ErrClosed}
	}
}

func (e *Engine) clearPending(reminderID string) {
	e.mu.Lock()
	delete(e.pending, reminderID)
	e.mu.Unlock()
}

// Confirm records a dose as taken. The call blocks until the confirmation
// has been applied locally and either delivered or queued.
func (e *Engine) Confirm(ctx context.Context, reminderID string, origin ConfirmOrigin) ConfirmResult {
	return e.dispatch(ctx, ActionConfirm, reminderID, origin)
}

// Snooze pushes a reminder's alarm back by the configured snooze duration.
func (e *Engine) Snooze(ctx context.Context, reminderID string, origin ConfirmOrigin) ConfirmResult {
	return e.dispatch(ctx, ActionSnooze, reminderID, origin)
}

// HandleAlarmFired is the entry point for the platform alarm callback.
func (e *Engine) HandleAlarmFired(ctx context.Context, reminderID string) ConfirmResult {
	return e.dispatch(ctx, ActionConfirm, reminderID, OriginAlarm)
}

// HandleNotificationAction is the entry point for a "taken" tap on a
// delivered notification.
func (e *Engine) HandleNotificationAction(ctx context.Context, reminderID string) ConfirmResult {
	return e.dispatch(ctx, ActionConfirm, reminderID, OriginNotification)
}

// HandleDeepLink confirms a reminder opened through a confirmation link.
func (e *Engine) HandleDeepLink(ctx context.Context, reminderID string) ConfirmResult {
	return e.dispatch(ctx, ActionConfirm, reminderID, OriginDeepLink)
}

// HandleAppStart runs the launch sequence: ingest confirmations recorded
// natively while the process was dead, drain the offline queue, then
// refresh the reminder window if the backend has newer data.
func (e *Engine) HandleAppStart(ctx context.Context) error {
	if _, err := e.coord.DrainPendingConfirmations(ctx); err != nil {
		e.logger.Warn("pending confirmation drain failed", "error", err)
	}
	if e.monitor.Online() {
		if pending, err := e.queue.PendingCount(ctx); err == nil && pending > 0 {
			if _, err := e.queue.SyncQueue(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				e.logger.Warn("startup queue drain failed", "error", err)
			}
		}
	}
	return e.refreshIfStale(ctx)
}

// HandleForeground runs when the app returns to the foreground. It is
// HandleAppStart minus the queue drain; the sweep loop and connectivity
// listener keep the queue moving on their own.
func (e *Engine) HandleForeground(ctx context.Context) error {
	if _, err := e.coord.DrainPendingConfirmations(ctx); err != nil {
		e.logger.Warn("pending confirmation drain failed", "error", err)
	}
	return e.refreshIfStale(ctx)
}

// refreshIfStale pulls the reminder window when the backend reports
// changes. A failed update check is not an error: cached reminders stay
// authoritative until the backend is reachable again.
func (e *Engine) refreshIfStale(ctx context.Context) error {
	cursor, err := e.recon.Cursor(ctx)
	if err != nil {
		return err
	}
	if cursor.LastSyncTime.IsZero() {
		_, err := e.recon.DownloadAndSchedule(ctx)
		if errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrOffline) {
			return nil
		}
		return err
	}
	hasUpdates, err := e.recon.CheckForUpdates(ctx)
	if err != nil {
		e.logger.Debug("update check failed", "error", err)
		return nil
	}
	if !hasUpdates {
		return nil
	}
	_, err = e.recon.Reconcile(ctx)
	if errors.Is(err, ErrSyncInProgress) {
		return nil
	}
	return err
}

// SyncNow forces a full sync: drain the offline queue first so the
// backend knows everything this device did, then download the fresh
// window. Queue failures do not stop the download; the queue keeps its
// own retry bookkeeping.
func (e *Engine) SyncNow(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	queueRes, err := e.queue.SyncQueue(ctx)
	report.Queue = queueRes
	if err != nil && !errors.Is(err, ErrSyncInProgress) {
		e.logger.Warn("manual sync queue drain failed", "error", err)
	}
	download, err := e.recon.DownloadAndSchedule(ctx)
	report.Download = download
	return report, err
}

// onConnectivityChange fires whenever the network monitor flips state.
// Coming back online triggers the drain-then-reconcile sequence in the
// background: pending writes reach the backend before the next read, so
// the reconciled window already reflects them.
func (e *Engine) onConnectivityChange(online bool) {
	if !online {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 3*e.config.Sync.RequestTimeout)
		defer cancel()
		if _, err := e.queue.SyncQueue(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			e.logger.Warn("queue drain after reconnect failed", "error", err)
		}
		if _, err := e.recon.Reconcile(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			e.logger.Warn("reconcile after reconnect failed", "error", err)
		}
	}()
}

// onPushHint fires when the push listener sees a change notification.
// It only marks the hint; the next foreground or sweep picks it up.
func (e *Engine) onPushHint() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.config.Sync.RequestTimeout)
		defer cancel()
		if err := e.recon.MarkUpdateHint(ctx); err != nil {
			e.logger.Warn("failed to record push hint", "error", err)
		}
	}()
}

// sweepLoop periodically ingests natively recorded confirmations and
// retries the queue while online.
func (e *Engine) sweepLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.config.Sync.RequestTimeout)
			if _, err := e.coord.DrainPendingConfirmations(ctx); err != nil {
				e.logger.Warn("confirmation sweep failed", "error", err)
			}
			if e.monitor.Online() {
				if pending, err := e.queue.PendingCount(ctx); err == nil && pending > 0 {
					if _, err := e.queue.SyncQueue(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
						e.logger.Debug("queue retry failed", "error", err)
					}
				}
			}
			cancel()
		}
	}
}

// SetOnline feeds a platform connectivity callback into the engine,
// bypassing the probe. Transitions trigger the same drain-then-reconcile
// handling as probe detections.
func (e *Engine) SetOnline(online bool) {
	e.monitor.SetOnline(online)
}

// Online reports the last known connectivity state.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// Upcoming returns the locally cached reminders from now through the
// configured horizon.
func (e *Engine) Upcoming(ctx context.Context) ([]Reminder, error) {
	now := time.Now()
	return e.store.RemindersBetween(ctx, now.Add(-e.config.Sync.PastGrace),
		now.AddDate(0, 0, e.config.Sync.HorizonDays))
}

// Adherence returns per-day dose statistics for the last days days,
// oldest first.
func (e *Engine) Adherence(ctx context.Context, days int) ([]DayStats, error) {
	if days <= 0 {
		days = 7
	}
	now := time.Now()
	from := now.AddDate(0, 0, -(days - 1))
	return e.store.DayStatsRange(ctx, DayKey(from), DayKey(now))
}

// Cursor reports sync progress for diagnostics screens.
func (e *Engine) Cursor(ctx context.Context) (SyncCursor, error) {
	return e.recon.Cursor(ctx)
}

// DeadLetters lists actions abandoned after exhausting their retries.
func (e *Engine) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return e.queue.DeadLetters(ctx)
}

// RequeueDeadLetter moves an abandoned action back into the live queue.
func (e *Engine) RequeueDeadLetter(ctx context.Context, id string) error {
	return e.queue.RequeueDeadLetter(ctx, id)
}

// Permissions reports which confirmation paths are currently usable.
func (e *Engine) Permissions() PermissionReport {
	return e.coord.Permissions()
}

// Stats gathers a diagnostics snapshot across all engine components.
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	stats := EngineStats{Online: e.monitor.Online(), Queue: e.queue.Stats()}
	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		return stats, err
	}
	stats.PendingActions = pending
	dead, err := e.queue.DeadLetters(ctx)
	if err != nil {
		return stats, err
	}
	stats.DeadLetters = len(dead)
	cursor, err := e.recon.Cursor(ctx)
	if err != nil {
		return stats, err
	}
	stats.Cursor = cursor
	attachStats, err := e.attach.Usage(ctx)
	if err != nil {
		return stats, err
	}
	stats.Attachments = attachStats
	stats.JournalBytes = e.journal.Size()
	if e.push != nil {
		stats.PushConnected = e.push.Connected()
		stats.PushHints = e.push.Hints()
	}
	if e.export != nil {
		stats.SeriesPushed = e.export.Pushed()
	}
	return stats, nil
}

// ClearAllReminders cancels every alarm and empties the local reminder
// cache. Queued actions and adherence history survive.
func (e *Engine) ClearAllReminders(ctx context.Context) error {
	return e.recon.ClearAll(ctx)
}

// Logout wipes everything this device knows: reminders, alarms, queued
// actions, attachments, adherence history, and the device identity.
func (e *Engine) Logout(ctx context.Context) error {
	if err := e.recon.ClearAll(ctx); err != nil {
		return err
	}
	if err := e.queue.Clear(ctx); err != nil {
		return err
	}
	if err := e.attach.Clear(ctx); err != nil {
		return err
	}
	if err := e.store.Wipe(ctx); err != nil {
		return err
	}
	e.logger.Info("local data wiped")
	return nil
}

// ExportNow pushes the adherence window to the configured remote write
// endpoint immediately, outside the exporter's normal schedule.
func (e *Engine) ExportNow(ctx context.Context) (int, error) {
	if e.export == nil {
		return 0, fmt.Errorf("adherence export not configured")
	}
	return e.export.ExportOnce(ctx)
}

// Store exposes the underlying reminder store for direct reads.
func (e *Engine) Store() *Store { return e.store }

// Queue exposes the offline action queue.
func (e *Engine) Queue() *ActionQueue { return e.queue }

// Coordinator exposes the confirmation coordinator.
func (e *Engine) Coordinator() *Coordinator { return e.coord }

// Reconciler exposes the sync reconciler.
func (e *Engine) Reconciler() *Reconciler { return e.recon }

// NetworkMonitor exposes the connectivity monitor.
func (e *Engine) NetworkMonitor() *NetworkMonitor { return e.monitor }

// Attachments exposes the voice note manager.
func (e *Engine) Attachments() *AttachmentManager { return e.attach }
