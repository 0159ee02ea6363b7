package medsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// reminderFetcher is the pull side of the backend API. Implemented by
// APIClient.
type reminderFetcher interface {
	FetchUpcoming(ctx context.Context, days int) ([]Reminder, time.Time, error)
	CheckUpdates(ctx context.Context, lastSync time.Time) (bool, error)
}

// attachmentFetcher downloads missing voice notes in the background.
type attachmentFetcher interface {
	FetchMissing(reminders []Reminder) int
}

// DownloadResult summarizes one reminder download.
type DownloadResult struct {
	// Scheduled is how many native alarms are set after the download.
	Scheduled int `json:"scheduled"`
	// AudioQueued is how many voice notes were handed to the background
	// fetcher. Downloads never block the reminder path.
	AudioQueued int `json:"audioQueued"`
	// Merge reports how the server snapshot landed in the store.
	Merge MergeStats `json:"merge"`
	// Pruned is how many out-of-window reminders were dropped.
	Pruned int `json:"pruned"`
	// ServerTime is the watermark persisted for this download.
	ServerTime time.Time `json:"serverTime"`
}

// Reconciler keeps the local cache consistent with the backend: full
// downloads, cheap watermark checks, and conflict-aware reconciliation.
// One rule decides every conflict: the server wins for anything already
// delivered, and a locally confirmed dose with an undelivered confirmation
// is never downgraded.
type Reconciler struct {
	store   *Store
	api     reminderFetcher
	alarms  AlarmBridge
	attach  attachmentFetcher
	logger  *slog.Logger
	horizon int
	grace   time.Duration

	// limiter spaces out network update checks across every trigger
	// source: foreground, app start, deep links, push hints.
	limiter *rate.Limiter

	mu          sync.Mutex
	reconciling bool

	now func() time.Time
}

// NewReconciler creates the reconciler. attach may be nil when voice notes
// are disabled.
func NewReconciler(store *Store, api reminderFetcher, alarms AlarmBridge, attach attachmentFetcher,
	horizonDays int, pastGrace, checkMinInterval time.Duration, logger *slog.Logger) *Reconciler {
	if horizonDays <= 0 {
		horizonDays = 7
	}
	if pastGrace <= 0 {
		pastGrace = 12 * time.Hour
	}
	if checkMinInterval <= 0 {
		checkMinInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		api:     api,
		alarms:  alarms,
		attach:  attach,
		logger:  logger,
		horizon: horizonDays,
		grace:   pastGrace,
		limiter: rate.NewLimiter(rate.Every(checkMinInterval), 1),
		now:     time.Now,
	}
}

// window returns the local retention bounds around now.
func (r *Reconciler) window() (time.Time, time.Time) {
	now := r.now()
	return now.Add(-r.grace), now.AddDate(0, 0, r.horizon)
}

// DownloadAndSchedule pulls the reminder window, merges it into the store,
// sets native alarms, prunes entries that left the window, and starts
// background voice note downloads. Entries with an undelivered local
// confirmation keep their local state.
func (r *Reconciler) DownloadAndSchedule(ctx context.Context) (DownloadResult, error) {
	r.mu.Lock()
	if r.reconciling {
		r.mu.Unlock()
		return DownloadResult{}, ErrSyncInProgress
	}
	r.reconciling = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.reconciling = false
		r.mu.Unlock()
	}()

	return r.downloadLocked(ctx)
}

func (r *Reconciler) downloadLocked(ctx context.Context) (DownloadResult, error) {
	if r.api == nil {
		return DownloadResult{}, ErrOffline
	}
	incoming, serverTime, err := r.api.FetchUpcoming(ctx, r.horizon)
	if err != nil {
		return DownloadResult{}, err
	}

	protected, err := r.protectedSet(ctx)
	if err != nil {
		return DownloadResult{}, err
	}

	merge, err := r.store.MergeServer(ctx, incoming, protected)
	if err != nil {
		return DownloadResult{}, err
	}

	from, to := r.window()
	pruned, err := r.store.PruneOutside(ctx, from, to)
	if err != nil {
		return DownloadResult{}, err
	}
	for _, gone := range pruned {
		if r.alarms != nil {
			if aerr := r.alarms.Cancel(gone.ID); aerr != nil {
				r.logger.Warn("alarm cancel failed", "reminder", gone.ID, "err", aerr)
			}
		}
	}

	scheduled, err := r.refreshAlarms(ctx)
	if err != nil {
		return DownloadResult{}, err
	}

	result := DownloadResult{
		Scheduled: scheduled,
		Merge:     merge,
		Pruned:    len(pruned),
	}

	if r.attach != nil {
		current, err := r.store.Reminders(ctx)
		if err == nil {
			result.AudioQueued = r.attach.FetchMissing(current)
		}
	}

	if serverTime.IsZero() {
		serverTime = r.now()
	}
	result.ServerTime = serverTime
	if err := r.store.SetLastSyncTime(ctx, serverTime); err != nil {
		return result, err
	}
	if err := r.store.SetHasUpdates(ctx, false); err != nil {
		return result, err
	}

	r.logger.Info("reminders downloaded",
		"added", merge.Added, "updated", merge.Updated, "protected", merge.Protected,
		"pruned", len(pruned), "alarms", scheduled, "audio_queued", result.AudioQueued)
	return result, nil
}

// refreshAlarms sets alarms for upcoming doses and clears them for settled
// ones.
func (r *Reconciler) refreshAlarms(ctx context.Context) (int, error) {
	if r.alarms == nil {
		return 0, nil
	}
	reminders, err := r.store.Reminders(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()

	scheduled := 0
	for _, rem := range reminders {
		switch rem.Status {
		case StatusScheduled:
			if rem.ScheduledAt.After(now) {
				if err := r.alarms.Schedule(rem); err != nil {
					r.logger.Warn("alarm schedule failed", "reminder", rem.ID, "err", err)
					continue
				}
				scheduled++
			}
		case StatusSnoozed:
			if rem.SnoozedUntil != nil && rem.SnoozedUntil.After(now) {
				alarm := rem
				alarm.ScheduledAt = *rem.SnoozedUntil
				if err := r.alarms.Schedule(alarm); err != nil {
					r.logger.Warn("alarm schedule failed", "reminder", rem.ID, "err", err)
					continue
				}
				scheduled++
			}
		default:
			if err := r.alarms.Cancel(rem.ID); err != nil {
				r.logger.Warn("alarm cancel failed", "reminder", rem.ID, "err", err)
			}
		}
	}
	return scheduled, nil
}

// protectedSet is the reminder ids whose local state must survive a pull:
// status optimistically set and the matching action still undelivered.
func (r *Reconciler) protectedSet(ctx context.Context) (map[string]bool, error) {
	candidates, err := r.store.UnsyncedReminderIDs(ctx, ActionConfirm, ActionSnooze)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	protected := make(map[string]bool, len(candidates))
	for id := range candidates {
		local, err := r.store.Reminder(ctx, id)
		if err != nil {
			// A queued action for a pruned reminder still syncs fine; it
			// just cannot protect anything.
			continue
		}
		if local.Status == StatusTaken || local.Status == StatusSnoozed {
			protected[id] = true
		}
	}
	return protected, nil
}

// CheckForUpdates asks the backend whether anything changed since the last
// download. Calls are spaced by the configured minimum interval across all
// trigger sources; a throttled call answers from the stored hint without
// touching the network.
func (r *Reconciler) CheckForUpdates(ctx context.Context) (bool, error) {
	if r.api == nil {
		return r.store.HasUpdates(ctx)
	}
	if !r.limiter.Allow() {
		return r.store.HasUpdates(ctx)
	}

	lastSync, err := r.store.LastSyncTime(ctx)
	if err != nil {
		return false, err
	}

	has, err := r.api.CheckUpdates(ctx, lastSync)
	if err != nil {
		// Keep the stored hint; a failed probe is not "no updates".
		stored, _ := r.store.HasUpdates(ctx)
		return stored, err
	}

	if err := r.store.SetHasUpdates(ctx, has); err != nil {
		return has, err
	}
	if has {
		r.logger.Info("backend has newer reminders", "since", lastSync)
	}
	return has, nil
}

// Reconcile runs a full pull when updates are known or suspected. It is
// the read half of a network-restore sequence; the engine drains the
// offline queue first so local actions reach the backend before its state
// is pulled.
func (r *Reconciler) Reconcile(ctx context.Context) (DownloadResult, error) {
	return r.DownloadAndSchedule(ctx)
}

// MarkUpdateHint records a push hint that newer data exists. The next
// CheckForUpdates or Reconcile will act on it.
func (r *Reconciler) MarkUpdateHint(ctx context.Context) error {
	return r.store.SetHasUpdates(ctx, true)
}

// Cursor returns the persisted sync position.
func (r *Reconciler) Cursor(ctx context.Context) (SyncCursor, error) {
	lastSync, err := r.store.LastSyncTime(ctx)
	if err != nil {
		return SyncCursor{}, err
	}
	has, err := r.store.HasUpdates(ctx)
	if err != nil {
		return SyncCursor{}, err
	}
	return SyncCursor{LastSyncTime: lastSync, HasUpdates: has}, nil
}

// ClearAll wipes cached reminders and cancels their alarms. Used on
// logout.
func (r *Reconciler) ClearAll(ctx context.Context) error {
	if r.alarms != nil {
		if err := r.alarms.CancelAll(); err != nil {
			r.logger.Warn("alarm cancel-all failed", "err", err)
		}
	}
	return r.store.ClearReminders(ctx)
}
