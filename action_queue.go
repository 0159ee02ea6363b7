package medsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// actionSyncer delivers a batch of queued actions and reports per-action
// verdicts. Implemented by APIClient.
type actionSyncer interface {
	SyncOfflineActions(ctx context.Context, actions []QueuedAction) ([]ActionResult, error)
}

// SyncQueueResult summarizes one queue sync round.
type SyncQueueResult struct {
	// Success is false when the round did not run (another round was in
	// flight) or the batch call itself failed.
	Success bool `json:"success"`
	// Synced is how many actions the backend accepted this round.
	Synced int `json:"synced"`
	// Failed is how many actions failed this round and remain queued.
	Failed int `json:"failed"`
	// Abandoned is how many actions hit the retry limit this round and
	// moved to the dead letter list.
	Abandoned int `json:"abandoned"`
	// Remaining is the undelivered count after the round.
	Remaining int `json:"remaining"`
}

// QueueStats tracks queue activity since the engine opened.
type QueueStats struct {
	TotalQueued    int       `json:"total_queued"`
	TotalDeduped   int       `json:"total_deduped"`
	TotalSynced    int       `json:"total_synced"`
	TotalFailed    int       `json:"total_failed"`
	TotalAbandoned int       `json:"total_abandoned"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// ActionQueue is the durable offline action queue. Rows live in the store;
// every mutation is also journaled so a hard crash replays cleanly. Queue
// syncs deliver all pending actions in one batch and apply the backend's
// per-action verdicts.
type ActionQueue struct {
	store      *Store
	journal    *Journal
	api        actionSyncer
	logger     *slog.Logger
	maxRetries int

	mu             sync.Mutex
	syncInProgress bool
	stats          QueueStats

	now func() time.Time
}

// NewActionQueue creates the queue. journal may be nil, which disables
// crash journaling but keeps the store-backed queue fully functional.
func NewActionQueue(store *Store, journal *Journal, api actionSyncer, maxRetries int, logger *slog.Logger) *ActionQueue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionQueue{
		store:      store,
		journal:    journal,
		api:        api,
		logger:     logger,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Recover replays the journal into the store. Records already reflected in
// the store are no-ops; the journal is truncated afterwards. A corrupt
// journal keeps whatever replayed cleanly and is then truncated, because
// the store remains canonical.
func (q *ActionQueue) Recover(ctx context.Context) error {
	if q.journal == nil {
		return nil
	}

	records, err := q.journal.Replay()
	if err != nil && !errors.Is(err, ErrJournalCorrupt) {
		return fmt.Errorf("journal replay: %w", err)
	}
	if errors.Is(err, ErrJournalCorrupt) {
		q.logger.Warn("journal corrupt past clean records, continuing with store state", "replayed", len(records))
	}

	for _, rec := range records {
		switch rec.Op {
		case journalAdd:
			if rerr := q.store.EnsureAction(ctx, rec.Action); rerr != nil {
				return rerr
			}
		case journalSynced:
			if rerr := q.store.MarkActionSynced(ctx, rec.ActionID); rerr != nil && !errors.Is(rerr, ErrActionNotFound) {
				return rerr
			}
		case journalRetired:
			if rerr := q.store.RetireAction(ctx, rec.Action, rec.Reason, rec.At); rerr != nil {
				return rerr
			}
		case journalRequeue:
			if rerr := q.store.RequeueDeadLetter(ctx, rec.ActionID); rerr != nil && !errors.Is(rerr, ErrActionNotFound) {
				return rerr
			}
		case journalClear:
			if rerr := q.store.DeleteAllActions(ctx); rerr != nil {
				return rerr
			}
		}
	}

	if len(records) > 0 {
		q.logger.Info("replayed action journal", "records", len(records))
	}
	return q.journal.Reset()
}

// Add queues an action unless an undelivered action for the same
// (type, reminder) pair already exists. The returned bool reports whether a
// new action was queued.
func (q *ActionQueue) Add(ctx context.Context, typ ActionType, reminderID string) (QueuedAction, bool, error) {
	if !typ.Valid() {
		return QueuedAction{}, false, fmt.Errorf("invalid action type %q", typ)
	}

	exists, err := q.store.HasUnsyncedAction(ctx, typ, reminderID)
	if err != nil {
		return QueuedAction{}, false, newQueueError("dedup check", err)
	}
	if exists {
		q.mu.Lock()
		q.stats.TotalDeduped++
		q.mu.Unlock()
		q.logger.Debug("action already queued", "type", typ, "reminder", reminderID)
		return QueuedAction{}, false, nil
	}

	action := NewQueuedAction(typ, reminderID, q.now())
	if err := q.store.InsertAction(ctx, action); err != nil {
		return QueuedAction{}, false, newQueueError("insert", err)
	}
	q.appendJournal(journalRecord{Op: journalAdd, Action: action, At: q.now()})

	q.mu.Lock()
	q.stats.TotalQueued++
	q.mu.Unlock()

	q.logger.Info("queued offline action", "type", typ, "reminder", reminderID, "id", action.ID)
	return action, true, nil
}

// Pending returns undelivered actions in creation order.
func (q *ActionQueue) Pending(ctx context.Context) ([]QueuedAction, error) {
	return q.store.UnsyncedActions(ctx)
}

// PendingCount returns the undelivered count.
func (q *ActionQueue) PendingCount(ctx context.Context) (int, error) {
	return q.store.UnsyncedCount(ctx)
}

// SyncQueue delivers every pending action in one batch. Only one round runs
// at a time: a second caller gets Success=false and ErrSyncInProgress
// immediately instead of blocking. A batch that never reached the backend
// counts one failed attempt against every included action; per-action
// verdicts otherwise decide individually. Actions that exhaust their
// attempts move to the dead letter list and stop occupying the queue.
func (q *ActionQueue) SyncQueue(ctx context.Context) (SyncQueueResult, error) {
	q.mu.Lock()
	if q.syncInProgress {
		q.mu.Unlock()
		return SyncQueueResult{Success: false}, ErrSyncInProgress
	}
	q.syncInProgress = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.syncInProgress = false
		q.mu.Unlock()
	}()

	result, err := q.syncOnce(ctx)

	q.mu.Lock()
	q.stats.LastSyncAt = q.now()
	q.stats.TotalSynced += result.Synced
	q.stats.TotalFailed += result.Failed
	q.stats.TotalAbandoned += result.Abandoned
	if err != nil {
		q.stats.LastError = err.Error()
	} else {
		q.stats.LastError = ""
	}
	q.mu.Unlock()

	return result, err
}

func (q *ActionQueue) syncOnce(ctx context.Context) (SyncQueueResult, error) {
	pending, err := q.store.UnsyncedActions(ctx)
	if err != nil {
		return SyncQueueResult{}, newQueueError("load pending", err)
	}
	if len(pending) == 0 {
		return SyncQueueResult{Success: true}, nil
	}
	if q.api == nil {
		return SyncQueueResult{Remaining: len(pending)}, ErrOffline
	}

	q.logger.Info("syncing offline actions", "count", len(pending))

	verdicts, err := q.api.SyncOfflineActions(ctx, pending)
	if err != nil {
		// The batch never got a verdict: every action burns one attempt.
		failed := q.penalizeAll(ctx, pending, err)
		failed.Success = false
		q.logger.Warn("offline action batch failed", "count", len(pending), "err", err)
		return failed, err
	}

	byID := make(map[string]ActionResult, len(verdicts))
	for _, v := range verdicts {
		byID[v.ID] = v
	}

	var result SyncQueueResult
	result.Success = true
	for _, action := range pending {
		verdict, ok := byID[action.ID]
		if ok && verdict.Success {
			if err := q.store.MarkActionSynced(ctx, action.ID); err != nil {
				return result, newQueueError("mark synced", err)
			}
			q.appendJournal(journalRecord{Op: journalSynced, ActionID: action.ID, At: q.now()})
			result.Synced++
			continue
		}

		reason := "no verdict from backend"
		if ok {
			reason = verdict.Error
			if reason == "" {
				reason = "backend rejected action"
			}
		}
		if err := q.failAction(ctx, action, reason, &result); err != nil {
			return result, err
		}
	}

	remaining, err := q.store.UnsyncedCount(ctx)
	if err != nil {
		return result, newQueueError("count remaining", err)
	}
	result.Remaining = remaining

	// Everything delivered or retired: the store fully describes the queue
	// again, so the journal can start fresh.
	if remaining == 0 && q.journal != nil {
		if err := q.journal.Reset(); err != nil {
			q.logger.Warn("journal checkpoint failed", "err", err)
		}
	}

	return result, nil
}

// penalizeAll burns one attempt on every action after a batch-level
// failure, retiring the ones that hit the limit.
func (q *ActionQueue) penalizeAll(ctx context.Context, pending []QueuedAction, cause error) SyncQueueResult {
	var result SyncQueueResult
	for _, action := range pending {
		if err := q.failAction(ctx, action, cause.Error(), &result); err != nil {
			q.logger.Error("failed to record batch failure", "action", action.ID, "err", err)
		}
	}
	if remaining, err := q.store.UnsyncedCount(ctx); err == nil {
		result.Remaining = remaining
	}
	return result
}

// failAction increments the retry counter, retiring the action once it
// exhausts its attempts.
func (q *ActionQueue) failAction(ctx context.Context, action QueuedAction, reason string, result *SyncQueueResult) error {
	action.RetryCount++
	if action.RetryCount >= q.maxRetries {
		if err := q.store.RetireAction(ctx, action, reason, q.now()); err != nil {
			return newQueueError("retire", err)
		}
		q.appendJournal(journalRecord{Op: journalRetired, Action: action, Reason: reason, At: q.now()})
		q.logger.Error("action abandoned after retry limit",
			"id", action.ID, "type", action.Type, "reminder", action.ReminderID,
			"retries", action.RetryCount, "reason", reason)
		result.Abandoned++
		return nil
	}

	if err := q.store.IncrementRetries(ctx, []string{action.ID}); err != nil {
		return newQueueError("increment retry", err)
	}
	result.Failed++
	return nil
}

// ClearSynced removes delivered actions from the store.
func (q *ActionQueue) ClearSynced(ctx context.Context) (int, error) {
	n, err := q.store.DeleteSyncedActions(ctx)
	if err != nil {
		return 0, err
	}
	if remaining, cerr := q.store.UnsyncedCount(ctx); cerr == nil && remaining == 0 && q.journal != nil {
		if rerr := q.journal.Reset(); rerr != nil {
			q.logger.Warn("journal checkpoint failed", "err", rerr)
		}
	}
	return n, nil
}

// Clear empties the queue entirely. Used on logout.
func (q *ActionQueue) Clear(ctx context.Context) error {
	if err := q.store.DeleteAllActions(ctx); err != nil {
		return err
	}
	q.appendJournal(journalRecord{Op: journalClear, At: q.now()})
	if q.journal != nil {
		if err := q.journal.Reset(); err != nil {
			q.logger.Warn("journal reset failed", "err", err)
		}
	}
	return nil
}

// DeadLetters returns permanently failed actions for review.
func (q *ActionQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return q.store.DeadLetters(ctx)
}

// RequeueDeadLetter puts an abandoned action back in line with fresh
// attempts.
func (q *ActionQueue) RequeueDeadLetter(ctx context.Context, actionID string) error {
	if err := q.store.RequeueDeadLetter(ctx, actionID); err != nil {
		return err
	}
	q.appendJournal(journalRecord{Op: journalRequeue, ActionID: actionID, At: q.now()})
	q.logger.Info("requeued dead letter", "id", actionID)
	return nil
}

// Stats returns queue counters since open.
func (q *ActionQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// appendJournal writes a record, logging instead of failing: the store is
// canonical and a journal miss only narrows crash coverage.
func (q *ActionQueue) appendJournal(rec journalRecord) {
	if q.journal == nil {
		return
	}
	if err := q.journal.Append(rec); err != nil {
		q.logger.Warn("journal append failed", "op", rec.Op, "err", err)
	}
}
