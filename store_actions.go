package medsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertAction persists a new offline action.
func (s *Store) InsertAction(ctx context.Context, a QueuedAction) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	synced := 0
	if a.Synced {
		synced = 1
	}
	_, err := s.insertAction.ExecContext(ctx, a.ID, a.Type, a.ReminderID,
		a.CreatedAt.UnixNano(), synced, a.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// EnsureAction inserts an action if its id is not present. Journal replay
// uses this so records already reflected in the store are no-ops.
func (s *Store) EnsureAction(ctx context.Context, a QueuedAction) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	synced := 0
	if a.Synced {
		synced = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO actions (id, type, reminder_id, created_at, synced, retry_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.Type, a.ReminderID, a.CreatedAt.UnixNano(), synced, a.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to ensure action: %w", err)
	}
	return nil
}

// HasUnsyncedAction reports whether an undelivered action with the same
// (type, reminder) pair already exists.
func (s *Store) HasUnsyncedAction(ctx context.Context, typ ActionType, reminderID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	var one int
	err := s.unsyncedExists.QueryRowContext(ctx, typ, reminderID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check unsynced action: %w", err)
	}
	return true, nil
}

// UnsyncedActions returns undelivered actions in creation order.
func (s *Store) UnsyncedActions(ctx context.Context) ([]QueuedAction, error) {
	return s.queryActions(ctx, `
		SELECT id, type, reminder_id, created_at, synced, retry_count
		FROM actions WHERE synced = 0 ORDER BY created_at
	`)
}

// UnsyncedReminderIDs returns the reminder ids that have an undelivered
// action of the given type. The reconciler uses this as its protected set.
func (s *Store) UnsyncedReminderIDs(ctx context.Context, types ...ActionType) (map[string]bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, typ := range types {
		rows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT reminder_id FROM actions WHERE synced = 0 AND type = ?
		`, typ)
		if err != nil {
			return nil, fmt.Errorf("failed to query unsynced reminder ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan reminder id: %w", err)
			}
			ids[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return ids, nil
}

// UnsyncedCount returns the number of undelivered actions.
func (s *Store) UnsyncedCount(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions WHERE synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return n, nil
}

// MarkActionSynced flags one action as delivered.
func (s *Store) MarkActionSynced(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.markSynced.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to mark action synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrActionNotFound
	}
	return nil
}

// IncrementRetries bumps the retry counter of every given action.
func (s *Store) IncrementRetries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin retry update: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE actions SET retry_count = retry_count + 1 WHERE id = ?
		`, id); err != nil {
			return fmt.Errorf("failed to increment retry: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteSyncedActions removes delivered actions, returning how many went.
func (s *Store) DeleteSyncedActions(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE synced = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteAllActions empties the action queue.
func (s *Store) DeleteAllActions(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM actions`); err != nil {
		return fmt.Errorf("failed to delete actions: %w", err)
	}
	return nil
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]QueuedAction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var out []QueuedAction
	for rows.Next() {
		var a QueuedAction
		var createdAt int64
		var synced int
		if err := rows.Scan(&a.ID, &a.Type, &a.ReminderID, &createdAt, &synced, &a.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.CreatedAt = time.Unix(0, createdAt)
		a.Synced = synced == 1
		out = append(out, a)
	}
	return out, rows.Err()
}

// RetireAction marks an action delivered-terminal and records it as a dead
// letter in the same transaction, so the give-up is never silent.
func (s *Store) RetireAction(ctx context.Context, a QueuedAction, reason string, now time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin retire: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE actions SET synced = 1 WHERE id = ?`, a.ID); err != nil {
		return fmt.Errorf("failed to retire action: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letters (action_id, type, reminder_id, created_at, retry_count, reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Type, a.ReminderID, a.CreatedAt.UnixNano(), a.RetryCount, reason, now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	return tx.Commit()
}

// DeadLetters returns permanently failed actions, newest first.
func (s *Store) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_id, type, reminder_id, created_at, retry_count, reason, failed_at
		FROM dead_letters ORDER BY failed_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var createdAt, failedAt int64
		if err := rows.Scan(&d.Action.ID, &d.Action.Type, &d.Action.ReminderID,
			&createdAt, &d.Action.RetryCount, &d.Reason, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		d.Action.CreatedAt = time.Unix(0, createdAt)
		d.Action.Synced = true
		d.FailedAt = time.Unix(0, failedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RequeueDeadLetter puts a permanently failed action back on the live queue
// with a reset retry counter.
func (s *Store) RequeueDeadLetter(ctx context.Context, actionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin requeue: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE actions SET synced = 0, retry_count = 0 WHERE id = ?
	`, actionID)
	if err != nil {
		return fmt.Errorf("failed to requeue action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrActionNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE action_id = ?`, actionID); err != nil {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	return tx.Commit()
}

// Attachment is one cached voice note, keyed by its source URL.
type Attachment struct {
	URL       string    `json:"url"`
	LocalPath string    `json:"localPath"`
	Size      int64     `json:"size"`
	Encrypted bool      `json:"encrypted"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// AttachmentPath looks up the cache entry for a URL.
func (s *Store) AttachmentPath(ctx context.Context, url string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT local_path FROM attachments WHERE url = ?`, url).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up attachment: %w", err)
	}
	return path, true, nil
}

// PutAttachment records a downloaded voice note.
func (s *Store) PutAttachment(ctx context.Context, att Attachment) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted := 0
	if att.Encrypted {
		encrypted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO attachments (url, local_path, size, encrypted, fetched_at)
		VALUES (?, ?, ?, ?, ?)
	`, att.URL, att.LocalPath, att.Size, encrypted, att.FetchedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record attachment: %w", err)
	}
	return nil
}

// OrphanAttachments returns cache entries no reminder references anymore.
func (s *Store) OrphanAttachments(ctx context.Context) ([]Attachment, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, local_path, size, encrypted, fetched_at FROM attachments
		WHERE url NOT IN (SELECT audio_url FROM reminders WHERE audio_url != '')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphan attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		var encrypted int
		var fetchedAt int64
		if err := rows.Scan(&a.URL, &a.LocalPath, &a.Size, &encrypted, &fetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.Encrypted = encrypted == 1
		a.FetchedAt = time.Unix(0, fetchedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAttachments removes cache entries by URL.
func (s *Store) DeleteAttachments(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin attachment delete: %w", err)
	}
	defer tx.Rollback()

	for _, url := range urls {
		if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE url = ?`, url); err != nil {
			return fmt.Errorf("failed to delete attachment: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteAllAttachments empties the attachment index.
func (s *Store) DeleteAllAttachments(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM attachments`); err != nil {
		return fmt.Errorf("failed to delete attachments: %w", err)
	}
	return nil
}

// AttachmentStats summarizes the voice note cache.
type AttachmentStats struct {
	Count     int   `json:"count"`
	TotalSize int64 `json:"total_size"`
	Encrypted int   `json:"encrypted"`
}

// AttachmentUsage returns cache totals for the settings screen.
func (s *Store) AttachmentUsage(ctx context.Context) (AttachmentStats, error) {
	if err := s.checkOpen(); err != nil {
		return AttachmentStats{}, err
	}
	var st AttachmentStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(encrypted), 0) FROM attachments
	`).Scan(&st.Count, &st.TotalSize, &st.Encrypted)
	if err != nil {
		return AttachmentStats{}, fmt.Errorf("failed to read attachment stats: %w", err)
	}
	return st, nil
}
