package medsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// StoreConfig configures the local SQLite store.
type StoreConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int
}

// DefaultStoreConfig returns default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Path:        "medsync.db",
		CacheSize:   2000,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5000,
	}
}

// Store is the single local persistence module: reminders, offline actions,
// dead letters, sync state, day stats, and the attachment index all live in
// one SQLite file. Every write serializes through the store, which is the
// only writer for each key.
type Store struct {
	db     *sql.DB
	config StoreConfig
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool

	// Prepared statements for hot paths
	selectReminder *sql.Stmt
	upsertReminder *sql.Stmt
	insertAction   *sql.Stmt
	unsyncedExists *sql.Stmt
	markSynced     *sql.Stmt
	getState       *sql.Stmt
	setState       *sql.Stmt
}

// NewStore opens (or creates) the store at config.Path and applies pending
// schema migrations.
func NewStore(config StoreConfig, logger *slog.Logger) (*Store, error) {
	if config.Path == "" {
		config.Path = "medsync.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// One connection: every statement serializes through it, which keeps
	// the single-writer guarantee without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		config: config,
		logger: logger,
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *Store) prepareStatements() error {
	var err error

	s.selectReminder, err = s.db.Prepare(`
		SELECT id, medication_name, dosage, instructions, scheduled_at, status,
		       audio_url, audio_path, taken_at, snoozed_until, updated_at
		FROM reminders WHERE id = ?
	`)
	if err != nil {
		return err
	}

	s.upsertReminder, err = s.db.Prepare(`
		INSERT INTO reminders (id, medication_name, dosage, instructions, scheduled_at,
		                       status, audio_url, audio_path, taken_at, snoozed_until, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			medication_name = excluded.medication_name,
			dosage = excluded.dosage,
			instructions = excluded.instructions,
			scheduled_at = excluded.scheduled_at,
			status = excluded.status,
			audio_url = excluded.audio_url,
			audio_path = CASE WHEN excluded.audio_path != '' THEN excluded.audio_path ELSE reminders.audio_path END,
			taken_at = excluded.taken_at,
			snoozed_until = excluded.snoozed_until,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}

	s.insertAction, err = s.db.Prepare(`
		INSERT INTO actions (id, type, reminder_id, created_at, synced, retry_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.unsyncedExists, err = s.db.Prepare(`
		SELECT 1 FROM actions WHERE synced = 0 AND type = ? AND reminder_id = ? LIMIT 1
	`)
	if err != nil {
		return err
	}

	s.markSynced, err = s.db.Prepare(`UPDATE actions SET synced = 1 WHERE id = ?`)
	if err != nil {
		return err
	}

	s.getState, err = s.db.Prepare(`SELECT value FROM sync_state WHERE key = ?`)
	if err != nil {
		return err
	}

	s.setState, err = s.db.Prepare(`
		INSERT OR REPLACE INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
	`)
	return err
}

// Close releases the database and prepared statements.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.selectReminder, s.upsertReminder, s.insertAction,
		s.unsyncedExists, s.markSynced, s.getState, s.setState,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Reminder returns a single reminder by id.
func (s *Store) Reminder(ctx context.Context, id string) (Reminder, error) {
	if err := s.checkOpen(); err != nil {
		return Reminder{}, err
	}
	r, err := scanReminder(s.selectReminder.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrReminderNotFound
	}
	if err != nil {
		return Reminder{}, fmt.Errorf("failed to read reminder: %w", err)
	}
	return r, nil
}

// Reminders returns all cached reminders ordered by scheduled time.
func (s *Store) Reminders(ctx context.Context) ([]Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT id, medication_name, dosage, instructions, scheduled_at, status,
		       audio_url, audio_path, taken_at, snoozed_until, updated_at
		FROM reminders ORDER BY scheduled_at
	`)
}

// RemindersBetween returns reminders scheduled in [from, to).
func (s *Store) RemindersBetween(ctx context.Context, from, to time.Time) ([]Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT id, medication_name, dosage, instructions, scheduled_at, status,
		       audio_url, audio_path, taken_at, snoozed_until, updated_at
		FROM reminders WHERE scheduled_at >= ? AND scheduled_at < ? ORDER BY scheduled_at
	`, from.UnixNano(), to.UnixNano())
}

// RemindersOn returns the reminders counting toward one calendar day.
func (s *Store) RemindersOn(ctx context.Context, date string) ([]Reminder, error) {
	start, end, err := dayBounds(date)
	if err != nil {
		return nil, err
	}
	return s.RemindersBetween(ctx, start, end)
}

func (s *Store) queryReminders(ctx context.Context, query string, args ...any) ([]Reminder, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var r Reminder
	var scheduledAt, updatedAt int64
	var takenAt, snoozedUntil sql.NullInt64
	err := row.Scan(&r.ID, &r.MedicationName, &r.Dosage, &r.Instructions,
		&scheduledAt, &r.Status, &r.AudioURL, &r.AudioPath,
		&takenAt, &snoozedUntil, &updatedAt)
	if err != nil {
		return Reminder{}, err
	}
	r.ScheduledAt = time.Unix(0, scheduledAt)
	r.UpdatedAt = time.Unix(0, updatedAt)
	if takenAt.Valid {
		t := time.Unix(0, takenAt.Int64)
		r.TakenAt = &t
	}
	if snoozedUntil.Valid {
		t := time.Unix(0, snoozedUntil.Int64)
		r.SnoozedUntil = &t
	}
	return r, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// SetStatus updates a reminder's status. The update is idempotent: setting
// the status a reminder already has reports changed=false and writes
// nothing. Day stats for the reminder's day are recomputed in the same
// transaction as the status write.
func (s *Store) SetStatus(ctx context.Context, id string, status ReminderStatus, now time.Time) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid status %q", status)
	}
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := scanReminder(s.selectReminder.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrReminderNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read reminder: %w", err)
	}
	if current.Status == status {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin status update: %w", err)
	}
	defer tx.Rollback()

	takenAt := nullTime(current.TakenAt)
	if status == StatusTaken && !takenAt.Valid {
		takenAt = sql.NullInt64{Int64: now.UnixNano(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE reminders SET status = ?, taken_at = ?, updated_at = ? WHERE id = ?
	`, status, takenAt, now.UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("failed to update status: %w", err)
	}

	if err := s.recomputeDayStatsTx(ctx, tx, current.DayKey(), now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit status update: %w", err)
	}
	return true, nil
}

// SetSnoozedUntil records the deferred alarm time alongside a snooze.
func (s *Store) SetSnoozedUntil(ctx context.Context, id string, until time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET snoozed_until = ? WHERE id = ?
	`, until.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to set snooze time: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReminderNotFound
	}
	return nil
}

// SetAudioPath records the local cache path of a downloaded voice note.
func (s *Store) SetAudioPath(ctx context.Context, id, path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE reminders SET audio_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("failed to set audio path: %w", err)
	}
	return nil
}

// MergeStats summarizes one application of server reminders.
type MergeStats struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Protected int `json:"protected"`
}

// MergeServer applies a server snapshot to the local cache. Entries whose id
// is in protected keep their local row untouched: that is how a locally
// confirmed dose with an undelivered confirmation survives a pull. All other
// entries are replaced wholesale (last write wins at entry granularity),
// except the local audio cache path which the server does not know about.
func (s *Store) MergeServer(ctx context.Context, incoming []Reminder, protected map[string]bool) (MergeStats, error) {
	if err := s.checkOpen(); err != nil {
		return MergeStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MergeStats{}, fmt.Errorf("failed to begin merge: %w", err)
	}
	defer tx.Rollback()

	var stats MergeStats
	days := make(map[string]bool)
	upsert := tx.StmtContext(ctx, s.upsertReminder)

	for _, r := range incoming {
		if protected[r.ID] {
			stats.Protected++
			continue
		}
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM reminders WHERE id = ? LIMIT 1`, r.ID).Scan(&exists)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			stats.Added++
		case err != nil:
			return MergeStats{}, fmt.Errorf("failed to check reminder: %w", err)
		default:
			stats.Updated++
		}

		_, err = upsert.ExecContext(ctx,
			r.ID, r.MedicationName, r.Dosage, r.Instructions, r.ScheduledAt.UnixNano(),
			r.Status, r.AudioURL, r.AudioPath, nullTime(r.TakenAt), nullTime(r.SnoozedUntil),
			r.UpdatedAt.UnixNano())
		if err != nil {
			return MergeStats{}, fmt.Errorf("failed to upsert reminder: %w", err)
		}
		days[r.DayKey()] = true
	}

	now := time.Now()
	for day := range days {
		if err := s.recomputeDayStatsTx(ctx, tx, day, now); err != nil {
			return MergeStats{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return MergeStats{}, fmt.Errorf("failed to commit merge: %w", err)
	}
	return stats, nil
}

// PruneOutside removes reminders scheduled outside [from, to) and returns
// the removed rows so the caller can cancel their alarms and evict orphaned
// attachments. Cached day stats are left as-is: they are the historical
// record once the underlying rows age out.
func (s *Store) PruneOutside(ctx context.Context, from, to time.Time) ([]Reminder, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.queryRemindersLocked(ctx, `
		SELECT id, medication_name, dosage, instructions, scheduled_at, status,
		       audio_url, audio_path, taken_at, snoozed_until, updated_at
		FROM reminders WHERE scheduled_at < ? OR scheduled_at >= ?
	`, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM reminders WHERE scheduled_at < ? OR scheduled_at >= ?
	`, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to prune reminders: %w", err)
	}
	return removed, nil
}

func (s *Store) queryRemindersLocked(ctx context.Context, query string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearReminders removes every cached reminder. Actions, stats, and sync
// state are untouched; Wipe removes everything.
func (s *Store) ClearReminders(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM reminders`); err != nil {
		return fmt.Errorf("failed to clear reminders: %w", err)
	}
	return nil
}

// Wipe clears every table. Used on logout.
func (s *Store) Wipe(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin wipe: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"reminders", "actions", "dead_letters", "day_stats", "attachments", "sync_state"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to wipe %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// DayStats returns the cached adherence summary for one day. A day with no
// recorded doses returns zero counts, not an error.
func (s *Store) DayStats(ctx context.Context, date string) (DayStats, error) {
	if err := s.checkOpen(); err != nil {
		return DayStats{}, err
	}
	var d DayStats
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT date, total, taken, adherence_rate, updated_at FROM day_stats WHERE date = ?
	`, date).Scan(&d.Date, &d.Total, &d.Taken, &d.AdherenceRate, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DayStats{Date: date}, nil
	}
	if err != nil {
		return DayStats{}, fmt.Errorf("failed to read day stats: %w", err)
	}
	return d, nil
}

// DayStatsRange returns cached summaries for dates in [from, to], inclusive,
// ordered by date.
func (s *Store) DayStatsRange(ctx context.Context, from, to string) ([]DayStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, total, taken, adherence_rate FROM day_stats
		WHERE date >= ? AND date <= ? ORDER BY date
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query day stats: %w", err)
	}
	defer rows.Close()

	var out []DayStats
	for rows.Next() {
		var d DayStats
		if err := rows.Scan(&d.Date, &d.Total, &d.Taken, &d.AdherenceRate); err != nil {
			return nil, fmt.Errorf("failed to scan day stats: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// recomputeDayStatsTx rebuilds one day's summary from the reminder rows.
func (s *Store) recomputeDayStatsTx(ctx context.Context, tx *sql.Tx, date string, now time.Time) error {
	start, end, err := dayBounds(date)
	if err != nil {
		return err
	}

	var d DayStats
	d.Date = date
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM reminders WHERE scheduled_at >= ? AND scheduled_at < ?
	`, StatusTaken, start.UnixNano(), end.UnixNano()).Scan(&d.Total, &d.Taken)
	if err != nil {
		return fmt.Errorf("failed to recompute day stats: %w", err)
	}
	d.recalc()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO day_stats (date, total, taken, adherence_rate, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.Date, d.Total, d.Taken, d.AdherenceRate, now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write day stats: %w", err)
	}
	return nil
}

// dayBounds returns the [start, end) instants of a "2006-01-02" day key in
// local time. AddDate keeps the bounds correct across DST changes.
func dayBounds(date string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01-02", date, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid day key %q: %w", date, err)
	}
	return start, start.AddDate(0, 0, 1), nil
}

// LastSyncTime returns the persisted backend watermark, zero if never synced.
func (s *Store) LastSyncTime(ctx context.Context) (time.Time, error) {
	v, err := s.state(ctx, stateLastSync)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt last sync time %q: %w", v, err)
	}
	return t, nil
}

// SetLastSyncTime persists the backend watermark.
func (s *Store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	return s.putState(ctx, stateLastSync, t.Format(time.RFC3339Nano))
}

// HasUpdates returns the persisted update hint.
func (s *Store) HasUpdates(ctx context.Context) (bool, error) {
	v, err := s.state(ctx, stateHasUpdates)
	return v == "1", err
}

// SetHasUpdates persists the update hint so it survives restarts.
func (s *Store) SetHasUpdates(ctx context.Context, has bool) error {
	v := "0"
	if has {
		v = "1"
	}
	return s.putState(ctx, stateHasUpdates, v)
}

// TouchDashboard records that dashboard-backing data changed, so the
// dashboard screen knows to reload on next focus.
func (s *Store) TouchDashboard(ctx context.Context, now time.Time) error {
	return s.putState(ctx, stateDashboardRefresh, now.Format(time.RFC3339Nano))
}

// DashboardRefreshedAt returns the last dashboard change signal, zero if none.
func (s *Store) DashboardRefreshedAt(ctx context.Context) (time.Time, error) {
	v, err := s.state(ctx, stateDashboardRefresh)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt dashboard timestamp %q: %w", v, err)
	}
	return t, nil
}

// DeviceID returns the stable device identifier, generating and persisting
// one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	v, err := s.state(ctx, stateDeviceID)
	if err != nil {
		return "", err
	}
	if v != "" {
		return v, nil
	}
	id := uuid.NewString()
	if err := s.putState(ctx, stateDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) state(ctx context.Context, key string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var v string
	err := s.getState.QueryRowContext(ctx, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync state %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) putState(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.setState.ExecContext(ctx, key, value, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write sync state %s: %w", key, err)
	}
	return nil
}
