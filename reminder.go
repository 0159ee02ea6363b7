package medsync

import (
	"fmt"
	"time"
)

// ReminderStatus is the lifecycle state of a local reminder.
type ReminderStatus string

const (
	// StatusScheduled means the dose is upcoming and an alarm is set.
	StatusScheduled ReminderStatus = "scheduled"
	// StatusTaken means the patient confirmed the dose.
	StatusTaken ReminderStatus = "taken"
	// StatusMissed means the dose window passed without confirmation.
	StatusMissed ReminderStatus = "missed"
	// StatusSnoozed means the patient deferred the dose.
	StatusSnoozed ReminderStatus = "snoozed"
)

// Valid reports whether s is a known reminder status.
func (s ReminderStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusTaken, StatusMissed, StatusSnoozed:
		return true
	}
	return false
}

// Reminder is the locally cached copy of one scheduled dose. The store is
// the source of truth for the UI; the backend copy is reconciled against it.
type Reminder struct {
	// ID is the backend identifier for this dose occurrence.
	ID string `json:"id"`
	// MedicationName is the display name of the medication.
	MedicationName string `json:"medicationName"`
	// Dosage is the free-text dose description (e.g., "2 x 250mg").
	Dosage string `json:"dosage"`
	// Instructions holds optional intake notes (e.g., "with food").
	Instructions string `json:"instructions,omitempty"`
	// ScheduledAt is when the dose is due.
	ScheduledAt time.Time `json:"scheduledAt"`
	// Status is the current lifecycle state.
	Status ReminderStatus `json:"status"`
	// AudioURL is an optional caregiver voice note attached to the dose.
	// Either an HTTPS URL or an s3:// object reference.
	AudioURL string `json:"audioUrl,omitempty"`
	// AudioPath is the local cache path of the downloaded voice note.
	// Empty until the attachment has been fetched.
	AudioPath string `json:"-"`
	// TakenAt records when the dose was confirmed, if it was.
	TakenAt *time.Time `json:"takenAt,omitempty"`
	// SnoozedUntil is the deferred alarm time while Status is snoozed.
	SnoozedUntil *time.Time `json:"snoozedUntil,omitempty"`
	// UpdatedAt is the backend modification watermark for this entry.
	UpdatedAt time.Time `json:"updatedAt"`
}

// DayKey returns the calendar bucket the reminder counts toward,
// in the reminder's own location, formatted as "2006-01-02".
func (r Reminder) DayKey() string {
	return DayKey(r.ScheduledAt)
}

// DayKey formats t as a calendar-day bucket key.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// ActionType identifies the kind of offline action queued for replay.
type ActionType string

const (
	// ActionConfirm records that a dose was taken.
	ActionConfirm ActionType = "confirm"
	// ActionSnooze records that a dose was deferred.
	ActionSnooze ActionType = "snooze"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	return t == ActionConfirm || t == ActionSnooze
}

// QueuedAction is one durable offline action awaiting delivery to the
// backend. Actions are replayed at least once; the backend treats them
// idempotently.
type QueuedAction struct {
	// ID is derived from the action type, reminder id, and creation time,
	// so retransmissions of the same action carry the same id.
	ID string `json:"id"`
	// Type is what the action does.
	Type ActionType `json:"type"`
	// ReminderID is the dose the action applies to.
	ReminderID string `json:"reminderId"`
	// CreatedAt is when the patient performed the action locally.
	CreatedAt time.Time `json:"timestamp"`
	// Synced marks delivered (or permanently abandoned) actions.
	Synced bool `json:"synced"`
	// RetryCount counts failed delivery attempts.
	RetryCount int `json:"retryCount"`
}

// NewQueuedAction builds an action with its derived id.
func NewQueuedAction(typ ActionType, reminderID string, now time.Time) QueuedAction {
	return QueuedAction{
		ID:         fmt.Sprintf("%s:%s:%d", typ, reminderID, now.UnixNano()),
		Type:       typ,
		ReminderID: reminderID,
		CreatedAt:  now,
	}
}

// DedupKey returns the coalescing key for the queue: at most one unsynced
// action per (type, reminder) pair.
func (a QueuedAction) DedupKey() string {
	return string(a.Type) + "|" + a.ReminderID
}

// SyncCursor is the persisted position of the last successful pull from
// the backend, plus whether newer server-side changes are known to exist.
type SyncCursor struct {
	// LastSyncTime is the backend watermark of the last full download.
	LastSyncTime time.Time `json:"lastSyncTime"`
	// HasUpdates is set when the backend reported changes newer than
	// LastSyncTime, or a push hint arrived.
	HasUpdates bool `json:"hasUpdates"`
}

// DayStats is the cached per-day adherence summary shown on the dashboard.
// It is recomputed from the reminder rows whenever a status changes.
type DayStats struct {
	// Date is the calendar bucket, formatted as "2006-01-02".
	Date string `json:"date"`
	// Total is the number of doses scheduled that day.
	Total int `json:"total"`
	// Taken is the number of confirmed doses.
	Taken int `json:"taken"`
	// AdherenceRate is Taken/Total, or 0 when nothing was scheduled.
	AdherenceRate float64 `json:"adherenceRate"`
}

// recalc refreshes the derived rate from the counters.
func (d *DayStats) recalc() {
	if d.Total > 0 {
		d.AdherenceRate = float64(d.Taken) / float64(d.Total)
	} else {
		d.AdherenceRate = 0
	}
}

// DeadLetter is an action that exhausted its delivery attempts. It is kept
// visible so the patient or a caregiver can review and requeue it instead
// of the failure disappearing silently.
type DeadLetter struct {
	Action   QueuedAction `json:"action"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failedAt"`
}
