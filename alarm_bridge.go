package medsync

import (
	"sync"
)

// AlarmBridge is the platform alarm layer: native exact alarms, full-screen
// reminder rendering, and the handoff of confirmations performed while the
// app process was dead. Implementations live in the host app; MemoryAlarmBridge
// serves tests and examples.
type AlarmBridge interface {
	// Schedule sets (or replaces) the native alarm for a reminder.
	Schedule(r Reminder) error
	// Cancel removes the native alarm for a reminder.
	Cancel(reminderID string) error
	// CancelAll removes every native alarm owned by the app.
	CancelAll() error

	// PendingConfirmations returns reminder ids confirmed from the native
	// alarm UI that the engine has not consumed yet.
	PendingConfirmations() ([]string, error)
	// ClearPendingConfirmations empties the native handoff list.
	ClearPendingConfirmations() error

	// CanScheduleExactAlarms reports the exact-alarm permission.
	CanScheduleExactAlarms() bool
	// CanDrawOverlays reports the overlay permission.
	CanDrawOverlays() bool
	// IsIgnoringBatteryOptimizations reports battery exemption.
	IsIgnoringBatteryOptimizations() bool
}

// PermissionReport aggregates the platform capabilities reminders depend
// on. It feeds the onboarding flow; sync itself never blocks on it.
type PermissionReport struct {
	ExactAlarms         bool `json:"exactAlarms"`
	Overlay             bool `json:"overlay"`
	BatteryUnrestricted bool `json:"batteryUnrestricted"`
}

// Missing lists the permissions still to be granted.
func (p PermissionReport) Missing() []Permission {
	var out []Permission
	if !p.ExactAlarms {
		out = append(out, PermissionExactAlarms)
	}
	if !p.Overlay {
		out = append(out, PermissionOverlay)
	}
	if !p.BatteryUnrestricted {
		out = append(out, PermissionBatteryUnrestricted)
	}
	return out
}

// Complete reports whether every permission is granted.
func (p PermissionReport) Complete() bool {
	return p.ExactAlarms && p.Overlay && p.BatteryUnrestricted
}

// MemoryAlarmBridge is an in-process AlarmBridge. All permissions default
// to granted.
type MemoryAlarmBridge struct {
	mu        sync.Mutex
	scheduled map[string]Reminder
	pending   []string

	// Permission toggles for tests.
	DenyExactAlarms bool
	DenyOverlay     bool
	DenyBattery     bool
}

// NewMemoryAlarmBridge creates an empty in-memory bridge.
func NewMemoryAlarmBridge() *MemoryAlarmBridge {
	return &MemoryAlarmBridge{scheduled: make(map[string]Reminder)}
}

// Schedule implements AlarmBridge.
func (b *MemoryAlarmBridge) Schedule(r Reminder) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled[r.ID] = r
	return nil
}

// Cancel implements AlarmBridge.
func (b *MemoryAlarmBridge) Cancel(reminderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.scheduled, reminderID)
	return nil
}

// CancelAll implements AlarmBridge.
func (b *MemoryAlarmBridge) CancelAll() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled = make(map[string]Reminder)
	return nil
}

// Scheduled returns the currently scheduled reminder ids.
func (b *MemoryAlarmBridge) Scheduled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.scheduled))
	for id := range b.scheduled {
		out = append(out, id)
	}
	return out
}

// AddPendingConfirmation simulates a confirmation made from the native
// alarm UI while the engine was not running.
func (b *MemoryAlarmBridge) AddPendingConfirmation(reminderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, reminderID)
}

// PendingConfirmations implements AlarmBridge.
func (b *MemoryAlarmBridge) PendingConfirmations() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.pending))
	copy(out, b.pending)
	return out, nil
}

// ClearPendingConfirmations implements AlarmBridge.
func (b *MemoryAlarmBridge) ClearPendingConfirmations() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	return nil
}

// CanScheduleExactAlarms implements AlarmBridge.
func (b *MemoryAlarmBridge) CanScheduleExactAlarms() bool { return !b.DenyExactAlarms }

// CanDrawOverlays implements AlarmBridge.
func (b *MemoryAlarmBridge) CanDrawOverlays() bool { return !b.DenyOverlay }

// IsIgnoringBatteryOptimizations implements AlarmBridge.
func (b *MemoryAlarmBridge) IsIgnoringBatteryOptimizations() bool { return !b.DenyBattery }
