package medsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the medsync package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrSyncInProgress is returned when a queue sync is requested while one
	// is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrConfirmInFlight is returned when a confirmation is requested for a
	// reminder that already has one running.
	ErrConfirmInFlight = errors.New("confirmation already in flight")

	// ErrOffline is returned when a network operation is attempted without
	// connectivity.
	ErrOffline = errors.New("device is offline")

	// ErrNoAuthToken is returned when a network operation is attempted
	// without a session token.
	ErrNoAuthToken = errors.New("no auth token available")

	// ErrReminderNotFound is returned when a reminder id is not in the
	// local store.
	ErrReminderNotFound = errors.New("reminder not found")

	// ErrActionNotFound is returned when a queued action id is unknown.
	ErrActionNotFound = errors.New("queued action not found")

	// ErrJournalCorrupt is returned when the action journal cannot be
	// replayed past a damaged record.
	ErrJournalCorrupt = errors.New("action journal corrupt")
)

// NetworkError wraps transient transport failures: timeouts, DNS errors,
// connection resets. Background work never surfaces these to the caller;
// the affected actions stay queued for the next sync.
type NetworkError struct {
	Op    string
	URL   string
	Cause error
}

func (e *NetworkError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("network error during %s [%s]: %v", e.Op, e.URL, e.Cause)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// newNetworkError creates a new NetworkError.
func newNetworkError(op, url string, cause error) *NetworkError {
	return &NetworkError{Op: op, URL: url, Cause: cause}
}

// ServerError reports a definitive backend rejection (HTTP 4xx/5xx with a
// response). It is not retried automatically; manual actions surface it so
// the UI can show the reason.
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server rejected %s: %d %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server rejected %s: status %d", e.Op, e.StatusCode)
}

// Temporary reports whether the status code indicates a server-side fault
// that may clear on its own.
func (e *ServerError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// newServerError creates a new ServerError.
func newServerError(op string, status int, message string) *ServerError {
	return &ServerError{Op: op, StatusCode: status, Message: message}
}

// Permission identifies a platform capability the app may lack.
type Permission string

const (
	// PermissionExactAlarms is the ability to schedule exact alarms.
	PermissionExactAlarms Permission = "exact_alarms"
	// PermissionOverlay is the ability to draw over other apps.
	PermissionOverlay Permission = "overlay"
	// PermissionBatteryUnrestricted is exemption from battery optimization.
	PermissionBatteryUnrestricted Permission = "battery_unrestricted"
)

// PermissionError indicates a missing platform capability. It feeds the
// onboarding flow rather than the sync path.
type PermissionError struct {
	Permission Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("missing permission: %s", e.Permission)
}

// QueuePersistenceError indicates the durable action queue could not be
// written. The confirmation flow logs it and continues; local reminder
// state is never rolled back because of it.
type QueuePersistenceError struct {
	Op    string
	Cause error
}

func (e *QueuePersistenceError) Error() string {
	return fmt.Sprintf("action queue %s failed: %v", e.Op, e.Cause)
}

func (e *QueuePersistenceError) Unwrap() error {
	return e.Cause
}

// newQueueError creates a new QueuePersistenceError.
func newQueueError(op string, cause error) *QueuePersistenceError {
	return &QueuePersistenceError{Op: op, Cause: cause}
}

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsServerError reports whether err is (or wraps) a ServerError.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// IsPermissionError reports whether err is (or wraps) a PermissionError.
func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
