// Package medsync provides an offline-first sync engine for medication
// reminders on mobile and embedded devices.
//
// Medsync keeps a local reminder cache that alarms fire from, queues every
// confirmation made while offline, and reconciles with the backend when
// connectivity returns. The local store is always authoritative for what
// the user did; the backend is authoritative for what is scheduled.
//
// # Basic Usage
//
// Open an engine with default configuration:
//
//	cfg := medsync.DefaultConfig()
//	cfg.BaseURL = "https://api.example.com"
//	cfg.Tokens = medsync.TokenProviderFunc(loadToken)
//	cfg.Alarms = platformAlarms
//
//	eng, err := medsync.Open("reminders.db", cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// Run the launch sequence, then hand platform callbacks to the engine:
//
//	if err := eng.HandleAppStart(ctx); err != nil {
//	    log.Printf("startup sync: %v", err)
//	}
//
//	// From the alarm receiver:
//	res := eng.HandleAlarmFired(ctx, reminderID)
//	if !res.Ok() {
//	    log.Printf("confirm %s: %v", reminderID, res.Err)
//	}
//
// Confirmations apply locally first and are delivered directly when the
// device is online, or queued and retried when it is not. The result's
// Status says which path was taken.
//
// # Features
//
// Local truth:
//   - Single-file SQLite store for reminders, day statistics, and sync state
//   - Versioned schema migrations on open
//   - Append-only journal replayed after a crash
//
// Offline queue:
//   - Deduplicated pending actions, one per (type, reminder)
//   - Batched delivery with per-action verdicts from the backend
//   - Bounded retries with a reviewable dead-letter list
//
// Reconciliation:
//   - Windowed downloads with server-wins merging
//   - Local taken and snoozed states protected while their delivery is pending
//   - Shared throttle across all update-check triggers
//
// Extras:
//   - Voice note attachments fetched over HTTPS or S3, optionally encrypted
//     at rest with AES-256-GCM
//   - WebSocket push hints for backend-initiated refresh
//   - Adherence statistics exported via Prometheus remote write
//
// The engine owns no UI and no platform alarm code. Hosts implement
// AlarmBridge for native alarms and TokenProvider for auth; everything
// else is injected through Config.
package medsync
