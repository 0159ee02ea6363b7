package medsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testLogger keeps component logging out of test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testReminder(id string, at time.Time) Reminder {
	return Reminder{
		ID:             id,
		MedicationName: "Metformin",
		Dosage:         "500mg",
		ScheduledAt:    at,
		Status:         StatusScheduled,
		UpdatedAt:      at.Add(-time.Hour),
	}
}

func seedReminders(t *testing.T, store *Store, reminders ...Reminder) {
	t.Helper()
	if _, err := store.MergeServer(context.Background(), reminders, nil); err != nil {
		t.Fatalf("seed reminders: %v", err)
	}
}

func staticTokens(token string) TokenProvider {
	return StaticToken(token)
}

// fakeBackend is an in-process medication API. Failure injection is per
// path: a non-zero status in fail makes that path answer with it.
type fakeBackend struct {
	mu         sync.Mutex
	reminders  []Reminder
	serverTime time.Time
	hasUpdates bool

	confirmed []string
	snoozed   []string
	batches   [][]string

	// verdict overrides the default all-success sync-offline answer.
	verdict func(id string) ActionResult

	fail  map[string]int
	delay map[string]time.Duration
	calls map[string]int

	lastAuth   string
	lastDevice string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		serverTime: time.Now().UTC().Truncate(time.Second),
		fail:       make(map[string]int),
		delay:      make(map[string]time.Duration),
		calls:      make(map[string]int),
	}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.calls[r.URL.Path]++
	b.lastAuth = r.Header.Get("Authorization")
	b.lastDevice = r.Header.Get("X-Device-ID")
	d := b.delay[r.URL.Path]
	b.mu.Unlock()

	// The call is counted before any injected delay so tests can observe
	// requests that are still being served.
	if d > 0 {
		time.Sleep(d)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if status := b.fail[r.URL.Path]; status != 0 {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": "injected failure"})
		return
	}

	switch r.URL.Path {
	case "/reminders/upcoming":
		// Serve confirmed doses as taken, the way the real backend reflects
		// delivered confirmations on the next pull.
		taken := make(map[string]bool, len(b.confirmed))
		for _, id := range b.confirmed {
			taken[id] = true
		}
		out := make([]Reminder, len(b.reminders))
		copy(out, b.reminders)
		for i := range out {
			if taken[out[i].ID] {
				out[i].Status = StatusTaken
				out[i].UpdatedAt = b.serverTime
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"reminders":  out,
			"serverTime": b.serverTime,
		})
	case "/check-updates":
		json.NewEncoder(w).Encode(map[string]bool{"hasUpdates": b.hasUpdates})
	case "/reminders/confirm":
		var req struct {
			ReminderIDs []string `json:"reminderIds"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		b.confirmed = append(b.confirmed, req.ReminderIDs...)
		w.WriteHeader(http.StatusOK)
	case "/reminders/snooze":
		var req struct {
			ReminderIDs []string `json:"reminderIds"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		b.snoozed = append(b.snoozed, req.ReminderIDs...)
		w.WriteHeader(http.StatusOK)
	case "/reminders/sync-offline":
		var req struct {
			Actions []struct {
				ID         string `json:"id"`
				ReminderID string `json:"reminderId"`
			} `json:"actions"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		var batch []string
		results := make([]ActionResult, 0, len(req.Actions))
		for _, a := range req.Actions {
			batch = append(batch, a.ID)
			if b.verdict != nil {
				results = append(results, b.verdict(a.ID))
				continue
			}
			b.confirmed = append(b.confirmed, a.ReminderID)
			results = append(results, ActionResult{ID: a.ID, Success: true})
		}
		b.batches = append(b.batches, batch)
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) callCount(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

func (b *fakeBackend) confirmedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.confirmed))
	copy(out, b.confirmed)
	return out
}

func (b *fakeBackend) snoozedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.snoozed))
	copy(out, b.snoozed)
	return out
}

func (b *fakeBackend) batchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func (b *fakeBackend) setReminders(reminders []Reminder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reminders = reminders
}

func (b *fakeBackend) setDelay(path string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay[path] = d
}

func (b *fakeBackend) setFail(path string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.fail, path)
		return
	}
	b.fail[path] = status
}

func newBackendServer(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	backend := newFakeBackend()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	return backend, srv
}

// newTestEngine opens a full engine against a fake backend with an
// in-memory alarm bridge and no probe.
func newTestEngine(t *testing.T, backend *fakeBackend, srv *httptest.Server, tweak func(*Config)) (*Engine, *MemoryAlarmBridge) {
	t.Helper()
	bridge := NewMemoryAlarmBridge()
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Tokens = staticTokens("test-token")
	cfg.Alarms = bridge
	cfg.Logger = testLogger()
	if tweak != nil {
		tweak(&cfg)
	}
	eng, err := Open(filepath.Join(t.TempDir(), "test.db"), cfg)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, bridge
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
