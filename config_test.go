package medsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.normalize()

	if cfg.Sync.HorizonDays != 7 {
		t.Error("default HorizonDays should be 7")
	}
	if cfg.Sync.PastGrace != 12*time.Hour {
		t.Error("default PastGrace should be 12 hours")
	}
	if cfg.Sync.UpdateCheckMinInterval != 30*time.Second {
		t.Error("default UpdateCheckMinInterval should be 30 seconds")
	}
	if cfg.Sync.RequestTimeout != 30*time.Second {
		t.Error("default RequestTimeout should be 30 seconds")
	}
	if cfg.Sync.SweepInterval != time.Minute {
		t.Error("default SweepInterval should be 1 minute")
	}
	if cfg.Sync.SnoozeDuration != 10*time.Minute {
		t.Error("default SnoozeDuration should be 10 minutes")
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Error("default MaxRetries should be 3")
	}
	if cfg.Queue.JournalSyncInterval != time.Second {
		t.Error("default JournalSyncInterval should be 1 second")
	}
	if cfg.Attachments.MaxConcurrent != 3 {
		t.Error("default MaxConcurrent should be 3")
	}
	if cfg.Logger == nil {
		t.Error("normalize should backfill the logger")
	}
}

func TestConfig_CustomValues(t *testing.T) {
	cfg := Config{
		Path:    "/data/reminders.db",
		BaseURL: "https://api.example.com/v1",
		Sync: SyncConfig{
			HorizonDays:            14,
			PastGrace:              6 * time.Hour,
			UpdateCheckMinInterval: time.Minute,
		},
		Queue: QueueConfig{MaxRetries: 5},
	}
	cfg.normalize()

	if cfg.Path != "/data/reminders.db" {
		t.Error("custom path not preserved")
	}
	if cfg.BaseURL != "https://api.example.com/v1" {
		t.Error("custom base URL not preserved")
	}
	if cfg.Sync.HorizonDays != 14 {
		t.Error("custom HorizonDays not preserved")
	}
	if cfg.Sync.PastGrace != 6*time.Hour {
		t.Error("custom PastGrace not preserved")
	}
	if cfg.Sync.UpdateCheckMinInterval != time.Minute {
		t.Error("custom UpdateCheckMinInterval not preserved")
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Error("custom MaxRetries not preserved")
	}
	// Unset fields still get defaults.
	if cfg.Sync.RequestTimeout != 30*time.Second {
		t.Error("unset RequestTimeout should default to 30 seconds")
	}
}

func TestConfig_OptionalSections(t *testing.T) {
	cfg := Config{
		Push:   &PushConfig{Enabled: true},
		Export: &ExportConfig{Enabled: true, Endpoint: "http://sink:9090/api/v1/write"},
	}
	cfg.normalize()

	if cfg.Push.ReconnectMin != time.Second {
		t.Error("Push.ReconnectMin should default to 1 second")
	}
	if cfg.Push.ReconnectMax != 2*time.Minute {
		t.Error("Push.ReconnectMax should default to 2 minutes")
	}
	if cfg.Export.Interval != 15*time.Minute {
		t.Error("Export.Interval should default to 15 minutes")
	}
}

func TestConfig_EncryptionConfig(t *testing.T) {
	cfg := Config{
		Path: "/test",
		Encryption: &EncryptionConfig{
			Enabled:     true,
			KeyPassword: "secret",
		},
	}
	cfg.normalize()

	if cfg.Encryption == nil {
		t.Fatal("Encryption config should not be nil")
	}
	if !cfg.Encryption.Enabled {
		t.Error("Encryption should be enabled")
	}
	if cfg.Encryption.KeyPassword != "secret" {
		t.Error("KeyPassword not set correctly")
	}
}

const testConfigYAML = `
path: /data/reminders.db
baseUrl: https://api.example.com/v1
sync:
  horizonDays: 14
  pastGrace: 6h
  updateCheckMinInterval: 45s
  requestTimeout: 10s
  snoozeDuration: 15m
queue:
  maxRetries: 5
  journalPath: /data/actions.journal
  journalSyncInterval: 2s
attachments:
  dir: /data/notes
  maxConcurrent: 2
  s3:
    region: eu-west-1
    endpoint: http://minio:9000
    usePathStyle: true
push:
  enabled: true
  reconnectMin: 500ms
export:
  enabled: true
  endpoint: http://sink:9090/api/v1/write
  interval: 5m
  deviceLabel: kitchen-tablet
encryption:
  enabled: true
  keyPassword: secret
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	if cfg.Path != "/data/reminders.db" {
		t.Errorf("path: got %q", cfg.Path)
	}
	if cfg.BaseURL != "https://api.example.com/v1" {
		t.Errorf("baseUrl: got %q", cfg.BaseURL)
	}
	if cfg.Sync.HorizonDays != 14 {
		t.Errorf("horizonDays: got %d", cfg.Sync.HorizonDays)
	}
	if cfg.Sync.PastGrace != 6*time.Hour {
		t.Errorf("pastGrace: got %v", cfg.Sync.PastGrace)
	}
	if cfg.Sync.UpdateCheckMinInterval != 45*time.Second {
		t.Errorf("updateCheckMinInterval: got %v", cfg.Sync.UpdateCheckMinInterval)
	}
	if cfg.Sync.RequestTimeout != 10*time.Second {
		t.Errorf("requestTimeout: got %v", cfg.Sync.RequestTimeout)
	}
	if cfg.Sync.SnoozeDuration != 15*time.Minute {
		t.Errorf("snoozeDuration: got %v", cfg.Sync.SnoozeDuration)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("maxRetries: got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.JournalPath != "/data/actions.journal" {
		t.Errorf("journalPath: got %q", cfg.Queue.JournalPath)
	}
	if cfg.Queue.JournalSyncInterval != 2*time.Second {
		t.Errorf("journalSyncInterval: got %v", cfg.Queue.JournalSyncInterval)
	}
	if cfg.Attachments.Dir != "/data/notes" {
		t.Errorf("attachments dir: got %q", cfg.Attachments.Dir)
	}
	if cfg.Attachments.MaxConcurrent != 2 {
		t.Errorf("maxConcurrent: got %d", cfg.Attachments.MaxConcurrent)
	}
	if cfg.Attachments.S3 == nil || cfg.Attachments.S3.Region != "eu-west-1" {
		t.Errorf("s3 config: got %+v", cfg.Attachments.S3)
	}
	if !cfg.Attachments.S3.UsePathStyle {
		t.Error("s3 usePathStyle not set")
	}
	if cfg.Push == nil || !cfg.Push.Enabled {
		t.Fatalf("push config: got %+v", cfg.Push)
	}
	if cfg.Push.ReconnectMin != 500*time.Millisecond {
		t.Errorf("reconnectMin: got %v", cfg.Push.ReconnectMin)
	}
	if cfg.Export == nil || cfg.Export.Endpoint != "http://sink:9090/api/v1/write" {
		t.Fatalf("export config: got %+v", cfg.Export)
	}
	if cfg.Export.Interval != 5*time.Minute {
		t.Errorf("export interval: got %v", cfg.Export.Interval)
	}
	if cfg.Export.DeviceLabel != "kitchen-tablet" {
		t.Errorf("deviceLabel: got %q", cfg.Export.DeviceLabel)
	}
	if cfg.Encryption == nil || !cfg.Encryption.Enabled || cfg.Encryption.KeyPassword != "secret" {
		t.Errorf("encryption config: got %+v", cfg.Encryption)
	}
}

func TestParseConfig_BadDuration(t *testing.T) {
	_, err := ParseConfig([]byte("sync:\n  pastGrace: soon\n"))
	if err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestParseConfig_BadYAML(t *testing.T) {
	_, err := ParseConfig([]byte("path: [unclosed"))
	if err == nil {
		t.Error("expected error for bad yaml")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medsync.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Path != "/data/reminders.db" {
		t.Errorf("path: got %q", cfg.Path)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
