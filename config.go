package medsync

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// Path is the file path for the local store. Required unless passed to Open.
	Path string

	// BaseURL is the backend API root (e.g., "https://api.example.com/v1").
	// Required for any network operation; an empty BaseURL keeps the engine
	// fully offline.
	BaseURL string

	// Sync holds download and reconciliation settings.
	Sync SyncConfig

	// Queue holds offline action queue settings.
	Queue QueueConfig

	// Attachments holds voice-note download and cache settings.
	Attachments AttachmentConfig

	// Push configures the optional update hint stream.
	// If nil or Enabled is false, update checks are pull-only.
	Push *PushConfig

	// Export configures the optional adherence metrics exporter.
	// If nil or Enabled is false, nothing is exported.
	Export *ExportConfig

	// Encryption configures at-rest encryption of cached attachments.
	// If nil or Enabled is false, attachments are cached unencrypted.
	Encryption *EncryptionConfig

	// Tokens supplies the session token for authenticated requests.
	// If nil, all network operations queue or fail with ErrNoAuthToken.
	Tokens TokenProvider

	// Alarms is the platform alarm scheduler. If nil, a no-op bridge is used.
	Alarms AlarmBridge

	// Probe is the platform connectivity source. If nil, the engine starts
	// online and relies on SetOnline calls.
	Probe ConnectivityProbe

	// HTTPClient is the HTTP client for API calls.
	// Default: &http.Client{Timeout: 30s}.
	HTTPClient HTTPDoer

	// Logger receives structured engine logs. Default: slog.Default().
	Logger *slog.Logger
}

// SyncConfig groups download and reconciliation settings.
type SyncConfig struct {
	// HorizonDays is how many days ahead reminders are downloaded.
	// Default: 7.
	HorizonDays int

	// PastGrace is how far into the past reminders are kept so a recently
	// missed dose can still be confirmed. Default: 12 hours.
	PastGrace time.Duration

	// UpdateCheckMinInterval is the minimum gap between network update
	// checks, shared by every trigger source. Default: 30 seconds.
	UpdateCheckMinInterval time.Duration

	// RequestTimeout bounds each backend request. Default: 30 seconds.
	RequestTimeout time.Duration

	// SweepInterval is how often pending native-alarm confirmations are
	// drained. 0 disables the periodic sweep. Default: 1 minute.
	SweepInterval time.Duration

	// SnoozeDuration is how far a snooze pushes the alarm.
	// Default: 10 minutes.
	SnoozeDuration time.Duration
}

// QueueConfig groups offline action queue settings.
type QueueConfig struct {
	// MaxRetries is the number of failed delivery attempts before an action
	// is moved to the dead letter list. Default: 3.
	MaxRetries int

	// JournalPath is the append-only journal file backing the queue across
	// crashes. Default: Path + ".journal".
	JournalPath string

	// JournalSyncInterval is how often the journal is fsynced.
	// Default: 1 second.
	JournalSyncInterval time.Duration
}

// AttachmentConfig groups voice-note cache settings.
type AttachmentConfig struct {
	// Dir is the local cache directory. Default: "<Path dir>/attachments".
	Dir string

	// MaxConcurrent bounds parallel downloads. Default: 3.
	MaxConcurrent int

	// S3 configures fetching s3:// attachment references.
	// If nil, only HTTPS attachment URLs are downloadable.
	S3 *S3Config
}

// S3Config groups settings for s3:// attachment references.
type S3Config struct {
	// Region is the AWS region of the attachment buckets.
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string

	// AccessKeyID and SecretAccessKey are static credentials.
	// If empty, the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing (needed for MinIO).
	UsePathStyle bool
}

// PushConfig groups update hint stream settings.
type PushConfig struct {
	// Enabled turns the websocket hint stream on.
	Enabled bool

	// URL is the stream endpoint. Default: BaseURL with ws(s) scheme and
	// path "/reminders/stream".
	URL string

	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	// Defaults: 1 second and 2 minutes.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// ExportConfig groups adherence metrics export settings.
type ExportConfig struct {
	// Enabled turns the exporter on.
	Enabled bool

	// Endpoint is the Prometheus remote write URL.
	Endpoint string

	// Interval is how often day stats are pushed. Default: 15 minutes.
	Interval time.Duration

	// DeviceLabel overrides the device id label on exported series.
	DeviceLabel string
}

// TokenProvider supplies the backend session token. Implementations come
// from the host app's auth layer.
type TokenProvider interface {
	Token() (string, error)
}

// TokenProviderFunc adapts a function to a TokenProvider.
type TokenProviderFunc func() (string, error)

// Token implements TokenProvider.
func (f TokenProviderFunc) Token() (string, error) { return f() }

// StaticToken returns a TokenProvider that always yields token.
func StaticToken(token string) TokenProvider {
	return TokenProviderFunc(func() (string, error) { return token, nil })
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Sync: SyncConfig{
			HorizonDays:            7,
			PastGrace:              12 * time.Hour,
			UpdateCheckMinInterval: 30 * time.Second,
			RequestTimeout:         30 * time.Second,
			SweepInterval:          time.Minute,
			SnoozeDuration:         10 * time.Minute,
		},
		Queue: QueueConfig{
			MaxRetries:          3,
			JournalSyncInterval: time.Second,
		},
		Attachments: AttachmentConfig{
			MaxConcurrent: 3,
		},
	}
}

// normalize backfills zero-valued fields with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Sync.HorizonDays == 0 {
		c.Sync.HorizonDays = def.Sync.HorizonDays
	}
	if c.Sync.PastGrace == 0 {
		c.Sync.PastGrace = def.Sync.PastGrace
	}
	if c.Sync.UpdateCheckMinInterval == 0 {
		c.Sync.UpdateCheckMinInterval = def.Sync.UpdateCheckMinInterval
	}
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = def.Sync.RequestTimeout
	}
	if c.Sync.SweepInterval == 0 {
		c.Sync.SweepInterval = def.Sync.SweepInterval
	}
	if c.Sync.SnoozeDuration == 0 {
		c.Sync.SnoozeDuration = def.Sync.SnoozeDuration
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = def.Queue.MaxRetries
	}
	if c.Queue.JournalSyncInterval == 0 {
		c.Queue.JournalSyncInterval = def.Queue.JournalSyncInterval
	}
	if c.Attachments.MaxConcurrent == 0 {
		c.Attachments.MaxConcurrent = def.Attachments.MaxConcurrent
	}
	if c.Push != nil {
		if c.Push.ReconnectMin == 0 {
			c.Push.ReconnectMin = time.Second
		}
		if c.Push.ReconnectMax == 0 {
			c.Push.ReconnectMax = 2 * time.Minute
		}
	}
	if c.Export != nil && c.Export.Interval == 0 {
		c.Export.Interval = 15 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// fileConfig mirrors Config for YAML loading, with durations as strings.
type fileConfig struct {
	Path    string `yaml:"path"`
	BaseURL string `yaml:"baseUrl"`

	Sync struct {
		HorizonDays            int    `yaml:"horizonDays"`
		PastGrace              string `yaml:"pastGrace"`
		UpdateCheckMinInterval string `yaml:"updateCheckMinInterval"`
		RequestTimeout         string `yaml:"requestTimeout"`
		SweepInterval          string `yaml:"sweepInterval"`
		SnoozeDuration         string `yaml:"snoozeDuration"`
	} `yaml:"sync"`

	Queue struct {
		MaxRetries          int    `yaml:"maxRetries"`
		JournalPath         string `yaml:"journalPath"`
		JournalSyncInterval string `yaml:"journalSyncInterval"`
	} `yaml:"queue"`

	Attachments struct {
		Dir           string `yaml:"dir"`
		MaxConcurrent int    `yaml:"maxConcurrent"`
		S3            *struct {
			Region          string `yaml:"region"`
			Endpoint        string `yaml:"endpoint,omitempty"`
			AccessKeyID     string `yaml:"accessKeyId,omitempty"`
			SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
			UsePathStyle    bool   `yaml:"usePathStyle,omitempty"`
		} `yaml:"s3,omitempty"`
	} `yaml:"attachments"`

	Push *struct {
		Enabled      bool   `yaml:"enabled"`
		URL          string `yaml:"url,omitempty"`
		ReconnectMin string `yaml:"reconnectMin,omitempty"`
		ReconnectMax string `yaml:"reconnectMax,omitempty"`
	} `yaml:"push,omitempty"`

	Export *struct {
		Enabled     bool   `yaml:"enabled"`
		Endpoint    string `yaml:"endpoint"`
		Interval    string `yaml:"interval,omitempty"`
		DeviceLabel string `yaml:"deviceLabel,omitempty"`
	} `yaml:"export,omitempty"`

	Encryption *struct {
		Enabled     bool   `yaml:"enabled"`
		KeyPassword string `yaml:"keyPassword,omitempty"`
	} `yaml:"encryption,omitempty"`
}

// LoadConfig reads a YAML config file. Durations use Go syntax ("30s", "12h").
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Config{
		Path:    fc.Path,
		BaseURL: fc.BaseURL,
	}
	cfg.Sync.HorizonDays = fc.Sync.HorizonDays
	cfg.Queue.MaxRetries = fc.Queue.MaxRetries
	cfg.Queue.JournalPath = fc.Queue.JournalPath
	cfg.Attachments.Dir = fc.Attachments.Dir
	cfg.Attachments.MaxConcurrent = fc.Attachments.MaxConcurrent

	var err error
	if cfg.Sync.PastGrace, err = parseDuration(fc.Sync.PastGrace, "sync.pastGrace"); err != nil {
		return Config{}, err
	}
	if cfg.Sync.UpdateCheckMinInterval, err = parseDuration(fc.Sync.UpdateCheckMinInterval, "sync.updateCheckMinInterval"); err != nil {
		return Config{}, err
	}
	if cfg.Sync.RequestTimeout, err = parseDuration(fc.Sync.RequestTimeout, "sync.requestTimeout"); err != nil {
		return Config{}, err
	}
	if cfg.Sync.SweepInterval, err = parseDuration(fc.Sync.SweepInterval, "sync.sweepInterval"); err != nil {
		return Config{}, err
	}
	if cfg.Sync.SnoozeDuration, err = parseDuration(fc.Sync.SnoozeDuration, "sync.snoozeDuration"); err != nil {
		return Config{}, err
	}
	if cfg.Queue.JournalSyncInterval, err = parseDuration(fc.Queue.JournalSyncInterval, "queue.journalSyncInterval"); err != nil {
		return Config{}, err
	}

	if fc.Attachments.S3 != nil {
		cfg.Attachments.S3 = &S3Config{
			Region:          fc.Attachments.S3.Region,
			Endpoint:        fc.Attachments.S3.Endpoint,
			AccessKeyID:     fc.Attachments.S3.AccessKeyID,
			SecretAccessKey: fc.Attachments.S3.SecretAccessKey,
			UsePathStyle:    fc.Attachments.S3.UsePathStyle,
		}
	}
	if fc.Push != nil {
		cfg.Push = &PushConfig{Enabled: fc.Push.Enabled, URL: fc.Push.URL}
		if cfg.Push.ReconnectMin, err = parseDuration(fc.Push.ReconnectMin, "push.reconnectMin"); err != nil {
			return Config{}, err
		}
		if cfg.Push.ReconnectMax, err = parseDuration(fc.Push.ReconnectMax, "push.reconnectMax"); err != nil {
			return Config{}, err
		}
	}
	if fc.Export != nil {
		cfg.Export = &ExportConfig{
			Enabled:     fc.Export.Enabled,
			Endpoint:    fc.Export.Endpoint,
			DeviceLabel: fc.Export.DeviceLabel,
		}
		if cfg.Export.Interval, err = parseDuration(fc.Export.Interval, "export.interval"); err != nil {
			return Config{}, err
		}
	}
	if fc.Encryption != nil {
		cfg.Encryption = &EncryptionConfig{
			Enabled:     fc.Encryption.Enabled,
			KeyPassword: fc.Encryption.KeyPassword,
		}
	}

	return cfg, nil
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", field, err)
	}
	return d, nil
}
