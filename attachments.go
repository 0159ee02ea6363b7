package medsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AttachmentManager caches caregiver voice notes on disk so they play even
// when the device is offline. Downloads run in the background, bounded by
// MaxConcurrent, and never block the reminder path. Voice notes are
// referenced by HTTPS URL or s3:// object reference.
type AttachmentManager struct {
	store   *Store
	dir     string
	client  HTTPDoer
	s3      *s3.Client
	enc     *Encryptor
	retryer *Retryer
	logger  *slog.Logger

	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ attachmentFetcher = (*AttachmentManager)(nil)

// NewAttachmentManager creates the voice note cache rooted at cfg.Dir.
// enc may be nil to cache unencrypted; client may be nil for a default
// HTTP client.
func NewAttachmentManager(store *Store, cfg AttachmentConfig, enc *Encryptor, client HTTPDoer, logger *slog.Logger) (*AttachmentManager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("attachment dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create attachment dir: %w", err)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	var s3client *s3.Client
	if cfg.S3 != nil {
		var err error
		s3client, err = newS3Client(*cfg.S3)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AttachmentManager{
		store:  store,
		dir:    cfg.Dir,
		client: client,
		s3:     s3client,
		enc:    enc,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		inflight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// newS3Client builds the client for s3:// attachment references.
func newS3Client(cfg S3Config) (*s3.Client, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// FetchMissing queues background downloads for every referenced voice note
// that is not cached yet, and re-links cached files onto reminder rows that
// lost their local path. Returns how many downloads were queued.
func (a *AttachmentManager) FetchMissing(reminders []Reminder) int {
	// One download per URL even when several doses share a note.
	wanted := make(map[string][]string)
	for _, rem := range reminders {
		if rem.AudioURL == "" {
			continue
		}
		wanted[rem.AudioURL] = append(wanted[rem.AudioURL], rem.ID)
	}

	queued := 0
	for audioURL, ids := range wanted {
		local, ok, err := a.store.AttachmentPath(a.ctx, audioURL)
		if err != nil {
			a.logger.Warn("attachment lookup failed", "url", audioURL, "err", err)
			continue
		}
		if ok {
			a.relink(audioURL, local, ids)
			continue
		}
		if a.markInflight(audioURL) {
			a.wg.Add(1)
			go a.download(audioURL, ids)
			queued++
		}
	}
	return queued
}

// relink points reminder rows at an already cached file.
func (a *AttachmentManager) relink(audioURL, local string, ids []string) {
	for _, id := range ids {
		rem, err := a.store.Reminder(a.ctx, id)
		if err != nil || rem.AudioPath == local {
			continue
		}
		if err := a.store.SetAudioPath(a.ctx, id, local); err != nil {
			a.logger.Warn("attachment relink failed", "reminder", id, "url", audioURL, "err", err)
		}
	}
}

func (a *AttachmentManager) markInflight(audioURL string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.inflight[audioURL] {
		return false
	}
	a.inflight[audioURL] = true
	return true
}

func (a *AttachmentManager) download(audioURL string, ids []string) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, audioURL)
		a.mu.Unlock()
	}()

	select {
	case a.sem <- struct{}{}:
		defer func() { <-a.sem }()
	case <-a.ctx.Done():
		return
	}

	data, err := a.fetch(a.ctx, audioURL)
	if err != nil {
		a.logger.Warn("voice note download failed", "url", audioURL, "err", err)
		return
	}

	encrypted := false
	if a.enc != nil {
		sealed, err := a.enc.Seal(data)
		if err != nil {
			a.logger.Error("voice note encryption failed", "url", audioURL, "err", err)
			return
		}
		data = sealed
		encrypted = true
	}

	local := filepath.Join(a.dir, attachmentFileName(audioURL, encrypted))
	if err := writeFileAtomic(local, data); err != nil {
		a.logger.Error("voice note write failed", "url", audioURL, "path", local, "err", err)
		return
	}

	att := Attachment{
		URL:       audioURL,
		LocalPath: local,
		Size:      int64(len(data)),
		Encrypted: encrypted,
		FetchedAt: time.Now(),
	}
	if err := a.store.PutAttachment(a.ctx, att); err != nil {
		a.logger.Error("voice note index update failed", "url", audioURL, "err", err)
		return
	}
	for _, id := range ids {
		if err := a.store.SetAudioPath(a.ctx, id, local); err != nil {
			a.logger.Warn("voice note link failed", "reminder", id, "err", err)
		}
	}
	a.logger.Info("voice note cached", "url", audioURL, "bytes", len(data), "encrypted", encrypted)
}

func (a *AttachmentManager) fetch(ctx context.Context, audioURL string) ([]byte, error) {
	if strings.HasPrefix(audioURL, "s3://") {
		return a.fetchS3(ctx, audioURL)
	}
	return a.fetchHTTP(ctx, audioURL)
}

func (a *AttachmentManager) fetchHTTP(ctx context.Context, audioURL string) ([]byte, error) {
	var data []byte
	result := a.retryer.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
		if err != nil {
			return fmt.Errorf("failed to build attachment request: %w", err)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return newNetworkError("attachment download", audioURL, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return newServerError("attachment download", resp.StatusCode, "unexpected status")
		}
		d, err := io.ReadAll(resp.Body)
		if err != nil {
			return newNetworkError("attachment download", audioURL, err)
		}
		data = d
		return nil
	})
	if result.LastErr != nil {
		return nil, result.LastErr
	}
	return data, nil
}

func (a *AttachmentManager) fetchS3(ctx context.Context, audioURL string) ([]byte, error) {
	if a.s3 == nil {
		return nil, fmt.Errorf("no s3 configuration for attachment %q", audioURL)
	}
	bucket, key, err := splitS3URL(audioURL)
	if err != nil {
		return nil, err
	}

	var data []byte
	result := a.retryer.Do(ctx, func() error {
		resp, err := a.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		d, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		data = d
		return nil
	})
	if result.LastErr != nil {
		return nil, result.LastErr
	}
	return data, nil
}

// splitS3URL parses "s3://bucket/key/parts" into bucket and key.
func splitS3URL(audioURL string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(audioURL, "s3://")
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("invalid s3 attachment reference %q", audioURL)
	}
	return rest[:i], rest[i+1:], nil
}

// attachmentFileName derives a stable cache file name from the source URL.
func attachmentFileName(audioURL string, encrypted bool) string {
	sum := sha256.Sum256([]byte(audioURL))
	name := hex.EncodeToString(sum[:8])

	ext := ""
	if u, err := url.Parse(audioURL); err == nil {
		ext = path.Ext(u.Path)
	}
	if ext == "" {
		ext = ".bin"
	}
	if encrypted {
		ext += ".enc"
	}
	return name + ext
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a half-cached note behind.
func writeFileAtomic(dst string, data []byte) error {
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Open returns the decrypted bytes of a cached voice note for playback.
func (a *AttachmentManager) Open(ctx context.Context, audioURL string) ([]byte, error) {
	local, ok, err := a.store.AttachmentPath(ctx, audioURL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("voice note %q is not cached", audioURL)
	}

	data, err := os.ReadFile(local)
	if err != nil {
		return nil, fmt.Errorf("failed to read voice note: %w", err)
	}
	if IsSealed(data) {
		if a.enc == nil {
			return nil, errors.New("voice note is encrypted but encryption is not configured")
		}
		return a.enc.Open(data)
	}
	return data, nil
}

// EvictOrphans deletes cached notes no reminder references anymore.
// Returns how many files went and the bytes freed.
func (a *AttachmentManager) EvictOrphans(ctx context.Context) (int, int64, error) {
	orphans, err := a.store.OrphanAttachments(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(orphans) == 0 {
		return 0, 0, nil
	}

	var freed int64
	urls := make([]string, 0, len(orphans))
	for _, o := range orphans {
		if err := os.Remove(o.LocalPath); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("orphan attachment remove failed", "path", o.LocalPath, "err", err)
			continue
		}
		freed += o.Size
		urls = append(urls, o.URL)
	}
	if err := a.store.DeleteAttachments(ctx, urls); err != nil {
		return len(urls), freed, err
	}
	if len(urls) > 0 {
		a.logger.Info("orphan voice notes evicted", "count", len(urls), "bytes", freed)
	}
	return len(urls), freed, nil
}

// Usage returns cache totals for the settings screen.
func (a *AttachmentManager) Usage(ctx context.Context) (AttachmentStats, error) {
	return a.store.AttachmentUsage(ctx)
}

// Clear removes every cached file and index row. Used on logout.
func (a *AttachmentManager) Clear(ctx context.Context) error {
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("failed to clear attachment dir: %w", err)
	}
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return fmt.Errorf("failed to recreate attachment dir: %w", err)
	}
	return a.store.DeleteAllAttachments(ctx)
}

// Wait blocks until every in-flight download has finished.
func (a *AttachmentManager) Wait() {
	a.wg.Wait()
}

// Close stops background downloads and waits for workers to exit.
func (a *AttachmentManager) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
}
