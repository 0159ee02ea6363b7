package medsync

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang/snappy"
)

// journalOp is the kind of queue mutation a journal record describes.
type journalOp string

const (
	journalAdd     journalOp = "add"
	journalSynced  journalOp = "synced"
	journalRetired journalOp = "retired"
	journalRequeue journalOp = "requeue"
	journalClear   journalOp = "clear"
)

// journalRecord is one queue mutation. Records are JSON, snappy-compressed,
// and length-prefixed on disk.
type journalRecord struct {
	Op       journalOp    `json:"op"`
	Action   QueuedAction `json:"action,omitempty"`
	ActionID string       `json:"actionId,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`
}

// Journal is the append-only record of action queue mutations. The SQLite
// rows are canonical; the journal exists so a crash between the UI write
// and a clean shutdown can be replayed on next start. After replay the
// journal is truncated.
type Journal struct {
	path         string
	file         *os.File
	mu           sync.Mutex
	writer       *bufio.Writer
	syncInterval time.Duration
	closeCh      chan struct{}
	logger       *slog.Logger

	// syncErrors tracks consecutive sync errors for monitoring
	syncErrors  int
	onSyncError func(error)
}

// JournalOption configures a Journal instance.
type JournalOption func(*Journal)

// WithJournalSyncErrorCallback sets a callback for background sync errors.
func WithJournalSyncErrorCallback(fn func(error)) JournalOption {
	return func(j *Journal) {
		j.onSyncError = fn
	}
}

// NewJournal creates or opens an action journal.
func NewJournal(path string, syncInterval time.Duration, logger *slog.Logger, opts ...JournalOption) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		path:         path,
		file:         file,
		writer:       bufio.NewWriter(file),
		syncInterval: syncInterval,
		closeCh:      make(chan struct{}),
		logger:       logger,
	}

	for _, opt := range opts {
		opt(j)
	}

	go j.syncLoop()

	return j, nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	close(j.closeCh)
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		_ = j.file.Close()
		return err
	}
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

// Append writes one record to the journal.
func (j *Journal) Append(rec journalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	payload := snappy.Encode(nil, raw)

	if err := binary.Write(j.writer, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := j.writer.Write(payload); err != nil {
		return err
	}

	return j.writer.Flush()
}

// Replay reads every record from the start of the journal. A torn record at
// the tail (crash mid-write) is dropped silently; undecodable bytes before
// the tail return the records read so far together with ErrJournalCorrupt.
func (j *Journal) Replay() ([]journalRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(j.file)
	var out []journalRecord

	for {
		var length uint32
		if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return out, err
		}
		if length == 0 {
			continue
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			// Torn tail from a crash mid-append.
			j.logger.Warn("journal has torn tail record, dropping it", "path", j.path)
			break
		}
		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrJournalCorrupt, err)
		}
		var rec journalRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return out, fmt.Errorf("%w: %v", ErrJournalCorrupt, err)
		}
		out = append(out, rec)
	}

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return out, err
	}
	return out, nil
}

// Reset truncates the journal after a clean checkpoint.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Truncate(0); err != nil {
		return err
	}
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	j.writer = bufio.NewWriter(j.file)
	return nil
}

// Size returns the current journal size in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	_ = j.writer.Flush()

	info, err := j.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (j *Journal) syncLoop() {
	if j.syncInterval <= 0 {
		return
	}

	ticker := time.NewTicker(j.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.closeCh:
			return
		case <-ticker.C:
			j.mu.Lock()
			flushErr := j.writer.Flush()
			fileErr := j.file.Sync()

			if flushErr != nil || fileErr != nil {
				err := flushErr
				if err == nil {
					err = fileErr
				}
				j.syncErrors++
				j.logger.Error("journal sync failed", "count", j.syncErrors, "err", err)
				if j.onSyncError != nil {
					j.onSyncError(err)
				}
			} else {
				j.syncErrors = 0
			}
			j.mu.Unlock()
		}
	}
}
