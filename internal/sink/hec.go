package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/har"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/logging"
)

// hecEvent is the collector envelope for one record.
type hecEvent struct {
	Time       float64    `json:"time"`
	Host       string     `json:"host,omitempty"`
	Source     string     `json:"source,omitempty"`
	SourceType string     `json:"sourcetype"`
	Index      string     `json:"index,omitempty"`
	Event      har.Record `json:"event"`
}

// HECSink posts records to an HTTP event collector in batches.
type HECSink struct {
	cfg      HECConfig
	endpoint string
	client   *http.Client
	backup   *FileBackup
	log      *slog.Logger

	mu       sync.Mutex
	buf      bytes.Buffer
	n        int
	backedUp int // leading bytes of buf already saved to backup
}

// NewHECSink creates a collector sink. Zero batch, retry and timeout
// settings take defaults.
func NewHECSink(cfg HECConfig) (*HECSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("hec url required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("hec token required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &HECSink{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.URL, "/") + "/services/collector/event",
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      logging.Component("hec"),
	}

	if cfg.BackupDir != "" {
		backup, err := NewFileBackup(cfg.BackupDir)
		if err != nil {
			return nil, fmt.Errorf("create file backup: %w", err)
		}
		s.backup = backup
	}

	return s, nil
}

// Emit implements Sink. A full batch is posted immediately.
func (s *HECSink) Emit(ctx context.Context, evt Event) error {
	data, err := json.Marshal(hecEvent{
		Time:       float64(evt.Run.RunTime) / 1000,
		Host:       s.cfg.Host,
		Source:     s.cfg.Source,
		SourceType: SourceType,
		Index:      s.cfg.Index,
		Event:      evt.Record,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(data)
	s.buf.WriteByte('\n')
	s.n++

	if s.n >= s.cfg.BatchSize {
		return s.flushLocked(ctx)
	}
	return nil
}

// Flush implements Sink.
func (s *HECSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *HECSink) flushLocked(ctx context.Context) error {
	if s.n == 0 {
		return nil
	}
	body := bytes.Clone(s.buf.Bytes())
	count := s.n
	log := logging.FromContext(ctx, s.log)

	// Backup to local file before HTTP; a retried batch only saves what is new.
	if s.backup != nil && s.backedUp < len(body) {
		if err := s.backup.Save(body[s.backedUp:]); err != nil {
			log.Warn("backup failed", "error", err)
		} else {
			s.backedUp = len(body)
		}
	}

	if err := s.postWithRetry(ctx, log, body); err != nil {
		return fmt.Errorf("hec emit failed: %w", err)
	}

	log.Debug("posted batch", "events", count, "bytes", len(body))
	s.buf.Reset()
	s.n = 0
	s.backedUp = 0
	return nil
}

// postWithRetry sends the batch with retries and exponential backoff.
func (s *HECSink) postWithRetry(ctx context.Context, log *slog.Logger, body []byte) error {
	var lastErr error
	retries := s.cfg.MaxRetries
	delay := s.cfg.RetryDelay

	for attempt := 1; attempt <= retries; attempt++ {
		err := s.post(ctx, body)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < retries {
			log.Warn("post failed, retrying", "attempt", attempt, "max", retries, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", retries, lastErr)
}

// post sends a single POST request to the collector.
func (s *HECSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Splunk "+s.cfg.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	// Read error body
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close implements Sink. Pending events are posted first.
func (s *HECSink) Close() error {
	return s.Flush(context.Background())
}

// FileBackup saves posted batches to local files for audit and replay.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileBackup{dir: dir}, nil
}

// Save writes one batch body to a new file.
func (f *FileBackup) Save(body []byte) error {
	filename := fmt.Sprintf("hec_%s_%s.ndjson", time.Now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	path := filepath.Join(f.dir, filename)
	if err := os.WriteFile(path, body, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
