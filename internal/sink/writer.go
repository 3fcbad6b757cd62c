package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// WriterSink writes one JSON record per line.
type WriterSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewWriterSink writes to w. The caller keeps ownership of w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: bufio.NewWriter(w)}
}

// NewFileSink appends to the file at path, creating it if needed.
func NewFileSink(path string) (*WriterSink, error) {
	if path == "" {
		return nil, fmt.Errorf("file sink path required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &WriterSink{w: bufio.NewWriter(f), closer: f}, nil
}

// Emit implements Sink.
func (s *WriterSink) Emit(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt.Record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return s.w.WriteByte('\n')
}

// Flush implements Sink.
func (s *WriterSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if f, ok := s.closer.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}

// Close implements Sink.
func (s *WriterSink) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
