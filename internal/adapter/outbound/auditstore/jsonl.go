// Package auditstore provides the audit sink implementations: a JSON
// Lines file sink with size rotation, a plain writer sink for stdout,
// and an append-only SQLite mirror.
package auditstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/datacline/mcp-gateway/internal/domain/audit"
)

// LineSink writes one JSON line per event to an io.Writer. Used for the
// stdout stream. Writes are serialised.
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineSink creates a sink over w.
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

// Record implements audit.Sink.
func (s *LineSink) Record(_ context.Context, event *audit.Event) error {
	if !audit.KnownEventType(event.EventType) {
		return fmt.Errorf("%w: %s", audit.ErrUnknownEventType, event.EventType)
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(line, '\n'))
	return err
}

// Close implements audit.Sink. The underlying writer is not owned.
func (s *LineSink) Close() error { return nil }

// FileSinkConfig configures the JSONL file sink.
type FileSinkConfig struct {
	// Path is the audit log file.
	Path string
	// MaxFileSizeMB triggers rotation when exceeded (default 100).
	MaxFileSizeMB int
}

// FileSink appends JSON lines to a log file, rotating it aside with a
// timestamp suffix when the size cap is reached.
type FileSink struct {
	path    string
	maxSize int64
	logger  *slog.Logger

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// NewFileSink opens (or creates) the audit log file.
func NewFileSink(cfg FileSinkConfig, logger *slog.Logger) (*FileSink, error) {
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	s := &FileSink{
		path:    cfg.Path,
		maxSize: int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		logger:  logger,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// Record implements audit.Sink. The write is synchronous; a failed
// rotation does not lose the event, it lands in the oversized file.
func (s *FileSink) Record(_ context.Context, event *audit.Event) error {
	if !audit.KnownEventType(event.EventType) {
		return fmt.Errorf("%w: %s", audit.ErrUnknownEventType, event.EventType)
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("audit file sink is closed")
	}

	if s.size+int64(len(line)) > s.maxSize {
		if err := s.rotateLocked(); err != nil {
			s.logger.Warn("audit file rotation failed", "error", err)
		}
	}

	n, err := s.file.Write(line)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// rotateLocked moves the current file aside and opens a fresh one.
func (s *FileSink) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s", s.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(s.path, rotated); err != nil {
		// Reopen the original so writes continue.
		if reopenErr := s.open(); reopenErr != nil {
			return reopenErr
		}
		return err
	}
	s.logger.Info("rotated audit log", "from", s.path, "to", rotated)
	return s.open()
}

// Close implements audit.Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

var (
	_ audit.Sink = (*LineSink)(nil)
	_ audit.Sink = (*FileSink)(nil)
)
