package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Lifecycle records timestamped lifecycle lines for one console instance:
// startup parameters, session attach/detach, control dispatches, tunnel
// output, and the termination reason. Lines are appended so restarts of the
// same instance extend the history rather than truncating it.
type Lifecycle struct {
	writer io.Writer
	file   *os.File // only set if we own the file
	mu     sync.Mutex
}

// NewLifecycle opens (or creates) the log file at filePath for appending.
func NewLifecycle(filePath string) (*Lifecycle, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &Lifecycle{writer: file, file: file}, nil
}

// NewLifecycleWithWriter creates a Lifecycle that writes to the given writer.
// This is useful for testing.
func NewLifecycleWithWriter(w io.Writer) *Lifecycle {
	return &Lifecycle{writer: w}
}

// Event appends one timestamped line.
func (l *Lifecycle) Event(format string, args ...any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s %s\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
	if _, err := io.WriteString(l.writer, line); err != nil {
		return fmt.Errorf("failed to write log line: %w", err)
	}
	return nil
}

// Write implements io.Writer so the standard library logger can be routed
// through the lifecycle file.
func (l *Lifecycle) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Write(p)
}

// Tee sends the process-wide standard logger to both stderr and the
// lifecycle file.
func (l *Lifecycle) Tee() {
	log.SetOutput(io.MultiWriter(os.Stderr, l))
}

// Close flushes and closes the underlying file if this logger owns one.
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	l.file = nil
	return nil
}
