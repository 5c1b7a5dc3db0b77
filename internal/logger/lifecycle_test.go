package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEventLinesAreTimestamped(t *testing.T) {
	var buf bytes.Buffer
	l := NewLifecycleWithWriter(&buf)

	if err := l.Event("session %s attached from %s", "abc", "10.0.0.1"); err != nil {
		t.Fatalf("Event: %v", err)
	}

	line := strings.TrimSuffix(buf.String(), "\n")
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		t.Fatalf("line %q not timestamped", line)
	}
	if _, err := time.Parse(time.RFC3339, fields[0]); err != nil {
		t.Fatalf("bad timestamp %q: %v", fields[0], err)
	}
	if fields[1] != "session abc attached from 10.0.0.1" {
		t.Fatalf("message = %q", fields[1])
	}
}

func TestFileIsAppended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")

	l, err := NewLifecycle(path)
	if err != nil {
		t.Fatalf("NewLifecycle: %v", err)
	}
	if err := l.Event("first run"); err != nil {
		t.Fatalf("Event: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l, err = NewLifecycle(path)
	if err != nil {
		t.Fatalf("NewLifecycle reopen: %v", err)
	}
	if err := l.Event("second run"); err != nil {
		t.Fatalf("Event: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "first run") || !strings.Contains(content, "second run") {
		t.Fatalf("log not appended across reopen: %q", content)
	}
}

func TestConcurrentEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLifecycleWithWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Event("tick")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 16*50 {
		t.Fatalf("lines = %d, want %d", len(lines), 16*50)
	}
	for _, line := range lines {
		if !strings.HasSuffix(line, " tick") {
			t.Fatalf("interleaved line %q", line)
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	l, err := NewLifecycle(path)
	if err != nil {
		t.Fatalf("NewLifecycle: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
