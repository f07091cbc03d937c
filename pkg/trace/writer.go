package trace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Writer appends canonical event lines to an io.Writer. Each event goes out
// in a single Write call so concurrent writers sharing the sink interleave
// whole lines, never fragments.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a trace writer over an already-open sink.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEvent encodes and appends a single event line.
func (tw *Writer) WriteEvent(ev Event) error {
	line, err := EncodeLine(ev)
	if err != nil {
		return err
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if _, err := tw.w.Write(line); err != nil {
		return fmt.Errorf("write trace event: %w", err)
	}
	return nil
}

// FileWriter appends canonical event lines to a JSONL file. Every WriteEvent
// is an open-append-close cycle: nothing is buffered across calls, a write
// that returns is on disk, and independent processes targeting the same path
// interleave whole lines without coordination. The destination is always
// explicit; there is no process-wide default path.
type FileWriter struct {
	path string
}

// NewFileWriter creates a file-backed trace writer, creating parent
// directories for the destination if absent.
func NewFileWriter(path string) (*FileWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("trace destination path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trace directory: %w", err)
		}
	}
	return &FileWriter{path: path}, nil
}

// Path returns the destination path.
func (fw *FileWriter) Path() string { return fw.path }

// WriteEvent encodes and durably appends a single event line. An encoding
// failure writes nothing and leaves prior lines intact.
func (fw *FileWriter) WriteEvent(ev Event) error {
	line, err := EncodeLine(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(fw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append trace event: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close trace file: %w", err)
	}
	return nil
}
