// Package jsonl provides the append-only newline-delimited JSON store the
// control plane journals through. Files are append-only; rewrites never occur.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// MaxLineSize is the maximum encoded record size (256 KiB).
const MaxLineSize = 256 * 1024

// Writer appends records to a JSONL file, one complete JSON document per line.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	path string
}

// OpenWriter opens (creating if needed) a JSONL file for appending.
func OpenWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &Writer{
		file: file,
		buf:  bufio.NewWriter(file),
		path: path,
	}, nil
}

// Append marshals v and writes it as a single line, flushing and syncing
// before returning so a crash never loses an acknowledged record.
func (w *Writer) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if len(data) > MaxLineSize {
		return fmt.Errorf("record size %d exceeds limit %d", len(data), MaxLineSize)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", w.path, err)
	}
	return nil
}

// Path returns the backing file path.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes and closes the backing file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReadAll scans a JSONL file line by line, decoding each non-blank line into a
// fresh value produced by newRecord and handing it to fn. A missing file is
// treated as empty. Blank lines (including a trailing newline) are skipped.
// An unparseable FINAL line is the signature of a crash mid-append: it is
// dropped with a warning so recovery can proceed. Corruption with valid data
// after it still fails the fold.
func ReadAll[T any](path string, fn func(*T) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, MaxLineSize), MaxLineSize)

	line := 0
	var torn error
	tornLine := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		if torn != nil {
			// Earlier bad line followed by more data: real corruption.
			return torn
		}
		record := new(T)
		if err := json.Unmarshal(data, record); err != nil {
			torn = fmt.Errorf("failed to unmarshal %s line %d: %w", path, line, err)
			tornLine = line
			continue
		}
		if err := fn(record); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error in %s at line %d: %w", path, line, err)
	}
	if torn != nil {
		slog.Warn("dropping torn final jsonl line", "path", path, "line", tornLine)
	}
	return nil
}
