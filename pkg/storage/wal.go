package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// WAL is an append-only journal of text lines.
type WAL interface {
	Append(line string) error
	Close() error
}

// FileWAL appends one line per entry and fsyncs after each write.
type FileWAL struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileWAL(path string) (*FileWAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f}, nil
}

func (w *FileWAL) Append(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintln(w.f, line); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

var _ WAL = (*FileWAL)(nil)
