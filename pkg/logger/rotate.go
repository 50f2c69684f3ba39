package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultAuditMaxSizeMB  = 100
	defaultAuditBackups    = 7
	defaultAuditMaxAgeDays = 30
)

// auditWriter is a size-rotating file writer backing the audit log.
// Rotated files are kept as <path>.1 .. <path>.N, newest first, and
// pruned by age. Writes are serialized; the file is opened lazily so
// the logger can be initialized before the log directory exists.
type auditWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
}

func newAuditWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditWriter, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultAuditMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultAuditBackups
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultAuditMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *auditWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	if w.maxSize > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *auditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *auditWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *auditWriter) backupPath(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}

func (w *auditWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	if w.maxBackups <= 0 {
		_ = os.Remove(w.path)
		return nil
	}
	// Shift older backups down, then the live file becomes .1.
	for i := w.maxBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(w.backupPath(i)); err == nil {
			_ = os.Rename(w.backupPath(i), w.backupPath(i+1))
		}
	}
	if _, err := os.Stat(w.path); err == nil {
		_ = os.Rename(w.path, w.backupPath(1))
	}

	w.pruneByAge()
	return nil
}

func (w *auditWriter) pruneByAge() {
	if w.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-w.maxAge)
	for i := 1; i <= w.maxBackups; i++ {
		info, err := os.Stat(w.backupPath(i))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(w.backupPath(i))
		}
	}
}
