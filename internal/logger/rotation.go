package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes  = 100 << 20
	backupTimeFormat = "20060102T150405.000"
)

// RotationPolicy bounds a log file and the backups it leaves behind.
type RotationPolicy struct {
	MaxBytes int64         // rotate before a write would pass this size
	MaxAge   time.Duration // remove backups older than this; zero keeps them
	Compress bool          // gzip backups
}

// RotatingWriter appends to a log file and moves it aside when it grows past MaxBytes.
// Backups are named <name>-<timestamp><ext>, e.g. parley-20261018T093000.000.log.
type RotatingWriter struct {
	mu     sync.Mutex
	path   string
	policy RotationPolicy
	file   *os.File
	size   int64

	// compression and pruning run here; Close waits for them
	background sync.WaitGroup
}

// NewRotatingWriter opens path for appending, creating its directory.
func NewRotatingWriter(path string, policy RotationPolicy) (*RotatingWriter, error) {
	if policy.MaxBytes <= 0 {
		policy.MaxBytes = defaultMaxBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{path: path, policy: policy}
	if err := w.openLocked(); err != nil {
		return nil, err
	}
	w.afterRotate("")
	return w, nil
}

func (w *RotatingWriter) openLocked() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file, w.size = f, info.Size()
	return nil
}

// Write appends p, rotating first when p would not fit. A line longer than MaxBytes
// still lands in a fresh file rather than rotating endlessly.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.policy.MaxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.backupPath(time.Now())
	renameErr := os.Rename(w.path, backup)
	if err := w.openLocked(); err != nil {
		return err
	}
	if renameErr != nil {
		return renameErr
	}

	w.afterRotate(backup)
	return nil
}

// afterRotate compresses backup (when set and enabled) and prunes expired backups.
func (w *RotatingWriter) afterRotate(backup string) {
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		if backup != "" && w.policy.Compress {
			_ = gzipFile(backup)
		}
		w.prune(time.Now())
	}()
}

func (w *RotatingWriter) backupPath(now time.Time) string {
	ext := filepath.Ext(w.path)
	stem := strings.TrimSuffix(w.path, ext) + "-" + now.Format(backupTimeFormat)

	candidate := stem + ext
	for i := 1; fileExists(candidate) || fileExists(candidate+".gz"); i++ {
		candidate = stem + "." + strconv.Itoa(i) + ext
	}
	return candidate
}

// backups lists rotated files, compressed or not.
func (w *RotatingWriter) backups() []string {
	ext := filepath.Ext(w.path)
	stem := strings.TrimSuffix(w.path, ext)

	var out []string
	for _, pattern := range []string{stem + "-*" + ext, stem + "-*" + ext + ".gz"} {
		matches, err := filepath.Glob(pattern)
		if err == nil {
			out = append(out, matches...)
		}
	}
	return out
}

// prune removes backups last modified before now minus MaxAge.
func (w *RotatingWriter) prune(now time.Time) {
	if w.policy.MaxAge <= 0 {
		return
	}
	cutoff := now.Add(-w.policy.MaxAge)
	for _, path := range w.backups() {
		if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}

// Close closes the file and waits for pending compression. Further writes fail
// with os.ErrClosed.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.background.Wait()
	return err
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
