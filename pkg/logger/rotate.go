package logger

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102T150405.000000000"

// rotateOptions configures a rotatingWriter. Zero values fall back to
// 7 backups kept for 30 days, no size limit and no daily rotation.
type rotateOptions struct {
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	daily      bool
	compress   bool
}

// rotatingWriter appends audit entries to one file and moves it aside to
// path-<timestamp> when it would exceed maxSize or, with daily set, when the
// UTC day changes. Backups may be gzipped and are pruned after each rotation.
type rotatingWriter struct {
	mu       sync.Mutex
	path     string
	opts     rotateOptions
	file     *os.File
	size     int64
	openedOn string
	now      func() time.Time
}

func newRotatingWriter(path string, opts rotateOptions) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if opts.maxBackups <= 0 {
		opts.maxBackups = 7
	}
	if opts.maxAge <= 0 {
		opts.maxAge = 30 * 24 * time.Hour
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{path: path, opts: opts, now: time.Now}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.openCurrent(); err != nil {
			return 0, err
		}
	}
	if w.shouldRotate(int64(len(p))) {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.openCurrent(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) shouldRotate(incoming int64) bool {
	if w.size == 0 {
		return false
	}
	if w.opts.maxSize > 0 && w.size+incoming > w.opts.maxSize {
		return true
	}
	return w.opts.daily && w.day() != w.openedOn
}

func (w *rotatingWriter) day() string {
	return w.now().UTC().Format(time.DateOnly)
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.size = nil, 0
	return err
}

func (w *rotatingWriter) openCurrent() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file, w.size = f, info.Size()
	w.openedOn = info.ModTime().UTC().Format(time.DateOnly)
	if w.size == 0 {
		w.openedOn = w.day()
	}
	return nil
}

func (w *rotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	w.file, w.size = nil, 0

	backup := w.path + "-" + w.now().UTC().Format(backupTimeFormat)
	if err := os.Rename(w.path, backup); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("rotate audit log: %w", err)
	}
	if w.opts.compress {
		if err := gzipFile(backup); err != nil {
			return fmt.Errorf("compress audit backup: %w", err)
		}
	}
	w.prune()
	return nil
}

func gzipFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(src+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// backups lists rotated files, compressed or not, newest first.
func (w *rotatingWriter) backups() []string {
	matches, _ := filepath.Glob(w.path + "-*")
	prefix := w.path + "-"
	out := slices.DeleteFunc(matches, func(m string) bool {
		stamp := strings.TrimSuffix(strings.TrimPrefix(m, prefix), ".gz")
		_, err := time.Parse(backupTimeFormat, stamp)
		return err != nil
	})
	slices.Sort(out)
	slices.Reverse(out)
	return out
}

func (w *rotatingWriter) prune() {
	cutoff := w.now().Add(-w.opts.maxAge)
	for i, backup := range w.backups() {
		if i >= w.opts.maxBackups {
			_ = os.Remove(backup)
			continue
		}
		if info, err := os.Stat(backup); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}
