package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// rotatingWriter appends to one log file and rotates it at local midnight,
// keeping at most backupCount dated backups (name.YYYY-MM-DD).
type rotatingWriter struct {
	mu          sync.Mutex
	path        string
	backupCount int
	f           *os.File
	day         string // day the open file belongs to, YYYY-MM-DD
}

func newRotatingWriter(path string, backupCount int) (*rotatingWriter, error) {
	w := &rotatingWriter{path: path, backupCount: backupCount}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", w.path, err)
	}
	w.f = f
	w.day = time.Now().Format("2006-01-02")
	return nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if day := time.Now().Format("2006-01-02"); day != w.day {
		if err := w.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotate failed: %v\n", err)
			w.day = day
		}
	}
	// A failed rotation leaves no open file; retry the open on every write so
	// logging resumes as soon as the directory comes back.
	if w.f == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	return w.f.Write(p)
}

func (w *rotatingWriter) rotate() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	w.f = nil
	backup := w.path + "." + w.day
	if err := os.Rename(w.path, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	w.prune()
	return w.open()
}

// prune removes the oldest backups beyond backupCount.
func (w *rotatingWriter) prune() {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil || len(matches) <= w.backupCount {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-w.backupCount] {
		_ = os.Remove(old)
	}
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}
