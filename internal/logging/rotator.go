package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// rotator appends to date-stamped files derived from a logical path. The
// logical path is kept as a symlink to the live file so tails survive
// rotation. Given logs/chatd.log, output lands in logs/chatd-2026-08-26.log,
// then logs/chatd-2026-08-26.2.log once maxBytes is reached, and a fresh
// file starts on every UTC day.
type rotator struct {
	path     string
	maxBytes int64

	mu   sync.Mutex
	day  string
	seq  int
	file *os.File
	size int64
}

// NewRotatingWriter opens a rotating writer for the logical log path. The
// path "-" discards all output.
func NewRotatingWriter(path string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(path) == "-" {
		return discardCloser{}, nil
	}
	r := &rotator{path: path, maxBytes: maxBytes}
	if err := r.roll(0); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// roll opens the right target for a pending write of n bytes: a new day
// resets the sequence, a full file bumps it, otherwise the current file
// stays.
func (r *rotator) roll(n int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case r.file == nil || r.day != today:
		r.day = today
		r.seq = 1
	case r.size+n > r.maxBytes:
		r.seq++
	default:
		return nil
	}
	return r.open()
}

func (r *rotator) open() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create dir %s: %w", dir, err)
	}
	target := filepath.Join(dir, r.fileName())
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", target, err)
	}
	r.file = f
	r.size = 0
	if st, err := f.Stat(); err == nil {
		r.size = st.Size()
	}
	r.relink(target)
	return nil
}

// fileName stamps the logical name with day and sequence, keeping the
// extension last: chatd.log -> chatd-2026-08-26.log, chatd-2026-08-26.2.log.
func (r *rotator) fileName() string {
	name := filepath.Base(r.path)
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".log"
	}
	stem := strings.TrimSuffix(name, ext)
	if r.seq > 1 {
		return fmt.Sprintf("%s-%s.%d%s", stem, r.day, r.seq, ext)
	}
	return fmt.Sprintf("%s-%s%s", stem, r.day, ext)
}

// relink points the logical path at the live file. Best effort: a plain
// pointer file stands in where symlinks are unavailable.
func (r *rotator) relink(target string) {
	if info, err := os.Lstat(r.path); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(r.path); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(r.path)
	}
	if os.Symlink(target, r.path) == nil {
		return
	}
	if f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		fmt.Fprintf(f, "current log file: %s\n", target)
		_ = f.Close()
	}
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
