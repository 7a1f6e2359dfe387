// Package lock implements the file-based mutual-exclusion locks that
// keep two conflicting operations (e.g. two backups, or a backup and a
// stanza delete) from running against the same stanza concurrently.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/pigsty-io/physback/internal/errkind"
)

// Type names the resource a lock protects. archive and backup locks are
// independent: an archive-push can run while a backup is in progress.
type Type string

const (
	TypeArchive Type = "archive"
	TypeBackup  Type = "backup"
)

// Handle is a held lock; Release drops the flock and leaves the lock
// file in place (the file itself is just a rendezvous point).
type Handle struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	released bool
}

// Manager creates and tracks locks under a lock directory, one file per
// (stanza, type) pair named "<stanza>-<type>.lock".
type Manager struct {
	Dir string
}

func New(dir string) *Manager { return &Manager{Dir: dir} }

func (m *Manager) path(stanza string, t Type) string {
	return filepath.Join(m.Dir, fmt.Sprintf("%s-%s.lock", stanza, t))
}

// Acquire takes an exclusive, non-blocking lock for (stanza, t). It
// writes the holder's pid so `ps`-style diagnosis is possible, and
// exposes UpdateProgress for long-running holders to report percent
// complete back to anything that inspects the lock file.
func (m *Manager) Acquire(stanza string, t Type) (*Handle, error) {
	if err := os.MkdirAll(m.Dir, 0o750); err != nil {
		return nil, errkind.New(errkind.KindFileWrite, "lock.Acquire", err)
	}
	p := m.path(stanza, t)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, errkind.New(errkind.KindFileOpen, "lock.Acquire", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, errkind.New(errkind.KindPathExists, "lock.Acquire", fmt.Errorf("lock held: %s", p))
		}
		return nil, errkind.New(errkind.KindFileOpen, "lock.Acquire", err)
	}
	h := &Handle{f: f, path: p}
	if err := h.writeState(os.Getpid(), 0); err != nil {
		h.Release()
		return nil, err
	}
	return h, nil
}

func (h *Handle) writeState(pid int, percent int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.f.Truncate(0); err != nil {
		return errkind.New(errkind.KindFileWrite, "lock.writeState", err)
	}
	if _, err := h.f.WriteAt([]byte(strconv.Itoa(pid)+" "+strconv.Itoa(percent)+"\n"), 0); err != nil {
		return errkind.New(errkind.KindFileWrite, "lock.writeState", err)
	}
	return nil
}

// UpdateProgress records the holder's completion percentage for
// observability tools that read the lock file without taking it.
func (h *Handle) UpdateProgress(percent int) error {
	return h.writeState(os.Getpid(), percent)
}

// Release drops the flock and closes the file. It does not remove the
// lock file: the next Acquire reuses it, avoiding a race where one
// process deletes a path another has just opened.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	err := syscall.Flock(int(h.f.Fd()), syscall.LOCK_UN)
	closeErr := h.f.Close()
	if err != nil {
		return errkind.New(errkind.KindFileWrite, "lock.Release", err)
	}
	if closeErr != nil {
		return errkind.New(errkind.KindFileWrite, "lock.Release", closeErr)
	}
	return nil
}

// ReadState inspects a lock file without taking it, returning the
// holder's pid and last-reported progress percent. Returns ok=false if
// no lock file exists.
func ReadState(dir, stanza string, t Type) (pid int, percent int, ok bool, err error) {
	p := filepath.Join(dir, fmt.Sprintf("%s-%s.lock", stanza, t))
	data, rerr := os.ReadFile(p)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return 0, 0, false, nil
		}
		return 0, 0, false, errkind.New(errkind.KindFileRead, "lock.ReadState", rerr)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, 0, true, nil
	}
	pid, _ = strconv.Atoi(fields[0])
	percent, _ = strconv.Atoi(fields[1])
	return pid, percent, true, nil
}
