// Package pathlock implements cross-process exclusive locks on a set of
// store paths, acquired as a unit via sibling "<path>.lock" files carrying
// flock(2) exclusive advisory locks, in sorted order to avoid deadlock
// between lockers that want overlapping sets.
package pathlock

import (
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// ErrWouldBlock is returned by Lock in non-blocking mode when any lock in
// the requested set is already held by another process.
var ErrWouldBlock = xerrors.New("pathlock: would block")

type held struct {
	path string
	f    *os.File
}

// Locks represents a held lock set. The zero value holds nothing.
type Locks struct {
	mu    sync.Mutex
	held  []held
	owner *Manager
}

// Manager tracks, in-process, which paths this process currently holds
// locks for, so that a second goal in the same process does not deadlock
// itself trying to flock a file its own process already holds (Manager.OwnedByMe).
type Manager struct {
	mu    sync.Mutex
	owned map[string]bool
}

func NewManager() *Manager {
	return &Manager{owned: map[string]bool{}}
}

// OwnedByMe reports whether this process (any goal in it) currently holds
// the lock for path.
func (m *Manager) OwnedByMe(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owned[path]
}

// Lock acquires exclusive locks on every path in paths, as a unit, in
// sorted order. In blocking mode it waits for each lock in turn; in
// non-blocking mode, the first contended lock causes it to release any
// already-acquired locks in this call and return ErrWouldBlock.
func (m *Manager) Lock(paths []string, blocking bool) (*Locks, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	l := &Locks{owner: m}
	for _, p := range sorted {
		f, err := os.OpenFile(p+".lock", os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			l.releaseLocked(false)
			return nil, xerrors.Errorf("pathlock: open %s.lock: %w", p, err)
		}
		flags := unix.LOCK_EX
		if !blocking {
			flags |= unix.LOCK_NB
		}
		if err := unix.Flock(int(f.Fd()), flags); err != nil {
			f.Close()
			l.releaseLocked(false)
			if !blocking && err == unix.EWOULDBLOCK {
				return nil, ErrWouldBlock
			}
			return nil, xerrors.Errorf("pathlock: flock %s.lock: %w", p, err)
		}
		m.mu.Lock()
		m.owned[p] = true
		m.mu.Unlock()
		l.held = append(l.held, held{path: p, f: f})
	}
	return l, nil
}

// Unlock releases every lock in the set. If deleteFiles is true, the lock
// files are removed afterward — callers must only pass true once the
// protected paths are registered valid: a concurrent locker that finds
// the lock file gone and the path valid correctly concludes the work is
// already done.
func (l *Locks) Unlock(deleteFiles bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked(deleteFiles)
}

func (l *Locks) releaseLocked(deleteFiles bool) error {
	var firstErr error
	for _, h := range l.held {
		if err := unix.Flock(int(h.f.Fd()), unix.LOCK_UN); err != nil && firstErr == nil {
			firstErr = err
		}
		h.f.Close()
		if l.owner != nil {
			l.owner.mu.Lock()
			delete(l.owner.owned, h.path)
			l.owner.mu.Unlock()
		}
		if deleteFiles {
			os.Remove(h.path + ".lock")
		}
	}
	l.held = nil
	return firstErr
}
