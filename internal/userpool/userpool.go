// Package userpool implements a process-wide, bounded set of system user
// identities reserved for running untrusted builders. A lease is held for
// as long as this process keeps an exclusive flock(2) on the lease's lock
// file under stateDir/userpool/<uid>; the kernel drops the lock on crash,
// which is what makes leases crash-safe without a separate daemon: process
// death, not just a clean release, frees the slot.
package userpool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// ErrNoSlotAvailable is returned by Acquire when every configured member of
// the build-users group is currently leased.
var ErrNoSlotAvailable = fmt.Errorf("userpool: no slot available")

// ErrMisconfigured is returned by Acquire when the build-users group is
// empty or was never configured.
var ErrMisconfigured = fmt.Errorf("userpool: build-users group is empty or unset")

// Member is one candidate build-user identity.
type Member struct {
	Name string
	UID  int
	GID  int
}

// Lease is a held build-user identity. The zero value is not a valid lease.
type Lease struct {
	Member
	f *os.File
}

// Pool leases Members to callers within this process, backed by advisory
// locks under dir so that other processes (and restarts of this one) see
// leases already taken.
type Pool struct {
	dir     string
	members []Member

	mu      sync.Mutex
	heldIdx map[int]bool // uid -> true while this process holds a Lease for it
}

// New constructs a Pool. dir is typically <stateDir>/userpool.
func New(dir string, members []Member) *Pool {
	return &Pool{dir: dir, members: members, heldIdx: map[int]bool{}}
}

func (p *Pool) lockPath(m Member) string {
	return filepath.Join(p.dir, fmt.Sprintf("%d", m.UID))
}

// Acquire returns a lease on a Member not currently held by any process
// (this one included).
func (p *Pool) Acquire() (*Lease, error) {
	if len(p.members) == 0 {
		return nil, ErrMisconfigured
	}
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return nil, xerrors.Errorf("userpool: MkdirAll: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range p.members {
		if p.heldIdx[m.UID] {
			continue // this process already leased it
		}
		f, err := os.OpenFile(p.lockPath(m), os.O_CREATE|os.O_RDWR, 0600)
		if err != nil {
			return nil, xerrors.Errorf("userpool: open lock file: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if err == unix.EWOULDBLOCK {
				continue // held by another process; try the next member
			}
			return nil, xerrors.Errorf("userpool: flock: %w", err)
		}
		if err := f.Truncate(0); err == nil {
			fmt.Fprintf(f, "pid=%d\n", os.Getpid())
		}
		p.heldIdx[m.UID] = true
		return &Lease{Member: m, f: f}, nil
	}
	return nil, ErrNoSlotAvailable
}

// Release drops the advisory lock and clears the in-process record.
// Idempotent: releasing an already-released (or nil) lease is a no-op.
func (p *Pool) Release(l *Lease) error {
	if l == nil || l.f == nil {
		return nil
	}
	p.mu.Lock()
	delete(p.heldIdx, l.UID)
	p.mu.Unlock()

	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return xerrors.Errorf("userpool: unlock: %w", err)
	}
	return cerr
}

// KillLeasedProcesses sends SIGKILL to every process running as l's uid.
// Required before Release when a builder may have left background
// processes, so a future lease of the same uid does not inherit them.
func (p *Pool) KillLeasedProcesses(l *Lease) error {
	if l == nil {
		return nil
	}
	return killAllByUID(l.UID)
}
