package userpool

import (
	"io/ioutil"
	"strconv"
	"strings"
	"syscall"
)

// killAllByUID scans /proc for processes owned by uid and sends SIGKILL to
// each, mirroring the /proc-scanning style distr1/distri uses to inspect
// process and mount state (e.g. mountpoint() reading
// /proc/self/mountinfo). When the engine itself is unprivileged, killing
// another uid's processes fails with EPERM here; callers running
// unprivileged should go through internal/privhelper's "kill" verb instead,
// which this package does not import to avoid a dependency cycle between
// the pool and the privilege-escalation path.
func killAllByUID(uid int) error {
	entries, err := ioutil.ReadDir("/proc")
	if err != nil {
		return err
	}
	var firstErr error
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		status, err := ioutil.ReadFile("/proc/" + e.Name() + "/status")
		if err != nil {
			continue // process exited between readdir and read
		}
		if !ownedByUID(status, uid) {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}


func ownedByUID(status []byte, uid int) bool {
	for _, line := range strings.Split(string(status), "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return false
		}
		real, err := strconv.Atoi(fields[1])
		return err == nil && real == uid
	}
	return false
}
