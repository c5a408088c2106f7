// Package reclaim implements Process Reclamation (component G): detecting
// orphaned Chromium processes that still hold a profile directory's
// singleton lock, and killing them on demand. Chrome's SingletonLock is a
// symlink whose target encodes "<hostname>-<pid>".
package reclaim

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chromefleet/internal/logging"
)

const (
	singletonLock   = "SingletonLock"
	singletonSocket = "SingletonSocket"
	singletonCookie = "SingletonCookie"

	gracePeriod = 2 * time.Second
)

// Reclaimer finds and kills orphaned Chromium processes.
type Reclaimer struct {
	log *logging.Logger
}

func New() *Reclaimer {
	return &Reclaimer{log: logging.Named("reclaim")}
}

// LockHolder describes the process a profile directory's singleton lock
// names, if any.
type LockHolder struct {
	PID      int
	Hostname string
}

// Inspect parses profileDir's SingletonLock, if present. Returns
// (nil, nil) if no lock file exists.
func (r *Reclaimer) Inspect(profileDir string) (*LockHolder, error) {
	target, err := os.Readlink(filepath.Join(profileDir, singletonLock))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read singleton lock: %w", err)
	}
	// Target has the shape "<hostname>-<pid>".
	idx := strings.LastIndexByte(target, '-')
	if idx < 0 {
		return nil, fmt.Errorf("malformed singleton lock target %q", target)
	}
	pid, err := strconv.Atoi(target[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("malformed singleton lock pid in %q: %w", target, err)
	}
	return &LockHolder{PID: pid, Hostname: target[:idx]}, nil
}

// IsAlive reports whether pid refers to a live process on this host.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually sending a signal. A zombie still answers signal 0,
	// so where /proc is available its state is checked as well.
	if proc.Signal(syscall.Signal(0)) != nil {
		return false
	}
	if stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
		s := string(stat)
		if i := strings.LastIndexByte(s, ')'); i >= 0 && i+2 < len(s) && s[i+2] == 'Z' {
			return false
		}
	}
	return true
}

// KillOrphansFor implements the G contract: kill_orphans_for(profile_dir)
// -> int, returning the number of processes killed. If the lock's holder
// is alive and force is false, nothing is killed and 0 is returned — the
// caller (the Launch Options Builder) surfaces ProfileLocked in that case.
func (r *Reclaimer) KillOrphansFor(profileDir string, force bool) (int, error) {
	holder, err := r.Inspect(profileDir)
	if err != nil {
		return 0, err
	}
	if holder == nil {
		return 0, nil
	}

	killed := 0
	if IsAlive(holder.PID) {
		if !force {
			return 0, nil
		}
		if err := terminateThenKill(holder.PID); err != nil {
			r.log.Warn("failed to terminate orphaned process", zap.Int("pid", holder.PID), zap.Error(err))
		}
		if !IsAlive(holder.PID) {
			killed = 1
		}
	}
	removeStaleLocks(profileDir)
	return killed, nil
}

// HasLiveHolder reports whether profileDir's singleton lock names a
// currently-alive process.
func (r *Reclaimer) HasLiveHolder(profileDir string) (bool, error) {
	holder, err := r.Inspect(profileDir)
	if err != nil {
		return false, err
	}
	if holder == nil {
		return false, nil
	}
	return IsAlive(holder.PID), nil
}

func terminateThenKill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !IsAlive(pid) {
		return nil
	}
	return proc.Signal(syscall.SIGKILL)
}

func removeStaleLocks(profileDir string) {
	for _, name := range []string{singletonLock, singletonSocket, singletonCookie} {
		_ = os.Remove(filepath.Join(profileDir, name))
	}
}
