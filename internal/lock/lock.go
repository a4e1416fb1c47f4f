// Package lock implements the singleton guard: a pid file plus an exclusive
// flock per daemon role, with stale-lock reclamation and recognition of
// init-system restarts.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/steward-sh/steward/internal/log"
)

// ErrAlreadyHeld indicates a live process of the expected role owns the lock.
var ErrAlreadyHeld = errors.New("lock already held")

// restartGrace bounds how long an init-driven restart waits for the
// predecessor to exit before proceeding anyway.
const (
	restartGrace = 10 * time.Second
	restartPoll  = 500 * time.Millisecond
)

// descriptor is the JSON body of a lock file.
type descriptor struct {
	PID        int    `json:"pid"`
	Role       string `json:"role"`
	WorkDir    string `json:"work_dir"`
	AcquiredAt int64  `json:"acquired_at"`
}

// Handle represents an acquired daemon lock. Release it on graceful stop.
type Handle struct {
	role string
	path string
	file *os.File
}

// Role returns the daemon role the handle guards.
func (h *Handle) Role() string { return h.role }

// Path returns the lock file path.
func (h *Handle) Path() string { return h.path }

// Release unlocks and removes the lock file.
func (h *Handle) Release() error {
	if h.file == nil {
		return nil
	}
	err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	closeErr := h.file.Close()
	h.file = nil
	_ = os.Remove(h.path)
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", h.path, err)
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", h.path, closeErr)
	}
	log.Info(log.CatLock, "lock released", "role", h.role)
	return nil
}

// Guard acquires singleton locks under a lock directory.
type Guard struct {
	dir string

	// overridable for tests
	pidAlive    func(pid int) bool
	pidMatches  func(pid int, role string) bool
	initStarted func() bool
}

// NewGuard returns a Guard writing lock files under dir.
func NewGuard(dir string) *Guard {
	return &Guard{
		dir:         dir,
		pidAlive:    pidAlive,
		pidMatches:  pidRunsRole,
		initStarted: startedByInit,
	}
}

// Acquire takes the singleton lock for role. A lock held by a live process
// of the same role fails with ErrAlreadyHeld, except when this process was
// started by the init system, in which case the predecessor is assumed to be
// shutting down and is waited out for a bounded grace.
func (g *Guard) Acquire(role string) (*Handle, error) {
	if err := os.MkdirAll(g.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	path := filepath.Join(g.dir, role+".lock")

	h, err := g.tryAcquire(role, path)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrAlreadyHeld) {
		return nil, err
	}

	if !g.initStarted() {
		return nil, err
	}

	// Init-driven restart: the predecessor is expected to be on its way
	// out. Poll until it releases or the grace expires.
	log.Info(log.CatLock, "init restart detected; waiting for predecessor", "role", role)
	deadline := time.Now().Add(restartGrace)
	for time.Now().Before(deadline) {
		time.Sleep(restartPoll)
		h, err = g.tryAcquire(role, path)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrAlreadyHeld) {
			return nil, err
		}
	}

	log.Warn(log.CatLock, "predecessor still alive after grace; proceeding", "role", role)
	return g.forceAcquire(role, path)
}

func (g *Guard) tryAcquire(role, path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // G304: path derives from the configured lock dir
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// Someone holds the flock. Decide staleness from the descriptor.
		owner := g.readDescriptor(path)
		_ = f.Close()
		if owner != nil && g.ownerLive(owner, role) {
			return nil, fmt.Errorf("role %s held by pid %d: %w", role, owner.PID, ErrAlreadyHeld)
		}
		// The flock outlives its descriptor only while the owner process
		// exists; an unreadable or stale descriptor with a held flock still
		// means a live owner.
		return nil, fmt.Errorf("role %s: %w", role, ErrAlreadyHeld)
	}

	// We hold the flock. A leftover descriptor from a dead owner is stale;
	// reclaim by overwriting.
	if owner := g.readDescriptor(path); owner != nil && owner.PID != os.Getpid() {
		if g.ownerLive(owner, role) {
			// Live owner without the flock: it is shutting down or crashed
			// mid-release. Treat as held.
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
			return nil, fmt.Errorf("role %s held by pid %d: %w", role, owner.PID, ErrAlreadyHeld)
		}
		log.Warn(log.CatLock, "reclaiming stale lock", "role", role, "stale_pid", owner.PID)
	}

	if err := writeDescriptor(f, role); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	log.Info(log.CatLock, "lock acquired", "role", role, "pid", os.Getpid())
	return &Handle{role: role, path: path, file: f}, nil
}

// forceAcquire takes over the lock file after the restart grace expired.
func (g *Guard) forceAcquire(role, path string) (*Handle, error) {
	_ = os.Remove(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // G304: path derives from the configured lock dir
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("role %s: %w", role, ErrAlreadyHeld)
	}
	if err := writeDescriptor(f, role); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Handle{role: role, path: path, file: f}, nil
}

// ownerLive reports whether the descriptor's pid is a live process running
// the expected daemon role from the same working directory.
func (g *Guard) ownerLive(d *descriptor, role string) bool {
	if d.PID <= 0 || !g.pidAlive(d.PID) {
		return false
	}
	if !g.pidMatches(d.PID, role) {
		return false
	}
	if d.WorkDir != "" {
		if cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", d.PID)); err == nil && cwd != d.WorkDir {
			return false
		}
	}
	return true
}

func (g *Guard) readDescriptor(path string) *descriptor {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derives from the configured lock dir
	if err != nil || len(data) == 0 {
		return nil
	}
	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil
	}
	return &d
}

func writeDescriptor(f *os.File, role string) error {
	wd, _ := os.Getwd()
	d := descriptor{
		PID:        os.Getpid(),
		Role:       role,
		WorkDir:    wd,
		AcquiredAt: time.Now().Unix(),
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding lock descriptor: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating lock file: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("writing lock descriptor: %w", err)
	}
	return f.Sync()
}

// pidAlive reports whether pid is a live process.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// pidRunsRole reports whether pid's command line mentions both this binary's
// name and the daemon role.
func pidRunsRole(pid int, role string) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		// No /proc (or no permission): fall back to liveness only.
		return true
	}
	cmdline := strings.ReplaceAll(string(data), "\x00", " ")
	return strings.Contains(cmdline, "steward") && strings.Contains(cmdline, role)
}

// startedByInit reports whether this process was launched by the init
// system, via the environment it injects or a pid-1 parent.
func startedByInit() bool {
	if os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	return os.Getppid() == 1
}

// ReadOwner returns the pid recorded in role's lock file under dir, or 0.
// Diagnostics only.
func ReadOwner(dir, role string) int {
	data, err := os.ReadFile(filepath.Join(dir, role+".lock")) //nolint:gosec // G304: operator-controlled lock dir
	if err != nil {
		return 0
	}
	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		// Legacy plain-pid content.
		if pid, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil {
			return pid
		}
		return 0
	}
	return d.PID
}
