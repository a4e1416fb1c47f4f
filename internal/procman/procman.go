// Package procman spawns and supervises long-running child processes: the
// project-setup subprocesses and anything else needing a wall-clock deadline,
// graceful-then-hard kill, and terminal status classification.
package procman

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/steward-sh/steward/internal/log"
)

// Outcome classifies how a supervised process ended.
type Outcome string

const (
	// OutcomeCompleted is a natural zero exit.
	OutcomeCompleted Outcome = "completed"
	// OutcomeTimedOut means the deadline passed and the process was killed
	// (gracefully or hard).
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeZombie means the process is alive but its companion terminal
	// session disappeared.
	OutcomeZombie Outcome = "zombie"
	// OutcomeCrashed is a nonzero exit or a spawn-side failure.
	OutcomeCrashed Outcome = "crashed"
)

// SessionChecker reports companion-session liveness. The tmux controller
// satisfies it.
type SessionChecker interface {
	SessionAlive(name string) bool
}

// Spec describes one supervised child.
type Spec struct {
	Argv []string
	Env  []string
	Dir  string

	// Deadline is the wall-clock budget; zero means unbounded.
	Deadline time.Duration
	// Grace is the window between the graceful signal and the hard kill.
	Grace time.Duration
	// GracefulSignal defaults to SIGTERM, KillSignal to SIGKILL.
	GracefulSignal syscall.Signal
	KillSignal     syscall.Signal

	// Session names the companion terminal session; empty disables zombie
	// detection.
	Session string

	// MaxRSSMB caps resident memory; 0 disables. A breach escalates to the
	// timeout path.
	MaxRSSMB int

	// OnDeadline fires once when the deadline is reached and the graceful
	// signal has been sent, before the grace window runs.
	OnDeadline func(h *Handle)
	// OnExit fires exactly once with the terminal classification. For
	// OutcomeZombie the process may still be alive; reap it with Kill.
	OnExit func(h *Handle, outcome Outcome, err error)
}

// Handle is the supervisor-side view of one spawned child.
type Handle struct {
	spec Spec
	cmd  *exec.Cmd

	mu       sync.Mutex
	timedOut bool
	reported bool

	done chan struct{}
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the exit callback has fired.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop sends the graceful stop signal.
func (h *Handle) Stop() error {
	return h.signal(h.spec.GracefulSignal)
}

// Kill sends the hard kill signal.
func (h *Handle) Kill() error {
	return h.signal(h.spec.KillSignal)
}

func (h *Handle) signal(sig syscall.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	// Negative pid signals the whole process group.
	if err := syscall.Kill(-h.cmd.Process.Pid, sig); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signaling pid %d: %w", h.cmd.Process.Pid, err)
	}
	return nil
}

// Manager spawns and monitors children.
type Manager struct {
	sessions     SessionChecker
	pollInterval time.Duration
}

// NewManager returns a Manager checking companion sessions through sc.
// A nil checker disables zombie detection.
func NewManager(sc SessionChecker) *Manager {
	return &Manager{sessions: sc, pollInterval: 5 * time.Second}
}

// SetPollInterval overrides the monitor cadence. Used by tests.
func (m *Manager) SetPollInterval(d time.Duration) { m.pollInterval = d }

// Spawn starts the child and its monitor. The monitor enforces the deadline
// (graceful signal, grace window, hard kill), watches for zombies and RSS
// breaches, and delivers the terminal classification through spec.OnExit.
// Cancelling ctx triggers the same graceful-then-hard stop sequence.
func (m *Manager) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("spawn: empty argv")
	}
	if spec.GracefulSignal == 0 {
		spec.GracefulSignal = syscall.SIGTERM
	}
	if spec.KillSignal == 0 {
		spec.KillSignal = syscall.SIGKILL
	}
	if spec.Grace == 0 {
		spec.Grace = 30 * time.Second
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...) //nolint:gosec // G204: argv comes from the operator's project spec
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// Own process group so kills reach the whole tree and terminal signals
	// don't propagate to the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Argv[0], err)
	}

	h := &Handle{spec: spec, cmd: cmd, done: make(chan struct{})}
	log.Info(log.CatProc, "process spawned", "pid", h.PID(), "argv", strings.Join(spec.Argv, " "))

	waitCh := make(chan error, 1)
	log.SafeGo(fmt.Sprintf("procman-wait-%d", h.PID()), func() {
		waitCh <- cmd.Wait()
	})
	log.SafeGo(fmt.Sprintf("procman-monitor-%d", h.PID()), func() {
		m.monitor(ctx, h, waitCh)
	})
	return h, nil
}

func (m *Manager) monitor(ctx context.Context, h *Handle, waitCh <-chan error) {
	defer close(h.done)

	var deadlineCh <-chan time.Time
	if h.spec.Deadline > 0 {
		t := time.NewTimer(h.spec.Deadline)
		defer t.Stop()
		deadlineCh = t.C
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitCh:
			m.classifyExit(h, err)
			return

		case <-ctx.Done():
			log.Info(log.CatProc, "stop requested; signaling child", "pid", h.PID())
			m.killAfterGrace(h, waitCh)
			return

		case <-deadlineCh:
			m.beginTimeout(h, "deadline reached")
			m.killAfterGrace(h, waitCh)
			return

		case <-ticker.C:
			if h.spec.Session != "" && m.sessions != nil && !m.sessions.SessionAlive(h.spec.Session) {
				log.Warn(log.CatProc, "companion session gone; zombie", "pid", h.PID(), "session", h.spec.Session)
				h.report(OutcomeZombie, nil)
				// Keep draining the wait channel so the child is reaped
				// whenever something kills it.
				<-waitCh
				return
			}
			if h.spec.MaxRSSMB > 0 {
				if rss, err := residentSetMB(h.PID()); err == nil && rss > h.spec.MaxRSSMB {
					log.Warn(log.CatProc, "memory cap breached", "pid", h.PID(), "rss_mb", rss, "cap_mb", h.spec.MaxRSSMB)
					m.beginTimeout(h, "memory cap breached")
					m.killAfterGrace(h, waitCh)
					return
				}
			}
		}
	}
}

// beginTimeout sends the graceful signal and fires OnDeadline.
func (m *Manager) beginTimeout(h *Handle, reason string) {
	h.mu.Lock()
	h.timedOut = true
	h.mu.Unlock()
	log.Warn(log.CatProc, "graceful stop", "pid", h.PID(), "reason", reason)
	_ = h.Stop()
	if h.spec.OnDeadline != nil {
		h.spec.OnDeadline(h)
	}
}

// killAfterGrace waits out the grace window and hard-kills if the child has
// not exited.
func (m *Manager) killAfterGrace(h *Handle, waitCh <-chan error) {
	_ = h.Stop()
	select {
	case err := <-waitCh:
		m.classifyExit(h, err)
	case <-time.After(h.spec.Grace):
		log.Warn(log.CatProc, "grace expired; hard kill", "pid", h.PID())
		_ = h.Kill()
		err := <-waitCh
		m.classifyExit(h, err)
	}
}

func (m *Manager) classifyExit(h *Handle, err error) {
	h.mu.Lock()
	timedOut := h.timedOut
	h.mu.Unlock()

	switch {
	case timedOut:
		h.report(OutcomeTimedOut, err)
	case err == nil:
		h.report(OutcomeCompleted, nil)
	default:
		h.report(OutcomeCrashed, err)
	}
}

// report delivers the classification exactly once.
func (h *Handle) report(outcome Outcome, err error) {
	h.mu.Lock()
	if h.reported {
		h.mu.Unlock()
		return
	}
	h.reported = true
	h.mu.Unlock()

	log.Info(log.CatProc, "process terminal", "pid", h.PID(), "outcome", outcome)
	if h.spec.OnExit != nil {
		h.spec.OnExit(h, outcome, err)
	}
}

// residentSetMB reads the child's resident set size from /proc.
func residentSetMB(pid int) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected statm format")
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return int(pages * int64(os.Getpagesize()) / (1 << 20)), nil
}

// PIDAlive reports whether pid is a live process. Used by the phantom sweep
// and the recovery CLI.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// KillPID sends sig to pid's process group, falling back to the single pid.
// Used to reap zombies recorded in the store after the spawning daemon died.
func KillPID(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("killing pid %d: %w", pid, err)
	}
	return nil
}
