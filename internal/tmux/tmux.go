// Package tmux is a thin adapter over the tmux binary. It creates and kills
// sessions, resolves windows, injects keystrokes, and captures pane output.
// No policy lives here; scheduling belongs to the lifecycle and scheduler
// packages.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/log"
)

var (
	// ErrSessionExists indicates create for a session name already in use.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound indicates an operation on a missing session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrWindowNotFound indicates a window lookup that matched nothing.
	ErrWindowNotFound = errors.New("window not found")
)

// Runner executes a tmux command and returns its stdout. Production uses the
// tmux binary; tests substitute a scripted fake.
type Runner interface {
	Run(args ...string) (string, error)
}

// execRunner runs the real tmux binary.
type execRunner struct{}

func (execRunner) Run(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return "", fmt.Errorf("tmux %s: %s", args[0], strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return stdout.String(), nil
}

// Window is one window of a session.
type Window struct {
	Index int
	Name  string
}

// Controller exposes the session operations.
type Controller struct {
	runner Runner
}

// NewController returns a Controller backed by the tmux binary.
func NewController() *Controller {
	return &Controller{runner: execRunner{}}
}

// NewControllerWithRunner returns a Controller with a custom runner.
// Used by tests.
func NewControllerWithRunner(r Runner) *Controller {
	return &Controller{runner: r}
}

// CreateSession creates a detached session with one window per name.
// The first window name becomes the session's initial window.
func (c *Controller) CreateSession(name string, windows []string) error {
	if len(windows) == 0 {
		return fmt.Errorf("session %s: at least one window required", name)
	}
	if c.SessionAlive(name) {
		return fmt.Errorf("session %s: %w", name, ErrSessionExists)
	}
	if _, err := c.runner.Run("new-session", "-d", "-s", name, "-n", windows[0]); err != nil {
		return fmt.Errorf("creating session %s: %w", name, err)
	}
	for _, w := range windows[1:] {
		if _, err := c.runner.Run("new-window", "-t", name, "-n", w); err != nil {
			return fmt.Errorf("creating window %s:%s: %w", name, w, err)
		}
	}
	log.Info(log.CatTmux, "session created", "name", name, "windows", len(windows))
	return nil
}

// KillSession terminates the session. Killing a missing session is not an
// error.
func (c *Controller) KillSession(name string) error {
	if !c.SessionAlive(name) {
		return nil
	}
	if _, err := c.runner.Run("kill-session", "-t", name); err != nil {
		return fmt.Errorf("killing session %s: %w", name, err)
	}
	log.Info(log.CatTmux, "session killed", "name", name)
	return nil
}

// SessionAlive reports whether the named session exists.
func (c *Controller) SessionAlive(name string) bool {
	_, err := c.runner.Run("has-session", "-t", "="+name)
	return err == nil
}

// ListSessions returns the names and creation times of all live sessions.
func (c *Controller) ListSessions() (map[string]time.Time, error) {
	out, err := c.runner.Run("list-sessions", "-F", "#{session_name}\t#{session_created}")
	if err != nil {
		// No server running means no sessions.
		return map[string]time.Time{}, nil
	}
	sessions := make(map[string]time.Time)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		name, createdStr, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		created, err := strconv.ParseInt(createdStr, 10, 64)
		if err != nil {
			continue
		}
		sessions[name] = time.Unix(created, 0)
	}
	return sessions, nil
}

// ListWindows returns the session's windows in index order.
func (c *Controller) ListWindows(session string) ([]Window, error) {
	out, err := c.runner.Run("list-windows", "-t", session, "-F", "#{window_index}\t#{window_name}")
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", session, ErrSessionNotFound)
	}
	var windows []Window
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		idxStr, name, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		windows = append(windows, Window{Index: idx, Name: name})
	}
	return windows, nil
}

// ResolveWindow maps a window name or numeric index to the window index.
// Name lookup matches exactly; a numeric argument is accepted as an index
// fallback when it names an existing window.
func (c *Controller) ResolveWindow(session, nameOrIndex string) (int, error) {
	windows, err := c.ListWindows(session)
	if err != nil {
		return 0, err
	}
	for _, w := range windows {
		if w.Name == nameOrIndex {
			return w.Index, nil
		}
	}
	if idx, convErr := strconv.Atoi(nameOrIndex); convErr == nil {
		for _, w := range windows {
			if w.Index == idx {
				return idx, nil
			}
		}
	}
	return 0, fmt.Errorf("window %s in session %s: %w", nameOrIndex, session, ErrWindowNotFound)
}

// SendKeys injects a line of text into the agent's window followed by a
// submission keystroke.
func (c *Controller) SendKeys(agent domain.AgentID, text string) error {
	target, err := c.target(agent)
	if err != nil {
		return err
	}
	if _, err := c.runner.Run("send-keys", "-t", target, "-l", text); err != nil {
		return fmt.Errorf("sending keys to %s: %w", agent, err)
	}
	if _, err := c.runner.Run("send-keys", "-t", target, "Enter"); err != nil {
		return fmt.Errorf("submitting keys to %s: %w", agent, err)
	}
	return nil
}

// CapturePane returns the most recent tailLines visible lines of the agent's
// pane.
func (c *Controller) CapturePane(agent domain.AgentID, tailLines int) (string, error) {
	target, err := c.target(agent)
	if err != nil {
		return "", err
	}
	out, err := c.runner.Run("capture-pane", "-t", target, "-p")
	if err != nil {
		return "", fmt.Errorf("capturing pane of %s: %w", agent, err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if tailLines > 0 && len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	return strings.Join(lines, "\n"), nil
}

// KillWindow kills the agent's window. Used by the auto-restart path.
func (c *Controller) KillWindow(agent domain.AgentID) error {
	target, err := c.target(agent)
	if err != nil {
		return err
	}
	if _, err := c.runner.Run("kill-window", "-t", target); err != nil {
		return fmt.Errorf("killing window %s: %w", agent, err)
	}
	return nil
}

// CreateWindow adds a window to an existing session. Used by the
// auto-restart path after KillWindow.
func (c *Controller) CreateWindow(session, name string) error {
	if _, err := c.runner.Run("new-window", "-t", session, "-n", name); err != nil {
		return fmt.Errorf("creating window %s:%s: %w", session, name, err)
	}
	return nil
}

// target resolves an agent id to a concrete session:index tmux target.
func (c *Controller) target(agent domain.AgentID) (string, error) {
	idx, err := c.ResolveWindow(agent.Session(), agent.Window())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", agent.Session(), idx), nil
}
