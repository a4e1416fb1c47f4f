// Package lifecycle drives projects through their state machine: reboot
// recovery, phantom and zombie sweeps, completion detection, terminal
// cleanup, and the agent auto-restart policy.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/events"
	"github.com/steward-sh/steward/internal/log"
	"github.com/steward-sh/steward/internal/procman"
	"github.com/steward-sh/steward/internal/store"
)

// SessionName returns the terminal session name for a project.
func SessionName(projectID int64) string {
	return fmt.Sprintf("steward-%d", projectID)
}

// sessionNameRe matches session names this system creates. Reboot recovery
// only adopts sessions matching it.
var sessionNameRe = regexp.MustCompile(`^steward-(\d+)$`)

// completionPaneRe matches pane output signalling a finished run.
var completionPaneRe = regexp.MustCompile(`(?i)\b(project complete|all tasks complete[d]?|nothing left to do)\b`)

// completionMarker is the marker file an agent drops in its worktree when
// the run is finished.
const completionMarker = ".steward/complete"

// orchestratorWindow is the window escalations are addressed to.
const orchestratorWindow = "orchestrator"

// Sessions is the slice of the terminal-multiplexer adapter the lifecycle
// needs. tmux.Controller implements it.
type Sessions interface {
	SessionAlive(name string) bool
	ListSessions() (map[string]time.Time, error)
	KillSession(name string) error
	KillWindow(agent domain.AgentID) error
	CreateWindow(session, name string) error
	CapturePane(agent domain.AgentID, tailLines int) (string, error)
}

// Messenger is the slice of the message bus the lifecycle needs. bus.Bus
// implements it.
type Messenger interface {
	Rebrief(agent domain.AgentID) (*domain.Message, error)
	Send(agent domain.AgentID, projectName string, payload []byte, priority int, dependencyID int64, scope domain.FIFOScope) (*domain.Message, error)
}

// Options tunes the lifecycle manager.
type Options struct {
	// HeartbeatTimeout is how long a processing project may go silent
	// before the sweep extends or times it out.
	HeartbeatTimeout time.Duration
	// MaxTimeoutExtensions bounds heartbeat-driven extensions.
	MaxTimeoutExtensions int
	// PhantomGrace is the minimum age before the sweep judges a project.
	PhantomGrace time.Duration
	// MaxRestartsPerHour bounds the agent auto-restart policy.
	MaxRestartsPerHour int
	// StateDir holds the per-session state files.
	StateDir string
	// RebootSessionMaxAge is the oldest live session reboot recovery will
	// adopt by pattern match.
	RebootSessionMaxAge time.Duration
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		HeartbeatTimeout:     10 * time.Minute,
		MaxTimeoutExtensions: 3,
		PhantomGrace:         15 * time.Minute,
		MaxRestartsPerHour:   3,
		RebootSessionMaxAge:  8 * time.Hour,
	}
}

// Manager owns project lifecycle policy.
type Manager struct {
	store    *store.Store
	sessions Sessions
	bus      Messenger
	events   *events.Bus
	opts     Options

	pidAlive func(int) bool
	now      func() time.Time
}

// New returns a Manager. bus may be nil when the caller never restarts
// agents (the recovery CLI).
func New(s *store.Store, sessions Sessions, bus Messenger, evbus *events.Bus, opts Options) *Manager {
	def := DefaultOptions()
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if opts.MaxTimeoutExtensions < 0 {
		opts.MaxTimeoutExtensions = def.MaxTimeoutExtensions
	}
	if opts.PhantomGrace <= 0 {
		opts.PhantomGrace = def.PhantomGrace
	}
	if opts.MaxRestartsPerHour <= 0 {
		opts.MaxRestartsPerHour = def.MaxRestartsPerHour
	}
	if opts.RebootSessionMaxAge <= 0 {
		opts.RebootSessionMaxAge = def.RebootSessionMaxAge
	}
	return &Manager{
		store:    s,
		sessions: sessions,
		bus:      bus,
		events:   evbus,
		opts:     opts,
		pidAlive: procman.PIDAlive,
		now:      time.Now,
	}
}

// RecoverAfterReboot reconciles rows that were active when the daemon last
// died. A row whose session is still alive keeps its state; one whose
// session is gone is resolved from the session-state file or failed.
func (m *Manager) RecoverAfterReboot() error {
	active, err := m.store.Projects.List(domain.StatusProcessing, domain.StatusCreditPaused)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	live, err := m.sessions.ListSessions()
	if err != nil {
		return err
	}

	for _, p := range active {
		if p.SessionName != "" && m.sessions.SessionAlive(p.SessionName) {
			log.Info(log.CatLifecycle, "reboot recovery: session survived", "id", p.ID, "session", p.SessionName)
			continue
		}

		// The recorded session is gone; a live session created by a
		// previous incarnation may still carry the work.
		if name, ok := m.findLiveSession(p.ID, live); ok {
			if err := m.store.Projects.SetSession(p.ID, name, p.MainPID); err != nil {
				return err
			}
			log.Info(log.CatLifecycle, "reboot recovery: session rediscovered", "id", p.ID, "session", name)
			continue
		}

		if err := m.resolveDeadProject(p); err != nil {
			return err
		}
	}
	return nil
}

// findLiveSession pattern-matches live sessions for the project, accepting
// only young enough ones.
func (m *Manager) findLiveSession(projectID int64, live map[string]time.Time) (string, bool) {
	want := SessionName(projectID)
	for name, created := range live {
		if name != want || !sessionNameRe.MatchString(name) {
			continue
		}
		if m.now().Sub(created) < m.opts.RebootSessionMaxAge {
			return name, true
		}
	}
	return "", false
}

// resolveDeadProject settles a recovered row with no live session from its
// session-state file.
func (m *Manager) resolveDeadProject(p *domain.Project) error {
	session := p.SessionName
	if session == "" {
		session = SessionName(p.ID)
	}
	state, err := ReadSessionState(m.opts.StateDir, session)
	if err != nil {
		log.ErrorErr(log.CatLifecycle, "reboot recovery: unreadable session state", err, "id", p.ID)
	}

	switch {
	case state != nil && state.Failed():
		return m.Fail(p.ID, "session state records a failed phase")
	case state != nil && state.Completed():
		// credit_paused must pass through processing on its way out.
		if p.Status == domain.StatusCreditPaused {
			if err := m.store.Projects.Transition(p.ID, domain.StatusProcessing, ""); err != nil {
				return err
			}
		}
		return m.Complete(p.ID, "session state records completion")
	default:
		return m.Fail(p.ID, "terminated during reboot")
	}
}

// Sweep is one phantom/zombie pass over processing projects: the supervised
// process must be alive, its session must be alive, and the heartbeat must
// be fresh. Completion is also probed so a finished project whose exit
// report was lost still lands in completed.
func (m *Manager) Sweep() error {
	projects, err := m.store.Projects.List(domain.StatusProcessing)
	if err != nil {
		return err
	}
	now := m.now()

	for _, p := range projects {
		if p.StartedAt != nil && now.Sub(*p.StartedAt) < m.opts.PhantomGrace {
			continue
		}

		if done, method, err := m.DetectCompletion(p); err == nil && done {
			if err := m.Complete(p.ID, method); err != nil {
				return err
			}
			continue
		}

		if p.MainPID > 0 && !m.pidAlive(p.MainPID) {
			log.Warn(log.CatLifecycle, "sweep: supervised process gone", "id", p.ID, "pid", p.MainPID)
			if err := m.store.Projects.Transition(p.ID, domain.StatusTimingOut, "supervised process exited unexpectedly"); err != nil {
				return err
			}
			continue
		}

		if p.SessionName != "" && !m.sessions.SessionAlive(p.SessionName) {
			log.Warn(log.CatLifecycle, "sweep: session gone, process alive", "id", p.ID, "session", p.SessionName)
			if err := m.store.Projects.Transition(p.ID, domain.StatusZombie, "terminal session disappeared"); err != nil {
				return err
			}
			m.publish(events.ChannelStatusUpdate, events.SeverityCritical, map[string]any{
				"kind": "zombie", "project_id": p.ID, "pid": p.MainPID,
			})
			continue
		}

		if !p.HeartbeatFresh(now, m.opts.HeartbeatTimeout) {
			count, extended, err := m.store.Projects.ExtendTimeout(p.ID, m.opts.MaxTimeoutExtensions)
			if err != nil {
				return err
			}
			if extended {
				log.Warn(log.CatLifecycle, "sweep: stale heartbeat, extension granted", "id", p.ID, "extensions", count)
				continue
			}
			log.Warn(log.CatLifecycle, "sweep: extension budget spent", "id", p.ID)
			if err := m.store.Projects.Transition(p.ID, domain.StatusTimingOut, "heartbeat timeout, extensions exhausted"); err != nil {
				return err
			}
		}
	}
	return nil
}

// DetectCompletion probes the three completion signals; any one suffices.
// Returns the detection method for the audit trail.
func (m *Manager) DetectCompletion(p *domain.Project) (bool, string, error) {
	if p.ProjectPath != "" {
		if _, err := os.Stat(filepath.Join(p.ProjectPath, completionMarker)); err == nil {
			return true, "completion marker file", nil
		}
	}

	session := p.SessionName
	if session == "" {
		session = SessionName(p.ID)
	}
	state, err := ReadSessionState(m.opts.StateDir, session)
	if err == nil && state != nil && state.Completed() {
		return true, "all session phases terminal", nil
	}

	if p.SessionName != "" && m.sessions.SessionAlive(p.SessionName) {
		pane, err := m.sessions.CapturePane(domain.AgentID(p.SessionName+":0"), 50)
		if err == nil && completionPaneRe.MatchString(pane) {
			return true, "pane output matched completion pattern", nil
		}
	}
	return false, "", nil
}

// Complete finishes a project: terminal transition, event, session cleanup.
func (m *Manager) Complete(id int64, method string) error {
	if err := m.store.Projects.Transition(id, domain.StatusCompleted, ""); err != nil {
		return err
	}
	m.publish(events.ChannelProjectCompleted, events.SeverityInfo, map[string]any{
		"project_id": id, "method": method,
	})
	return m.cleanup(id)
}

// Fail fails a project with the given reason, then cleans up its session.
func (m *Manager) Fail(id int64, reason string) error {
	if err := m.store.Projects.Transition(id, domain.StatusFailed, reason); err != nil {
		return err
	}
	m.publish(events.ChannelProjectFailed, events.SeverityWarning, map[string]any{
		"project_id": id, "reason": reason,
	})
	return m.cleanup(id)
}

// PauseForCredit suspends a processing project after the agent layer
// reported out-of-credit.
func (m *Manager) PauseForCredit(id int64) error {
	if err := m.store.Projects.Transition(id, domain.StatusCreditPaused, ""); err != nil {
		return err
	}
	m.publish(events.ChannelCreditExhausted, events.SeverityWarning, map[string]any{"project_id": id})
	return nil
}

// ResumeFromCredit returns a paused project to processing once credit is
// back.
func (m *Manager) ResumeFromCredit(id int64) error {
	if err := m.store.Projects.Transition(id, domain.StatusProcessing, ""); err != nil {
		return err
	}
	m.publish(events.ChannelStatusUpdate, events.SeverityInfo, map[string]any{
		"kind": "credit_resumed", "project_id": id,
	})
	return nil
}

// CreditExhausted pauses the processing project bound to session. The agent
// layer reports the session name, not the project id, when the provider
// runs dry.
func (m *Manager) CreditExhausted(session string) error {
	p, err := m.projectBySession(session, domain.StatusProcessing)
	if err != nil {
		return err
	}
	return m.PauseForCredit(p.ID)
}

// CreditRestored resumes the credit-paused project bound to session.
func (m *Manager) CreditRestored(session string) error {
	p, err := m.projectBySession(session, domain.StatusCreditPaused)
	if err != nil {
		return err
	}
	return m.ResumeFromCredit(p.ID)
}

func (m *Manager) projectBySession(session string, statuses ...domain.ProjectStatus) (*domain.Project, error) {
	projects, err := m.store.Projects.List(statuses...)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.SessionName == session {
			return p, nil
		}
	}
	return nil, fmt.Errorf("session %s: %w", session, store.ErrNotFound)
}

// ReapZombie hard-kills a zombie project's supervised process and fails the
// row. Recovery-CLI entry point.
func (m *Manager) ReapZombie(id int64) error {
	p, err := m.store.Projects.Get(id)
	if err != nil {
		return err
	}
	if p.Status != domain.StatusZombie {
		return fmt.Errorf("project %d is %s, not zombie", id, p.Status)
	}
	if p.MainPID > 0 && m.pidAlive(p.MainPID) {
		if err := procman.KillPID(p.MainPID, syscall.SIGKILL); err != nil {
			log.ErrorErr(log.CatLifecycle, "zombie reap: kill failed", err, "id", id, "pid", p.MainPID)
		}
	}
	return m.Fail(id, "zombie reaped by operator")
}

// cleanup tears down the project's session and state file. Best effort; a
// failed teardown is logged, not fatal.
func (m *Manager) cleanup(id int64) error {
	p, err := m.store.Projects.Get(id)
	if err != nil {
		return err
	}
	session := p.SessionName
	if session == "" {
		return nil
	}
	if err := m.sessions.KillSession(session); err != nil {
		log.ErrorErr(log.CatLifecycle, "session cleanup failed", err, "id", id, "session", session)
	}
	if err := RemoveSessionState(m.opts.StateDir, session); err != nil {
		log.ErrorErr(log.CatLifecycle, "session state cleanup failed", err, "id", id, "session", session)
	}
	return nil
}

// HandleAgentError runs the auto-restart policy for an agent whose error
// hook fired. Under the hourly budget the window is recreated and the agent
// rebriefed; over it, the orchestrator is notified and the agent left down.
// Returns whether a restart happened.
func (m *Manager) HandleAgentError(agent domain.AgentID, cause string) (bool, error) {
	since := m.now().Add(-time.Hour)
	restarts, err := m.store.Agents.RestartsSince(agent, since)
	if err != nil {
		return false, err
	}
	if restarts >= m.opts.MaxRestartsPerHour {
		log.Error(log.CatLifecycle, "restart budget exhausted, escalating", "agent", agent, "restarts", restarts)
		m.escalate(agent, cause, restarts)
		return false, nil
	}

	if err := m.sessions.KillWindow(agent); err != nil {
		log.ErrorErr(log.CatLifecycle, "restart: kill window failed", err, "agent", agent)
	}
	if err := m.sessions.CreateWindow(agent.Session(), agent.Window()); err != nil {
		return false, fmt.Errorf("restart: recreating window for %s: %w", agent, err)
	}
	if m.bus != nil {
		if _, err := m.bus.Rebrief(agent); err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("restart: rebriefing %s: %w", agent, err)
		}
	}
	if err := m.store.Agents.RecordRestart(agent, cause); err != nil {
		return false, err
	}
	log.Info(log.CatLifecycle, "agent restarted", "agent", agent, "cause", cause)
	return true, nil
}

// escalate tells the orchestrator an agent is down for good, and raises an
// emergency event so the operator hears about it even with a full bucket.
func (m *Manager) escalate(agent domain.AgentID, cause string, restarts int) {
	m.publish(events.ChannelStatusUpdate, events.SeverityEmergency, map[string]any{
		"kind": "restart_budget_exhausted", "agent": string(agent), "cause": cause, "restarts": restarts,
	})
	if m.bus == nil {
		return
	}
	orchestrator := domain.AgentID(agent.Session() + ":" + orchestratorWindow)
	text := fmt.Sprintf("agent %s exceeded its restart budget (%d in the last hour); last error: %s", agent, restarts, cause)
	if _, err := m.bus.Send(orchestrator, "", []byte(text), domain.PriorityEmergency, 0, domain.ScopeAgent); err != nil {
		log.ErrorErr(log.CatLifecycle, "escalation message failed", err, "agent", agent)
	}
}

func (m *Manager) publish(ch events.Channel, sev events.Severity, payload map[string]any) {
	if m.events != nil {
		m.events.Publish(ch, sev, payload)
	}
}
