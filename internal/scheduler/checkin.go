package scheduler

import (
	"context"
	"time"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/events"
	"github.com/steward-sh/steward/internal/log"
	"github.com/steward-sh/steward/internal/store"
)

// Messenger is the slice of the message bus check-in firing needs. bus.Bus
// implements it.
type Messenger interface {
	Send(agent domain.AgentID, projectName string, payload []byte, priority int, dependencyID int64, scope domain.FIFOScope) (*domain.Message, error)
}

// completionReportCause marks tasks created to ask the orchestrator for a
// completion report. Firing one back at the orchestrator would make it
// schedule another; the guard drops them instead.
const completionReportCause = "completion report"

// CheckinOptions tunes the check-in scheduler.
type CheckinOptions struct {
	// Tick is the firing poll cadence, at most a minute.
	Tick time.Duration
	// BackoffBase is the first credit-exhaustion delay; doubled per
	// consecutive back-off.
	BackoffBase time.Duration
	// OrchestratorRole names the window the anti-self-scheduling guard
	// applies to.
	OrchestratorRole string
}

// DefaultCheckinOptions mirror the configuration defaults.
func DefaultCheckinOptions() CheckinOptions {
	return CheckinOptions{
		Tick:             30 * time.Second,
		BackoffBase:      5 * time.Minute,
		OrchestratorRole: "orchestrator",
	}
}

// CheckinScheduler fires durable recurring check-in tasks at their agents.
type CheckinScheduler struct {
	store  *store.Store
	bus    Messenger
	events *events.Bus
	opts   CheckinOptions
	now    func() time.Time
}

// NewCheckinScheduler returns a scheduler. Run must be called to start it.
func NewCheckinScheduler(s *store.Store, bus Messenger, evbus *events.Bus, opts CheckinOptions) *CheckinScheduler {
	def := DefaultCheckinOptions()
	if opts.Tick <= 0 || opts.Tick > time.Minute {
		opts.Tick = def.Tick
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.OrchestratorRole == "" {
		opts.OrchestratorRole = def.OrchestratorRole
	}
	return &CheckinScheduler{store: s, bus: bus, events: evbus, opts: opts, now: time.Now}
}

// Run fires due tasks until ctx is cancelled.
func (c *CheckinScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	for {
		if err := c.Fire(c.now()); err != nil {
			log.ErrorErr(log.CatQueue, "check-in pass failed", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Fire runs one firing pass over tasks due at now.
func (c *CheckinScheduler) Fire(now time.Time) error {
	due, err := c.store.Tasks.Due(now)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	paused, err := c.pausedSessions()
	if err != nil {
		return err
	}

	for _, task := range due {
		agent, err := domain.ParseAgentID(task.AgentSession)
		if err != nil {
			log.ErrorErr(log.CatQueue, "check-in task has malformed agent; deleting", err, "task", task.ID)
			if err := c.store.Tasks.Delete(task.ID); err != nil {
				return err
			}
			continue
		}

		if agent.Window() == c.opts.OrchestratorRole && task.Cause == completionReportCause {
			log.Warn(log.CatQueue, "dropping self-scheduling completion-report task", "task", task.ID, "agent", agent)
			if err := c.store.Tasks.Delete(task.ID); err != nil {
				return err
			}
			continue
		}

		if paused[agent.Session()] {
			log.Info(log.CatQueue, "agent credit-paused; backing off check-in", "task", task.ID, "agent", agent)
			if err := c.store.Tasks.Backoff(task.ID, c.opts.BackoffBase, now); err != nil {
				return err
			}
			continue
		}

		if task.Missed(now) {
			log.Warn(log.CatQueue, "check-in fire was missed; catching up", "task", task.ID,
				"agent", agent, "last_run", task.LastRunAt)
		}

		if _, err := c.bus.Send(agent, "", []byte("[check-in] "+task.Note), domain.PriorityNormal, 0, domain.ScopeAgent); err != nil {
			log.ErrorErr(log.CatQueue, "check-in send failed", err, "task", task.ID, "agent", agent)
			continue
		}
		if err := c.store.Tasks.Fired(task.ID, now); err != nil {
			return err
		}
		if c.events != nil {
			c.events.Publish(events.ChannelTaskCompleted, events.SeverityInfo,
				map[string]any{"task_id": task.ID, "agent": string(agent)})
		}
	}
	return nil
}

// pausedSessions maps session name -> true for every credit-paused project.
func (c *CheckinScheduler) pausedSessions() (map[string]bool, error) {
	projects, err := c.store.Projects.List(domain.StatusCreditPaused)
	if err != nil {
		return nil, err
	}
	paused := make(map[string]bool, len(projects))
	for _, p := range projects {
		if p.SessionName != "" {
			paused[p.SessionName] = true
		}
	}
	return paused, nil
}
