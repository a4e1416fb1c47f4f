// Package scheduler admits queued projects one at a time and fires the
// recurring check-in tasks. Admission policy lives here; state-machine
// policy lives in lifecycle.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/events"
	"github.com/steward-sh/steward/internal/lifecycle"
	"github.com/steward-sh/steward/internal/log"
	"github.com/steward-sh/steward/internal/procman"
	"github.com/steward-sh/steward/internal/store"
)

// Lifecycle is the slice of the lifecycle manager the queue processor
// needs to settle finished projects.
type Lifecycle interface {
	Complete(id int64, method string) error
	Fail(id int64, reason string) error
}

// SessionCreator is the slice of the terminal-multiplexer adapter the queue
// processor needs. tmux.Controller implements it.
type SessionCreator interface {
	CreateSession(name string, windows []string) error
	KillSession(name string) error
}

// Options tunes the queue processor.
type Options struct {
	// TickInterval is the admission poll cadence.
	TickInterval time.Duration
	// MaxProcessRuntime is the setup process wall-clock deadline.
	MaxProcessRuntime time.Duration
	// Grace is the window between graceful signal and hard kill.
	Grace time.Duration
	// MaxRSSMB caps the setup process resident memory; 0 disables.
	MaxRSSMB int
	// DisableFastLane ignores enqueue kicks, leaving only the tick.
	DisableFastLane bool
	// SetupCommand is the argv template for the setup subprocess. The
	// placeholders {spec}, {project_dir}, and {session} are substituted
	// per project.
	SetupCommand []string
	// Windows are the session windows created per project, one per role.
	Windows []string
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:      time.Minute,
		MaxProcessRuntime: 30 * time.Minute,
		Grace:             30 * time.Second,
		SetupCommand:      []string{"steward-setup", "--spec", "{spec}", "--session", "{session}"},
		Windows:           []string{"orchestrator", "worker"},
	}
}

// QueueProcessor drains the project queue under the single-admission
// invariant.
type QueueProcessor struct {
	store     *store.Store
	sessions  SessionCreator
	procs     *procman.Manager
	lifecycle Lifecycle
	events    *events.Bus
	opts      Options
	kick      chan struct{}
}

// NewQueueProcessor returns a processor. Run must be called to start it.
func NewQueueProcessor(s *store.Store, sessions SessionCreator, procs *procman.Manager, lc Lifecycle, evbus *events.Bus, opts Options) *QueueProcessor {
	def := DefaultOptions()
	if opts.TickInterval <= 0 || opts.TickInterval > time.Minute {
		opts.TickInterval = def.TickInterval
	}
	if opts.MaxProcessRuntime <= 0 {
		opts.MaxProcessRuntime = def.MaxProcessRuntime
	}
	if opts.Grace <= 0 {
		opts.Grace = def.Grace
	}
	if len(opts.SetupCommand) == 0 {
		opts.SetupCommand = def.SetupCommand
	}
	if len(opts.Windows) == 0 {
		opts.Windows = def.Windows
	}
	return &QueueProcessor{
		store:     s,
		sessions:  sessions,
		procs:     procs,
		lifecycle: lc,
		events:    evbus,
		opts:      opts,
		kick:      make(chan struct{}, 1),
	}
}

// Kick requests an immediate admission pass, so a fresh enqueue does not
// wait out the tick. Coalesces; never blocks.
func (q *QueueProcessor) Kick() {
	if q.opts.DisableFastLane {
		return
	}
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run processes the queue until ctx is cancelled.
func (q *QueueProcessor) Run(ctx context.Context) {
	ticker := time.NewTicker(q.opts.TickInterval)
	defer ticker.Stop()

	for {
		if err := q.Tick(ctx); err != nil {
			log.ErrorErr(log.CatQueue, "admission pass failed", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.kick:
		}
	}
}

// Tick is one admission pass: self-heal the invariant, then claim and
// launch at most one project.
func (q *QueueProcessor) Tick(ctx context.Context) error {
	if _, err := q.store.Projects.SelfHeal(); err != nil {
		return err
	}
	p, err := q.store.Projects.ClaimNext()
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	if err := q.launch(ctx, p); err != nil {
		return q.lifecycle.Fail(p.ID, err.Error())
	}
	return nil
}

// launch creates the project's session and spawns its setup process under
// supervision.
func (q *QueueProcessor) launch(ctx context.Context, p *domain.Project) error {
	session := lifecycle.SessionName(p.ID)
	if err := q.sessions.CreateSession(session, q.opts.Windows); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	spec := procman.Spec{
		Argv:     q.setupArgv(p, session),
		Dir:      p.ProjectPath,
		Deadline: q.opts.MaxProcessRuntime,
		Grace:    q.opts.Grace,
		Session:  session,
		MaxRSSMB: q.opts.MaxRSSMB,
		OnDeadline: func(*procman.Handle) {
			if err := q.store.Projects.Transition(p.ID, domain.StatusTimingOut, "setup deadline reached"); err != nil {
				log.ErrorErr(log.CatQueue, "deadline transition failed", err, "id", p.ID)
			}
		},
		OnExit: func(h *procman.Handle, outcome procman.Outcome, err error) {
			q.settle(p.ID, h, outcome, err)
		},
	}

	h, err := q.procs.Spawn(ctx, spec)
	if err != nil {
		if killErr := q.sessions.KillSession(session); killErr != nil {
			log.ErrorErr(log.CatQueue, "session teardown after failed spawn", killErr, "id", p.ID)
		}
		return fmt.Errorf("spawning setup process: %w", err)
	}
	return q.store.Projects.SetSession(p.ID, session, h.PID())
}

// settle maps the setup process outcome onto the project state machine and
// frees the admission slot for the next pass.
func (q *QueueProcessor) settle(id int64, h *procman.Handle, outcome procman.Outcome, procErr error) {
	var err error
	switch outcome {
	case procman.OutcomeCompleted:
		err = q.lifecycle.Complete(id, "setup process exited cleanly")
	case procman.OutcomeTimedOut:
		if procErr == nil {
			// Graceful signal honored inside the grace window.
			err = q.lifecycle.Complete(id, "exited cleanly during grace")
		} else {
			err = q.lifecycle.Fail(id, "setup process timed out")
		}
	case procman.OutcomeZombie:
		err = q.store.Projects.Transition(id, domain.StatusZombie, "terminal session disappeared")
		if err == nil && q.events != nil {
			q.events.Publish(events.ChannelStatusUpdate, events.SeverityCritical,
				map[string]any{"kind": "zombie", "project_id": id, "pid": h.PID()})
		}
	case procman.OutcomeCrashed:
		err = q.lifecycle.Fail(id, fmt.Sprintf("setup process crashed: %v", procErr))
	}
	if err != nil {
		log.ErrorErr(log.CatQueue, "settling project failed", err, "id", id, "outcome", outcome)
	}
	q.Kick()
}

func (q *QueueProcessor) setupArgv(p *domain.Project, session string) []string {
	replacer := strings.NewReplacer(
		"{spec}", p.SpecPath,
		"{project_dir}", p.ProjectPath,
		"{session}", session,
	)
	argv := make([]string, len(q.opts.SetupCommand))
	for i, a := range q.opts.SetupCommand {
		argv[i] = replacer.Replace(a)
	}
	return argv
}
