// Package domain defines the core entities of the orchestration system:
// projects moving through the queue state machine, agent messages, agent
// registrations, compliance rules, and the role table. Entities carry no
// persistence concerns; the store package maps them to SQLite rows.
package domain

import (
	"fmt"
	"time"
)

// ProjectStatus represents the lifecycle state of a queued project.
// Valid transitions:
//
//	queued        -> processing, failed
//	processing    -> timing_out, zombie, credit_paused, completed, failed
//	timing_out    -> completed, failed
//	zombie        -> failed
//	credit_paused -> processing, failed
//	completed     -> (terminal)
//	failed        -> (terminal)
type ProjectStatus string

const (
	// StatusQueued indicates the project is waiting for admission.
	StatusQueued ProjectStatus = "queued"
	// StatusProcessing indicates the project holds the single admission slot.
	StatusProcessing ProjectStatus = "processing"
	// StatusTimingOut indicates the wall-clock deadline was reached and a
	// graceful stop signal has been sent; the grace window is running.
	StatusTimingOut ProjectStatus = "timing_out"
	// StatusZombie indicates the supervised process is alive but its
	// terminal session has disappeared.
	StatusZombie ProjectStatus = "zombie"
	// StatusCreditPaused indicates the agent layer reported out-of-credit;
	// timers are suspended until credit returns.
	StatusCreditPaused ProjectStatus = "credit_paused"
	// StatusCompleted indicates the project finished successfully.
	StatusCompleted ProjectStatus = "completed"
	// StatusFailed indicates the project terminated with an error.
	StatusFailed ProjectStatus = "failed"
)

// validTransitions defines the allowed status transitions for projects.
var validTransitions = map[ProjectStatus]map[ProjectStatus]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusTimingOut:    true,
		StatusZombie:       true,
		StatusCreditPaused: true,
		StatusCompleted:    true,
		StatusFailed:       true,
	},
	StatusTimingOut: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusZombie: {
		StatusFailed: true,
	},
	StatusCreditPaused: {
		StatusProcessing: true,
		StatusFailed:     true,
	},
	// Terminal states have no valid transitions.
	StatusCompleted: {},
	StatusFailed:    {},
}

func (s ProjectStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized ProjectStatus value.
func (s ProjectStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true for completed and failed. Terminal rows are
// frozen; only audit fields may change afterwards.
func (s ProjectStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// HoldsAdmission returns true if a project in this status occupies the
// single global admission slot. credit_paused counts: a paused project
// still blocks admission of the next queued project.
func (s ProjectStatus) HoldsAdmission() bool {
	return s == StatusProcessing || s == StatusTimingOut || s == StatusCreditPaused
}

// CanTransitionTo returns true if moving from s to target is legal.
func (s ProjectStatus) CanTransitionTo(target ProjectStatus) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ValidTargets returns the statuses reachable from s.
func (s ProjectStatus) ValidTargets() []ProjectStatus {
	allowed, ok := validTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]ProjectStatus, 0, len(allowed))
	for target := range allowed {
		targets = append(targets, target)
	}
	return targets
}

// Project is one unit of orchestration: a specification file plus an
// optional target working directory, moving through the queue.
type Project struct {
	ID          int64
	SpecPath    string
	ProjectPath string // optional target directory; empty means unset
	BatchID     string // shared uuid across a batch enqueue; empty means none
	Priority    int    // higher first
	Status      ProjectStatus
	RetryCount  int

	SessionName string // terminal-multiplexer session, once created
	MainPID     int    // supervised setup process, once spawned

	TimeoutExtensions int
	ErrorMessage      string

	EnqueuedAt  time.Time
	StartedAt   *time.Time
	HeartbeatAt *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// TransitionTo attempts to move the project to target, updating timestamps.
// Returns an error for an illegal transition; the caller decides whether
// that is ErrIllegalTransition at the store boundary.
func (p *Project) TransitionTo(target ProjectStatus) error {
	if !p.Status.CanTransitionTo(target) {
		return fmt.Errorf("invalid status transition from %s to %s", p.Status, target)
	}
	now := time.Now()
	p.Status = target
	p.UpdatedAt = now

	switch target {
	case StatusProcessing:
		if p.StartedAt == nil {
			p.StartedAt = &now
		}
	case StatusCompleted, StatusFailed:
		p.CompletedAt = &now
	}
	return nil
}

// IsTerminal returns true if the project is in a terminal status.
func (p *Project) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// HeartbeatFresh returns true if the last heartbeat is within timeout of now.
// A project that never heartbeated is judged by its start time instead.
func (p *Project) HeartbeatFresh(now time.Time, timeout time.Duration) bool {
	ref := p.HeartbeatAt
	if ref == nil {
		ref = p.StartedAt
	}
	if ref == nil {
		return true
	}
	return now.Sub(*ref) <= timeout
}
