// Package recovery is the operator surface for stuck projects: listing,
// forced resets, zombie reaping, and diagnostics. It bypasses the normal
// schedulers and talks to the store directly.
package recovery

import (
	"fmt"
	"time"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/log"
	"github.com/steward-sh/steward/internal/store"
)

// Sessions is the session-liveness slice recovery needs. tmux.Controller
// implements it.
type Sessions interface {
	SessionAlive(name string) bool
	ListSessions() (map[string]time.Time, error)
}

// Tool bundles the recovery operations.
type Tool struct {
	store    *store.Store
	sessions Sessions
}

// New returns a Tool over the given store and session adapter.
func New(s *store.Store, sessions Sessions) *Tool {
	return &Tool{store: s, sessions: sessions}
}

// ListStuck returns projects needing operator attention: every zombie and
// timing_out row, plus processing rows whose session is gone.
func (t *Tool) ListStuck() ([]*domain.Project, error) {
	candidates, err := t.store.Projects.List(domain.StatusZombie, domain.StatusTimingOut, domain.StatusProcessing)
	if err != nil {
		return nil, err
	}
	var stuck []*domain.Project
	for _, p := range candidates {
		if p.Status == domain.StatusProcessing {
			if p.SessionName != "" && t.sessions.SessionAlive(p.SessionName) {
				continue
			}
		}
		stuck = append(stuck, p)
	}
	return stuck, nil
}

// Reset returns a stuck project to queued or failed. Without force only
// transitions the state machine allows go through; force overrides it and
// clears the recorded session so the row can be re-admitted cleanly.
func (t *Tool) Reset(id int64, target domain.ProjectStatus, force bool) error {
	if target != domain.StatusQueued && target != domain.StatusFailed {
		return fmt.Errorf("reset target must be queued or failed, got %s", target)
	}
	if !force {
		return t.store.Projects.Transition(id, target, "reset by operator")
	}
	if err := t.store.Projects.ForceStatus(id, target, "force-reset by operator"); err != nil {
		return err
	}
	if target == domain.StatusQueued {
		if err := t.store.Projects.SetSession(id, "", 0); err != nil {
			return err
		}
	}
	log.Warn(log.CatQueue, "project force-reset", "id", id, "to", target)
	return nil
}

// Diagnostics is a full health snapshot for the diagnostics command.
type Diagnostics struct {
	Projects     map[domain.ProjectStatus]int `json:"projects"`
	Stuck        []*domain.Project            `json:"stuck"`
	Agents       []*domain.Agent              `json:"agents"`
	LiveSessions map[string]time.Time         `json:"live_sessions"`
	DueTasks     int                          `json:"due_tasks"`
	GeneratedAt  time.Time                    `json:"generated_at"`
}

// Diagnose assembles the snapshot.
func (t *Tool) Diagnose() (*Diagnostics, error) {
	now := time.Now()

	counts, err := t.store.Projects.CountByStatus()
	if err != nil {
		return nil, err
	}
	stuck, err := t.ListStuck()
	if err != nil {
		return nil, err
	}
	agents, err := t.store.Agents.List()
	if err != nil {
		return nil, err
	}
	sessions, err := t.sessions.ListSessions()
	if err != nil {
		return nil, err
	}
	due, err := t.store.Tasks.Due(now)
	if err != nil {
		return nil, err
	}

	return &Diagnostics{
		Projects:     counts,
		Stuck:        stuck,
		Agents:       agents,
		LiveSessions: sessions,
		DueTasks:     len(due),
		GeneratedAt:  now,
	}, nil
}
