package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/log"
)

// AgentRepo persists agent registrations, restart history, and context
// snapshots.
type AgentRepo struct {
	store *Store
}

// Register upserts the agent row on first contact from the pull hook and
// stamps its heartbeat. Re-registration of an offline agent brings it back
// active.
func (r *AgentRepo) Register(id domain.AgentID, projectName string) error {
	now := time.Now().Unix()
	_, err := r.store.db.Exec(
		`INSERT INTO agents (id, project_name, status, last_heartbeat)
		 VALUES (?, ?, 'active', ?)
		 ON CONFLICT(id) DO UPDATE SET
			project_name = excluded.project_name,
			status = 'active',
			ready_since = NULL,
			last_heartbeat = excluded.last_heartbeat`,
		string(id), projectName, now,
	)
	if err != nil {
		return fmt.Errorf("registering agent %s: %w", id, err)
	}
	return nil
}

// Get returns the agent, or ErrAgentUnknown.
func (r *AgentRepo) Get(id domain.AgentID) (*domain.Agent, error) {
	row := r.store.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, string(id))
	model, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrAgentUnknown)
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", id, err)
	}
	return model.toDomain(), nil
}

// List returns all registered agents.
func (r *AgentRepo) List() ([]*domain.Agent, error) {
	rows, err := r.store.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*domain.Agent
	for rows.Next() {
		model, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, model.toDomain())
	}
	return agents, rows.Err()
}

// SetStatus updates the agent's status. Entering ready stamps ready_since;
// leaving it clears the stamp.
func (r *AgentRepo) SetStatus(id domain.AgentID, status domain.AgentStatus) error {
	now := time.Now().Unix()
	var readySince any
	if status == domain.AgentReady {
		readySince = now
	}
	result, err := r.store.db.Exec(
		`UPDATE agents SET status = ?, ready_since = ? WHERE id = ?`,
		string(status), readySince, string(id),
	)
	if err != nil {
		return fmt.Errorf("updating agent %s status: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrAgentUnknown)
	}
	return nil
}

// Heartbeat stamps the agent's heartbeat.
func (r *AgentRepo) Heartbeat(id domain.AgentID, now time.Time) error {
	_, err := r.store.db.Exec(
		`UPDATE agents SET last_heartbeat = ? WHERE id = ?`,
		now.Unix(), string(id),
	)
	if err != nil {
		return fmt.Errorf("recording heartbeat for agent %s: %w", id, err)
	}
	return nil
}

// Remove deletes the agent row on clean session end.
func (r *AgentRepo) Remove(id domain.AgentID) error {
	_, err := r.store.db.Exec(`DELETE FROM agents WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("removing agent %s: %w", id, err)
	}
	return nil
}

// RecordRestart logs a restart, increments the counter, and records the
// triggering error.
func (r *AgentRepo) RecordRestart(id domain.AgentID, cause string) error {
	now := time.Now().Unix()
	return r.store.withTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(
			`UPDATE agents SET restart_count = restart_count + 1, last_restart = ?, last_error = ? WHERE id = ?`,
			now, cause, string(id),
		)
		if err != nil {
			return fmt.Errorf("recording restart for agent %s: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("agent %s: %w", id, ErrAgentUnknown)
		}
		if _, err := tx.Exec(
			`INSERT INTO agent_restarts (agent_id, restarted_at) VALUES (?, ?)`,
			string(id), now,
		); err != nil {
			return fmt.Errorf("logging restart for agent %s: %w", id, err)
		}
		return nil
	})
}

// RestartsSince counts the agent's restarts at or after since. Drives the
// auto-restart budget.
func (r *AgentRepo) RestartsSince(id domain.AgentID, since time.Time) (int, error) {
	var n int
	err := r.store.db.QueryRow(
		`SELECT COUNT(*) FROM agent_restarts WHERE agent_id = ? AND restarted_at >= ?`,
		string(id), since.Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting restarts for agent %s: %w", id, err)
	}
	return n, nil
}

// SetContextBlob stores the agent's opaque context.
func (r *AgentRepo) SetContextBlob(id domain.AgentID, blob []byte) error {
	_, err := r.store.db.Exec(`UPDATE agents SET context_blob = ? WHERE id = ?`, blob, string(id))
	if err != nil {
		return fmt.Errorf("storing context for agent %s: %w", id, err)
	}
	return nil
}

// SaveSnapshot upserts the agent's context snapshot used by rebriefing.
func (r *AgentRepo) SaveSnapshot(snap *domain.ContextSnapshot) error {
	now := time.Now()
	_, err := r.store.db.Exec(
		`INSERT INTO context_snapshots (agent_id, last_briefing, briefing_content, activity_summary, checkpoint_data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
			last_briefing = excluded.last_briefing,
			briefing_content = excluded.briefing_content,
			activity_summary = excluded.activity_summary,
			checkpoint_data = excluded.checkpoint_data,
			updated_at = excluded.updated_at`,
		string(snap.Agent), snap.LastBriefing.Unix(), snap.BriefingContent,
		snap.ActivitySummary, snap.CheckpointData, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot for agent %s: %w", snap.Agent, err)
	}
	log.Debug(log.CatBus, "context snapshot saved", "agent", snap.Agent)
	return nil
}

// GetSnapshot returns the agent's context snapshot, or ErrNotFound.
func (r *AgentRepo) GetSnapshot(id domain.AgentID) (*domain.ContextSnapshot, error) {
	var briefing, updated int64
	snap := &domain.ContextSnapshot{Agent: id}
	err := r.store.db.QueryRow(
		`SELECT last_briefing, briefing_content, activity_summary, checkpoint_data, updated_at
		 FROM context_snapshots WHERE agent_id = ?`,
		string(id),
	).Scan(&briefing, &snap.BriefingContent, &snap.ActivitySummary, &snap.CheckpointData, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot for agent %s: %w", id, err)
	}
	snap.LastBriefing = time.Unix(briefing, 0)
	snap.UpdatedAt = time.Unix(updated, 0)
	return snap, nil
}

// AppendActivity appends a line to the agent's activity summary, keeping the
// snapshot fresh for rebriefing. Creates the snapshot row if missing.
func (r *AgentRepo) AppendActivity(id domain.AgentID, line string) error {
	now := time.Now().Unix()
	_, err := r.store.db.Exec(
		`INSERT INTO context_snapshots (agent_id, last_briefing, activity_summary, updated_at)
		 VALUES (?, 0, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
			activity_summary = CASE
				WHEN context_snapshots.activity_summary = '' THEN excluded.activity_summary
				ELSE context_snapshots.activity_summary || char(10) || excluded.activity_summary
			END,
			updated_at = excluded.updated_at`,
		string(id), line, now,
	)
	if err != nil {
		return fmt.Errorf("appending activity for agent %s: %w", id, err)
	}
	return nil
}
