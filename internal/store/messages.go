package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/log"
)

// maxDependencyDepth bounds the enqueue-time dependency walk. Chains deeper
// than this are treated as cyclic.
const maxDependencyDepth = 256

// MessageRepo persists agent messages and implements FIFO/priority/dependency
// delivery semantics.
type MessageRepo struct {
	store *Store
}

// Enqueue appends a message for agentSession, assigning its sequence number
// atomically from the sequence_generator row. A dependency on a nonexistent
// message fails with ErrNotFound; a circular chain with ErrDependencyCycle.
func (r *MessageRepo) Enqueue(agentSession, projectName string, payload []byte, priority int, dependencyID int64, scope domain.FIFOScope) (*domain.Message, error) {
	if scope == "" {
		scope = domain.ScopeAgent
	}
	var msg *domain.Message
	err := r.store.withTx(func(tx *sql.Tx) error {
		if dependencyID != 0 {
			if err := checkDependencyChain(tx, dependencyID); err != nil {
				return err
			}
		}

		var seq int64
		if err := tx.QueryRow(
			`UPDATE sequence_generator SET value = value + 1 WHERE id = 1 RETURNING value`,
		).Scan(&seq); err != nil {
			return fmt.Errorf("assigning sequence number: %w", err)
		}

		now := time.Now()
		result, err := tx.Exec(
			`INSERT INTO messages (agent_session, project_name, payload, priority, sequence_number,
				dependency_id, status, fifo_scope, enqueued_at)
			 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
			agentSession, projectName, payload, priority, seq, dependencyID, string(scope), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading insert id: %w", err)
		}

		msg = &domain.Message{
			ID:           id,
			AgentSession: agentSession,
			ProjectName:  projectName,
			Payload:      payload,
			Priority:     priority,
			Sequence:     seq,
			DependencyID: dependencyID,
			Status:       domain.MessagePending,
			Scope:        scope,
			EnqueuedAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug(log.CatBus, "message enqueued", "id", msg.ID, "agent", agentSession, "priority", priority, "seq", msg.Sequence)
	return msg, nil
}

// checkDependencyChain walks the dependency pointers from id, rejecting
// missing prerequisites and cycles.
func checkDependencyChain(tx *sql.Tx, id int64) error {
	seen := make(map[int64]bool)
	current := id
	for depth := 0; current != 0; depth++ {
		if depth >= maxDependencyDepth || seen[current] {
			return fmt.Errorf("dependency chain at message %d: %w", id, ErrDependencyCycle)
		}
		seen[current] = true

		var next int64
		err := tx.QueryRow(`SELECT dependency_id FROM messages WHERE id = ?`, current).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dependency message %d: %w", current, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("walking dependency chain: %w", err)
		}
		current = next
	}
	return nil
}

// PullNext delivers at most one message to agentSession: the previously
// pulled message (if any) is acked to delivered, then the pending message
// with highest priority and lowest sequence whose dependency (if any) is
// delivered is marked pulled and returned. minPriority filters the candidate
// set; the bus passes the critical threshold when the agent's rate budget is
// spent. Returns (nil, nil) when nothing is eligible.
func (r *MessageRepo) PullNext(agentSession string, minPriority int) (*domain.Message, error) {
	var msg *domain.Message
	err := r.store.withTx(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM agents WHERE id = ?`, agentSession).Scan(&exists); err != nil {
			return fmt.Errorf("checking agent registration: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("agent %s: %w", agentSession, ErrAgentUnknown)
		}

		now := time.Now().Unix()
		if err := ackInFlightInTx(tx, agentSession, now); err != nil {
			return err
		}

		row := tx.QueryRow(
			`SELECT `+messageColumns+` FROM messages m
			 WHERE m.agent_session = ? AND m.status = 'pending' AND m.priority >= ?
			   AND (m.dependency_id = 0 OR EXISTS (
			       SELECT 1 FROM messages d WHERE d.id = m.dependency_id AND d.status = 'delivered'))
			 ORDER BY m.priority DESC, m.sequence_number ASC
			 LIMIT 1`,
			agentSession, minPriority,
		)
		model, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next message: %w", err)
		}

		if _, err := tx.Exec(
			`UPDATE messages SET status = 'pulled', pulled_at = ? WHERE id = ?`,
			now, model.ID,
		); err != nil {
			return fmt.Errorf("marking message %d pulled: %w", model.ID, err)
		}

		msg = model.toDomain()
		msg.Status = domain.MessagePulled
		t := time.Unix(now, 0)
		msg.PulledAt = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if msg != nil {
		log.Debug(log.CatBus, "message pulled", "id", msg.ID, "agent", agentSession, "priority", msg.Priority)
	}
	return msg, nil
}

// ackInFlightInTx marks the agent's pulled messages delivered and advances
// the agent's last delivered sequence.
func ackInFlightInTx(tx *sql.Tx, agentSession string, now int64) error {
	if _, err := tx.Exec(
		`UPDATE agents SET last_sequence_delivered = COALESCE(
			(SELECT MAX(sequence_number) FROM messages WHERE agent_session = ? AND status = 'pulled'),
			last_sequence_delivered)
		 WHERE id = ?`,
		agentSession, agentSession,
	); err != nil {
		return fmt.Errorf("advancing delivered sequence: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE messages SET status = 'delivered', delivered_at = ?
		 WHERE agent_session = ? AND status = 'pulled'`,
		now, agentSession,
	); err != nil {
		return fmt.Errorf("acking in-flight messages: %w", err)
	}
	return nil
}

// AckInFlight explicitly acks the agent's outstanding pulled message.
// Used on clean session end.
func (r *MessageRepo) AckInFlight(agentSession string) error {
	return r.store.withTx(func(tx *sql.Tx) error {
		return ackInFlightInTx(tx, agentSession, time.Now().Unix())
	})
}

// RequeuePulled returns the agent's pulled messages to pending.
// Used on unclean session end.
func (r *MessageRepo) RequeuePulled(agentSession string) error {
	_, err := r.store.db.Exec(
		`UPDATE messages SET status = 'pending', pulled_at = NULL
		 WHERE agent_session = ? AND status = 'pulled'`,
		agentSession,
	)
	if err != nil {
		return fmt.Errorf("requeueing pulled messages for %s: %w", agentSession, err)
	}
	return nil
}

// RequeueStale returns pulled messages older than timeout to pending.
// Returns the number requeued. Run periodically by the bus maintenance worker.
func (r *MessageRepo) RequeueStale(timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	result, err := r.store.db.Exec(
		`UPDATE messages SET status = 'pending', pulled_at = NULL
		 WHERE status = 'pulled' AND pulled_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("requeueing stale pulled messages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn(log.CatBus, "stale pulled messages requeued", "count", n)
	}
	return n, nil
}

// ReleaseExpiredDependencies drops the dependency pointer from messages whose
// prerequisite has been pending longer than timeout, returning the released
// message ids so the caller can emit warnings.
func (r *MessageRepo) ReleaseExpiredDependencies(timeout time.Duration) ([]int64, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	var released []int64
	err := r.store.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT m.id FROM messages m
			 JOIN messages d ON d.id = m.dependency_id
			 WHERE m.status = 'pending' AND m.dependency_id != 0
			   AND d.status = 'pending' AND d.enqueued_at < ?`,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("selecting expired dependencies: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scanning released message id: %w", err)
			}
			released = append(released, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range released {
			if _, err := tx.Exec(`UPDATE messages SET dependency_id = 0 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("releasing dependency on message %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range released {
		log.Warn(log.CatBus, "dependency timeout; message released", "id", id)
	}
	return released, nil
}

// Get returns the message with the given id, or ErrNotFound.
func (r *MessageRepo) Get(id int64) (*domain.Message, error) {
	row := r.store.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	model, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading message %d: %w", id, err)
	}
	return model.toDomain(), nil
}

// PendingCount returns the number of pending messages for the agent.
func (r *MessageRepo) PendingCount(agentSession string) (int, error) {
	var n int
	err := r.store.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE agent_session = ? AND status = 'pending'`,
		agentSession,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending messages for %s: %w", agentSession, err)
	}
	return n, nil
}

// ExpireOld marks pending messages older than ttl as expired. Returns the
// number expired. Housekeeping only; delivery paths never resurrect expired
// rows.
func (r *MessageRepo) ExpireOld(ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	result, err := r.store.db.Exec(
		`UPDATE messages SET status = 'expired' WHERE status = 'pending' AND enqueued_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("expiring old messages: %w", err)
	}
	return result.RowsAffected()
}
