package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steward-sh/steward/internal/log"
)

// CheckinTask is one recurring scheduled message to an agent.
type CheckinTask struct {
	ID           int64
	AgentSession string
	Note         string
	Cause        string
	Interval     time.Duration
	BackoffCount int
	NextRunAt    time.Time
	LastRunAt    *time.Time
}

// Missed reports whether the task's last fire is older than twice its
// interval at now, i.e. at least one fire was skipped.
func (t *CheckinTask) Missed(now time.Time) bool {
	if t.LastRunAt == nil {
		return false
	}
	return now.Sub(*t.LastRunAt) > 2*t.Interval
}

// TaskRepo persists recurring check-in tasks.
type TaskRepo struct {
	store *Store
}

// Create inserts a recurring task first firing at firstRun.
func (r *TaskRepo) Create(agentSession, note, cause string, interval time.Duration, firstRun time.Time) (int64, error) {
	result, err := r.store.db.Exec(
		`INSERT INTO checkin_tasks (agent_session, note, cause, interval_sec, next_run_at)
		 VALUES (?, ?, ?, ?, ?)`,
		agentSession, note, cause, int64(interval.Seconds()), firstRun.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("creating check-in task: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading insert id: %w", err)
	}
	log.Debug(log.CatQueue, "check-in task created", "id", id, "agent", agentSession, "interval", interval)
	return id, nil
}

// Due returns tasks whose next_run_at is at or before now, soonest first.
func (r *TaskRepo) Due(now time.Time) ([]*CheckinTask, error) {
	rows, err := r.store.db.Query(
		`SELECT id, agent_session, note, cause, interval_sec, backoff_count, next_run_at, last_run_at
		 FROM checkin_tasks WHERE next_run_at <= ? ORDER BY next_run_at ASC`,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("selecting due tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*CheckinTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Get returns the task with the given id, or ErrNotFound.
func (r *TaskRepo) Get(id int64) (*CheckinTask, error) {
	row := r.store.db.QueryRow(
		`SELECT id, agent_session, note, cause, interval_sec, backoff_count, next_run_at, last_run_at
		 FROM checkin_tasks WHERE id = ?`,
		id,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanTask(scanner interface{ Scan(...any) error }) (*CheckinTask, error) {
	var t CheckinTask
	var intervalSec, nextRun int64
	var lastRun *int64
	if err := scanner.Scan(&t.ID, &t.AgentSession, &t.Note, &t.Cause, &intervalSec, &t.BackoffCount, &nextRun, &lastRun); err != nil {
		return nil, fmt.Errorf("scanning task row: %w", err)
	}
	t.Interval = time.Duration(intervalSec) * time.Second
	t.NextRunAt = time.Unix(nextRun, 0)
	t.LastRunAt = unixPtrToTime(lastRun)
	return &t, nil
}

// Fired records a successful fire at now and re-times the task one interval
// out, resetting any back-off.
func (r *TaskRepo) Fired(id int64, now time.Time) error {
	var intervalSec int64
	err := r.store.db.QueryRow(`SELECT interval_sec FROM checkin_tasks WHERE id = ?`, id).Scan(&intervalSec)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading task %d interval: %w", id, err)
	}
	_, err = r.store.db.Exec(
		`UPDATE checkin_tasks SET last_run_at = ?, next_run_at = ?, backoff_count = 0 WHERE id = ?`,
		now.Unix(), now.Unix()+intervalSec, id,
	)
	if err != nil {
		return fmt.Errorf("re-timing task %d: %w", id, err)
	}
	return nil
}

// Backoff pushes the task out exponentially (base doubled per consecutive
// back-off) without recording a fire. Used while the agent's credit is
// exhausted.
func (r *TaskRepo) Backoff(id int64, base time.Duration, now time.Time) error {
	var count int
	err := r.store.db.QueryRow(`SELECT backoff_count FROM checkin_tasks WHERE id = ?`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading task %d backoff: %w", id, err)
	}

	delay := base << count
	const maxBackoff = 4 * time.Hour
	if delay > maxBackoff {
		delay = maxBackoff
	}
	_, err = r.store.db.Exec(
		`UPDATE checkin_tasks SET next_run_at = ?, backoff_count = backoff_count + 1 WHERE id = ?`,
		now.Add(delay).Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("backing off task %d: %w", id, err)
	}
	log.Debug(log.CatQueue, "check-in task backed off", "id", id, "delay", delay)
	return nil
}

// Delete removes the task.
func (r *TaskRepo) Delete(id int64) error {
	_, err := r.store.db.Exec(`DELETE FROM checkin_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task %d: %w", id, err)
	}
	return nil
}

// DeleteForAgent removes all tasks addressed to the agent. Used when a
// session ends.
func (r *TaskRepo) DeleteForAgent(agentSession string) error {
	_, err := r.store.db.Exec(`DELETE FROM checkin_tasks WHERE agent_session = ?`, agentSession)
	if err != nil {
		return fmt.Errorf("deleting tasks for %s: %w", agentSession, err)
	}
	return nil
}
