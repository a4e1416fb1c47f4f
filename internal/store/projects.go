package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/log"
)

// ProjectRepo persists queue rows and enforces the project state machine at
// the storage boundary.
type ProjectRepo struct {
	store *Store
}

// Enqueue inserts a queue row for (specPath, projectPath) unless a row with
// the same pair is already queued or processing, in which case the existing
// id is returned. The bool reports whether a new row was created.
func (r *ProjectRepo) Enqueue(specPath, projectPath string, priority int, batchID string) (int64, bool, error) {
	var id int64
	var created bool
	err := r.store.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(
			`SELECT id FROM projects
			 WHERE spec_path = ? AND project_path = ? AND status IN ('queued', 'processing')`,
			specPath, projectPath,
		).Scan(&id)
		if err == nil {
			created = false
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking for existing row: %w", err)
		}

		now := time.Now().Unix()
		result, err := tx.Exec(
			`INSERT INTO projects (spec_path, project_path, batch_id, priority, status, enqueued_at, updated_at)
			 VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
			specPath, projectPath, batchID, priority, now, now,
		)
		if err != nil {
			return fmt.Errorf("inserting project: %w", err)
		}
		id, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading insert id: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if created {
		log.Info(log.CatQueue, "project enqueued", "id", id, "spec", specPath, "priority", priority)
	} else {
		log.Debug(log.CatQueue, "enqueue deduplicated", "id", id, "spec", specPath)
	}
	return id, created, nil
}

// ClaimNext atomically admits the next queued project: if any row already
// holds the admission slot it returns (nil, nil); otherwise the queued row
// with highest priority (ties broken by oldest enqueue) moves to processing.
func (r *ProjectRepo) ClaimNext() (*domain.Project, error) {
	var claimed *domain.Project
	err := r.store.withTx(func(tx *sql.Tx) error {
		var holding int
		err := tx.QueryRow(
			`SELECT COUNT(*) FROM projects WHERE status IN ('processing', 'timing_out', 'credit_paused')`,
		).Scan(&holding)
		if err != nil {
			return fmt.Errorf("counting admitted projects: %w", err)
		}
		if holding > 0 {
			return nil
		}

		row := tx.QueryRow(
			`SELECT `+projectColumns+` FROM projects
			 WHERE status = 'queued'
			 ORDER BY priority DESC, enqueued_at ASC
			 LIMIT 1`,
		)
		model, err := scanProject(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next queued project: %w", err)
		}

		now := time.Now().Unix()
		if _, err := tx.Exec(
			`UPDATE projects SET status = 'processing', started_at = COALESCE(started_at, ?), updated_at = ?
			 WHERE id = ? AND status = 'queued'`,
			now, now, model.ID,
		); err != nil {
			return fmt.Errorf("claiming project %d: %w", model.ID, err)
		}

		claimed = model.toDomain()
		claimed.Status = domain.StatusProcessing
		if claimed.StartedAt == nil {
			t := time.Unix(now, 0)
			claimed.StartedAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		log.Info(log.CatQueue, "project admitted", "id", claimed.ID, "spec", claimed.SpecPath)
	}
	return claimed, nil
}

// Get returns the project with the given id, or ErrNotFound.
func (r *ProjectRepo) Get(id int64) (*domain.Project, error) {
	row := r.store.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	model, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading project %d: %w", id, err)
	}
	return model.toDomain(), nil
}

// List returns projects, optionally filtered to the given statuses, newest
// enqueue first.
func (r *ProjectRepo) List(statuses ...domain.ProjectStatus) ([]*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY enqueued_at DESC`

	rows, err := r.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*domain.Project
	for rows.Next() {
		model, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		projects = append(projects, model.toDomain())
	}
	return projects, rows.Err()
}

// Transition moves the project to target, failing with ErrIllegalTransition
// if the state machine forbids it. errorMessage is recorded for failed.
func (r *ProjectRepo) Transition(id int64, target domain.ProjectStatus, errorMessage string) error {
	err := r.store.withTx(func(tx *sql.Tx) error {
		return transitionInTx(tx, id, target, errorMessage)
	})
	if err != nil {
		return err
	}
	log.Info(log.CatLifecycle, "project transitioned", "id", id, "to", target)
	return nil
}

// transitionInTx applies the state-machine check and update inside an open
// transaction. The WHERE status clause guards against concurrent movers.
func transitionInTx(tx *sql.Tx, id int64, target domain.ProjectStatus, errorMessage string) error {
	var current string
	err := tx.QueryRow(`SELECT status FROM projects WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading project %d status: %w", id, err)
	}

	from := domain.ProjectStatus(current)
	if !from.CanTransitionTo(target) {
		return fmt.Errorf("project %d: %s -> %s: %w", id, from, target, ErrIllegalTransition)
	}

	now := time.Now().Unix()
	set := `status = ?, updated_at = ?`
	args := []any{string(target), now}
	if target == domain.StatusProcessing {
		set += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if target.IsTerminal() {
		set += `, completed_at = ?`
		args = append(args, now)
	}
	if errorMessage != "" {
		set += `, error_message = ?`
		args = append(args, errorMessage)
	}
	args = append(args, id, string(from))

	result, err := tx.Exec(`UPDATE projects SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating project %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("project %d moved concurrently: %w", id, ErrIllegalTransition)
	}
	return nil
}

// ForceStatus sets the status unconditionally. Recovery-CLI use only; the
// normal path is Transition.
func (r *ProjectRepo) ForceStatus(id int64, target domain.ProjectStatus, errorMessage string) error {
	now := time.Now().Unix()
	result, err := r.store.db.Exec(
		`UPDATE projects SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(target), errorMessage, now, id,
	)
	if err != nil {
		return fmt.Errorf("forcing project %d status: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	log.Warn(log.CatQueue, "project status forced", "id", id, "to", target)
	return nil
}

// SetSession records the terminal session and supervised pid for a project.
func (r *ProjectRepo) SetSession(id int64, sessionName string, mainPID int) error {
	_, err := r.store.db.Exec(
		`UPDATE projects SET session_name = ?, main_pid = ?, updated_at = ? WHERE id = ?`,
		sessionName, mainPID, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("recording session for project %d: %w", id, err)
	}
	return nil
}

// Heartbeat stamps the project's heartbeat.
func (r *ProjectRepo) Heartbeat(id int64, now time.Time) error {
	result, err := r.store.db.Exec(
		`UPDATE projects SET heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		now.Unix(), now.Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("recording heartbeat for project %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return nil
}

// ExtendTimeout increments the extension counter if it is below max and
// refreshes the heartbeat, returning the new count. Returns (count, false)
// without changes once the budget is spent.
func (r *ProjectRepo) ExtendTimeout(id int64, max int) (int, bool, error) {
	var count int
	var extended bool
	err := r.store.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT timeout_extensions FROM projects WHERE id = ?`, id).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("project %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading extensions for project %d: %w", id, err)
		}
		if count >= max {
			extended = false
			return nil
		}
		now := time.Now().Unix()
		if _, err := tx.Exec(
			`UPDATE projects SET timeout_extensions = timeout_extensions + 1, heartbeat_at = ?, updated_at = ? WHERE id = ?`,
			now, now, id,
		); err != nil {
			return fmt.Errorf("extending timeout for project %d: %w", id, err)
		}
		count++
		extended = true
		return nil
	})
	return count, extended, err
}

// SelfHeal demotes all but the newest admitted row back to queued when more
// than one project holds the admission slot. Returns the demoted ids.
// Invariant violations are logged as critical.
func (r *ProjectRepo) SelfHeal() ([]int64, error) {
	var demoted []int64
	err := r.store.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT id FROM projects
			 WHERE status IN ('processing', 'timing_out')
			 ORDER BY COALESCE(started_at, enqueued_at) DESC`,
		)
		if err != nil {
			return fmt.Errorf("selecting admitted projects: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scanning admitted project id: %w", err)
			}
			ids = append(ids, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) <= 1 {
			return nil
		}

		now := time.Now().Unix()
		for _, id := range ids[1:] {
			if _, err := tx.Exec(
				`UPDATE projects SET status = 'queued', started_at = NULL, updated_at = ? WHERE id = ?`,
				now, id,
			); err != nil {
				return fmt.Errorf("demoting project %d: %w", id, err)
			}
			demoted = append(demoted, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(demoted) > 0 {
		log.Error(log.CatQueue, "admission invariant violated; demoted duplicates", "demoted", demoted)
	}
	return demoted, nil
}

// IncrementRetry bumps the retry counter.
func (r *ProjectRepo) IncrementRetry(id int64) error {
	_, err := r.store.db.Exec(
		`UPDATE projects SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("incrementing retry for project %d: %w", id, err)
	}
	return nil
}

// CountByStatus returns a status -> row count summary for diagnostics.
func (r *ProjectRepo) CountByStatus() (map[domain.ProjectStatus]int, error) {
	rows, err := r.store.db.Query(`SELECT status, COUNT(*) FROM projects GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.ProjectStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[domain.ProjectStatus(status)] = n
	}
	return counts, rows.Err()
}
