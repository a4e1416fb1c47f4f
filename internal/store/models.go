package store

import (
	"time"

	"github.com/steward-sh/steward/internal/domain"
)

// projectColumns is the list of columns selected for project queries.
const projectColumns = `id, spec_path, project_path, batch_id, priority, status, retry_count,
	session_name, main_pid, timeout_extensions, error_message,
	enqueued_at, started_at, heartbeat_at, completed_at, updated_at`

// projectModel is the database row for the projects table. Time values are
// Unix timestamps.
type projectModel struct {
	ID                int64
	SpecPath          string
	ProjectPath       string
	BatchID           string
	Priority          int
	Status            string
	RetryCount        int
	SessionName       string
	MainPID           int
	TimeoutExtensions int
	ErrorMessage      string
	EnqueuedAt        int64
	StartedAt         *int64
	HeartbeatAt       *int64
	CompletedAt       *int64
	UpdatedAt         int64
}

func scanProject(scanner interface{ Scan(...any) error }) (*projectModel, error) {
	var m projectModel
	err := scanner.Scan(
		&m.ID, &m.SpecPath, &m.ProjectPath, &m.BatchID, &m.Priority, &m.Status, &m.RetryCount,
		&m.SessionName, &m.MainPID, &m.TimeoutExtensions, &m.ErrorMessage,
		&m.EnqueuedAt, &m.StartedAt, &m.HeartbeatAt, &m.CompletedAt, &m.UpdatedAt,
	)
	return &m, err
}

func (m *projectModel) toDomain() *domain.Project {
	return &domain.Project{
		ID:                m.ID,
		SpecPath:          m.SpecPath,
		ProjectPath:       m.ProjectPath,
		BatchID:           m.BatchID,
		Priority:          m.Priority,
		Status:            domain.ProjectStatus(m.Status),
		RetryCount:        m.RetryCount,
		SessionName:       m.SessionName,
		MainPID:           m.MainPID,
		TimeoutExtensions: m.TimeoutExtensions,
		ErrorMessage:      m.ErrorMessage,
		EnqueuedAt:        time.Unix(m.EnqueuedAt, 0),
		StartedAt:         unixPtrToTime(m.StartedAt),
		HeartbeatAt:       unixPtrToTime(m.HeartbeatAt),
		CompletedAt:       unixPtrToTime(m.CompletedAt),
		UpdatedAt:         time.Unix(m.UpdatedAt, 0),
	}
}

// messageColumns is the list of columns selected for message queries.
const messageColumns = `id, agent_session, project_name, payload, priority, sequence_number,
	dependency_id, status, fifo_scope, enqueued_at, pulled_at, delivered_at`

type messageModel struct {
	ID           int64
	AgentSession string
	ProjectName  string
	Payload      []byte
	Priority     int
	Sequence     int64
	DependencyID int64
	Status       string
	Scope        string
	EnqueuedAt   int64
	PulledAt     *int64
	DeliveredAt  *int64
}

func scanMessage(scanner interface{ Scan(...any) error }) (*messageModel, error) {
	var m messageModel
	err := scanner.Scan(
		&m.ID, &m.AgentSession, &m.ProjectName, &m.Payload, &m.Priority, &m.Sequence,
		&m.DependencyID, &m.Status, &m.Scope, &m.EnqueuedAt, &m.PulledAt, &m.DeliveredAt,
	)
	return &m, err
}

func (m *messageModel) toDomain() *domain.Message {
	return &domain.Message{
		ID:           m.ID,
		AgentSession: m.AgentSession,
		ProjectName:  m.ProjectName,
		Payload:      m.Payload,
		Priority:     m.Priority,
		Sequence:     m.Sequence,
		DependencyID: m.DependencyID,
		Status:       domain.MessageStatus(m.Status),
		Scope:        domain.FIFOScope(m.Scope),
		EnqueuedAt:   time.Unix(m.EnqueuedAt, 0),
		PulledAt:     unixPtrToTime(m.PulledAt),
		DeliveredAt:  unixPtrToTime(m.DeliveredAt),
	}
}

// agentColumns is the list of columns selected for agent queries.
const agentColumns = `id, project_name, status, ready_since, last_heartbeat,
	last_sequence_delivered, restart_count, last_restart, last_error, context_blob`

type agentModel struct {
	ID                    string
	ProjectName           string
	Status                string
	ReadySince            *int64
	LastHeartbeat         *int64
	LastSequenceDelivered int64
	RestartCount          int
	LastRestart           *int64
	LastError             string
	ContextBlob           []byte
}

func scanAgent(scanner interface{ Scan(...any) error }) (*agentModel, error) {
	var m agentModel
	err := scanner.Scan(
		&m.ID, &m.ProjectName, &m.Status, &m.ReadySince, &m.LastHeartbeat,
		&m.LastSequenceDelivered, &m.RestartCount, &m.LastRestart, &m.LastError, &m.ContextBlob,
	)
	return &m, err
}

func (m *agentModel) toDomain() *domain.Agent {
	return &domain.Agent{
		ID:                    domain.AgentID(m.ID),
		ProjectName:           m.ProjectName,
		Status:                domain.AgentStatus(m.Status),
		ReadySince:            unixPtrToTime(m.ReadySince),
		LastHeartbeat:         unixPtrToTime(m.LastHeartbeat),
		LastSequenceDelivered: m.LastSequenceDelivered,
		RestartCount:          m.RestartCount,
		LastRestart:           unixPtrToTime(m.LastRestart),
		LastError:             m.LastError,
		ContextBlob:           m.ContextBlob,
	}
}

func unixPtrToTime(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0)
	return &t
}

func timeToUnixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}
