package domain

import (
	"fmt"
	"strings"
	"time"
)

// AgentStatus represents the observed state of one agent window.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"  // working; messages flow normally
	AgentReady   AgentStatus = "ready"   // idle; last pull returned nothing
	AgentOffline AgentStatus = "offline" // session ended or presumed gone
	AgentError   AgentStatus = "error"   // error hook fired; restart pending
)

// AgentID identifies an agent as "session:window".
type AgentID string

// ParseAgentID validates and returns an AgentID from its string form.
func ParseAgentID(s string) (AgentID, error) {
	session, window, ok := strings.Cut(s, ":")
	if !ok || session == "" || window == "" {
		return "", fmt.Errorf("agent id %q is not in session:window form", s)
	}
	return AgentID(s), nil
}

// Session returns the session half of the id.
func (id AgentID) Session() string {
	session, _, _ := strings.Cut(string(id), ":")
	return session
}

// Window returns the window half of the id.
func (id AgentID) Window() string {
	_, window, _ := strings.Cut(string(id), ":")
	return window
}

func (id AgentID) String() string { return string(id) }

// Agent is the durable registration of one agent window. Rows are created
// by the pull hook on first contact and removed on clean session end.
type Agent struct {
	ID          AgentID
	ProjectName string
	Status      AgentStatus

	ReadySince    *time.Time
	LastHeartbeat *time.Time

	LastSequenceDelivered int64
	RestartCount          int
	LastRestart           *time.Time
	LastError             string

	ContextBlob []byte // opaque context carried across restarts
}

// ContextSnapshot captures what an agent needs to recover from a context
// window compaction: the last briefing it received and a summary of its
// recent activity. Rebriefing replays this as a priority-200 self-message.
type ContextSnapshot struct {
	Agent           AgentID
	LastBriefing    time.Time
	BriefingContent string
	ActivitySummary string
	CheckpointData  []byte
	UpdatedAt       time.Time
}

// Role describes an agent role as data: a name plus capability flags.
// New roles are added by configuration, not by code.
type Role struct {
	Name string `yaml:"name"`

	// Orchestrator roles mediate all cross-agent traffic (hub-and-spoke)
	// and receive periodic check-in tasks.
	Orchestrator bool `yaml:"orchestrator"`
	// Schedulable roles may be targets of recurring check-in tasks.
	Schedulable bool `yaml:"schedulable"`
	// Restartable roles participate in the auto-restart policy.
	Restartable bool `yaml:"restartable"`
	// CheckinInterval overrides the default check-in cadence (seconds).
	CheckinIntervalSec int `yaml:"checkin_interval_sec"`
}
