package domain

import "time"

// MessageStatus represents the delivery state of a queued agent message.
//
//	pending   -> pulled (claimed by the agent's pull hook)
//	pulled    -> delivered (implicitly acked by the next successful pull)
//	pulled    -> pending (pull timed out; requeued)
//	pending   -> expired (TTL housekeeping)
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessagePulled    MessageStatus = "pulled"
	MessageDelivered MessageStatus = "delivered"
	MessageExpired   MessageStatus = "expired"
)

// FIFOScope controls which stream a message's ordering applies to.
type FIFOScope string

const (
	ScopeAgent   FIFOScope = "agent"
	ScopeProject FIFOScope = "project"
	ScopeGlobal  FIFOScope = "global"
)

// Priority bands. Within one (agent, priority) pair delivery is FIFO on
// sequence number; across bands higher wins.
const (
	// PriorityNormal is the top of the normal band (0-9).
	PriorityNormal = 0
	// PriorityHigh is the bottom of the high band (10-49).
	PriorityHigh = 10
	// PriorityCritical is the bottom of the critical band (50-99).
	PriorityCritical = 50
	// PriorityEmergency is the bottom of the emergency band (100+).
	PriorityEmergency = 100
	// PriorityRebrief is reserved for context-recovery self-messages.
	PriorityRebrief = 200
)

// BypassesRateLimit returns true for priorities that skip the per-agent
// leaky bucket (critical and above).
func BypassesRateLimit(priority int) bool {
	return priority >= PriorityCritical
}

// Message is one durable message addressed to an agent, delivered through
// the agent's pull hook.
type Message struct {
	ID           int64
	AgentSession string // "session:window"
	ProjectName  string // optional
	Payload      []byte
	Priority     int   // 0-255
	Sequence     int64 // monotonically increasing across all messages
	DependencyID int64 // 0 means no dependency
	Status       MessageStatus
	Scope        FIFOScope

	EnqueuedAt  time.Time
	PulledAt    *time.Time
	DeliveredAt *time.Time
}

// IsRebrief returns true if the message is a context-recovery briefing.
func (m *Message) IsRebrief() bool {
	return m.Priority >= PriorityRebrief
}
