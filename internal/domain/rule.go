package domain

import "time"

// RuleCategory groups monitorable rules by the concern they guard.
type RuleCategory string

const (
	CategoryCommunication RuleCategory = "communication"
	CategoryGit           RuleCategory = "git"
	CategoryScheduling    RuleCategory = "scheduling"
	CategoryIntegration   RuleCategory = "integration"
	CategoryWorkflow      RuleCategory = "workflow"
	CategoryMonitoring    RuleCategory = "monitoring"
)

// Severity orders violations for notification and suppression purposes.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule is one monitorable rule extracted from the rules document,
// keyed by a stable id within its category (e.g. "comm-001").
type Rule struct {
	ID          string
	Category    RuleCategory
	Description string
	Severity    Severity
	// Pattern is a regular-expression hint for the deterministic analyser
	// fallback. Empty means the rule is only checkable by the AI evaluator.
	Pattern string
	// Correction is the suggested correction text attached to violations.
	Correction string
}

// Violation records one rule breach observed in an agent-to-agent message.
type Violation struct {
	DetectedAt time.Time
	Sender     AgentID
	Recipient  AgentID
	RuleIDs    []string
	Severity   Severity
	Excerpt    string
	Correction string
}

// AnalysisResult is the analyser's verdict for one message.
type AnalysisResult struct {
	Compliant  bool
	Violations []Violation
}
