// Package bus implements the agent message bus: priority-aware durable
// messaging delivered through agent-side pull hooks, with per-agent rate
// limiting, dependency handling, and rebriefing on context loss.
package bus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/events"
	"github.com/steward-sh/steward/internal/log"
	"github.com/steward-sh/steward/internal/store"
)

// ErrBudgetExceeded indicates the agent's delivery budget is spent and no
// critical traffic is waiting. The pending message stays queued.
var ErrBudgetExceeded = errors.New("delivery budget exceeded")

// Re-exported store sentinels so callers depend on one package.
var (
	ErrAgentUnknown    = store.ErrAgentUnknown
	ErrDependencyCycle = store.ErrDependencyCycle
)

// Options tunes the bus.
type Options struct {
	// RatePerMin is the per-agent leaky-bucket budget. Critical and above
	// bypass it.
	RatePerMin int
	// DependencyTimeout releases a gated message once its prerequisite has
	// been pending this long.
	DependencyTimeout time.Duration
	// StalePulled requeues pulled-but-unacked messages after this long.
	StalePulled time.Duration
	// MessageTTL expires pending messages this old during maintenance.
	// Zero disables expiry.
	MessageTTL time.Duration
	// EmergencyBypass disables the bucket entirely.
	EmergencyBypass bool
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		RatePerMin:        10,
		DependencyTimeout: 10 * time.Minute,
		StalePulled:       5 * time.Minute,
	}
}

// RulesText supplies the current rules-document text for rebriefings.
type RulesText func() string

// Analyzer screens every accepted message for rules violations. The verdict
// never gates delivery; violations surface through the analyzer's own event
// channel.
type Analyzer interface {
	AnalyzeMessage(recipient domain.AgentID, payload []byte, at time.Time)
}

// Bus coordinates message flow between the core and agents.
type Bus struct {
	store    *store.Store
	events   *events.Bus
	opts     Options
	rules    RulesText
	analyzer Analyzer

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	level   float64
	updated time.Time
}

// New returns a Bus over the given store, publishing on evbus. rules may be
// nil; rebriefings then carry only the activity summary. analyzer may be
// nil; traffic then goes unscreened.
func New(s *store.Store, evbus *events.Bus, opts Options, rules RulesText, analyzer Analyzer) *Bus {
	if opts.RatePerMin <= 0 {
		opts.RatePerMin = DefaultOptions().RatePerMin
	}
	if opts.DependencyTimeout <= 0 {
		opts.DependencyTimeout = DefaultOptions().DependencyTimeout
	}
	if opts.StalePulled <= 0 {
		opts.StalePulled = DefaultOptions().StalePulled
	}
	return &Bus{
		store:    s,
		events:   evbus,
		opts:     opts,
		rules:    rules,
		analyzer: analyzer,
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

// Send enqueues a message for the agent. Dependency cycles and unknown
// prerequisites are rejected at enqueue time.
func (b *Bus) Send(agent domain.AgentID, projectName string, payload []byte, priority int, dependencyID int64, scope domain.FIFOScope) (*domain.Message, error) {
	if priority < 0 || priority > 255 {
		return nil, fmt.Errorf("priority %d out of range 0-255", priority)
	}
	msg, err := b.store.Messages.Enqueue(string(agent), projectName, payload, priority, dependencyID, scope)
	if err != nil {
		return nil, err
	}
	if b.analyzer != nil {
		b.analyzer.AnalyzeMessage(agent, payload, b.now())
	}
	return msg, nil
}

// Pull delivers at most one message to the agent, implicitly acking the
// previous pull. With the budget spent, only critical traffic passes; if
// none is waiting but lower-priority messages are, ErrBudgetExceeded is
// returned and the messages stay pending.
func (b *Bus) Pull(agent domain.AgentID) (*domain.Message, error) {
	charged := false
	if !b.opts.EmergencyBypass {
		charged = b.allow(agent)
	}
	if b.opts.EmergencyBypass || charged {
		msg, err := b.store.Messages.PullNext(string(agent), 0)
		if err != nil || msg == nil {
			if charged {
				b.refund(agent)
			}
			return msg, err
		}
		if charged && domain.BypassesRateLimit(msg.Priority) {
			// Critical traffic never charges the bucket.
			b.refund(agent)
		}
		b.recordDelivery(agent, msg)
		return msg, nil
	}

	// Budget spent: the critical band still flows.
	msg, err := b.store.Messages.PullNext(string(agent), domain.PriorityCritical)
	if err != nil {
		return nil, err
	}
	if msg != nil {
		b.recordDelivery(agent, msg)
		return msg, nil
	}
	pending, err := b.store.Messages.PendingCount(string(agent))
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		log.Debug(log.CatBus, "delivery throttled", "agent", agent, "pending", pending)
		return nil, fmt.Errorf("agent %s: %w", agent, ErrBudgetExceeded)
	}
	return nil, nil
}

func (b *Bus) recordDelivery(agent domain.AgentID, msg *domain.Message) {
	_ = b.store.Agents.Heartbeat(agent, b.now())
	summary := string(msg.Payload)
	if len(summary) > 120 {
		summary = summary[:120]
	}
	summary = strings.ReplaceAll(summary, "\n", " ")
	if err := b.store.Agents.AppendActivity(agent, fmt.Sprintf("pulled #%d p%d: %s", msg.ID, msg.Priority, summary)); err != nil {
		log.ErrorErr(log.CatBus, "activity append failed", err, "agent", agent)
	}
}

// Bootstrap registers the agent on session start and returns its
// highest-priority waiting message, if any.
func (b *Bus) Bootstrap(agent domain.AgentID, projectName string) (*domain.Message, error) {
	if err := b.store.Agents.Register(agent, projectName); err != nil {
		return nil, err
	}
	log.Info(log.CatBus, "agent bootstrapped", "agent", agent, "project", projectName)
	return b.Pull(agent)
}

// CheckIdle pulls for an idle agent; an empty reply flags it ready.
func (b *Bus) CheckIdle(agent domain.AgentID) (*domain.Message, error) {
	msg, err := b.Pull(agent)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		if err := b.store.Agents.SetStatus(agent, domain.AgentReady); err != nil {
			return nil, err
		}
		log.Debug(log.CatBus, "agent ready", "agent", agent)
	}
	return msg, nil
}

// SessionEnd finishes the agent's participation. A clean end acks the
// in-flight message and removes the agent; an unclean one requeues pulled
// messages and marks the agent offline.
func (b *Bus) SessionEnd(agent domain.AgentID, clean bool) error {
	if clean {
		if err := b.store.Messages.AckInFlight(string(agent)); err != nil {
			return err
		}
		if err := b.store.Agents.Remove(agent); err != nil {
			return err
		}
		log.Info(log.CatBus, "agent session ended cleanly", "agent", agent)
		return nil
	}
	if err := b.store.Messages.RequeuePulled(string(agent)); err != nil {
		return err
	}
	if err := b.store.Agents.SetStatus(agent, domain.AgentOffline); err != nil && !errors.Is(err, ErrAgentUnknown) {
		return err
	}
	log.Warn(log.CatBus, "agent session ended uncleanly", "agent", agent)
	return nil
}

// Rebrief enqueues the priority-200 self-message that restores a compacted
// agent's context: the rules document plus the recorded activity summary.
// The assembled briefing is also stored as the agent's context blob.
func (b *Bus) Rebrief(agent domain.AgentID) (*domain.Message, error) {
	var rulesText string
	if b.rules != nil {
		rulesText = b.rules()
	}
	var activity string
	snap, err := b.store.Agents.GetSnapshot(agent)
	if err == nil {
		activity = snap.ActivitySummary
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	briefing := assembleBriefing(rulesText, activity)
	msg, err := b.store.Messages.Enqueue(string(agent), "", []byte(briefing), domain.PriorityRebrief, 0, domain.ScopeAgent)
	if err != nil {
		return nil, err
	}

	now := b.now()
	if err := b.store.Agents.SaveSnapshot(&domain.ContextSnapshot{
		Agent:           agent,
		LastBriefing:    now,
		BriefingContent: briefing,
		ActivitySummary: activity,
	}); err != nil {
		return nil, err
	}
	if err := b.store.Agents.SetContextBlob(agent, []byte(briefing)); err != nil && !errors.Is(err, ErrAgentUnknown) {
		return nil, err
	}

	log.Info(log.CatBus, "rebriefing enqueued", "agent", agent, "message_id", msg.ID)
	return msg, nil
}

func assembleBriefing(rules, activity string) string {
	var sb strings.Builder
	sb.WriteString("REBRIEFING\n")
	if rules != "" {
		sb.WriteString("\n== Rules ==\n")
		sb.WriteString(rules)
		sb.WriteString("\n")
	}
	if activity != "" {
		sb.WriteString("\n== Recent activity ==\n")
		sb.WriteString(activity)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Maintain runs one maintenance pass: requeue stale pulled messages,
// expire pending messages past their TTL, and release expired
// dependencies, emitting a warning event per release.
func (b *Bus) Maintain() error {
	if _, err := b.store.Messages.RequeueStale(b.opts.StalePulled); err != nil {
		return err
	}
	if b.opts.MessageTTL > 0 {
		expired, err := b.store.Messages.ExpireOld(b.opts.MessageTTL)
		if err != nil {
			return err
		}
		if expired > 0 {
			log.Info(log.CatBus, "pending messages expired", "count", expired)
		}
	}
	released, err := b.store.Messages.ReleaseExpiredDependencies(b.opts.DependencyTimeout)
	if err != nil {
		return err
	}
	if b.events != nil {
		for _, id := range released {
			b.events.Publish(events.ChannelStatusUpdate, events.SeverityWarning,
				map[string]any{"kind": "dependency_timeout", "message_id": id})
		}
	}
	return nil
}

// allow charges one delivery against the agent's bucket.
func (b *Bus) allow(agent domain.AgentID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	bk, ok := b.buckets[string(agent)]
	if !ok {
		bk = &bucket{updated: now}
		b.buckets[string(agent)] = bk
	}

	drained := now.Sub(bk.updated).Minutes() * float64(b.opts.RatePerMin)
	bk.level -= drained
	if bk.level < 0 {
		bk.level = 0
	}
	bk.updated = now

	if bk.level+1 > float64(b.opts.RatePerMin) {
		return false
	}
	bk.level++
	return true
}

// refund returns the charge taken by allow when no billable delivery
// happened.
func (b *Bus) refund(agent domain.AgentID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bk, ok := b.buckets[string(agent)]; ok && bk.level >= 1 {
		bk.level--
	}
}
