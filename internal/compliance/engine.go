package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/events"
	"github.com/steward-sh/steward/internal/log"
)

// MessageContext is the unit of analysis: one inter-agent message.
type MessageContext struct {
	Sender    domain.AgentID
	Recipient domain.AgentID
	Text      string
	SentAt    time.Time
}

// Evaluator judges one message against the active rule set. The production
// deployment wires an AI-backed evaluator; PatternEvaluator is the
// deterministic fallback used when none is configured or the configured one
// fails.
type Evaluator interface {
	Evaluate(msg MessageContext, rules []domain.Rule) (*domain.AnalysisResult, error)
}

// PatternEvaluator matches messages against each rule's regular-expression
// hint. Rules without a pattern are skipped; they need the AI evaluator.
type PatternEvaluator struct {
	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

// NewPatternEvaluator returns the deterministic evaluator.
func NewPatternEvaluator() *PatternEvaluator {
	return &PatternEvaluator{compiled: make(map[string]*regexp.Regexp)}
}

// Evaluate implements Evaluator. It never returns an error: a rule whose
// pattern fails to compile was rejected at extraction time.
func (p *PatternEvaluator) Evaluate(msg MessageContext, rules []domain.Rule) (*domain.AnalysisResult, error) {
	result := &domain.AnalysisResult{Compliant: true}
	for _, rule := range rules {
		if rule.Pattern == "" {
			continue
		}
		re := p.compile(rule.ID, rule.Pattern)
		if re == nil {
			continue
		}
		loc := re.FindStringIndex(msg.Text)
		if loc == nil {
			continue
		}
		result.Compliant = false
		result.Violations = append(result.Violations, domain.Violation{
			DetectedAt: msg.SentAt,
			Sender:     msg.Sender,
			Recipient:  msg.Recipient,
			RuleIDs:    []string{rule.ID},
			Severity:   rule.Severity,
			Excerpt:    excerpt(msg.Text, loc[0], loc[1]),
			Correction: rule.Correction,
		})
	}
	return result, nil
}

func (p *PatternEvaluator) compile(id, pattern string) *regexp.Regexp {
	p.mu.Lock()
	defer p.mu.Unlock()
	if re, ok := p.compiled[id]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.ErrorErr(log.CatRules, "rule pattern did not compile", err, "rule", id)
		p.compiled[id] = nil
		return nil
	}
	p.compiled[id] = re
	return re
}

// excerpt returns the matched span with up to 40 bytes of context each side.
func excerpt(text string, start, end int) string {
	const margin = 40
	lo, hi := start-margin, end+margin
	if lo < 0 {
		lo = 0
	}
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}

// defaultDedupWindow suppresses repeat notifications for the same violation
// signature.
const defaultDedupWindow = 5 * time.Minute

// Engine holds the active rule set and runs messages through the evaluator,
// publishing deduplicated violation events.
type Engine struct {
	events    *events.Bus
	evaluator Evaluator
	fallback  *PatternEvaluator
	seen      *cache.Cache

	mu      sync.RWMutex
	rules   []domain.Rule
	rawDoc  string
	loaded  time.Time
	docPath string
}

// NewEngine returns an Engine publishing on evbus. evaluator may be nil; the
// deterministic pattern evaluator then runs alone. dedupWindow <= 0 selects
// the default.
func NewEngine(evbus *events.Bus, evaluator Evaluator, dedupWindow time.Duration) *Engine {
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	return &Engine{
		events:    evbus,
		evaluator: evaluator,
		fallback:  NewPatternEvaluator(),
		seen:      cache.New(dedupWindow, dedupWindow),
	}
}

// LoadRulesFile reads and atomically swaps in the rule set from path. On
// parse failure the previous set stays active.
func (e *Engine) LoadRulesFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-configured rules document
	if err != nil {
		return fmt.Errorf("read rules document: %w", err)
	}
	rules, err := ExtractRules(string(data))
	if err != nil {
		return fmt.Errorf("extract rules: %w", err)
	}

	e.mu.Lock()
	e.rules = rules
	e.rawDoc = string(data)
	e.loaded = time.Now()
	e.docPath = path
	e.mu.Unlock()

	log.Info(log.CatRules, "rules loaded", "path", path, "count", len(rules))
	return nil
}

// Rules returns a copy of the active rule set.
func (e *Engine) Rules() []domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// DocText returns the raw rules-document text, as handed to rebriefings.
func (e *Engine) DocText() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rawDoc
}

// Analyze runs one message through the evaluator and emits a violation event
// per breach. A failing configured evaluator degrades to the pattern
// fallback rather than letting traffic go unchecked.
func (e *Engine) Analyze(msg MessageContext) (*domain.AnalysisResult, error) {
	rules := e.Rules()
	if len(rules) == 0 {
		return &domain.AnalysisResult{Compliant: true}, nil
	}

	var result *domain.AnalysisResult
	var err error
	if e.evaluator != nil {
		result, err = e.evaluator.Evaluate(msg, rules)
		if err != nil {
			log.ErrorErr(log.CatRules, "evaluator failed, using pattern fallback", err, "sender", msg.Sender)
			result = nil
		}
	}
	if result == nil {
		result, err = e.fallback.Evaluate(msg, rules)
		if err != nil {
			return nil, err
		}
	}

	for _, v := range result.Violations {
		e.emit(v)
	}
	return result, nil
}

// AnalyzeMessage is the message-bus hook: it screens one accepted message
// addressed to recipient. The sender is whoever drove the enqueue (the core
// or another agent's tooling); violations are attributed to the recipient's
// traffic. Failures are logged, never surfaced to the send path.
func (e *Engine) AnalyzeMessage(recipient domain.AgentID, payload []byte, at time.Time) {
	if _, err := e.Analyze(MessageContext{
		Recipient: recipient,
		Text:      string(payload),
		SentAt:    at,
	}); err != nil {
		log.ErrorErr(log.CatRules, "message analysis failed", err, "recipient", recipient)
	}
}

// emit publishes one violation, suppressing repeats of the same signature
// inside the dedup window.
func (e *Engine) emit(v domain.Violation) {
	key := dedupKey(v)
	if _, dup := e.seen.Get(key); dup {
		log.Debug(log.CatRules, "violation suppressed as duplicate", "rules", v.RuleIDs, "sender", v.Sender)
		return
	}
	e.seen.SetDefault(key, struct{}{})

	sev := events.SeverityWarning
	if v.Severity == domain.SeverityCritical {
		sev = events.SeverityCritical
	} else if v.Severity == domain.SeverityInfo {
		sev = events.SeverityInfo
	}
	e.events.Publish(events.ChannelViolation, sev, map[string]any{
		"sender":     string(v.Sender),
		"recipient":  string(v.Recipient),
		"rule_ids":   v.RuleIDs,
		"excerpt":    v.Excerpt,
		"correction": v.Correction,
	})
}

func dedupKey(v domain.Violation) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%v|%s", v.Sender, v.Recipient, v.RuleIDs, v.Excerpt)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
