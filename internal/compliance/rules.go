// Package compliance ingests the rules document, watches it for edits, and
// evaluates agent-to-agent messages against the extracted rules, emitting
// violation events.
package compliance

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/steward-sh/steward/internal/domain"
)

// categoryPrefixes maps rule-document headings to categories and their
// stable id prefixes. Heading match is case-insensitive on the first word.
var categoryPrefixes = []struct {
	heading  string
	category domain.RuleCategory
	prefix   string
}{
	{"communication", domain.CategoryCommunication, "comm"},
	{"git", domain.CategoryGit, "git"},
	{"scheduling", domain.CategoryScheduling, "sched"},
	{"integration", domain.CategoryIntegration, "integ"},
	{"workflow", domain.CategoryWorkflow, "flow"},
	{"monitoring", domain.CategoryMonitoring, "mon"},
}

var (
	headingRe  = regexp.MustCompile(`^#+\s+(.+?)\s*$`)
	bulletRe   = regexp.MustCompile(`^[-*]\s+(.+?)\s*$`)
	severityRe = regexp.MustCompile(`^\[(info|warning|critical)\]\s*`)
	patternRe  = regexp.MustCompile("\\s*pattern:`([^`]+)`\\s*$")
	correctRe  = regexp.MustCompile("\\s*correction:`([^`]+)`\\s*$")
)

// ExtractRules parses the heading-structured rules document into Rule
// entities with stable ids (ordinal within category, e.g. comm-001).
// Bullets under unrecognized headings are ignored. A bullet may carry an
// optional leading [severity] tag and trailing pattern:`re` and
// correction:`text` annotations.
func ExtractRules(doc string) ([]domain.Rule, error) {
	var rules []domain.Rule
	counters := make(map[string]int)

	var category domain.RuleCategory
	var prefix string

	for lineNo, line := range strings.Split(doc, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			category, prefix = matchCategory(m[1])
			continue
		}
		m := bulletRe.FindStringSubmatch(line)
		if m == nil || prefix == "" {
			continue
		}

		text := m[1]
		severity := domain.SeverityWarning
		if sm := severityRe.FindStringSubmatch(text); sm != nil {
			severity = domain.Severity(sm[1])
			text = text[len(sm[0]):]
		}

		var correction string
		if cm := correctRe.FindStringSubmatch(text); cm != nil {
			correction = cm[1]
			text = text[:len(text)-len(cm[0])]
		}

		var pattern string
		if pm := patternRe.FindStringSubmatch(text); pm != nil {
			pattern = pm[1]
			if _, err := regexp.Compile(pattern); err != nil {
				return nil, fmt.Errorf("line %d: bad rule pattern %q: %w", lineNo+1, pattern, err)
			}
			text = text[:len(text)-len(pm[0])]
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		counters[prefix]++
		rules = append(rules, domain.Rule{
			ID:          fmt.Sprintf("%s-%03d", prefix, counters[prefix]),
			Category:    category,
			Description: text,
			Severity:    severity,
			Pattern:     pattern,
			Correction:  correction,
		})
	}
	return rules, nil
}

func matchCategory(heading string) (domain.RuleCategory, string) {
	fields := strings.Fields(heading)
	if len(fields) == 0 {
		return "", ""
	}
	first := strings.ToLower(fields[0])
	for _, c := range categoryPrefixes {
		if strings.HasPrefix(first, c.heading) || strings.HasPrefix(c.heading, first) {
			return c.category, c.prefix
		}
	}
	return "", ""
}
