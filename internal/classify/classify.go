// Package classify assigns a priority and destination category to raw
// records using keyword tiers and ordered per-tenant rules.
package classify

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
)

// Keywords are matched case-insensitively as substrings. The first tier
// with a hit sets the default priority.
type Keywords struct {
	High   []string
	Medium []string
	Low    []string
}

type Classification struct {
	Priority models.Priority `json:"priority"`
	Category models.Category `json:"category,omitempty"`
	RuleName string          `json:"rule_name,omitempty"`
}

type Classifier struct {
	keywords Keywords
	logger   *zap.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
	invalid  map[string]bool
}

func New(keywords Keywords, logger *zap.Logger) *Classifier {
	return &Classifier{
		keywords: Keywords{
			High:   lowerAll(keywords.High),
			Medium: lowerAll(keywords.Medium),
			Low:    lowerAll(keywords.Low),
		},
		logger:   logger.Named("classify"),
		patterns: make(map[string]*regexp.Regexp),
		invalid:  make(map[string]bool),
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DefaultPriority scans the keyword tiers against text. Medium when no
// keyword matches.
func (c *Classifier) DefaultPriority(text string) models.Priority {
	text = strings.ToLower(text)
	tiers := []struct {
		words    []string
		priority models.Priority
	}{
		{c.keywords.High, models.PriorityHigh},
		{c.keywords.Medium, models.PriorityMedium},
		{c.keywords.Low, models.PriorityLow},
	}
	for _, tier := range tiers {
		for _, w := range tier.words {
			if strings.Contains(text, w) {
				return tier.priority
			}
		}
	}
	return models.PriorityMedium
}

// Classify computes the record's priority and category. base replaces the
// keyword scan when set. The first active matching rule, in (order, name)
// order, overrides the priority and, when it has one, the category.
func (c *Classifier) Classify(rec models.RawRecord, rules []models.Rule, base models.Priority) Classification {
	result := Classification{Priority: base}
	if !result.Priority.Valid() {
		result.Priority = c.DefaultPriority(rec.Text())
	}

	ordered := make([]models.Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Order != ordered[j].Order {
			return ordered[i].Order < ordered[j].Order
		}
		return ordered[i].Name < ordered[j].Name
	})

	for _, r := range ordered {
		if !r.Active || !c.Match(r, rec) {
			continue
		}
		if r.Priority.Valid() {
			result.Priority = r.Priority
		}
		if r.Category != "" {
			result.Category = r.Category
		}
		result.RuleName = r.Name
		break
	}
	return result
}

// Match evaluates one rule's predicate. Unknown kinds and invalid
// patterns never match.
func (c *Classifier) Match(r models.Rule, rec models.RawRecord) bool {
	var field string
	switch r.Kind {
	case models.RuleSubjectContains, models.RuleSubjectRegex:
		field = "subject"
	case models.RuleSenderContains, models.RuleSenderRegex:
		field = "sender"
	case models.RuleBodyContains:
		field = "body"
	case models.RuleFieldContains, models.RuleFieldRegex:
		field = r.Field
	default:
		c.logger.Debug("unknown rule kind", zap.String("rule", r.Name), zap.String("kind", string(r.Kind)))
		return false
	}
	value := rec.Fields.String(field)

	switch r.Kind {
	case models.RuleSubjectRegex, models.RuleSenderRegex, models.RuleFieldRegex:
		re := c.compile(r)
		return re != nil && re.MatchString(value)
	default:
		if r.Pattern == "" {
			return false
		}
		return strings.Contains(strings.ToLower(value), strings.ToLower(r.Pattern))
	}
}

func (c *Classifier) compile(r models.Rule) *regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.patterns[r.Pattern]; ok {
		return re
	}
	if c.invalid[r.Pattern] {
		return nil
	}
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		c.invalid[r.Pattern] = true
		c.logger.Debug("invalid rule pattern", zap.String("rule", r.Name), zap.Error(err))
		return nil
	}
	c.patterns[r.Pattern] = re
	return re
}
