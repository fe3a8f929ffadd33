package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mailsink/webhookd/internal/domain"
)

var validOperators = map[string]bool{
	domain.OpEquals:     true,
	domain.OpContains:   true,
	domain.OpStartsWith: true,
	domain.OpEndsWith:   true,
	domain.OpDomain:     true,
	domain.OpRegex:      true,
	domain.OpExists:     true,
}

var scalarFields = map[string]bool{
	"subject":      true,
	"snippet":      true,
	"mailbox":      true,
	"message_id":   true,
	"from.address": true,
	"from.name":    true,
	"to.address":   true,
	"to.name":      true,
	"body.text":    true,
	"body.html":    true,
}

// Validate checks a filter configuration at registration time. An error
// rejects the registration; warnings are advisory and returned to the
// caller.
func Validate(cfg *domain.FilterConfig) ([]string, error) {
	if cfg == nil {
		return nil, nil
	}
	if cfg.Mode != "" && cfg.Mode != domain.FilterModeAll && cfg.Mode != domain.FilterModeAny {
		return nil, fmt.Errorf("invalid filter mode %q", cfg.Mode)
	}
	if len(cfg.Rules) > domain.MaxFilterRules {
		return nil, fmt.Errorf("too many filter rules: %d (max %d)", len(cfg.Rules), domain.MaxFilterRules)
	}

	var warnings []string
	for i, rule := range cfg.Rules {
		n := i + 1
		if rule.Field == "" {
			return nil, fmt.Errorf("rule %d: field is required", n)
		}
		if !knownField(rule.Field) {
			return nil, fmt.Errorf("rule %d: unknown field %q", n, rule.Field)
		}
		if !validOperators[rule.Operator] {
			return nil, fmt.Errorf("rule %d: unknown operator %q", n, rule.Operator)
		}
		if rule.Operator != domain.OpExists && rule.Value == "" {
			return nil, fmt.Errorf("rule %d: operator %q requires a value", n, rule.Operator)
		}
		if rule.Operator == domain.OpRegex {
			expr := rule.Value
			if !rule.CaseSensitive {
				expr = "(?i)" + expr
			}
			if _, err := regexp.Compile(expr); err != nil {
				return nil, fmt.Errorf("rule %d: invalid regex: %w", n, err)
			}
		}
		if isBodyField(rule.Field) {
			warnings = append(warnings, fmt.Sprintf("rule %d: %s comparisons only consider the first %d bytes", n, rule.Field, bodyCompareLimit))
			if rule.Operator == domain.OpRegex {
				warnings = append(warnings, fmt.Sprintf("rule %d: regex matching on message bodies can be slow", n))
			}
		}
	}
	return warnings, nil
}

func knownField(field string) bool {
	if strings.HasPrefix(field, "header.") {
		return len(field) > len("header.")
	}
	return scalarFields[field]
}
