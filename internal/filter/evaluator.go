package filter

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/mailsink/webhookd/internal/domain"
)

// Body fields are truncated to this many bytes before comparison so a large
// message cannot stall matching.
const bodyCompareLimit = 5 * 1024

// Evaluator decides whether an event envelope matches a webhook's filter
// configuration. A nil filter, or one with no rules, matches every event
// (subject to the authentication gate).
type Evaluator struct {
	requireAuthDefault bool
	authChecks         []string
	logger             *slog.Logger

	mu         sync.Mutex
	regexCache map[string]*regexp.Regexp
}

func NewEvaluator(requireAuthDefault bool, authChecks []string, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		requireAuthDefault: requireAuthDefault,
		authChecks:         authChecks,
		logger:             logger,
		regexCache:         make(map[string]*regexp.Regexp),
	}
}

func (e *Evaluator) Matches(env *domain.Envelope, cfg *domain.FilterConfig) bool {
	if cfg == nil {
		return true
	}
	if !e.authPasses(env, cfg) {
		return false
	}
	if len(cfg.Rules) == 0 {
		return true
	}

	anyMode := cfg.Mode == domain.FilterModeAny
	for _, rule := range cfg.Rules {
		ok := e.ruleMatches(env, rule)
		if anyMode && ok {
			return true
		}
		if !anyMode && !ok {
			return false
		}
	}
	return !anyMode
}

// authPasses applies the requireAuth gate: when required, every globally
// enabled mechanism must report a pass. Missing authentication data fails
// the gate.
func (e *Evaluator) authPasses(env *domain.Envelope, cfg *domain.FilterConfig) bool {
	required := e.requireAuthDefault
	if cfg.RequireAuth != nil {
		required = *cfg.RequireAuth
	}
	if !required || len(e.authChecks) == 0 {
		return true
	}

	msg, ok := env.Data.(*domain.MessagePayload)
	if !ok || msg.Auth == nil {
		return false
	}
	for _, check := range e.authChecks {
		var result string
		switch check {
		case "spf":
			result = msg.Auth.SPF
		case "dkim":
			result = msg.Auth.DKIM
		case "dmarc":
			result = msg.Auth.DMARC
		}
		if !strings.EqualFold(result, "pass") {
			return false
		}
	}
	return true
}

func (e *Evaluator) ruleMatches(env *domain.Envelope, rule domain.FilterRule) bool {
	value, ok := fieldValue(env, rule.Field)
	if rule.Operator == domain.OpExists {
		return ok && value != ""
	}
	if !ok {
		return false
	}
	if isBodyField(rule.Field) && len(value) > bodyCompareLimit {
		value = value[:bodyCompareLimit]
	}

	switch rule.Operator {
	case domain.OpEquals:
		return fold(value, rule.CaseSensitive) == fold(rule.Value, rule.CaseSensitive)
	case domain.OpContains:
		return strings.Contains(fold(value, rule.CaseSensitive), fold(rule.Value, rule.CaseSensitive))
	case domain.OpStartsWith:
		return strings.HasPrefix(fold(value, rule.CaseSensitive), fold(rule.Value, rule.CaseSensitive))
	case domain.OpEndsWith:
		return strings.HasSuffix(fold(value, rule.CaseSensitive), fold(rule.Value, rule.CaseSensitive))
	case domain.OpDomain:
		return matchesDomain(value, rule.Value)
	case domain.OpRegex:
		re := e.pattern(rule.Value, rule.CaseSensitive)
		return re != nil && re.MatchString(value)
	}
	return false
}

// pattern returns the compiled regex for this rule, case-insensitive unless
// the rule asks otherwise. Compilation results are cached, including
// failures: an invalid pattern is cached as nil and never matches.
func (e *Evaluator) pattern(expr string, caseSensitive bool) *regexp.Regexp {
	key := expr + ":" + strconv.FormatBool(caseSensitive)

	e.mu.Lock()
	defer e.mu.Unlock()
	if re, cached := e.regexCache[key]; cached {
		return re
	}

	full := expr
	if !caseSensitive {
		full = "(?i)" + expr
	}
	re, err := regexp.Compile(full)
	if err != nil {
		e.logger.Warn("invalid filter regex", "pattern", expr, "error", err)
		re = nil
	}
	e.regexCache[key] = re
	return re
}

func fold(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

// matchesDomain reports whether an address value belongs to the given
// domain, tolerating subdomains. A leading @ in the configured value is
// stripped.
func matchesDomain(value, configured string) bool {
	d := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(configured), "@"))
	if d == "" {
		return false
	}
	v := strings.ToLower(value)
	return strings.HasSuffix(v, "@"+d) || strings.Contains(v, "."+d)
}

func fieldValue(env *domain.Envelope, field string) (string, bool) {
	if name, isHeader := strings.CutPrefix(field, "header."); isHeader {
		msg, ok := env.Data.(*domain.MessagePayload)
		if !ok || msg.Headers == nil {
			return "", false
		}
		v, ok := msg.Headers[strings.ToLower(name)]
		return v, ok
	}

	switch data := env.Data.(type) {
	case *domain.MessagePayload:
		return messageField(data, field)
	case *domain.StoredPayload:
		return storedField(data, field)
	case *domain.DeletedPayload:
		switch field {
		case "mailbox":
			return data.Mailbox, true
		case "message_id":
			return data.MessageID, true
		}
	}
	return "", false
}

func messageField(m *domain.MessagePayload, field string) (string, bool) {
	switch field {
	case "subject":
		return m.Subject, true
	case "snippet":
		return m.Snippet, true
	case "mailbox":
		return m.Mailbox, true
	case "message_id":
		return m.MessageID, true
	case "from.address":
		if m.From == nil {
			return "", false
		}
		return m.From.Address, true
	case "from.name":
		if m.From == nil {
			return "", false
		}
		return m.From.Name, true
	case "to.address":
		// First recipient only.
		if len(m.To) == 0 {
			return "", false
		}
		return m.To[0].Address, true
	case "to.name":
		if len(m.To) == 0 {
			return "", false
		}
		return m.To[0].Name, true
	case "body.text":
		if m.Body == nil {
			return "", false
		}
		return m.Body.Text, true
	case "body.html":
		if m.Body == nil {
			return "", false
		}
		return m.Body.HTML, true
	}
	return "", false
}

func storedField(s *domain.StoredPayload, field string) (string, bool) {
	switch field {
	case "subject":
		return s.Subject, true
	case "mailbox":
		return s.Mailbox, true
	case "message_id":
		return s.MessageID, true
	case "from.address":
		if s.From == nil {
			return "", false
		}
		return s.From.Address, true
	case "from.name":
		if s.From == nil {
			return "", false
		}
		return s.From.Name, true
	}
	return "", false
}

func isBodyField(field string) bool {
	return field == "body.text" || field == "body.html"
}
