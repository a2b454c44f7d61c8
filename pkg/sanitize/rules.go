package sanitize

import (
	"fmt"
	"regexp"
	"strings"

	"layerlog/pkg/types"
)

// Rule is one compiled pattern -> replacement transform. A rule with
// Field set targets a context key by name instead of matching text.
type Rule struct {
	Name        string
	Field       string
	Replacement string

	re *regexp.Regexp
}

// RuleSet is an ordered, immutable list of rules. Order matters: rules
// are applied first to last, and replacements are chosen so that
// re-applying the set to already-redacted text is a no-op.
type RuleSet struct {
	rules      []Rule
	fieldRules map[string]Rule
}

// NewRuleSet compiles the configured rules, optionally prepending the
// built-in set. A malformed pattern is rejected here, at registration
// time, never at runtime.
func NewRuleSet(configs []types.SanitizeRuleConfig, builtin bool, redactWith string) (*RuleSet, error) {
	if redactWith == "" {
		redactWith = "****"
	}

	rs := &RuleSet{fieldRules: make(map[string]Rule)}
	if builtin {
		rs.rules = append(rs.rules, builtinRules(redactWith)...)
		rs.fieldRules["password"] = Rule{Name: "password_field", Field: "password", Replacement: redactWith}
	}

	for _, cfg := range configs {
		rule := Rule{Name: cfg.Name, Field: cfg.Field, Replacement: cfg.Replacement}
		if rule.Replacement == "" {
			rule.Replacement = redactWith
		}
		if cfg.Field != "" {
			rs.fieldRules[strings.ToLower(cfg.Field)] = rule
			continue
		}
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize rule %q: invalid pattern: %w", cfg.Name, err)
		}
		rule.re = re
		rs.rules = append(rs.rules, rule)
	}
	return rs, nil
}

// Len returns the number of pattern rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// fieldRule returns the rule targeting the given context key, if any.
func (rs *RuleSet) fieldRule(key string) (Rule, bool) {
	r, ok := rs.fieldRules[strings.ToLower(key)]
	return r, ok
}

// builtinRules returns the default redaction set. Replacement strings
// never re-match their own pattern, which is what keeps the stage
// idempotent.
func builtinRules(redactWith string) []Rule {
	return []Rule{
		{
			Name:        "url_password",
			re:          regexp.MustCompile(`(://[^:@\s]+:)([^@\s]+?)(@)`),
			Replacement: "${1}" + redactWith + "${3}",
		},
		{
			Name:        "bearer_token",
			re:          regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9\-._~+/]+=*)`),
			Replacement: "${1}" + redactWith,
		},
		{
			Name:        "jwt",
			re:          regexp.MustCompile(`eyJ[a-zA-Z0-9\-_]+=*\.eyJ[a-zA-Z0-9\-_]+=*\.[a-zA-Z0-9\-_]+=*`),
			Replacement: redactWith,
		},
		{
			Name:        "api_key",
			re:          regexp.MustCompile(`(?i)(api[_-]?key\s*[=:]\s*)([a-zA-Z0-9\-._~+/]+)`),
			Replacement: "${1}" + redactWith,
		},
		{
			Name:        "password_assignment",
			re:          regexp.MustCompile(`(?i)(passw(?:or)?d\s*[=:]\s*)([^\s,&*]+)`),
			Replacement: "${1}" + redactWith,
		},
		{
			Name:        "secret_assignment",
			re:          regexp.MustCompile(`(?i)((?:token|secret)\s*[=:]\s*)([a-zA-Z0-9\-._~+/]{16,})`),
			Replacement: "${1}" + redactWith,
		},
		{
			Name: "credit_card",
			re:   regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
			// Keeps the last four digits; handled specially in apply.
			Replacement: creditCardReplacement,
		},
		{
			Name:        "email",
			re:          regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			Replacement: emailReplacement,
		},
	}
}

// Replacement markers for rules that need a function instead of a
// template.
const (
	creditCardReplacement = "\x00cc"
	emailReplacement      = "\x00email"
)

// apply runs one rule over input. A panicking rule is skipped and the
// input returned untouched; sanitization must never block or drop a
// record.
func (r Rule) apply(input string) (out string) {
	defer func() {
		if recover() != nil {
			out = input
		}
	}()

	switch r.Replacement {
	case creditCardReplacement:
		return r.re.ReplaceAllStringFunc(input, func(match string) string {
			digits := strings.NewReplacer("-", "", " ", "").Replace(match)
			if len(digits) >= 4 {
				return "****-****-****-" + digits[len(digits)-4:]
			}
			return "****"
		})
	case emailReplacement:
		return r.re.ReplaceAllStringFunc(input, func(email string) string {
			at := strings.IndexByte(email, '@')
			if at < 1 {
				return "****"
			}
			return email[:1] + "****@" + email[at+1:]
		})
	default:
		return r.re.ReplaceAllString(input, r.Replacement)
	}
}
