// Package sanitize implements the redaction stage that every record
// passes through before it can reach any destination.
//
// The stage is a pure transform: Sanitize takes a Record and returns a
// new Record with sensitive substrings replaced, leaving the input
// untouched. Rule application is idempotent, so re-sanitizing already
// redacted text is a no-op, and a cache of previous results keeps the
// hot logging path from re-running every pattern on repeated strings.
package sanitize

import (
	"layerlog/pkg/types"

	"github.com/sirupsen/logrus"
)

// Sanitizer applies an ordered rule set to records. Safe for
// concurrent use by any number of producers.
type Sanitizer struct {
	rules  *RuleSet
	cache  *resultCache
	logger *logrus.Logger
}

// New creates a Sanitizer from an already-validated rule set.
func New(rules *RuleSet, cacheSize int, logger *logrus.Logger) *Sanitizer {
	return &Sanitizer{
		rules:  rules,
		cache:  newResultCache(cacheSize),
		logger: logger,
	}
}

// FromConfig compiles the configured rules and builds a Sanitizer.
// Invalid patterns are reported here, before the pipeline starts. A
// disabled config yields a sanitizer with no rules, which passes
// records through unchanged.
func FromConfig(cfg types.SanitizeConfig, logger *logrus.Logger) (*Sanitizer, error) {
	if !cfg.Enabled {
		empty, err := NewRuleSet(nil, false, "")
		if err != nil {
			return nil, err
		}
		return New(empty, cfg.CacheSize, logger), nil
	}
	rules, err := NewRuleSet(cfg.Rules, cfg.Builtin, cfg.RedactWith)
	if err != nil {
		return nil, err
	}
	return New(rules, cfg.CacheSize, logger), nil
}

// Sanitize returns a new Record with the message and every string
// context value redacted. Non-string context values pass through
// unless a field rule targets their key. The input record is never
// mutated.
func (s *Sanitizer) Sanitize(record types.Record) types.Record {
	out := record.Clone()
	out.Message = s.sanitizeString(record.Message)

	for key, value := range out.Context {
		if rule, ok := s.rules.fieldRule(key); ok {
			out.Context[key] = rule.Replacement
			continue
		}
		if str, ok := value.(string); ok {
			out.Context[key] = s.sanitizeString(str)
		}
	}
	return out
}

// sanitizeString runs the rule set over one string, consulting the
// result cache first.
func (s *Sanitizer) sanitizeString(input string) string {
	if input == "" {
		return input
	}
	if cached, ok := s.cache.get(input); ok {
		return cached
	}

	result := input
	for _, rule := range s.rules.rules {
		next := rule.apply(result)
		if next == result {
			continue
		}
		result = next
	}

	s.cache.put(input, result)
	return result
}

// ClearCache drops all memoized results.
func (s *Sanitizer) ClearCache() {
	s.cache.clear()
}

// CacheStats returns hit/miss counters and the current cache size.
func (s *Sanitizer) CacheStats() (hits, misses int64, size int) {
	hits, misses = s.cache.stats()
	return hits, misses, s.cache.size()
}
