// Copyright 2025 James Ross
// Package retrypolicy is a rule-based retry classifier: a connector error
// class is matched against configured patterns to decide whether fail_job
// should set can_retry.
package retrypolicy

import "strings"

// Rule maps an error-class substring match to a retry decision. Rules are
// evaluated in order; the first match wins.
type Rule struct {
	Name          string
	ErrorContains string
	Retryable     bool
}

// Classifier evaluates connector error classes against an ordered rule set,
// falling back to a configurable default when nothing matches.
type Classifier struct {
	rules            []Rule
	defaultRetryable bool
}

// New builds a Classifier. defaultRetryable governs unmatched error
// classes; DefaultClassifier fails open (retryable) for classes it has
// never seen, on the theory that a transient downstream hiccup is more
// likely than a newly-introduced permanent failure mode.
func New(rules []Rule, defaultRetryable bool) *Classifier {
	return &Classifier{rules: rules, defaultRetryable: defaultRetryable}
}

// DefaultClassifier matches the common terminal failure classes (validation,
// auth, not-found, payload-too-large) as non-retryable and everything else
// as retryable.
func DefaultClassifier() *Classifier {
	return New([]Rule{
		{Name: "validation", ErrorContains: "validation", Retryable: false},
		{Name: "invalid_payload", ErrorContains: "invalid payload", Retryable: false},
		{Name: "unauthorized", ErrorContains: "unauthorized", Retryable: false},
		{Name: "forbidden", ErrorContains: "forbidden", Retryable: false},
		{Name: "not_found", ErrorContains: "not found", Retryable: false},
		{Name: "payload_too_large", ErrorContains: "too large", Retryable: false},
		{Name: "cancelled", ErrorContains: "cancelled", Retryable: false},
		{Name: "timeout", ErrorContains: "timeout", Retryable: true},
		{Name: "connection", ErrorContains: "connection", Retryable: true},
		{Name: "rate_limited", ErrorContains: "rate limit", Retryable: true},
		{Name: "unavailable", ErrorContains: "unavailable", Retryable: true},
	}, true)
}

// CanRetry classifies errClass (typically the connector error's message or
// a coarser error-code string) and returns whether fail_job should set
// can_retry=true.
func (c *Classifier) CanRetry(errClass string) bool {
	lower := strings.ToLower(errClass)
	for _, r := range c.rules {
		if strings.Contains(lower, r.ErrorContains) {
			return r.Retryable
		}
	}
	return c.defaultRetryable
}
