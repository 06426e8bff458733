package naming

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultPrefix marks backend rules owned by this service.
const DefaultPrefix = "jit_rw_override-"

// LegacyPattern matches rules named {assignee}_rw_override-{address} by the
// webhook service this one replaced.
const LegacyPattern = "*_rw_override-*"

// Policy derives backend rule names from work item keys.
type Policy struct {
	Prefix string

	patterns []glob.Glob
}

func New(prefix string) *Policy {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Policy{Prefix: prefix}
}

// NewWithPatterns returns a policy that also owns rule names matching any of
// the glob patterns. Owned rules without a live record are reported by
// reconcile, never deleted.
func NewWithPatterns(prefix string, patterns []string) (*Policy, error) {
	p := New(prefix)
	for _, raw := range patterns {
		g, err := CompilePattern(raw)
		if err != nil {
			return nil, err
		}
		p.patterns = append(p.patterns, g)
	}
	return p, nil
}

// CompilePattern compiles a rule name glob: '*' and '?' match any run of
// characters and any single one, '[...]' a class, '{a,b}' alternatives.
func CompilePattern(raw string) (glob.Glob, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("rule pattern must not be empty")
	}
	g, err := glob.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("rule pattern %q: %w", raw, err)
	}
	return g, nil
}

// DeriveRuleID is a pure function of the key: the same key always names the
// same backend rule, and distinct keys never share one.
func (p *Policy) DeriveRuleID(workItemKey string) string {
	return p.prefix() + workItemKey
}

// Managed reports whether a backend rule name belongs to this service:
// produced by DeriveRuleID or matching one of the policy's patterns.
func (p *Policy) Managed(ruleName string) bool {
	if strings.HasPrefix(ruleName, p.prefix()) {
		return true
	}
	if p == nil {
		return false
	}
	for _, g := range p.patterns {
		if g.Match(ruleName) {
			return true
		}
	}
	return false
}

// WorkItemKey inverts DeriveRuleID. Names only matched by a pattern have no
// key.
func (p *Policy) WorkItemKey(ruleName string) (string, bool) {
	key, ok := strings.CutPrefix(ruleName, p.prefix())
	if !ok {
		return "", false
	}
	return key, true
}

func (p *Policy) prefix() string {
	if p == nil || p.Prefix == "" {
		return DefaultPrefix
	}
	return p.Prefix
}
