package actions

import (
	"codeberg.org/mutker/edgetel/internal/tree"
)

// Chain is a compiled, immutable sequence of rules. It is safe for
// concurrent use.
type Chain struct {
	rules []compiledRule
}

// Compile validates rules and returns the chain applying them in order.
// Malformed rules yield an action_error.
func Compile(rules []Rule) (*Chain, error) {
	c := &Chain{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if !r.enabled() {
			continue
		}
		compiled, err := compileRule(i, r)
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, compiled)
	}

	return c, nil
}

// Validate reports whether rules compile.
func Validate(rules []Rule) error {
	_, err := Compile(rules)
	return err
}

// Len returns the number of active rules.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

// Apply runs v through the chain. v is never modified and the result
// shares no containers with it. A nil chain returns a copy of v.
func (c *Chain) Apply(v tree.Value) tree.Value {
	out := v.Clone()
	if c == nil {
		return out
	}

	for _, r := range c.rules {
		if r.matches(out) {
			out = r.transform(out)
		}
	}

	return out
}
