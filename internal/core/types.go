// Package core holds the flag configuration document model and the rule
// evaluation engine.
//
// A document is parsed once from its JSON wire format, is immutable
// afterwards, and can be shared by any number of concurrent evaluations.
package core

import "slices"

// Action names the comparison a condition applies between a context value
// and the condition's literal.
type Action string

const (
	ActionEquals             Action = "EQUALS"
	ActionNotEquals          Action = "NOT_EQUALS"
	ActionGreaterThan        Action = "KEY_GREATER_THAN_VALUE"
	ActionGreaterThanOrEqual Action = "KEY_GREATER_THAN_OR_EQUAL_VALUE"
	ActionLessThan           Action = "KEY_LESS_THAN_VALUE"
	ActionLessThanOrEqual    Action = "KEY_LESS_THAN_OR_EQUAL_VALUE"
	ActionStartsWith         Action = "STARTSWITH"
	ActionEndsWith           Action = "ENDSWITH"
	ActionKeyInValue         Action = "KEY_IN_VALUE"
	ActionKeyNotInValue      Action = "KEY_NOT_IN_VALUE"
	ActionValueInKey         Action = "VALUE_IN_KEY"
	ActionValueNotInKey      Action = "VALUE_NOT_IN_KEY"
	ActionAllInValue         Action = "ALL_IN_VALUE"
	ActionAnyInValue         Action = "ANY_IN_VALUE"
	ActionNoneInValue        Action = "NONE_IN_VALUE"
	ActionModuloRange        Action = "MODULO_RANGE"
	ActionIn                 Action = "IN"
	ActionNotIn              Action = "NOT_IN"
)

// Condition is a single comparison between the context value stored under
// Key and the literal Value.
type Condition struct {
	Action Action
	Key    string
	Value  any
}

// Rule matches when every one of its conditions holds.
type Rule struct {
	Name       string
	WhenMatch  bool
	Conditions []Condition
}

// Flag is a named boolean toggle. Rules are kept in document order.
type Flag struct {
	Name    string
	Default bool
	Rules   []Rule
}

// Context is the per-evaluation input describing the current request.
type Context map[string]any

// Result is the outcome of evaluating a flag. MatchedRule is empty when no
// rule matched. Found reports whether the flag exists in the document.
type Result struct {
	Value       bool   `json:"value"`
	MatchedRule string `json:"matched_rule,omitempty"`
	Found       bool   `json:"-"`
}

// Document is a parsed configuration document. The zero value is an empty
// document.
type Document struct {
	flags map[string]Flag
	order []string
}

// Len returns the number of flags in the document.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.order)
}

// Names returns flag names in document order.
func (d *Document) Names() []string {
	if d == nil {
		return nil
	}
	return slices.Clone(d.order)
}

// Flag returns a copy of the named flag.
func (d *Document) Flag(name string) (Flag, bool) {
	if d == nil {
		return Flag{}, false
	}
	flag, ok := d.flags[name]
	if !ok {
		return Flag{}, false
	}
	return cloneFlag(flag), true
}

// lookup returns the stored flag without copying; evaluation never writes.
func (d *Document) lookup(name string) (Flag, bool) {
	if d == nil {
		return Flag{}, false
	}
	flag, ok := d.flags[name]
	return flag, ok
}

func cloneFlag(flag Flag) Flag {
	if flag.Rules == nil {
		return flag
	}
	rules := make([]Rule, len(flag.Rules))
	for i, rule := range flag.Rules {
		rule.Conditions = slices.Clone(rule.Conditions)
		rules[i] = rule
	}
	flag.Rules = rules
	return flag
}
