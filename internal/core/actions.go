package core

import (
	"slices"
	"strings"
)

// matcher reports whether a context value satisfies a condition literal. It
// must return false rather than fail on operands it cannot compare.
type matcher func(contextValue, literal any) bool

var actionMatchers = map[Action]matcher{
	ActionEquals:             valuesEqual,
	ActionNotEquals:          func(v, lit any) bool { return !valuesEqual(v, lit) },
	ActionGreaterThan:        ordered(func(c int) bool { return c > 0 }),
	ActionGreaterThanOrEqual: ordered(func(c int) bool { return c >= 0 }),
	ActionLessThan:           ordered(func(c int) bool { return c < 0 }),
	ActionLessThanOrEqual:    ordered(func(c int) bool { return c <= 0 }),
	ActionStartsWith:         stringsMatch(strings.HasPrefix),
	ActionEndsWith:           stringsMatch(strings.HasSuffix),
	ActionKeyInValue:         keyInValue,
	ActionIn:                 keyInValue,
	ActionKeyNotInValue:      keyNotInValue,
	ActionNotIn:              keyNotInValue,
	ActionValueInKey:         valueInKey,
	ActionValueNotInKey:      valueNotInKey,
	ActionAllInValue:         allInValue,
	ActionAnyInValue:         anyInValue,
	ActionNoneInValue:        noneInValue,
	ActionModuloRange:        moduloRangeMatches,
}

func isSupportedAction(action Action) bool {
	_, ok := actionMatchers[action]
	return ok
}

// SupportedActions lists every action Parse accepts, sorted by name.
func SupportedActions() []Action {
	actions := make([]Action, 0, len(actionMatchers))
	for action := range actionMatchers {
		actions = append(actions, action)
	}
	slices.Sort(actions)
	return actions
}

func ordered(accept func(int) bool) matcher {
	return func(v, lit any) bool {
		result, ok := compareValues(v, lit)
		return ok && accept(result)
	}
}

func stringsMatch(fn func(s, affix string) bool) matcher {
	return func(v, lit any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		affix, ok := lit.(string)
		if !ok {
			return false
		}
		return fn(s, affix)
	}
}

func keyInValue(v, lit any) bool {
	list, ok := asList(lit)
	return ok && listContains(list, v)
}

func keyNotInValue(v, lit any) bool {
	list, ok := asList(lit)
	return ok && !listContains(list, v)
}

func valueInKey(v, lit any) bool {
	list, ok := asList(v)
	return ok && listContains(list, lit)
}

func valueNotInKey(v, lit any) bool {
	list, ok := asList(v)
	return ok && !listContains(list, lit)
}

func allInValue(v, lit any) bool {
	values, literals, ok := bothLists(v, lit)
	if !ok {
		return false
	}
	for _, value := range values {
		if !listContains(literals, value) {
			return false
		}
	}
	return true
}

func anyInValue(v, lit any) bool {
	values, literals, ok := bothLists(v, lit)
	if !ok {
		return false
	}
	for _, value := range values {
		if listContains(literals, value) {
			return true
		}
	}
	return false
}

func noneInValue(v, lit any) bool {
	values, literals, ok := bothLists(v, lit)
	if !ok {
		return false
	}
	return !anyInValue(values, literals)
}

func bothLists(v, lit any) ([]any, []any, bool) {
	values, ok := asList(v)
	if !ok {
		return nil, nil, false
	}
	literals, ok := asList(lit)
	if !ok {
		return nil, nil, false
	}
	return values, literals, true
}

type moduloRange struct {
	base  int64
	start int64
	end   int64
}

// parseModuloRange reads a {"BASE","START","END"} literal.
func parseModuloRange(lit any) (moduloRange, bool) {
	fields, ok := lit.(map[string]any)
	if !ok {
		return moduloRange{}, false
	}

	var r moduloRange
	for name, dst := range map[string]*int64{"BASE": &r.base, "START": &r.start, "END": &r.end} {
		raw, ok := fields[name]
		if !ok {
			return moduloRange{}, false
		}
		n, ok := asInteger(raw)
		if !ok {
			return moduloRange{}, false
		}
		*dst = n
	}

	if r.base <= 0 || r.start < 0 || r.start > r.end || r.end >= r.base {
		return moduloRange{}, false
	}

	return r, true
}

func moduloRangeMatches(v, lit any) bool {
	r, ok := parseModuloRange(lit)
	if !ok {
		return false
	}
	n, ok := asInteger(v)
	if !ok {
		return false
	}
	remainder := ((n % r.base) + r.base) % r.base
	return remainder >= r.start && remainder <= r.end
}
