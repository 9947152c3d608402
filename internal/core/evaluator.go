package core

// Evaluate resolves the named flag against ctx. defaultIfMissing is returned
// when doc is nil or has no flag with that name; otherwise the first rule
// whose conditions all hold decides, and the flag's own default applies when
// none does.
func Evaluate(doc *Document, name string, ctx Context, defaultIfMissing bool) Result {
	flag, ok := doc.lookup(name)
	if !ok {
		return Result{Value: defaultIfMissing}
	}

	return EvaluateFlag(flag, ctx)
}

// EvaluateFlag resolves a single flag definition against ctx.
func EvaluateFlag(flag Flag, ctx Context) Result {
	for _, rule := range flag.Rules {
		if ruleMatches(rule, ctx) {
			return Result{Value: rule.WhenMatch, MatchedRule: rule.Name, Found: true}
		}
	}

	return Result{Value: flag.Default, Found: true}
}

// EnabledFlags returns, in document order, the names of every flag that
// evaluates to true for ctx.
func EnabledFlags(doc *Document, ctx Context) []string {
	if doc == nil {
		return nil
	}

	enabled := make([]string, 0, len(doc.order))
	for _, name := range doc.order {
		if EvaluateFlag(doc.flags[name], ctx).Value {
			enabled = append(enabled, name)
		}
	}

	return enabled
}

func ruleMatches(rule Rule, ctx Context) bool {
	if len(rule.Conditions) == 0 {
		return false
	}

	for _, condition := range rule.Conditions {
		if !conditionHolds(condition, ctx) {
			return false
		}
	}

	return true
}

func conditionHolds(condition Condition, ctx Context) bool {
	if ctx == nil {
		return false
	}

	value, ok := ctx[condition.Key]
	if !ok {
		return false
	}

	match, ok := actionMatchers[condition.Action]
	if !ok {
		return false
	}

	return match(value, condition.Value)
}
