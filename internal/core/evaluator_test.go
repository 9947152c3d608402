package core

import (
	"reflect"
	"testing"
)

const tierDocument = `{"f": {"default": false, "rules": {"r1": {"when_match": true, "conditions": [{"action":"EQUALS","key":"tier","value":"premium"}]}}}}`

func mustParse(t testing.TB, raw string) *Document {
	t.Helper()

	doc, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return doc
}

func TestEvaluateScenarios(t *testing.T) {
	doc := mustParse(t, tierDocument)

	tests := []struct {
		name             string
		flag             string
		context          Context
		defaultIfMissing bool
		want             Result
	}{
		{
			name:    "matching context returns when_match",
			flag:    "f",
			context: Context{"tier": "premium"},
			want:    Result{Value: true, MatchedRule: "r1", Found: true},
		},
		{
			name:    "non matching context returns flag default",
			flag:    "f",
			context: Context{"tier": "basic"},
			want:    Result{Value: false, Found: true},
		},
		{
			name:    "missing key returns flag default",
			flag:    "f",
			context: Context{},
			want:    Result{Value: false, Found: true},
		},
		{
			name:             "nil context returns flag default",
			flag:             "f",
			context:          nil,
			defaultIfMissing: true,
			want:             Result{Value: false, Found: true},
		},
		{
			name:             "missing flag returns caller default",
			flag:             "nonexistent_flag",
			context:          Context{},
			defaultIfMissing: true,
			want:             Result{Value: true},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Evaluate(doc, test.flag, test.context, test.defaultIfMissing)
			if got != test.want {
				t.Fatalf("Evaluate() = %+v, want %+v", got, test.want)
			}
		})
	}
}

func TestEvaluateNilDocumentReturnsCallerDefault(t *testing.T) {
	for _, def := range []bool{true, false} {
		got := Evaluate(nil, "anything", Context{"tier": "premium"}, def)
		if got.Value != def || got.MatchedRule != "" || got.Found {
			t.Fatalf("Evaluate(nil, default=%t) = %+v", def, got)
		}
	}
}

func TestEvaluateFlagWithoutRulesAlwaysReturnsDefault(t *testing.T) {
	doc := mustParse(t, `{"static_flag": {"default": true}, "null_rules": {"default": false, "rules": null}}`)

	contexts := []Context{nil, {}, {"user_id": "hoge"}, {"tier": 1}}
	for _, ctx := range contexts {
		if got := Evaluate(doc, "static_flag", ctx, false); !got.Value || got.MatchedRule != "" {
			t.Fatalf("Evaluate(static_flag, %v) = %+v, want true with no rule", ctx, got)
		}
		if got := Evaluate(doc, "null_rules", ctx, true); got.Value || got.MatchedRule != "" {
			t.Fatalf("Evaluate(null_rules, %v) = %+v, want false with no rule", ctx, got)
		}
	}
}

func TestEvaluateRuleOrderDecidesPrecedence(t *testing.T) {
	doc := mustParse(t, `{
		"beta": {
			"default": false,
			"rules": {
				"deny staff": {"when_match": false, "conditions": [{"action": "EQUALS", "key": "role", "value": "staff"}]},
				"allow staff in eu": {"when_match": true, "conditions": [
					{"action": "EQUALS", "key": "role", "value": "staff"},
					{"action": "EQUALS", "key": "region", "value": "eu"}
				]}
			}
		}
	}`)

	got := Evaluate(doc, "beta", Context{"role": "staff", "region": "eu"}, true)
	want := Result{Value: false, MatchedRule: "deny staff", Found: true}
	if got != want {
		t.Fatalf("Evaluate() = %+v, want %+v", got, want)
	}
}

func TestEvaluateRequiresEveryCondition(t *testing.T) {
	doc := mustParse(t, `{
		"checkout": {
			"default": false,
			"rules": {
				"premium eu": {"when_match": true, "conditions": [
					{"action": "EQUALS", "key": "tier", "value": "premium"},
					{"action": "EQUALS", "key": "region", "value": "eu"}
				]}
			}
		}
	}`)

	tests := []struct {
		name    string
		context Context
		want    bool
	}{
		{name: "all hold", context: Context{"tier": "premium", "region": "eu"}, want: true},
		{name: "one fails", context: Context{"tier": "premium", "region": "us"}, want: false},
		{name: "one key missing", context: Context{"tier": "premium"}, want: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Evaluate(doc, "checkout", test.context, false).Value; got != test.want {
				t.Fatalf("Evaluate() = %t, want %t", got, test.want)
			}
		})
	}
}

func TestConditionActions(t *testing.T) {
	tests := []struct {
		name      string
		condition Condition
		context   Context
		want      bool
	}{
		{name: "equals is type sensitive", condition: Condition{Action: ActionEquals, Key: "k", Value: "1"}, context: Context{"k": 1}, want: false},
		{name: "equals number against string", condition: Condition{Action: ActionEquals, Key: "k", Value: float64(1)}, context: Context{"k": "1"}, want: false},
		{name: "equals bool against string", condition: Condition{Action: ActionEquals, Key: "k", Value: true}, context: Context{"k": "true"}, want: false},
		{name: "equals mixed numeric kinds", condition: Condition{Action: ActionEquals, Key: "k", Value: float64(1)}, context: Context{"k": int32(1)}, want: true},
		{name: "equals bool", condition: Condition{Action: ActionEquals, Key: "k", Value: true}, context: Context{"k": true}, want: true},
		{name: "equals keeps precision for large integers", condition: Condition{Action: ActionEquals, Key: "k", Value: uint64(9007199254740992)}, context: Context{"k": int64(9007199254740993)}, want: false},
		{name: "not equals different", condition: Condition{Action: ActionNotEquals, Key: "k", Value: "a"}, context: Context{"k": "b"}, want: true},
		{name: "not equals same", condition: Condition{Action: ActionNotEquals, Key: "k", Value: "a"}, context: Context{"k": "a"}, want: false},
		{name: "not equals missing key", condition: Condition{Action: ActionNotEquals, Key: "k", Value: "a"}, context: Context{}, want: false},
		{name: "greater than numbers", condition: Condition{Action: ActionGreaterThan, Key: "k", Value: float64(10)}, context: Context{"k": 11}, want: true},
		{name: "greater than equal boundary", condition: Condition{Action: ActionGreaterThanOrEqual, Key: "k", Value: float64(10)}, context: Context{"k": uint8(10)}, want: true},
		{name: "less than strings", condition: Condition{Action: ActionLessThan, Key: "k", Value: "b"}, context: Context{"k": "a"}, want: true},
		{name: "less than equal boundary", condition: Condition{Action: ActionLessThanOrEqual, Key: "k", Value: float64(-1)}, context: Context{"k": int64(-1)}, want: true},
		{name: "ordering across kinds is false", condition: Condition{Action: ActionGreaterThan, Key: "k", Value: float64(1)}, context: Context{"k": "2"}, want: false},
		{name: "starts with", condition: Condition{Action: ActionStartsWith, Key: "k", Value: "user-"}, context: Context{"k": "user-42"}, want: true},
		{name: "ends with non string", condition: Condition{Action: ActionEndsWith, Key: "k", Value: "42"}, context: Context{"k": 42}, want: false},
		{name: "key in value", condition: Condition{Action: ActionKeyInValue, Key: "k", Value: []any{"US", "CA"}}, context: Context{"k": "CA"}, want: true},
		{name: "key in value typed slice", condition: Condition{Action: ActionIn, Key: "k", Value: []string{"US", "CA"}}, context: Context{"k": "US"}, want: true},
		{name: "key in value not a list", condition: Condition{Action: ActionKeyInValue, Key: "k", Value: "US"}, context: Context{"k": "US"}, want: false},
		{name: "key not in value", condition: Condition{Action: ActionKeyNotInValue, Key: "k", Value: []any{"US"}}, context: Context{"k": "GB"}, want: true},
		{name: "not in alias", condition: Condition{Action: ActionNotIn, Key: "k", Value: []any{"US"}}, context: Context{"k": "US"}, want: false},
		{name: "value in key", condition: Condition{Action: ActionValueInKey, Key: "groups", Value: "admins"}, context: Context{"groups": []string{"devs", "admins"}}, want: true},
		{name: "value not in key", condition: Condition{Action: ActionValueNotInKey, Key: "groups", Value: "admins"}, context: Context{"groups": []any{"devs"}}, want: true},
		{name: "value in key scalar context", condition: Condition{Action: ActionValueInKey, Key: "groups", Value: "admins"}, context: Context{"groups": "admins"}, want: false},
		{name: "all in value", condition: Condition{Action: ActionAllInValue, Key: "k", Value: []any{"a", "b", "c"}}, context: Context{"k": []any{"a", "c"}}, want: true},
		{name: "all in value partial", condition: Condition{Action: ActionAllInValue, Key: "k", Value: []any{"a"}}, context: Context{"k": []any{"a", "z"}}, want: false},
		{name: "any in value", condition: Condition{Action: ActionAnyInValue, Key: "k", Value: []any{"a"}}, context: Context{"k": []any{"z", "a"}}, want: true},
		{name: "none in value", condition: Condition{Action: ActionNoneInValue, Key: "k", Value: []any{"a"}}, context: Context{"k": []any{"z"}}, want: true},
		{name: "none in value overlap", condition: Condition{Action: ActionNoneInValue, Key: "k", Value: []any{"a"}}, context: Context{"k": []any{"a"}}, want: false},
		{name: "modulo range inside", condition: Condition{Action: ActionModuloRange, Key: "k", Value: map[string]any{"BASE": float64(100), "START": float64(0), "END": float64(49)}}, context: Context{"k": 1234}, want: true},
		{name: "modulo range outside", condition: Condition{Action: ActionModuloRange, Key: "k", Value: map[string]any{"BASE": float64(100), "START": float64(0), "END": float64(49)}}, context: Context{"k": 1250}, want: false},
		{name: "modulo range negative context", condition: Condition{Action: ActionModuloRange, Key: "k", Value: map[string]any{"BASE": float64(10), "START": float64(9), "END": float64(9)}}, context: Context{"k": -1}, want: true},
		{name: "modulo range non integer context", condition: Condition{Action: ActionModuloRange, Key: "k", Value: map[string]any{"BASE": float64(10), "START": float64(0), "END": float64(9)}}, context: Context{"k": 1.5}, want: false},
		{name: "unknown action never holds", condition: Condition{Action: Action("CONTAINS"), Key: "k", Value: "a"}, context: Context{"k": "a"}, want: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := conditionHolds(test.condition, test.context); got != test.want {
				t.Fatalf("conditionHolds(%+v, %v) = %t, want %t", test.condition, test.context, got, test.want)
			}
		})
	}
}

func TestMissingKeyNeverHoldsForAnyAction(t *testing.T) {
	literals := map[Action]any{
		ActionModuloRange: map[string]any{"BASE": float64(2), "START": float64(0), "END": float64(1)},
	}
	for _, action := range SupportedActions() {
		literal, ok := literals[action]
		if !ok {
			literal = []any{"a"}
		}
		condition := Condition{Action: action, Key: "missing", Value: literal}
		if conditionHolds(condition, Context{"other": []any{"a"}}) {
			t.Fatalf("conditionHolds(%s) with missing key = true, want false", action)
		}
	}
}

func TestEnabledFlags(t *testing.T) {
	doc := mustParse(t, `{
		"zeta": {"default": true},
		"alpha": {"default": false, "rules": {"pro": {"when_match": true, "conditions": [{"action": "KEY_IN_VALUE", "key": "plan", "value": ["pro", "team"]}]}}},
		"us_only": {"default": false, "rules": {"us": {"when_match": true, "conditions": [{"action": "EQUALS", "key": "country", "value": "US"}]}}}
	}`)

	got := EnabledFlags(doc, Context{"plan": "pro", "country": "CA"})
	want := []string{"zeta", "alpha"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("EnabledFlags() = %#v, want %#v", got, want)
	}

	if got := EnabledFlags(nil, Context{}); got != nil {
		t.Fatalf("EnabledFlags(nil) = %#v, want nil", got)
	}
}

func TestDocumentFlagReturnsCopy(t *testing.T) {
	doc := mustParse(t, tierDocument)

	flag, ok := doc.Flag("f")
	if !ok {
		t.Fatal("Flag(f) not found")
	}
	flag.Rules[0].WhenMatch = false
	flag.Rules[0].Conditions[0].Value = "basic"

	if got := Evaluate(doc, "f", Context{"tier": "premium"}, false); !got.Value {
		t.Fatalf("Evaluate() after mutating copy = %+v, want true", got)
	}
}
