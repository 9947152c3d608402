package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

var (
	errNotObject = errors.New("not a JSON object")
	errNotArray  = errors.New("not a JSON array")
)

// ParseOption configures Parse.
type ParseOption func(*parseConfig)

type parseConfig struct {
	skipUnknownActions bool
}

// WithSkipUnknownActions drops rules that use an unsupported action instead
// of failing the whole document. Structural errors still fail the parse.
func WithSkipUnknownActions() ParseOption {
	return func(c *parseConfig) { c.skipUnknownActions = true }
}

// Parse decodes and validates a configuration document. Either the whole
// document is returned or an error matching ErrMalformedDocument is.
func Parse(raw []byte, opts ...ParseOption) (*Document, error) {
	var cfg parseConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	members, err := readObject(raw)
	if err != nil {
		if errors.Is(err, errNotObject) {
			return nil, malformed("document must be a JSON object")
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}

	doc := &Document{
		flags: make(map[string]Flag, len(members)),
		order: make([]string, 0, len(members)),
	}
	for _, member := range members {
		flag, err := parseFlag(member.name, member.value, cfg)
		if err != nil {
			return nil, err
		}
		doc.flags[member.name] = flag
		doc.order = append(doc.order, member.name)
	}

	return doc, nil
}

func parseFlag(name string, raw jsontext.Value, cfg parseConfig) (Flag, error) {
	fields, err := readFields(raw)
	if err != nil {
		return Flag{}, malformed("flag %q: must be an object", name)
	}

	defaultRaw, ok := fields["default"]
	if !ok {
		return Flag{}, malformed("flag %q: missing \"default\"", name)
	}
	defaultValue, ok := decodeBool(defaultRaw)
	if !ok {
		return Flag{}, malformed("flag %q: \"default\" must be a boolean", name)
	}

	flag := Flag{Name: name, Default: defaultValue}

	rulesRaw, ok := fields["rules"]
	if !ok || rulesRaw.Kind() == 'n' {
		return flag, nil
	}

	rules, err := readObject(rulesRaw)
	if err != nil {
		return Flag{}, malformed("flag %q: \"rules\" must be an object", name)
	}

	flag.Rules = make([]Rule, 0, len(rules))
	for _, member := range rules {
		rule, err := parseRule(name, member.name, member.value)
		if err != nil {
			var unknown *UnknownActionError
			if cfg.skipUnknownActions && errors.As(err, &unknown) {
				continue
			}
			return Flag{}, err
		}
		flag.Rules = append(flag.Rules, rule)
	}

	return flag, nil
}

func parseRule(flagName, ruleName string, raw jsontext.Value) (Rule, error) {
	fields, err := readFields(raw)
	if err != nil {
		return Rule{}, malformed("flag %q: rule %q: must be an object", flagName, ruleName)
	}

	whenMatchRaw, ok := fields["when_match"]
	if !ok {
		return Rule{}, malformed("flag %q: rule %q: missing \"when_match\"", flagName, ruleName)
	}
	whenMatch, ok := decodeBool(whenMatchRaw)
	if !ok {
		return Rule{}, malformed("flag %q: rule %q: \"when_match\" must be a boolean", flagName, ruleName)
	}

	conditionsRaw, ok := fields["conditions"]
	if !ok {
		return Rule{}, malformed("flag %q: rule %q: missing \"conditions\"", flagName, ruleName)
	}
	elements, err := readArray(conditionsRaw)
	if err != nil {
		return Rule{}, malformed("flag %q: rule %q: \"conditions\" must be an array", flagName, ruleName)
	}
	if len(elements) == 0 {
		return Rule{}, malformed("flag %q: rule %q: \"conditions\" must not be empty", flagName, ruleName)
	}

	rule := Rule{
		Name:       ruleName,
		WhenMatch:  whenMatch,
		Conditions: make([]Condition, 0, len(elements)),
	}

	// Structural errors in later conditions win over an unknown action so
	// that skipping unknown actions never hides a broken rule.
	var unknownErr error
	for idx, element := range elements {
		condition, err := parseCondition(flagName, ruleName, idx, element)
		if err != nil {
			var unknown *UnknownActionError
			if errors.As(err, &unknown) {
				if unknownErr == nil {
					unknownErr = err
				}
				continue
			}
			return Rule{}, err
		}
		rule.Conditions = append(rule.Conditions, condition)
	}
	if unknownErr != nil {
		return Rule{}, unknownErr
	}

	return rule, nil
}

func parseCondition(flagName, ruleName string, idx int, raw jsontext.Value) (Condition, error) {
	fields, err := readFields(raw)
	if err != nil {
		return Condition{}, malformed("flag %q: rule %q: conditions[%d]: must be an object", flagName, ruleName, idx)
	}

	for _, required := range []string{"action", "key", "value"} {
		if _, ok := fields[required]; !ok {
			return Condition{}, malformed("flag %q: rule %q: conditions[%d]: missing %q", flagName, ruleName, idx, required)
		}
	}

	action, ok := decodeString(fields["action"])
	if !ok {
		return Condition{}, malformed("flag %q: rule %q: conditions[%d]: \"action\" must be a string", flagName, ruleName, idx)
	}
	key, ok := decodeString(fields["key"])
	if !ok {
		return Condition{}, malformed("flag %q: rule %q: conditions[%d]: \"key\" must be a string", flagName, ruleName, idx)
	}

	value, err := decodeLiteral(fields["value"])
	if err != nil {
		return Condition{}, fmt.Errorf("%w: flag %q: rule %q: conditions[%d]: value: %w", ErrMalformedDocument, flagName, ruleName, idx, err)
	}

	if !isSupportedAction(Action(action)) {
		return Condition{}, &UnknownActionError{Flag: flagName, Rule: ruleName, Condition: idx, Action: action}
	}

	if Action(action) == ActionModuloRange {
		if _, ok := parseModuloRange(value); !ok {
			return Condition{}, malformed("flag %q: rule %q: conditions[%d]: MODULO_RANGE value must be {\"BASE\",\"START\",\"END\"} integers with BASE > 0 and 0 <= START <= END < BASE", flagName, ruleName, idx)
		}
	}

	return Condition{Action: Action(action), Key: key, Value: value}, nil
}

type member struct {
	name  string
	value jsontext.Value
}

// readObject returns the members of a JSON object in document order. A name
// that appears twice keeps its first position and takes its last value.
func readObject(raw []byte) ([]member, error) {
	dec := jsontext.NewDecoder(bytes.NewReader(raw), jsontext.AllowDuplicateNames(true))

	tok, err := dec.ReadToken()
	if err != nil {
		return nil, err
	}
	if tok.Kind() != '{' {
		return nil, errNotObject
	}

	var members []member
	positions := make(map[string]int)
	for dec.PeekKind() != '}' {
		nameTok, err := dec.ReadToken()
		if err != nil {
			return nil, err
		}
		// The token is only valid until the next decoder call.
		name := nameTok.String()
		value, err := dec.ReadValue()
		if err != nil {
			return nil, err
		}
		value = bytes.Clone(value)
		if pos, ok := positions[name]; ok {
			members[pos].value = value
			continue
		}
		positions[name] = len(members)
		members = append(members, member{name: name, value: value})
	}
	if _, err := dec.ReadToken(); err != nil {
		return nil, err
	}
	if err := expectEOF(dec); err != nil {
		return nil, err
	}

	return members, nil
}

func readFields(raw []byte) (map[string]jsontext.Value, error) {
	members, err := readObject(raw)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]jsontext.Value, len(members))
	for _, m := range members {
		fields[m.name] = m.value
	}
	return fields, nil
}

func readArray(raw []byte) ([]jsontext.Value, error) {
	dec := jsontext.NewDecoder(bytes.NewReader(raw), jsontext.AllowDuplicateNames(true))

	tok, err := dec.ReadToken()
	if err != nil {
		return nil, err
	}
	if tok.Kind() != '[' {
		return nil, errNotArray
	}

	var elements []jsontext.Value
	for dec.PeekKind() != ']' {
		value, err := dec.ReadValue()
		if err != nil {
			return nil, err
		}
		elements = append(elements, bytes.Clone(value))
	}
	if _, err := dec.ReadToken(); err != nil {
		return nil, err
	}
	if err := expectEOF(dec); err != nil {
		return nil, err
	}

	return elements, nil
}

func expectEOF(dec *jsontext.Decoder) error {
	if _, err := dec.ReadToken(); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after top-level value")
		}
		return err
	}
	return nil
}

// decodeLiteral decodes a condition value. Integral numbers become int64, or
// uint64 above math.MaxInt64, so large IDs compare and re-encode exactly.
// Other numbers become float64.
func decodeLiteral(raw jsontext.Value) (any, error) {
	switch raw.Kind() {
	case '0':
		return parseNumber(strings.TrimSpace(string(raw)))
	case '{':
		members, err := readObject(raw)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(members))
		for _, m := range members {
			v, err := decodeLiteral(m.value)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", m.name, err)
			}
			out[m.name] = v
		}
		return out, nil
	case '[':
		elements, err := readArray(raw)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(elements))
		for i, element := range elements {
			v, err := decodeLiteral(element)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	default:
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, err
		}
		return value, nil
	}
}

func parseNumber(text string) (any, error) {
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i, nil
	}
	if u, err := strconv.ParseUint(text, 10, 64); err == nil {
		return u, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("number %s out of range", text)
	}
	return f, nil
}

func decodeBool(raw jsontext.Value) (bool, bool) {
	switch raw.Kind() {
	case 't':
		return true, true
	case 'f':
		return false, true
	default:
		return false, false
	}
}

func decodeString(raw jsontext.Value) (string, bool) {
	if raw.Kind() != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
