package core

import (
	"bytes"
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// MarshalJSON encodes the document in its wire format, keeping flag and rule
// order.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := jsontext.NewEncoder(&buf)

	if err := enc.WriteToken(jsontext.BeginObject); err != nil {
		return nil, err
	}
	if d != nil {
		for _, name := range d.order {
			if err := enc.WriteToken(jsontext.String(name)); err != nil {
				return nil, err
			}
			if err := encodeFlag(enc, d.flags[name]); err != nil {
				return nil, fmt.Errorf("encode flag %q: %w", name, err)
			}
		}
	}
	if err := enc.WriteToken(jsontext.EndObject); err != nil {
		return nil, err
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MarshalFlag encodes a single flag definition in its wire format.
func MarshalFlag(flag Flag) ([]byte, error) {
	var buf bytes.Buffer
	enc := jsontext.NewEncoder(&buf)
	if err := encodeFlag(enc, flag); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func encodeFlag(enc *jsontext.Encoder, flag Flag) error {
	if err := enc.WriteToken(jsontext.BeginObject); err != nil {
		return err
	}
	if err := writeMember(enc, "default", jsontext.Bool(flag.Default)); err != nil {
		return err
	}

	if len(flag.Rules) > 0 {
		if err := enc.WriteToken(jsontext.String("rules")); err != nil {
			return err
		}
		if err := enc.WriteToken(jsontext.BeginObject); err != nil {
			return err
		}
		for _, rule := range flag.Rules {
			if err := enc.WriteToken(jsontext.String(rule.Name)); err != nil {
				return err
			}
			if err := encodeRule(enc, rule); err != nil {
				return fmt.Errorf("rule %q: %w", rule.Name, err)
			}
		}
		if err := enc.WriteToken(jsontext.EndObject); err != nil {
			return err
		}
	}

	return enc.WriteToken(jsontext.EndObject)
}

func encodeRule(enc *jsontext.Encoder, rule Rule) error {
	if err := enc.WriteToken(jsontext.BeginObject); err != nil {
		return err
	}
	if err := writeMember(enc, "when_match", jsontext.Bool(rule.WhenMatch)); err != nil {
		return err
	}
	if err := enc.WriteToken(jsontext.String("conditions")); err != nil {
		return err
	}
	if err := enc.WriteToken(jsontext.BeginArray); err != nil {
		return err
	}
	for idx, condition := range rule.Conditions {
		value, err := json.Marshal(condition.Value, json.Deterministic(true))
		if err != nil {
			return fmt.Errorf("conditions[%d]: %w", idx, err)
		}
		if err := enc.WriteToken(jsontext.BeginObject); err != nil {
			return err
		}
		if err := writeMember(enc, "action", jsontext.String(string(condition.Action))); err != nil {
			return err
		}
		if err := writeMember(enc, "key", jsontext.String(condition.Key)); err != nil {
			return err
		}
		if err := enc.WriteToken(jsontext.String("value")); err != nil {
			return err
		}
		if err := enc.WriteValue(jsontext.Value(value)); err != nil {
			return err
		}
		if err := enc.WriteToken(jsontext.EndObject); err != nil {
			return err
		}
	}
	if err := enc.WriteToken(jsontext.EndArray); err != nil {
		return err
	}
	return enc.WriteToken(jsontext.EndObject)
}

func writeMember(enc *jsontext.Encoder, name string, value jsontext.Token) error {
	if err := enc.WriteToken(jsontext.String(name)); err != nil {
		return err
	}
	return enc.WriteToken(value)
}
