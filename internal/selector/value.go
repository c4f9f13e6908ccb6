package selector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValueKind discriminates the Value union.
type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindNumber
	KindBool
	KindRegexp
)

// RegExpSpec is a serializable regular expression in JavaScript notation.
type RegExpSpec struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Flags   string `json:"flags,omitempty" yaml:"flags,omitempty"`
}

// Value is the expected value of a selector: a string, a number, a boolean
// or a regular expression. The zero Value is invalid.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	re   RegExpSpec
}

// String builds a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number builds a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool builds a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Regexp builds a regular expression value.
func Regexp(pattern, flags string) Value {
	return Value{kind: KindRegexp, re: RegExpSpec{Pattern: pattern, Flags: flags}}
}

// Kind returns the union discriminator.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string payload.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric payload.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Boolean returns the boolean payload.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// RegExp returns the regular expression payload.
func (v Value) RegExp() (RegExpSpec, bool) { return v.re, v.kind == KindRegexp }

// Interface returns the payload as a plain Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindRegexp:
		return v.re
	}
	return nil
}

// String formats the value the way JavaScript's String() would.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return FormatNumber(v.num)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindRegexp:
		return "/" + v.re.Pattern + "/" + v.re.Flags
	}
	return "undefined"
}

// FormatNumber renders a float the way JavaScript prints numbers.
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// MarshalJSON encodes scalars as JSON scalars and regexps as {pattern, flags}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindRegexp:
		return json.Marshal(v.re)
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes any of the accepted JSON forms.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case '{':
		var re RegExpSpec
		if err := json.Unmarshal(data, &re); err != nil {
			return err
		}
		if re.Pattern == "" {
			return fmt.Errorf("%w: regexp value without pattern", ErrContract)
		}
		*v = Regexp(re.Pattern, re.Flags)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("%w: unsupported value %s", ErrContract, data)
		}
		*v = Number(f)
	}
	return nil
}

// MarshalYAML mirrors MarshalJSON for YAML query files.
func (v Value) MarshalYAML() (interface{}, error) {
	return v.Interface(), nil
}

// UnmarshalYAML accepts scalars and {pattern, flags} mappings.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var re RegExpSpec
		if err := node.Decode(&re); err != nil {
			return err
		}
		if re.Pattern == "" {
			return fmt.Errorf("%w: regexp value without pattern", ErrContract)
		}
		*v = Regexp(re.Pattern, re.Flags)
		return nil
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return err
			}
			*v = Bool(b)
		case "!!int", "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return err
			}
			*v = Number(f)
		default:
			*v = String(node.Value)
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported yaml value at line %d", ErrContract, node.Line)
}
