// Package selector defines the declarative description of "which objects":
// selectors, the tiered QueryInfo bundle and the AODesc wire descriptor.
package selector

import (
	"errors"
	"fmt"
	"strings"
)

// ErrContract is the root of every selector contract violation. These are
// programming errors and are never retried.
var ErrContract = errors.New("selector contract violation")

var (
	ErrMissingName  = fmt.Errorf("%w: selector name is required", ErrContract)
	ErrUnknownType  = fmt.Errorf("%w: unknown selector type", ErrContract)
	ErrUnknownMatch = fmt.Errorf("%w: unknown match kind", ErrContract)
	ErrMissingValue = fmt.Errorf("%w: match kind requires a value", ErrContract)
)

// Type says where a selector reads its actual value from.
type Type string

const (
	TypeProperty  Type = "property"
	TypeAttribute Type = "attribute"
	TypeFunction  Type = "function"
	TypeText      Type = "text"
)

// Valid reports whether t is a known selector type.
func (t Type) Valid() bool {
	switch t {
	case TypeProperty, TypeAttribute, TypeFunction, TypeText:
		return true
	}
	return false
}

// Match is the comparison applied between the actual and the expected value.
type Match string

const (
	MatchExact      Match = "exact"
	MatchIncludes   Match = "includes"
	MatchStartsWith Match = "startsWith"
	MatchEndsWith   Match = "endsWith"
	MatchRegex      Match = "regex"
	MatchHas        Match = "has"
	MatchHasNot     Match = "hasNot"
)

// Valid reports whether m is a known match kind.
func (m Match) Valid() bool {
	switch m {
	case MatchExact, MatchIncludes, MatchStartsWith, MatchEndsWith, MatchRegex, MatchHas, MatchHasNot:
		return true
	}
	return false
}

// NeedsValue reports whether the match kind compares against a value.
func (m Match) NeedsValue() bool {
	return m != MatchHas && m != MatchHasNot
}

// Names of the primary selectors understood by every host.
const (
	PrimaryCSS   = "#css"
	PrimaryXPath = "#xpath"
)

// Selector is a single predicate over one object.
type Selector struct {
	Name  string `json:"name" yaml:"name"`
	Type  Type   `json:"type" yaml:"type"`
	Match Match  `json:"match" yaml:"match"`
	Value *Value `json:"value,omitempty" yaml:"value,omitempty"`
}

// Validate checks the selector against its contract.
func (s Selector) Validate() error {
	if s.Name == "" {
		return ErrMissingName
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w %q (selector %q)", ErrUnknownType, s.Type, s.Name)
	}
	if !s.Match.Valid() {
		return fmt.Errorf("%w %q (selector %q)", ErrUnknownMatch, s.Match, s.Name)
	}
	if s.Match.NeedsValue() && s.Value == nil {
		return fmt.Errorf("%w: %s on %q", ErrMissingValue, s.Match, s.Name)
	}
	return nil
}

// IsPrimary reports whether the selector is a host-level primary selector.
func (s Selector) IsPrimary() bool {
	return s.Name == PrimaryCSS || s.Name == PrimaryXPath
}

// String renders the selector for logs and error messages.
func (s Selector) String() string {
	if !s.Match.NeedsValue() || s.Value == nil {
		return fmt.Sprintf("%s[%s] %s", s.Type, s.Name, s.Match)
	}
	return fmt.Sprintf("%s[%s] %s %s", s.Type, s.Name, s.Match, s.Value)
}

// Property builds a property selector.
func Property(name string, m Match, v Value) Selector {
	return Selector{Name: name, Type: TypeProperty, Match: m, Value: &v}
}

// Attribute builds an attribute selector.
func Attribute(name string, m Match, v Value) Selector {
	return Selector{Name: name, Type: TypeAttribute, Match: m, Value: &v}
}

// Function builds a selector over the result of a zero-argument method.
func Function(name string, m Match, v Value) Selector {
	return Selector{Name: name, Type: TypeFunction, Match: m, Value: &v}
}

// Text builds a selector over the content of a text node.
func Text(m Match, v Value) Selector {
	return Selector{Name: "textContent", Type: TypeText, Match: m, Value: &v}
}

// Has builds a presence test.
func Has(t Type, name string) Selector {
	return Selector{Name: name, Type: t, Match: MatchHas}
}

// HasNot builds an absence test.
func HasNot(t Type, name string) Selector {
	return Selector{Name: name, Type: t, Match: MatchHasNot}
}

// CSS builds the primary CSS selector.
func CSS(css string) Selector {
	return Property(PrimaryCSS, MatchExact, String(css))
}

// XPath builds the primary XPath selector.
func XPath(expr string) Selector {
	return Property(PrimaryXPath, MatchExact, String(expr))
}

// Summary joins selectors into one line for diagnostics.
func Summary(sels []Selector) string {
	parts := make([]string, 0, len(sels))
	for _, s := range sels {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, " && ")
}

// ValidateAll validates every selector and reports the first violation.
func ValidateAll(sels []Selector) error {
	for i, s := range sels {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("selector %d: %w", i, err)
		}
	}
	return nil
}
