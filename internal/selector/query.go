package selector

import (
	"fmt"
	"strings"
)

// Ordinal picks one element by position from an already filtered result.
type Ordinal struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty"`
	Index   int    `json:"index" yaml:"index"`
	Reverse bool   `json:"reverse,omitempty" yaml:"reverse,omitempty"`
}

// QueryInfo is the tiered selector bundle. Evaluation order is primary,
// mandatory, assistive, ordinal.
type QueryInfo struct {
	Primary   []Selector `json:"primary,omitempty" yaml:"primary,omitempty"`
	Mandatory []Selector `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
	Assistive []Selector `json:"assistive,omitempty" yaml:"assistive,omitempty"`
	Ordinal   *Ordinal   `json:"ordinal,omitempty" yaml:"ordinal,omitempty"`
}

// IsEmpty reports whether the query carries no selectors at all.
func (q QueryInfo) IsEmpty() bool {
	return len(q.Primary) == 0 && len(q.Mandatory) == 0 && len(q.Assistive) == 0 && q.Ordinal == nil
}

// Validate checks every selector of every tier.
func (q QueryInfo) Validate() error {
	tiers := []struct {
		name string
		sels []Selector
	}{
		{"primary", q.Primary},
		{"mandatory", q.Mandatory},
		{"assistive", q.Assistive},
	}
	for _, tier := range tiers {
		if err := ValidateAll(tier.sels); err != nil {
			return fmt.Errorf("%s: %w", tier.name, err)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can extend a query without aliasing.
func (q QueryInfo) Clone() QueryInfo {
	out := QueryInfo{
		Primary:   cloneSelectors(q.Primary),
		Mandatory: cloneSelectors(q.Mandatory),
		Assistive: cloneSelectors(q.Assistive),
	}
	if q.Ordinal != nil {
		o := *q.Ordinal
		out.Ordinal = &o
	}
	return out
}

// String renders the query for diagnostics.
func (q QueryInfo) String() string {
	var parts []string
	if len(q.Primary) > 0 {
		parts = append(parts, "primary("+Summary(q.Primary)+")")
	}
	if len(q.Mandatory) > 0 {
		parts = append(parts, "mandatory("+Summary(q.Mandatory)+")")
	}
	if len(q.Assistive) > 0 {
		parts = append(parts, "assistive("+Summary(q.Assistive)+")")
	}
	if q.Ordinal != nil {
		parts = append(parts, fmt.Sprintf("ordinal(%d, reverse=%v)", q.Ordinal.Index, q.Ordinal.Reverse))
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, " ")
}

func cloneSelectors(in []Selector) []Selector {
	if in == nil {
		return nil
	}
	out := make([]Selector, len(in))
	for i, s := range in {
		if s.Value != nil {
			v := *s.Value
			s.Value = &v
		}
		out[i] = s
	}
	return out
}

// ObjectType names the kind of automation object a descriptor asks for.
type ObjectType string

const (
	ObjectBrowser ObjectType = "browser"
	ObjectWindow  ObjectType = "window"
	ObjectPage    ObjectType = "page"
	ObjectFrame   ObjectType = "frame"
	ObjectElement ObjectType = "element"
	ObjectText    ObjectType = "text"
)

// AODesc asks a remote context for objects of a type matching a query.
// A nil QueryInfo on a synthesized descriptor means no reliable selector
// could be found.
type AODesc struct {
	Type      ObjectType `json:"type" yaml:"type"`
	QueryInfo *QueryInfo `json:"queryInfo,omitempty" yaml:"queryInfo,omitempty"`
	// ShadowHost, when set, addresses the element whose shadow root the
	// query runs in. It resolves first and must find exactly one element.
	ShadowHost *AODesc `json:"shadowHost,omitempty" yaml:"shadowHost,omitempty"`
}

// Hosts returns the shadow host chain, outermost first.
func (d AODesc) Hosts() []AODesc {
	var chain []AODesc
	for h := d.ShadowHost; h != nil; h = h.ShadowHost {
		chain = append([]AODesc{*h}, chain...)
	}
	return chain
}

// Query returns the descriptor's QueryInfo, or an empty one.
func (d AODesc) Query() QueryInfo {
	if d.QueryInfo == nil {
		return QueryInfo{}
	}
	return *d.QueryInfo
}
