package selector

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gopkg.in/yaml.v3"
)

func TestSelectorValidate(t *testing.T) {
	v := String("x")
	tests := []struct {
		name    string
		sel     Selector
		wantErr error
	}{
		{"valid exact", Selector{Name: "id", Type: TypeProperty, Match: MatchExact, Value: &v}, nil},
		{"has ignores value", Selector{Name: "id", Type: TypeAttribute, Match: MatchHas}, nil},
		{"hasNot ignores value", Selector{Name: "id", Type: TypeAttribute, Match: MatchHasNot, Value: &v}, nil},
		{"missing name", Selector{Type: TypeProperty, Match: MatchExact, Value: &v}, ErrMissingName},
		{"unknown type", Selector{Name: "id", Type: "style", Match: MatchExact, Value: &v}, ErrUnknownType},
		{"unknown match", Selector{Name: "id", Type: TypeProperty, Match: "fuzzy", Value: &v}, ErrUnknownMatch},
		{"missing value", Selector{Name: "id", Type: TypeProperty, Match: MatchIncludes}, ErrMissingValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sel.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrContract) {
				t.Errorf("error %v does not wrap ErrContract", err)
			}
		})
	}
}

func TestValueJSONForms(t *testing.T) {
	tests := []struct {
		in   string
		kind ValueKind
		str  string
	}{
		{`"abc"`, KindString, "abc"},
		{`42`, KindNumber, "42"},
		{`1.5`, KindNumber, "1.5"},
		{`true`, KindBool, "true"},
		{`{"pattern":"^a.c$","flags":"i"}`, KindRegexp, "/^a.c$/i"},
	}
	for _, tt := range tests {
		var v Value
		if err := json.Unmarshal([]byte(tt.in), &v); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if v.Kind() != tt.kind {
			t.Errorf("%s: kind = %d, want %d", tt.in, v.Kind(), tt.kind)
		}
		if v.String() != tt.str {
			t.Errorf("%s: String() = %q, want %q", tt.in, v.String(), tt.str)
		}
	}

	var bad Value
	if err := json.Unmarshal([]byte(`{"flags":"i"}`), &bad); !errors.Is(err, ErrContract) {
		t.Errorf("regexp without pattern: got %v", err)
	}
}

func TestQueryInfoYAML(t *testing.T) {
	doc := `
mandatory:
  - {name: tagName, type: property, match: exact, value: IFRAME}
  - {name: tabIndex, type: property, match: exact, value: 3}
assistive:
  - {name: url, type: property, match: regex, value: {pattern: mozilla}}
ordinal: {index: 1, reverse: true}
`
	var q QueryInfo
	if err := yaml.Unmarshal([]byte(doc), &q); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if err := q.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := QueryInfo{
		Mandatory: []Selector{
			Property("tagName", MatchExact, String("IFRAME")),
			Property("tabIndex", MatchExact, Number(3)),
		},
		Assistive: []Selector{Property("url", MatchRegex, Regexp("mozilla", ""))},
		Ordinal:   &Ordinal{Index: 1, Reverse: true},
	}
	if diff := cmp.Diff(want, q, cmp.AllowUnexported(Value{}), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("QueryInfo mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryInfoCloneDoesNotAlias(t *testing.T) {
	q := QueryInfo{
		Mandatory: []Selector{Attribute("class", MatchIncludes, String("x"))},
		Ordinal:   &Ordinal{Index: 2},
	}
	c := q.Clone()
	*c.Mandatory[0].Value = String("y")
	c.Ordinal.Index = 7
	c.Mandatory = append(c.Mandatory, Has(TypeAttribute, "id"))

	if got := q.Mandatory[0].Value.String(); got != "x" {
		t.Errorf("original value changed to %q", got)
	}
	if q.Ordinal.Index != 2 {
		t.Errorf("original ordinal changed to %d", q.Ordinal.Index)
	}
	if len(q.Mandatory) != 1 {
		t.Errorf("original mandatory grew to %d", len(q.Mandatory))
	}
}

func TestAODescQueryNil(t *testing.T) {
	d := AODesc{Type: ObjectElement}
	if !d.Query().IsEmpty() {
		t.Error("nil QueryInfo should yield an empty query")
	}
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"type":"element"}` {
		t.Errorf("got %s", raw)
	}
}
