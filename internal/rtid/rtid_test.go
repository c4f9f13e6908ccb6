package rtid

import (
	"encoding/json"
	"errors"
	"testing"
)

func browserRTID() RTID { return New(Browser("b1")) }

func TestDerivedTabEqualsLiteral(t *testing.T) {
	derived := browserRTID().With(Tab(7))
	literal := New(Browser("b1"), Tab(7))
	if !derived.Equal(literal) || derived != literal {
		t.Fatalf("derived %v != literal %v", derived, literal)
	}

	changed := []RTID{
		New(Browser("b2"), Tab(7)),
		New(Browser("b1"), Tab(8)),
		New(Browser("b1"), Tab(7), Frame(0)),
		New(Tab(7)),
	}
	for _, c := range changed {
		if c.Equal(literal) {
			t.Errorf("%v should not equal %v", c, literal)
		}
	}
}

func TestZeroValuedFieldsArePopulated(t *testing.T) {
	withFrame := New(Tab(1), Frame(0))
	withoutFrame := New(Tab(1))
	if withFrame == withoutFrame {
		t.Fatal("frame 0 must be distinguishable from an unset frame")
	}
	if id, ok := withFrame.FrameID(); !ok || id != 0 {
		t.Errorf("FrameID() = %d, %v", id, ok)
	}
	if _, ok := withoutFrame.FrameID(); ok {
		t.Error("unset frame reported as populated")
	}
}

func TestScopeAndContains(t *testing.T) {
	node := New(Browser("b1"), Window(2), Tab(7), Frame(3), Context(ContextContent), External("n12"))

	tab := node.Scope(LevelTab)
	if want := New(Browser("b1"), Window(2), Tab(7)); tab != want {
		t.Errorf("Scope(tab) = %v, want %v", tab, want)
	}
	if !tab.Contains(node) {
		t.Error("tab scope should contain node")
	}
	if node.Contains(tab) {
		t.Error("node should not contain its parent")
	}
	if !(RTID{}).Contains(node) {
		t.Error("zero RTID contains everything")
	}
	if New(Browser("b1"), Tab(8)).Contains(node) {
		t.Error("different tab must not contain node")
	}
	if l, ok := node.Narrowest(); !ok || l != LevelExternal {
		t.Errorf("Narrowest() = %v, %v", l, ok)
	}
	if _, ok := (RTID{}).Narrowest(); ok {
		t.Error("zero RTID has no narrowest level")
	}
	if got := node.Without(LevelWindow, LevelExternal); got != New(Browser("b1"), Tab(7), Frame(3), Context(ContextContent)) {
		t.Errorf("Without = %v", got)
	}
}

func TestMapKey(t *testing.T) {
	m := map[RTID]string{}
	m[browserRTID().With(Tab(7))] = "tab7"
	if m[New(Browser("b1"), Tab(7))] != "tab7" {
		t.Error("structurally equal RTIDs must share a map slot")
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	r := New(Browser("b1"), Tab(7), Frame(0), Context(ContextMain))
	s := r.String()
	if s != "browser=b1/tab=7/frame=0/context=main" {
		t.Fatalf("String() = %q", s)
	}
	back, err := Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	if back != r {
		t.Errorf("Parse(%q) = %v", s, back)
	}

	for _, bad := range []string{"tab", "tab=x", "color=red", "context=nowhere"} {
		if _, err := Parse(bad); !errors.Is(err, ErrInvalid) {
			t.Errorf("Parse(%q) err = %v", bad, err)
		}
	}
}

func TestJSONOmitsUnsetFields(t *testing.T) {
	r := New(Browser("b1"), Tab(7), Frame(0))
	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"browser":"b1","tab":7,"frame":0}` {
		t.Errorf("got %s", raw)
	}
	var back RTID
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back != r {
		t.Errorf("round trip = %v, want %v", back, r)
	}
	if err := json.Unmarshal([]byte(`{"context":"mars"}`), &back); !errors.Is(err, ErrInvalid) {
		t.Errorf("unknown context err = %v", err)
	}
}
