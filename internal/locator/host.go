package locator

import (
	"context"
	"fmt"
	"reflect"

	"tabdriver/internal/selector"
)

// Host is a document the engine can scan: a static HTML tree or a live page.
// A nil root scans the whole light DOM; an element root scans beneath it,
// including the element's own shadow root.
type Host interface {
	Scan(ctx context.Context, root Object, sels []selector.Selector) ([]Object, error)
}

// Attr is one attribute in document order.
type Attr struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Description is what a host can tell about one node.
type Description struct {
	Tag          string `json:"tag"`
	Attributes   []Attr `json:"attributes,omitempty"`
	Text         string `json:"text,omitempty"`
	NodeValue    string `json:"nodeValue,omitempty"`
	CSSPath      string `json:"cssPath,omitempty"`
	XPath        string `json:"xpath,omitempty"`
	InShadowRoot bool   `json:"inShadowRoot,omitempty"`
	// ShadowHost is the host element when InShadowRoot is set.
	ShadowHost Object `json:"-"`
	// Index is the node's position among its parent's element children.
	Index int `json:"-"`
}

// Attribute returns the named attribute from the description.
func (d Description) Attribute(name string) (string, bool) {
	for _, a := range d.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Describer is implemented by hosts that can describe their nodes.
type Describer interface {
	Describe(ctx context.Context, obj Object) (Description, error)
}

// Identifier is implemented by objects whose Go identity is not stable, such
// as live elements re-fetched over CDP.
type Identifier interface {
	NodeID() string
}

// SameObject reports whether a and b address the same node.
func SameObject(a, b Object) bool {
	ia, okA := a.(Identifier)
	ib, okB := b.(Identifier)
	if okA && okB {
		return ia.NodeID() == ib.NodeID()
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// ScanFrom adapts a host and root to a ScanFunc.
func ScanFrom(h Host, root Object) ScanFunc[Object] {
	return func(ctx context.Context, sels []selector.Selector) ([]Object, error) {
		return h.Scan(ctx, root, sels)
	}
}

// ResolveDesc resolves desc beneath root after narrowing root through
// desc's shadow host chain. A host that does not resolve to exactly one
// element yields no objects.
func ResolveDesc(ctx context.Context, h Host, root Object, desc selector.AODesc) (Result[Object], error) {
	for _, hd := range desc.Hosts() {
		res, err := Resolve(ctx, ScanFrom(h, root), hd.Query())
		if err != nil {
			return res, fmt.Errorf("shadow host: %w", err)
		}
		host, ok := res.Unique()
		if !ok {
			return Result[Object]{QueryInfo: desc.Query()}, nil
		}
		root = host
	}
	return Resolve(ctx, ScanFrom(h, root), desc.Query())
}

// KeyOf returns a map key identifying obj, or false when obj has no stable
// identity.
func KeyOf(obj Object) (any, bool) {
	if id, ok := obj.(Identifier); ok {
		return "node:" + id.NodeID(), true
	}
	if obj == nil || !reflect.TypeOf(obj).Comparable() {
		return nil, false
	}
	return obj, true
}
