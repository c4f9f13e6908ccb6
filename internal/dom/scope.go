package dom

import "golang.org/x/net/html"

// scope is the part of the tree one scan may return: descendants of base
// that live in the light DOM (shadow nil at document level) or in the given
// shadow root.
type scope struct {
	base *html.Node
	// own is the shadow root scan results must belong to; nil is the light DOM.
	own *html.Node
	// shadow is base's own shadow root, which an element-rooted scan enters.
	shadow *html.Node
}

func (d *Document) scopeFor(root *Node) scope {
	if root == nil {
		return scope{base: d.root}
	}
	return scope{
		base:   root.n,
		own:    shadowRootOf(root.n),
		shadow: ownShadowRoot(root.n),
	}
}

func (sc scope) includes(n *html.Node) bool {
	if n == sc.base || !isDescendant(n, sc.base) || isShadowTemplate(n) {
		return false
	}
	r := shadowRootOf(n)
	return r == sc.own || (sc.shadow != nil && r == sc.shadow)
}

func isShadowTemplate(n *html.Node) bool {
	if n.Type != html.ElementNode || n.Data != "template" {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "shadowrootmode" || a.Key == "shadowroot" {
			return true
		}
	}
	return false
}

// shadowRootOf returns the nearest enclosing shadow template, or nil for
// light DOM nodes.
func shadowRootOf(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if isShadowTemplate(p) {
			return p
		}
	}
	return nil
}

// ownShadowRoot returns the shadow template attached to host, if any.
func ownShadowRoot(host *html.Node) *html.Node {
	for c := host.FirstChild; c != nil; c = c.NextSibling {
		if isShadowTemplate(c) {
			return c
		}
	}
	return nil
}

func isDescendant(n, ancestor *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// ScopeOf returns the shadow host of n, or nil when n is in the light DOM.
func (d *Document) ScopeOf(n *Node) *Node {
	if r := shadowRootOf(n.n); r != nil && r.Parent != nil {
		return d.wrap(r.Parent)
	}
	return nil
}
