package dom

import (
	"strings"

	"golang.org/x/net/html"

	"tabdriver/internal/locator"
)

// Node is one element or text node. It implements every locator reader.
type Node struct {
	doc *Document
	n   *html.Node

	// Live state changed through Perform; nil means "as parsed".
	value   *string
	checked *bool
}

var (
	_ locator.PropertyReader  = (*Node)(nil)
	_ locator.AttributeReader = (*Node)(nil)
	_ locator.FunctionCaller  = (*Node)(nil)
	_ locator.TextNode        = (*Node)(nil)
)

// HTML returns the underlying x/net/html node.
func (n *Node) HTML() *html.Node { return n.n }

func (n *Node) IsElement() bool { return n.n.Type == html.ElementNode }

// Tag returns the lower-case tag name, or "#text".
func (n *Node) Tag() string {
	if n.n.Type == html.TextNode {
		return "#text"
	}
	return n.n.Data
}

func (n *Node) Parent() *Node {
	p := n.n.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	if isShadowTemplate(p) {
		return nil
	}
	return n.doc.wrap(p)
}

// Attribute implements locator.AttributeReader.
func (n *Node) Attribute(name string) (string, bool) {
	if n.n.Type != html.ElementNode {
		return "", false
	}
	for _, a := range n.n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func (n *Node) attr(name string) string {
	v, _ := n.Attribute(name)
	return v
}

func (n *Node) hasAttr(name string) bool {
	_, ok := n.Attribute(name)
	return ok
}

// TextContent implements locator.TextNode: only text nodes have text.
func (n *Node) TextContent() (string, bool) {
	if n.n.Type != html.TextNode {
		return "", false
	}
	return n.n.Data, true
}

// Text returns the textContent of the node and its light descendants.
func (n *Node) Text() string {
	var b strings.Builder
	collectText(n.n, &b)
	return b.String()
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "template" || c.Data == "script" || c.Data == "style") {
			continue
		}
		collectText(c, b)
	}
}

// Property implements locator.PropertyReader with the DOM properties a
// selector commonly reads.
func (n *Node) Property(name string) (any, bool) {
	if n.n.Type == html.TextNode {
		switch name {
		case "nodeName":
			return "#text", true
		case "nodeType":
			return 3, true
		case "textContent", "nodeValue", "data":
			return n.n.Data, true
		}
		return nil, false
	}
	if n.n.Type != html.ElementNode {
		return nil, false
	}

	tag := n.n.Data
	switch name {
	case "tagName", "nodeName":
		return strings.ToUpper(tag), true
	case "localName":
		return tag, true
	case "nodeType":
		return 1, true
	case "id", "title", "lang", "dir":
		return n.attr(name), true
	case "className":
		return n.attr("class"), true
	case "textContent":
		return n.Text(), true
	case "innerText":
		return strings.Join(strings.Fields(n.Text()), " "), true
	case "childElementCount":
		return n.childElementCount(), true
	case "hidden":
		return n.hasAttr("hidden"), true
	case "value":
		return n.value0()
	case "checked":
		if tag != "input" {
			return nil, false
		}
		if n.checked != nil {
			return *n.checked, true
		}
		return n.hasAttr("checked"), true
	case "disabled":
		switch tag {
		case "button", "input", "select", "textarea", "option", "fieldset":
			return n.hasAttr("disabled"), true
		}
		return nil, false
	case "name", "type", "placeholder", "alt", "role":
		if v, ok := n.Attribute(name); ok {
			return v, true
		}
		if name == "type" && tag == "input" {
			return "text", true
		}
		return nil, false
	case "href":
		if tag == "a" || tag == "area" || tag == "link" || tag == "base" {
			return n.attr("href"), true
		}
	case "src":
		switch tag {
		case "img", "iframe", "frame", "script", "video", "audio", "source", "embed":
			return n.attr("src"), true
		}
	case "url":
		// Frames expose the document URL they host.
		if tag == "iframe" || tag == "frame" {
			return n.attr("src"), true
		}
	}
	return nil, false
}

func (n *Node) value0() (any, bool) {
	if n.value != nil {
		return *n.value, true
	}
	switch n.n.Data {
	case "input", "option", "button":
		if v, ok := n.Attribute("value"); ok {
			return v, true
		}
		if n.n.Data == "option" {
			return strings.TrimSpace(n.Text()), true
		}
		return "", true
	case "textarea":
		return n.Text(), true
	case "select":
		var first, selected string
		found := false
		for _, o := range n.options() {
			v, _ := o.value0()
			s, _ := v.(string)
			if !found && first == "" {
				first = s
			}
			if o.hasAttr("selected") {
				selected, found = s, true
				break
			}
		}
		if found {
			return selected, true
		}
		return first, true
	}
	return nil, false
}

func (n *Node) options() []*Node {
	var out []*Node
	var visit func(h *html.Node)
	visit = func(h *html.Node) {
		for c := h.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "option" {
				out = append(out, n.doc.wrap(c))
			}
			visit(c)
		}
	}
	visit(n.n)
	return out
}

func (n *Node) childElementCount() int {
	count := 0
	for c := n.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && !isShadowTemplate(c) {
			count++
		}
	}
	return count
}

// Call implements locator.FunctionCaller for zero-argument DOM methods.
func (n *Node) Call(name string) (any, bool) {
	switch name {
	case "hasChildNodes":
		return n.n.FirstChild != nil, true
	case "hasAttributes":
		if n.n.Type != html.ElementNode {
			return nil, false
		}
		return len(n.n.Attr) > 0, true
	case "toString":
		if n.n.Type == html.TextNode {
			return "[object Text]", true
		}
		return "[object HTML" + strings.ToUpper(n.n.Data[:1]) + n.n.Data[1:] + "Element]", true
	}
	return nil, false
}

func (n *Node) String() string {
	if n.n.Type == html.TextNode {
		return "#text " + strings.TrimSpace(n.n.Data)
	}
	var b strings.Builder
	b.WriteString("<" + n.n.Data)
	if id := n.attr("id"); id != "" {
		b.WriteString(" id=" + id)
	}
	b.WriteString(">")
	return b.String()
}
