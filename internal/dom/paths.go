package dom

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"tabdriver/internal/locator"
)

var _ locator.Describer = (*Document)(nil)

var cssIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// CSSPath returns a selector for n that is unique within n's scope. Light
// DOM paths start at html; shadow DOM paths start at the shadow template so
// that they resolve from the shadow host.
func (d *Document) CSSPath(n *Node) string {
	if n.n.Type != html.ElementNode {
		return ""
	}
	if id := n.attr("id"); cssIdent.MatchString(id) && d.idCount(shadowRootOf(n.n), id) == 1 {
		return "#" + id
	}

	var parts []string
	for cur := n.n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if isShadowTemplate(cur) {
			parts = append(parts, "template")
			break
		}
		if cur.Data == "html" || cur.Parent == nil || cur.Parent.Type == html.DocumentNode {
			parts = append(parts, cur.Data)
			break
		}
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", cur.Data, typeIndex(cur)))
	}
	reverse(parts)
	return strings.Join(parts, " > ")
}

// XPath returns an absolute XPath for n, including template steps for
// shadow content.
func (d *Document) XPath(n *Node) string {
	var parts []string
	for cur := n.n; cur != nil && cur.Type != html.DocumentNode; cur = cur.Parent {
		switch cur.Type {
		case html.TextNode:
			parts = append(parts, fmt.Sprintf("text()[%d]", textIndex(cur)))
		case html.ElementNode:
			if cur.Parent != nil && cur.Parent.Type == html.DocumentNode {
				parts = append(parts, cur.Data)
				continue
			}
			parts = append(parts, fmt.Sprintf("%s[%d]", cur.Data, typeIndex(cur)))
		default:
			return ""
		}
	}
	reverse(parts)
	return "/" + strings.Join(parts, "/")
}

// Describe implements locator.Describer.
func (d *Document) Describe(_ context.Context, obj locator.Object) (locator.Description, error) {
	n, ok := obj.(*Node)
	if !ok || n.doc != d {
		return locator.Description{}, ErrNotNode
	}

	desc := locator.Description{
		Tag:     n.Tag(),
		CSSPath: d.CSSPath(n),
		XPath:   d.XPath(n),
		Index:   elementIndex(n.n),
	}
	if n.n.Type == html.TextNode {
		desc.NodeValue = n.n.Data
	} else {
		for _, a := range n.n.Attr {
			if a.Namespace != "" {
				continue
			}
			desc.Attributes = append(desc.Attributes, locator.Attr{Name: a.Key, Value: a.Val})
		}
		desc.Text = strings.Join(strings.Fields(n.Text()), " ")
	}
	if host := d.ScopeOf(n); host != nil {
		desc.InShadowRoot = true
		desc.ShadowHost = host
	}
	return desc, nil
}

func (d *Document) idCount(root *html.Node, id string) int {
	count := 0
	var visit func(h *html.Node)
	visit = func(h *html.Node) {
		for c := h.FirstChild; c != nil; c = c.NextSibling {
			if isShadowTemplate(c) {
				if c == root {
					visit(c)
				}
				continue
			}
			if c.Type == html.ElementNode {
				for _, a := range c.Attr {
					if a.Key == "id" && a.Val == id {
						count++
					}
				}
			}
			visit(c)
		}
	}
	if root != nil {
		visit(root)
	} else {
		visit(d.root)
	}
	return count
}

// typeIndex is the 1-based position of n among same-tag siblings.
func typeIndex(n *html.Node) int {
	i := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == n.Data {
			i++
		}
	}
	return i
}

func textIndex(n *html.Node) int {
	i := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.TextNode {
			i++
		}
	}
	return i
}

func elementIndex(n *html.Node) int {
	i := 0
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && !isShadowTemplate(s) {
			i++
		}
	}
	return i
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
