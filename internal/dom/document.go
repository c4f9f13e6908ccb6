// Package dom is a static locator host over golang.org/x/net/html. CSS
// primaries are evaluated with goquery/cascadia, XPath primaries with
// htmlquery. Declarative shadow roots (<template shadowrootmode>) form
// separate scan scopes.
package dom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"tabdriver/internal/locator"
	"tabdriver/internal/selector"
)

var (
	ErrNotNode           = errors.New("object is not a node of this document")
	ErrUnsupportedAction = errors.New("unsupported action")
)

// Document is a parsed HTML tree with a stable *Node per html.Node.
type Document struct {
	root *html.Node
	gq   *goquery.Document

	mu     sync.Mutex
	nodes  map[*html.Node]*Node
	clicks []*Node
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{
		root:  root,
		gq:    goquery.NewDocumentFromNode(root),
		nodes: make(map[*html.Node]*Node),
	}, nil
}

// ParseString reads an HTML document from a string.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

func (d *Document) wrap(n *html.Node) *Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.nodes[n]; ok {
		return w
	}
	w := &Node{doc: d, n: n}
	d.nodes[n] = w
	return w
}

// Query returns the elements matching a CSS selector across every scope,
// for callers that need a node handle (tests, the CLI target flag).
func (d *Document) Query(css string) ([]*Node, error) {
	m, err := cascadia.Compile(css)
	if err != nil {
		return nil, fmt.Errorf("%w: css %q: %v", selector.ErrContract, css, err)
	}
	var out []*Node
	d.gq.FindMatcher(m).Each(func(_ int, s *goquery.Selection) {
		out = append(out, d.wrap(s.Get(0)))
	})
	return out, nil
}

// QueryOne returns the first element matching css.
func (d *Document) QueryOne(css string) (*Node, error) {
	nodes, err := d.Query(css)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no element matches %q", css)
	}
	return nodes[0], nil
}

// Body returns the body element.
func (d *Document) Body() *Node {
	if n := htmlquery.FindOne(d.root, "//body"); n != nil {
		return d.wrap(n)
	}
	return nil
}

// Scan implements locator.Host.
func (d *Document) Scan(ctx context.Context, root locator.Object, sels []selector.Selector) ([]locator.Object, error) {
	var rn *Node
	if root != nil {
		n, ok := root.(*Node)
		if !ok || n.doc != d {
			return nil, ErrNotNode
		}
		rn = n
	}
	nodes, err := d.ScanNodes(ctx, rn, sels)
	if err != nil {
		return nil, err
	}
	out := make([]locator.Object, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out, nil
}

// ScanNodes is Scan with concrete types.
func (d *Document) ScanNodes(ctx context.Context, root *Node, sels []selector.Selector) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sc := d.scopeFor(root)

	var primaries []selector.Selector
	wantText := false
	for _, s := range sels {
		if s.IsPrimary() {
			primaries = append(primaries, s)
		}
		if s.Type == selector.TypeText {
			wantText = true
		}
	}
	if len(primaries) == 0 {
		return d.walk(sc, wantText), nil
	}

	var result []*html.Node
	for i, p := range primaries {
		found, err := d.evalPrimary(sc, p)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			result = found
			continue
		}
		result = intersect(result, found)
	}
	out := make([]*Node, 0, len(result))
	for _, n := range result {
		out = append(out, d.wrap(n))
	}
	return out, nil
}

func (d *Document) evalPrimary(sc scope, p selector.Selector) ([]*html.Node, error) {
	expr := ""
	if p.Value != nil {
		expr = p.Value.String()
	}
	var found []*html.Node
	switch p.Name {
	case selector.PrimaryCSS:
		m, err := cascadia.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: css %q: %v", selector.ErrContract, expr, err)
		}
		base := d.gq.Selection
		if sc.base != d.root {
			base = d.gq.FindNodes(sc.base)
		}
		base.FindMatcher(m).Each(func(_ int, s *goquery.Selection) {
			found = append(found, s.Get(0))
		})
	case selector.PrimaryXPath:
		nodes, err := htmlquery.QueryAll(sc.base, expr)
		if err != nil {
			return nil, fmt.Errorf("%w: xpath %q: %v", selector.ErrContract, expr, err)
		}
		found = nodes
	default:
		return nil, fmt.Errorf("%w: %q is not a primary selector", selector.ErrContract, p.Name)
	}

	out := found[:0]
	for _, n := range found {
		if sc.includes(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// walk collects every element (and non-blank text node when wantText) in
// scope, in document order.
func (d *Document) walk(sc scope, wantText bool) []*Node {
	var out []*Node
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			switch {
			case isShadowTemplate(c):
				if sc.shadow == c {
					visit(c)
				}
				continue
			case c.Type == html.ElementNode:
				out = append(out, d.wrap(c))
			case c.Type == html.TextNode && wantText && strings.TrimSpace(c.Data) != "":
				out = append(out, d.wrap(c))
			}
			visit(c)
		}
	}
	visit(sc.base)
	return out
}

// Clicks returns the nodes clicked through Perform, oldest first.
func (d *Document) Clicks() []*Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Node(nil), d.clicks...)
}

func intersect(a, b []*html.Node) []*html.Node {
	in := make(map[*html.Node]bool, len(b))
	for _, n := range b {
		in[n] = true
	}
	out := a[:0:0]
	for _, n := range a {
		if in[n] {
			out = append(out, n)
		}
	}
	return out
}
