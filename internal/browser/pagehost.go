package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/sync/errgroup"

	"tabdriver/internal/locator"
	"tabdriver/internal/logging"
	"tabdriver/internal/message"
	"tabdriver/internal/selector"
)

var (
	// ErrForeignObject is returned when an object from another page is
	// handed to a PageHost.
	ErrForeignObject = errors.New("object does not belong to this page")
	// ErrUnsupportedAction is returned by Perform for unknown actions.
	ErrUnsupportedAction = errors.New("unsupported element action")
)

// wrapParallelism bounds concurrent CDP round trips while wrapping a scan.
const wrapParallelism = 8

// identifyJS tags a node with a page-unique id so repeated scans can tell
// that two remote handles address the same node.
const identifyJS = `function () {
	const w = window;
	if (!this.__tdid) {
		w.__tdSeq = (w.__tdSeq || 0) + 1;
		this.__tdid = 'n' + w.__tdSeq;
	}
	return { id: this.__tdid, type: this.nodeType, data: this.nodeType === 3 ? this.data : '' };
}`

const propertyJS = `function (name) {
	if (!(name in this)) return { ok: false };
	const v = this[name];
	const t = typeof v;
	if (v === null || t === 'string' || t === 'number' || t === 'boolean') return { ok: true, v: v };
	if (t === 'function' || t === 'undefined') return { ok: false };
	return { ok: true, v: String(v) };
}`

const callJS = `function (name) {
	if (typeof this[name] !== 'function' || this[name].length > 0) return { ok: false };
	const v = this[name]();
	const t = typeof v;
	if (v === null || t === 'string' || t === 'number' || t === 'boolean') return { ok: true, v: v };
	return { ok: true, v: String(v) };
}`

const describeJS = `function () {
	const n = this;
	const text = n.nodeType === 3;
	const root = n.getRootNode();
	const inShadow = typeof ShadowRoot !== 'undefined' && root instanceof ShadowRoot;
	const typeIndex = (e) => {
		let i = 1;
		for (let s = e.previousElementSibling; s; s = s.previousElementSibling) if (s.localName === e.localName) i++;
		return i;
	};
	const cssPath = (e) => {
		if (e.nodeType !== 1) return '';
		if (e.id && /^[A-Za-z_][A-Za-z0-9_-]*$/.test(e.id) && root.querySelectorAll('#' + e.id).length === 1) return '#' + e.id;
		if (inShadow) return '';
		const parts = [];
		for (let c = e; c && c.nodeType === 1; c = c.parentElement) {
			if (c === document.documentElement) { parts.push('html'); break; }
			parts.push(c.localName + ':nth-of-type(' + typeIndex(c) + ')');
		}
		return parts.reverse().join(' > ');
	};
	const xpath = (e) => {
		if (inShadow) return '';
		const parts = [];
		for (let c = e; c && c.nodeType !== 9; c = c.parentNode) {
			if (c.nodeType === 3) {
				let i = 1;
				for (let s = c.previousSibling; s; s = s.previousSibling) if (s.nodeType === 3) i++;
				parts.push('text()[' + i + ']');
			} else if (c === document.documentElement) {
				parts.push('html');
			} else if (c.nodeType === 1) {
				parts.push(c.localName + '[' + typeIndex(c) + ']');
			} else return '';
		}
		return '/' + parts.reverse().join('/');
	};
	let index = 0;
	if (n.parentNode) {
		index = -1;
		const kids = n.parentNode.children || [];
		for (let i = 0; i < kids.length; i++) if (kids[i] === n) index = i;
	}
	const attrs = [];
	if (!text) for (const a of n.attributes) if (!a.namespaceURI) attrs.push({ name: a.name, value: a.value });
	return {
		tag: text ? '#text' : n.localName,
		attributes: attrs,
		text: text ? '' : (n.innerText || n.textContent || '').split(/\s+/).filter(Boolean).join(' '),
		nodeValue: text ? n.data : '',
		cssPath: cssPath(n),
		xpath: xpath(n),
		inShadowRoot: inShadow,
		index: index,
	};
}`

const shadowHostJS = `function () {
	const r = this.getRootNode();
	return r && r.host ? r.host : null;
}`

const setValueJS = `function (v) {
	if (!('value' in this)) return false;
	this.value = v;
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`

// PageHost is a locator host over one live document. It serves the main
// frame of a tab or the document of an iframe.
type PageHost struct {
	page *rod.Page
}

var (
	_ locator.Host      = (*PageHost)(nil)
	_ locator.Describer = (*PageHost)(nil)
)

// NewPageHost serves page.
func NewPageHost(page *rod.Page) *PageHost {
	return &PageHost{page: page}
}

// Page returns the underlying rod page.
func (h *PageHost) Page() *rod.Page { return h.page }

func (h *PageHost) own(obj locator.Object) (*LiveElement, error) {
	le, ok := obj.(*LiveElement)
	if !ok || le.host != h {
		return nil, ErrForeignObject
	}
	return le, nil
}

// Scan implements locator.Host. Primary selectors run natively through
// querySelectorAll and document.evaluate; several primaries intersect.
// Without primaries every element is a candidate, plus non-blank text
// nodes when a text selector is present.
func (h *PageHost) Scan(ctx context.Context, root locator.Object, sels []selector.Selector) ([]locator.Object, error) {
	var base *LiveElement
	if root != nil {
		le, err := h.own(root)
		if err != nil {
			return nil, err
		}
		base = le
	}

	var (
		primaries []selector.Selector
		wantText  bool
	)
	for _, s := range sels {
		if s.IsPrimary() {
			primaries = append(primaries, s)
		}
		if s.Type == selector.TypeText {
			wantText = true
		}
	}

	var (
		found []*LiveElement
		err   error
	)
	if len(primaries) > 0 {
		found, err = h.scanPrimaries(ctx, base, primaries)
	} else {
		found, err = h.scanAll(ctx, base, wantText)
	}
	if err != nil {
		return nil, err
	}
	out := make([]locator.Object, len(found))
	for i, le := range found {
		out[i] = le
	}
	return out, nil
}

func (h *PageHost) scanPrimaries(ctx context.Context, base *LiveElement, primaries []selector.Selector) ([]*LiveElement, error) {
	var result []*LiveElement
	for i, p := range primaries {
		expr := ""
		if p.Value != nil {
			expr = p.Value.String()
		}
		els, err := h.evalPrimary(ctx, base, p.Name, expr)
		if err != nil {
			return nil, err
		}
		wrapped, err := h.wrapAll(ctx, els)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			result = wrapped
			continue
		}
		keep := make(map[string]bool, len(wrapped))
		for _, le := range wrapped {
			keep[le.id] = true
		}
		out := result[:0]
		for _, le := range result {
			if keep[le.id] {
				out = append(out, le)
			}
		}
		result = out
	}
	return result, nil
}

func (h *PageHost) evalPrimary(ctx context.Context, base *LiveElement, name, expr string) (rod.Elements, error) {
	var (
		els rod.Elements
		err error
	)
	switch name {
	case selector.PrimaryCSS:
		if base != nil {
			els, err = base.el.Context(ctx).Elements(expr)
		} else {
			els, err = h.page.Context(ctx).Elements(expr)
		}
	case selector.PrimaryXPath:
		if base != nil {
			els, err = base.el.Context(ctx).ElementsX(expr)
		} else {
			els, err = h.page.Context(ctx).ElementsX(expr)
		}
	default:
		return nil, fmt.Errorf("%w: %q is not a primary selector", selector.ErrContract, name)
	}
	if err != nil {
		var evalErr *rod.EvalError
		if errors.As(err, &evalErr) {
			return nil, fmt.Errorf("%w: %s %q: %v", selector.ErrContract, strings.TrimPrefix(name, "#"), expr, err)
		}
		return nil, fmt.Errorf("evaluate %s: %w", name, err)
	}
	return els, nil
}

func (h *PageHost) scanAll(ctx context.Context, base *LiveElement, wantText bool) ([]*LiveElement, error) {
	expr := "//*"
	if wantText {
		expr = "//*|//text()[normalize-space()]"
	}
	var (
		els rod.Elements
		err error
	)
	if base != nil {
		els, err = base.el.Context(ctx).ElementsX(strings.ReplaceAll(expr, "//", ".//"))
	} else {
		els, err = h.page.Context(ctx).ElementsX(expr)
	}
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	if base != nil && !base.text {
		shadow, err := base.el.Context(ctx).ShadowRoot()
		switch {
		case err == nil:
			inner, err := shadow.Elements("*")
			if err != nil {
				return nil, fmt.Errorf("scan shadow root: %w", err)
			}
			els = append(els, inner...)
		case errors.Is(err, &rod.NoShadowRootError{}):
		default:
			return nil, fmt.Errorf("shadow root: %w", err)
		}
	}
	return h.wrapAll(ctx, els)
}

// wrapAll identifies every element concurrently, preserving order.
func (h *PageHost) wrapAll(ctx context.Context, els rod.Elements) ([]*LiveElement, error) {
	out := make([]*LiveElement, len(els))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wrapParallelism)
	for i, el := range els {
		g.Go(func() error {
			le, err := h.Wrap(gctx, el)
			if err != nil {
				return err
			}
			out[i] = le
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Wrap identifies a remote node and returns its LiveElement.
func (h *PageHost) Wrap(ctx context.Context, el *rod.Element) (*LiveElement, error) {
	res, err := el.Context(ctx).Eval(identifyJS)
	if err != nil {
		return nil, fmt.Errorf("identify node: %w", err)
	}
	var info struct {
		ID   string `json:"id"`
		Type int    `json:"type"`
		Data string `json:"data"`
	}
	if err := res.Value.Unmarshal(&info); err != nil {
		return nil, fmt.Errorf("identify node: %w", err)
	}
	return &LiveElement{host: h, el: el.Context(context.WithoutCancel(ctx)), id: info.ID, text: info.Type == 3, data: info.Data}, nil
}

// Describe implements locator.Describer.
func (h *PageHost) Describe(ctx context.Context, obj locator.Object) (locator.Description, error) {
	le, err := h.own(obj)
	if err != nil {
		return locator.Description{}, err
	}
	el := le.el.Context(ctx)
	res, err := el.Eval(describeJS)
	if err != nil {
		return locator.Description{}, fmt.Errorf("describe %s: %w", le, err)
	}
	var raw struct {
		locator.Description
		Index int `json:"index"`
	}
	if err := res.Value.Unmarshal(&raw); err != nil {
		return locator.Description{}, fmt.Errorf("describe %s: %w", le, err)
	}
	desc := raw.Description
	desc.Index = raw.Index

	if desc.InShadowRoot {
		obj, err := el.Evaluate(rod.Eval(shadowHostJS).ByObject())
		if err != nil {
			return desc, fmt.Errorf("shadow host of %s: %w", le, err)
		}
		if obj.ObjectID != "" {
			hostEl, err := h.page.Context(ctx).ElementFromObject(obj)
			if err != nil {
				return desc, fmt.Errorf("shadow host of %s: %w", le, err)
			}
			host, err := h.Wrap(ctx, hostEl)
			if err != nil {
				return desc, err
			}
			desc.ShadowHost = host
		}
	}
	return desc, nil
}

// ElementFromObject wraps a remote object, such as an event target the
// capture script handed back.
func (h *PageHost) ElementFromObject(ctx context.Context, obj *proto.RuntimeRemoteObject) (*LiveElement, error) {
	el, err := h.page.Context(ctx).ElementFromObject(obj)
	if err != nil {
		return nil, err
	}
	return h.Wrap(ctx, el)
}

// Perform runs an element command. Results are JSON-encodable.
func (h *PageHost) Perform(ctx context.Context, obj locator.Object, action string, params json.RawMessage) (any, error) {
	le, err := h.own(obj)
	if err != nil {
		return nil, err
	}
	el := le.el.Context(ctx)

	switch action {
	case message.ActionClick:
		if le.text {
			return nil, fmt.Errorf("%w: click on a text node", ErrUnsupportedAction)
		}
		return nil, el.Click(proto.InputMouseButtonLeft, 1)

	case message.ActionSetValue:
		var p message.ValueParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		res, err := el.Eval(setValueJS, p.Value)
		if err != nil {
			return nil, fmt.Errorf("set value on %s: %w", le, err)
		}
		if !res.Value.Bool() {
			return nil, fmt.Errorf("%w: %s has no value", ErrUnsupportedAction, le)
		}
		return nil, nil

	case message.ActionProperty:
		var p message.NameParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		v, ok, err := le.read(ctx, propertyJS, p.Name)
		if err != nil || !ok {
			return nil, err
		}
		return v, nil

	case message.ActionAttribute:
		var p message.NameParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if le.text {
			return nil, nil
		}
		v, err := el.Attribute(p.Name)
		if err != nil {
			return nil, fmt.Errorf("attribute %s of %s: %w", p.Name, le, err)
		}
		if v == nil {
			return nil, nil
		}
		return *v, nil

	case message.ActionText:
		if le.text {
			return le.data, nil
		}
		return el.Text()
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, action)
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// LiveElement is a node in a live page. Its readers are CDP round trips;
// failures read as absent and are logged.
type LiveElement struct {
	host *PageHost
	el   *rod.Element
	id   string
	text bool
	data string
}

var (
	_ locator.PropertyReader  = (*LiveElement)(nil)
	_ locator.AttributeReader = (*LiveElement)(nil)
	_ locator.FunctionCaller  = (*LiveElement)(nil)
	_ locator.TextNode        = (*LiveElement)(nil)
	_ locator.Identifier      = (*LiveElement)(nil)
)

// NodeID implements locator.Identifier.
func (l *LiveElement) NodeID() string { return l.id }

// Element returns the rod handle.
func (l *LiveElement) Element() *rod.Element { return l.el }

func (l *LiveElement) String() string {
	if l.text {
		return "#text " + l.id
	}
	return "element " + l.id
}

func (l *LiveElement) Property(name string) (any, bool) {
	v, ok, err := l.read(context.Background(), propertyJS, name)
	if err != nil {
		logging.BrowserDebug("property %s of %s: %v", name, l, err)
		return nil, false
	}
	return v, ok
}

func (l *LiveElement) Attribute(name string) (string, bool) {
	if l.text {
		return "", false
	}
	v, err := l.el.Attribute(name)
	if err != nil {
		logging.BrowserDebug("attribute %s of %s: %v", name, l, err)
		return "", false
	}
	if v == nil {
		return "", false
	}
	return *v, true
}

func (l *LiveElement) Call(name string) (any, bool) {
	v, ok, err := l.read(context.Background(), callJS, name)
	if err != nil {
		logging.BrowserDebug("call %s on %s: %v", name, l, err)
		return nil, false
	}
	return v, ok
}

func (l *LiveElement) TextContent() (string, bool) {
	return l.data, l.text
}

func (l *LiveElement) read(ctx context.Context, js, name string) (any, bool, error) {
	res, err := l.el.Context(ctx).Eval(js, name)
	if err != nil {
		return nil, false, err
	}
	var out struct {
		OK bool `json:"ok"`
		V  any  `json:"v"`
	}
	if err := res.Value.Unmarshal(&out); err != nil {
		return nil, false, err
	}
	return out.V, out.OK, nil
}
