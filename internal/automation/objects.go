package automation

import (
	"context"

	"tabdriver/internal/message"
	"tabdriver/internal/repository"
	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

// Browser is the root object.
type Browser struct{ *object }

// Windows lists the browser's windows.
func (b *Browser) Windows(ctx context.Context) ([]*Window, error) {
	refs, err := b.rt.query(ctx, b.id, selector.ObjectWindow, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*Window, len(refs))
	for i, ref := range refs {
		out[i] = b.rt.window(ref.RTID)
	}
	return out, nil
}

// Pages lists every open tab.
func (b *Browser) Pages(ctx context.Context) ([]*Page, error) {
	return pages(ctx, b.rt, b.id)
}

// Page returns the one tab matching qi.
func (b *Browser) Page(ctx context.Context, qi selector.QueryInfo) (*Page, error) {
	ref, err := b.rt.queryOne(ctx, b.id, selector.ObjectPage, &qi)
	if err != nil {
		return nil, err
	}
	return b.rt.page(ref.RTID), nil
}

// ActivePage returns the focused tab.
func (b *Browser) ActivePage(ctx context.Context) (*Page, error) {
	var id rtid.RTID
	if err := b.rt.command(ctx, b.id, message.ActionActivePage, nil, &id); err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, ErrNotFound
	}
	return b.rt.page(id), nil
}

func pages(ctx context.Context, rt *Runtime, scope rtid.RTID) ([]*Page, error) {
	refs, err := rt.query(ctx, scope, selector.ObjectPage, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*Page, len(refs))
	for i, ref := range refs {
		out[i] = rt.page(ref.RTID)
	}
	return out, nil
}

// Window is a browser window.
type Window struct{ *object }

func (w *Window) Pages(ctx context.Context) ([]*Page, error) {
	return pages(ctx, w.rt, w.id)
}

func (w *Window) Close(ctx context.Context) error {
	return w.rt.command(ctx, w.id, message.ActionClose, nil, nil)
}

func (w *Window) Focus(ctx context.Context) error {
	return w.rt.command(ctx, w.id, message.ActionFocus, nil, nil)
}

// Page is a tab. Element lookups go to its main frame.
type Page struct{ *object }

// MainFrame returns the tab's top-level frame.
func (p *Page) MainFrame() *Frame {
	return p.rt.frame(p.id.With(rtid.Frame(0)))
}

func (p *Page) Element(ctx context.Context, qi selector.QueryInfo) (*Element, error) {
	return p.MainFrame().Element(ctx, qi)
}

func (p *Page) Elements(ctx context.Context, qi selector.QueryInfo) ([]*Element, error) {
	return p.MainFrame().Elements(ctx, qi)
}

// Frame returns the one child frame of the page matching qi.
func (p *Page) Frame(ctx context.Context, qi selector.QueryInfo) (*Frame, error) {
	return frameOf(ctx, p.rt, p.id, qi)
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.rt.command(ctx, p.id, message.ActionNavigate, message.ValueParams{Value: url}, nil)
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var s string
	err := p.rt.command(ctx, p.id, message.ActionURL, nil, &s)
	return s, err
}

func (p *Page) Title(ctx context.Context) (string, error) {
	var s string
	err := p.rt.command(ctx, p.id, message.ActionTitle, nil, &s)
	return s, err
}

func (p *Page) Close(ctx context.Context) error {
	return p.rt.command(ctx, p.id, message.ActionClose, nil, nil)
}

// Mouse returns the page's mouse. It shares the page's RTID.
func (p *Page) Mouse() *Mouse {
	return repository.Get(p.rt.Repository, p.id, func(id rtid.RTID) *Mouse {
		return &Mouse{object: newObject(p.rt, id)}
	})
}

// Keyboard returns the page's keyboard. It shares the page's RTID.
func (p *Page) Keyboard() *Keyboard {
	return repository.Get(p.rt.Repository, p.id, func(id rtid.RTID) *Keyboard {
		return &Keyboard{object: newObject(p.rt, id)}
	})
}

// Frame is a document inside a tab.
type Frame struct{ *object }

func (f *Frame) Element(ctx context.Context, qi selector.QueryInfo) (*Element, error) {
	return elementOf(ctx, f.rt, f.id, qi)
}

func (f *Frame) Elements(ctx context.Context, qi selector.QueryInfo) ([]*Element, error) {
	return elementsOf(ctx, f.rt, f.id, qi)
}

// Frame returns the one nested frame matching qi.
func (f *Frame) Frame(ctx context.Context, qi selector.QueryInfo) (*Frame, error) {
	return frameOf(ctx, f.rt, f.id, qi)
}

func frameOf(ctx context.Context, rt *Runtime, scope rtid.RTID, qi selector.QueryInfo) (*Frame, error) {
	ref, err := rt.queryOne(ctx, scope, selector.ObjectFrame, &qi)
	if err != nil {
		return nil, err
	}
	return rt.frame(ref.RTID), nil
}

func elementOf(ctx context.Context, rt *Runtime, scope rtid.RTID, qi selector.QueryInfo) (*Element, error) {
	ref, err := rt.queryOne(ctx, scope, selector.ObjectElement, &qi)
	if err != nil {
		return nil, err
	}
	return rt.element(ref.RTID), nil
}

func elementsOf(ctx context.Context, rt *Runtime, scope rtid.RTID, qi selector.QueryInfo) ([]*Element, error) {
	refs, err := rt.query(ctx, scope, selector.ObjectElement, &qi)
	if err != nil {
		return nil, err
	}
	out := make([]*Element, len(refs))
	for i, ref := range refs {
		out[i] = rt.element(ref.RTID)
	}
	return out, nil
}

// Element is a node inside a frame.
type Element struct{ *object }

func (e *Element) Click(ctx context.Context) error {
	return e.rt.command(ctx, e.id, message.ActionClick, nil, nil)
}

func (e *Element) SetValue(ctx context.Context, value string) error {
	return e.rt.command(ctx, e.id, message.ActionSetValue, message.ValueParams{Value: value}, nil)
}

// Property reads a DOM property. A missing property is nil.
func (e *Element) Property(ctx context.Context, name string) (any, error) {
	var v any
	err := e.rt.command(ctx, e.id, message.ActionProperty, message.NameParams{Name: name}, &v)
	return v, err
}

// Attribute reads an attribute and reports whether it is present.
func (e *Element) Attribute(ctx context.Context, name string) (string, bool, error) {
	var v *string
	if err := e.rt.command(ctx, e.id, message.ActionAttribute, message.NameParams{Name: name}, &v); err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *Element) Text(ctx context.Context) (string, error) {
	var s string
	err := e.rt.command(ctx, e.id, message.ActionText, nil, &s)
	return s, err
}

// Element finds one descendant of e.
func (e *Element) Element(ctx context.Context, qi selector.QueryInfo) (*Element, error) {
	return elementOf(ctx, e.rt, e.id, qi)
}

func (e *Element) Elements(ctx context.Context, qi selector.QueryInfo) ([]*Element, error) {
	return elementsOf(ctx, e.rt, e.id, qi)
}

// Mouse drives pointer input on a page.
type Mouse struct{ *object }

func (m *Mouse) Click(ctx context.Context, x, y float64) error {
	return m.rt.command(ctx, m.id, message.ActionMouseClick, message.PointParams{X: x, Y: y}, nil)
}

func (m *Mouse) Move(ctx context.Context, x, y float64) error {
	return m.rt.command(ctx, m.id, message.ActionMouseMove, message.PointParams{X: x, Y: y}, nil)
}

// Keyboard drives key input on a page.
type Keyboard struct{ *object }

func (k *Keyboard) Type(ctx context.Context, text string) error {
	return k.rt.command(ctx, k.id, message.ActionKeyboardType, message.ValueParams{Value: text}, nil)
}

func (k *Keyboard) Press(ctx context.Context, key string) error {
	return k.rt.command(ctx, k.id, message.ActionKeyboardPress, message.KeyParams{Key: key}, nil)
}
