package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/sync/errgroup"

	"tabdriver/internal/content"
	"tabdriver/internal/dispatcher"
	"tabdriver/internal/locator"
	"tabdriver/internal/logging"
	"tabdriver/internal/message"
	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

var (
	ErrUnsupportedQuery = errors.New("unsupported object type")
	ErrUnknownKey       = errors.New("unknown key")
	ErrNoFrame          = errors.New("no such frame")
)

// frameSelector lists the elements whose documents are frames 1..n of a tab.
const frameSelector = "iframe, frame"

type frameKey struct{ tab, frame int }

// BrowserHandler answers every message addressed inside one browser: page
// and window queries and commands directly, frame-scoped queries and element
// commands through one content.Handler per frame.
type BrowserHandler struct {
	sm *SessionManager
	id rtid.RTID

	mu     sync.Mutex
	frames map[frameKey]*content.Handler
	active int
}

var _ dispatcher.Handler = (*BrowserHandler)(nil)

// NewBrowserHandler serves the browser sm is connected to.
func NewBrowserHandler(sm *SessionManager) *BrowserHandler {
	return &BrowserHandler{
		sm:     sm,
		id:     rtid.New(rtid.Browser(sm.BrowserID())),
		frames: make(map[frameKey]*content.Handler),
	}
}

// RTID returns the browser RTID.
func (h *BrowserHandler) RTID() rtid.RTID { return h.id }

// TabRTID returns the RTID of a tab.
func (h *BrowserHandler) TabRTID(tab int) rtid.RTID { return h.id.With(rtid.Tab(tab)) }

// Scope implements dispatcher.Handler.
func (h *BrowserHandler) Scope() dispatcher.Scope {
	return dispatcher.Scope{Target: h.id}
}

// Forward installs the session manager's event callback: frame handlers are
// dropped on navigation and tab removal, then the event is sent through d.
func (h *BrowserHandler) Forward(ctx context.Context, d *dispatcher.Dispatcher) {
	h.sm.OnEvent(func(ev Event) {
		h.Invalidate(ev)
		if err := d.SendEvent(ctx, h.TabRTID(ev.Tab), ev.Name, message.ValueParams{Value: ev.URL}); err != nil {
			logging.BrowserWarn("forward %s for tab %d: %v", ev.Name, ev.Tab, err)
		}
	})
}

// Invalidate drops the frame handlers an event makes stale. A main-frame
// navigation or a closed tab drops every frame of the tab; a child-frame
// navigation drops the child frames only.
func (h *BrowserHandler) Invalidate(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k := range h.frames {
		if k.tab != ev.Tab {
			continue
		}
		if ev.Name == message.EventNavigated && !ev.MainFrame && k.frame == 0 {
			continue
		}
		delete(h.frames, k)
	}
	if ev.Name == message.EventTabRemoved && h.active == ev.Tab {
		h.active = 0
	}
}

// Handle implements dispatcher.Handler.
func (h *BrowserHandler) Handle(ctx context.Context, msg message.Message) (message.Message, error) {
	if msg.Type == message.KindEvent || msg.Type == message.KindRecord {
		return message.Message{}, nil
	}
	tab, hasTab := msg.RTID.TabID()
	frame, hasFrame := msg.RTID.FrameID()
	switch {
	case hasTab && hasFrame:
		return h.handleFrame(ctx, msg, tab, frame)
	case hasTab:
		return h.handlePage(ctx, msg, tab)
	case msg.RTID.Has(rtid.LevelWindow):
		return h.handleWindow(ctx, msg)
	}
	return h.handleBrowser(ctx, msg)
}

func (h *BrowserHandler) handleBrowser(ctx context.Context, msg message.Message) (message.Message, error) {
	switch msg.Action.Name {
	case message.ActionQuery:
		var desc selector.AODesc
		if err := msg.DecodeParams(&desc); err != nil {
			return message.Message{}, err
		}
		var (
			refs []message.ObjectRef
			err  error
		)
		switch desc.Type {
		case selector.ObjectPage:
			refs, err = h.queryPages(ctx, 0, desc.Query())
		case selector.ObjectWindow:
			refs, err = h.queryWindows(ctx)
		default:
			return message.Message{}, fmt.Errorf("%w: %q under a browser", ErrUnsupportedQuery, desc.Type)
		}
		if err != nil {
			return message.Message{}, err
		}
		return withObjects(msg, refs)

	case message.ActionListPages:
		sessions, err := h.sm.Sync(ctx)
		if err != nil {
			return message.Message{}, err
		}
		return message.NewResponse(msg, sessions)

	case message.ActionListWindows:
		refs, err := h.queryWindows(ctx)
		if err != nil {
			return message.Message{}, err
		}
		ids := make([]rtid.RTID, len(refs))
		for i, r := range refs {
			ids[i] = r.RTID
		}
		return message.NewResponse(msg, ids)

	case message.ActionActivePage:
		tab, err := h.activeTab(ctx)
		if err != nil {
			return message.Message{}, err
		}
		if tab == 0 {
			return message.NewResponse(msg, nil)
		}
		return message.NewResponse(msg, h.TabRTID(tab))
	}
	return message.Message{}, fmt.Errorf("%w: %s on a browser", dispatcher.ErrNoHandler, msg.Action.Name)
}

func (h *BrowserHandler) handleWindow(ctx context.Context, msg message.Message) (message.Message, error) {
	window, _ := msg.RTID.WindowID()
	switch msg.Action.Name {
	case message.ActionQuery:
		var desc selector.AODesc
		if err := msg.DecodeParams(&desc); err != nil {
			return message.Message{}, err
		}
		if desc.Type != selector.ObjectPage {
			return message.Message{}, fmt.Errorf("%w: %q under a window", ErrUnsupportedQuery, desc.Type)
		}
		refs, err := h.queryPages(ctx, window, desc.Query())
		if err != nil {
			return message.Message{}, err
		}
		return withObjects(msg, refs)

	case message.ActionClose, message.ActionFocus:
		pages, err := h.pagesIn(ctx, window)
		if err != nil {
			return message.Message{}, err
		}
		if msg.Action.Name == message.ActionFocus && len(pages) > 0 {
			pages = pages[:1]
		}
		for _, p := range pages {
			if msg.Action.Name == message.ActionFocus {
				err = h.focus(ctx, p.Tab)
			} else {
				err = h.sm.Close(ctx, p.Tab)
			}
			if err != nil {
				return message.Message{}, err
			}
		}
		return message.NewResponse(msg, nil)
	}
	return message.Message{}, fmt.Errorf("%w: %s on a window", dispatcher.ErrNoHandler, msg.Action.Name)
}

func (h *BrowserHandler) handlePage(ctx context.Context, msg message.Message, tab int) (message.Message, error) {
	switch msg.Action.Name {
	case message.ActionQuery:
		var desc selector.AODesc
		if err := msg.DecodeParams(&desc); err != nil {
			return message.Message{}, err
		}
		if desc.Type == selector.ObjectFrame {
			refs, err := h.queryFrames(ctx, tab, desc.Query())
			if err != nil {
				return message.Message{}, err
			}
			return withObjects(msg, refs)
		}
		return h.handleFrame(ctx, msg, tab, 0)

	case message.ActionNavigate:
		var p message.ValueParams
		if err := msg.DecodeParams(&p); err != nil {
			return message.Message{}, err
		}
		if err := h.sm.Navigate(ctx, tab, p.Value); err != nil {
			return message.Message{}, err
		}
		h.Invalidate(Event{Name: message.EventNavigated, Tab: tab, MainFrame: true})
		return message.NewResponse(msg, nil)

	case message.ActionURL, message.ActionTitle:
		page, err := h.sm.mustPage(tab)
		if err != nil {
			return message.Message{}, err
		}
		info, err := page.Context(ctx).Info()
		if err != nil {
			return message.Message{}, fmt.Errorf("page info: %w", err)
		}
		if msg.Action.Name == message.ActionURL {
			return message.NewResponse(msg, info.URL)
		}
		return message.NewResponse(msg, info.Title)

	case message.ActionClose:
		if err := h.sm.Close(ctx, tab); err != nil {
			return message.Message{}, err
		}
		return message.NewResponse(msg, nil)

	case message.ActionFocus:
		if err := h.focus(ctx, tab); err != nil {
			return message.Message{}, err
		}
		return message.NewResponse(msg, nil)

	case message.ActionMouseClick, message.ActionMouseMove:
		var p message.PointParams
		if err := msg.DecodeParams(&p); err != nil {
			return message.Message{}, err
		}
		page, err := h.sm.mustPage(tab)
		if err != nil {
			return message.Message{}, err
		}
		mouse := page.Context(ctx).Mouse
		if err := mouse.MoveTo(proto.Point{X: p.X, Y: p.Y}); err != nil {
			return message.Message{}, fmt.Errorf("mouse move: %w", err)
		}
		if msg.Action.Name == message.ActionMouseClick {
			if err := mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
				return message.Message{}, fmt.Errorf("mouse click: %w", err)
			}
		}
		return message.NewResponse(msg, nil)

	case message.ActionKeyboardType:
		var p message.ValueParams
		if err := msg.DecodeParams(&p); err != nil {
			return message.Message{}, err
		}
		page, err := h.sm.mustPage(tab)
		if err != nil {
			return message.Message{}, err
		}
		if err := page.Context(ctx).InsertText(p.Value); err != nil {
			return message.Message{}, fmt.Errorf("type: %w", err)
		}
		return message.NewResponse(msg, nil)

	case message.ActionKeyboardPress:
		var p message.KeyParams
		if err := msg.DecodeParams(&p); err != nil {
			return message.Message{}, err
		}
		key, err := KeyFor(p.Key)
		if err != nil {
			return message.Message{}, err
		}
		page, err := h.sm.mustPage(tab)
		if err != nil {
			return message.Message{}, err
		}
		if err := page.Context(ctx).Keyboard.Type(key); err != nil {
			return message.Message{}, fmt.Errorf("press %s: %w", p.Key, err)
		}
		return message.NewResponse(msg, nil)
	}
	// Element commands addressed to the tab go to its main frame, which
	// rejects them without an element target.
	return h.handleFrame(ctx, msg, tab, 0)
}

func (h *BrowserHandler) handleFrame(ctx context.Context, msg message.Message, tab, frame int) (message.Message, error) {
	if msg.Action.Name == message.ActionQuery {
		var desc selector.AODesc
		if err := msg.DecodeParams(&desc); err != nil {
			return message.Message{}, err
		}
		if desc.Type == selector.ObjectFrame {
			if _, isElement := msg.RTID.ExternalID(); frame != 0 || isElement {
				// Only a tab's top-level frames are numbered.
				return withObjects(msg, nil)
			}
			refs, err := h.queryFrames(ctx, tab, desc.Query())
			if err != nil {
				return message.Message{}, err
			}
			return withObjects(msg, refs)
		}
	}
	fh, err := h.frameHandler(ctx, tab, frame)
	if err != nil {
		return message.Message{}, err
	}
	return fh.Handle(ctx, msg)
}

func withObjects(req message.Message, refs []message.ObjectRef) (message.Message, error) {
	resp, err := message.NewResponse(req, nil)
	if err != nil {
		return message.Message{}, err
	}
	resp.Objects = refs
	return resp, nil
}

// frameHandler returns the content handler of a frame, building it on
// first use.
func (h *BrowserHandler) frameHandler(ctx context.Context, tab, frame int) (*content.Handler, error) {
	key := frameKey{tab, frame}
	h.mu.Lock()
	fh, ok := h.frames[key]
	h.mu.Unlock()
	if ok {
		return fh, nil
	}

	host, err := h.frameHost(ctx, tab, frame)
	if err != nil {
		return nil, err
	}
	fh = content.NewHandler(h.TabRTID(tab).With(rtid.Frame(frame)), host)

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.frames[key]; ok {
		return existing, nil
	}
	h.frames[key] = fh
	logging.BrowserDebug("serving tab %d frame %d", tab, frame)
	return fh, nil
}

func (h *BrowserHandler) frameHost(ctx context.Context, tab, frame int) (*PageHost, error) {
	page, err := h.sm.mustPage(tab)
	if err != nil {
		return nil, err
	}
	if frame == 0 {
		return NewPageHost(page), nil
	}
	els, err := page.Context(ctx).Elements(frameSelector)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	if frame > len(els) {
		return nil, fmt.Errorf("%w: tab %d frame %d", ErrNoFrame, tab, frame)
	}
	fp, err := els[frame-1].Frame()
	if err != nil {
		return nil, fmt.Errorf("open frame %d: %w", frame, err)
	}
	return NewPageHost(fp), nil
}

// queryFrames resolves qi over the frame elements of a tab's main
// document. Frame k is the k-th such element in document order.
func (h *BrowserHandler) queryFrames(ctx context.Context, tab int, qi selector.QueryInfo) ([]message.ObjectRef, error) {
	page, err := h.sm.mustPage(tab)
	if err != nil {
		return nil, err
	}
	host := NewPageHost(page)
	els, err := page.Context(ctx).Elements(frameSelector)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	frames, err := host.wrapAll(ctx, els)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(frames))
	for i, f := range frames {
		index[f.NodeID()] = i + 1
	}

	var scan locator.ScanFunc[*LiveElement] = func(ctx context.Context, sels []selector.Selector) ([]*LiveElement, error) {
		var primaries []selector.Selector
		for _, s := range sels {
			if s.IsPrimary() {
				primaries = append(primaries, s)
			}
		}
		if len(primaries) == 0 {
			return frames, nil
		}
		found, err := host.scanPrimaries(ctx, nil, primaries)
		if err != nil {
			return nil, err
		}
		out := found[:0]
		for _, le := range found {
			if _, ok := index[le.NodeID()]; ok {
				out = append(out, le)
			}
		}
		return out, nil
	}
	res, err := locator.Resolve(ctx, scan, qi)
	if err != nil {
		return nil, err
	}
	refs := make([]message.ObjectRef, 0, len(res.Objects))
	for _, le := range res.Objects {
		refs = append(refs, message.ObjectRef{
			Type: selector.ObjectFrame,
			RTID: h.TabRTID(tab).With(rtid.Frame(index[le.NodeID()])),
		})
	}
	return refs, nil
}

// pageObject is a tab as a locator candidate.
type pageObject struct {
	Session
	Window int
}

func (p pageObject) Property(name string) (any, bool) {
	switch name {
	case "url":
		return p.URL, true
	case "title":
		return p.Title, true
	case "targetId":
		return p.TargetID, true
	case "tab":
		return float64(p.Tab), true
	case "windowId":
		return float64(p.Window), p.Window != 0
	}
	return nil, false
}

// pagesIn lists the live tabs, restricted to one window when window is not
// zero. Window ids are looked up concurrently.
func (h *BrowserHandler) pagesIn(ctx context.Context, window int) ([]pageObject, error) {
	sessions, err := h.sm.Sync(ctx)
	if err != nil {
		return nil, err
	}
	objs := make([]pageObject, len(sessions))
	b := h.sm.Browser()
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		objs[i].Session = s
		g.Go(func() error {
			res, err := proto.BrowserGetWindowForTarget{TargetID: proto.TargetTargetID(s.TargetID)}.Call(b.Context(gctx))
			if err != nil {
				logging.BrowserDebug("window of tab %d: %v", s.Tab, err)
				return nil
			}
			objs[i].Window = int(res.WindowID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if window == 0 {
		return objs, nil
	}
	out := objs[:0]
	for _, o := range objs {
		if o.Window == window {
			out = append(out, o)
		}
	}
	return out, nil
}

func (h *BrowserHandler) queryPages(ctx context.Context, window int, qi selector.QueryInfo) ([]message.ObjectRef, error) {
	pages, err := h.pagesIn(ctx, window)
	if err != nil {
		return nil, err
	}
	return resolvePages(ctx, h.id, pages, qi)
}

// resolvePages runs the locator over tabs. Primary selectors address
// documents and are rejected.
func resolvePages(ctx context.Context, browser rtid.RTID, pages []pageObject, qi selector.QueryInfo) ([]message.ObjectRef, error) {
	var scan locator.ScanFunc[pageObject] = func(_ context.Context, sels []selector.Selector) ([]pageObject, error) {
		for _, s := range sels {
			if s.IsPrimary() {
				return nil, fmt.Errorf("%w: %s does not apply to pages", selector.ErrContract, s.Name)
			}
		}
		return pages, nil
	}
	res, err := locator.Resolve(ctx, scan, qi)
	if err != nil {
		return nil, err
	}
	refs := make([]message.ObjectRef, len(res.Objects))
	for i, p := range res.Objects {
		refs[i] = message.ObjectRef{Type: selector.ObjectPage, RTID: browser.With(rtid.Tab(p.Tab))}
	}
	return refs, nil
}

func (h *BrowserHandler) queryWindows(ctx context.Context) ([]message.ObjectRef, error) {
	pages, err := h.pagesIn(ctx, 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool)
	var refs []message.ObjectRef
	for _, p := range pages {
		if p.Window == 0 || seen[p.Window] {
			continue
		}
		seen[p.Window] = true
		refs = append(refs, message.ObjectRef{Type: selector.ObjectWindow, RTID: h.id.With(rtid.Window(p.Window))})
	}
	return refs, nil
}

func (h *BrowserHandler) focus(ctx context.Context, tab int) error {
	page, err := h.sm.mustPage(tab)
	if err != nil {
		return err
	}
	if _, err := page.Context(ctx).Activate(); err != nil {
		return fmt.Errorf("activate tab %d: %w", tab, err)
	}
	h.mu.Lock()
	h.active = tab
	h.mu.Unlock()
	return nil
}

// activeTab returns the tab last focused through this handler, else the
// first tab whose document is visible, else the lowest tab. Zero means no
// tab is open.
func (h *BrowserHandler) activeTab(ctx context.Context) (int, error) {
	sessions, err := h.sm.Sync(ctx)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		return 0, nil
	}
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()
	for _, s := range sessions {
		if s.Tab == active {
			return active, nil
		}
	}
	for _, s := range sessions {
		page, ok := h.sm.Page(s.Tab)
		if !ok {
			continue
		}
		if visible(ctx, page) {
			return s.Tab, nil
		}
	}
	return sessions[0].Tab, nil
}

func visible(ctx context.Context, page *rod.Page) bool {
	res, err := page.Context(ctx).Eval(`() => document.visibilityState === 'visible'`)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"Space":      input.Space,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
	"Shift":      input.ShiftLeft,
	"Control":    input.ControlLeft,
}

// KeyFor maps a DOM key name, or a single ASCII letter or digit, to a rod key.
func KeyFor(name string) (input.Key, error) {
	if k, ok := namedKeys[name]; ok {
		return k, nil
	}
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		if r < utf8.RuneSelf && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return input.Key(r), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKey, name)
}
