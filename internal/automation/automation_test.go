package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tabdriver/internal/channel"
	"tabdriver/internal/content"
	"tabdriver/internal/dispatcher"
	"tabdriver/internal/dom"
	"tabdriver/internal/message"
	"tabdriver/internal/recorder"
	"tabdriver/internal/repository"
	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const page = `<html><head><title>Shop</title></head><body>
  <input name="q">
  <ul><li class="hit">a</li><li class="hit">b</li></ul>
  <div id="box"><span>inner</span></div>
  <button class="go">Go</button>
  <div id="widget"><template shadowrootmode="open"><button class="go">Go</button></template></div>
</body></html>`

var (
	browserID = rtid.New(rtid.Browser("b1"))
	tab1      = browserID.With(rtid.Tab(1))
	tab2      = browserID.With(rtid.Tab(2))
)

type env struct {
	rt     *Runtime
	doc    *dom.Document
	remote *dispatcher.Dispatcher

	mu     sync.Mutex
	clicks []message.PointParams
}

func (e *env) browserSide(ctx context.Context, msg message.Message) (message.Message, error) {
	switch msg.Action.Name {
	case message.ActionQuery:
		var desc selector.AODesc
		if err := msg.DecodeParams(&desc); err != nil {
			return message.Message{}, err
		}
		resp, err := message.NewResponse(msg, nil)
		switch desc.Type {
		case selector.ObjectPage:
			resp.Objects = []message.ObjectRef{{Type: desc.Type, RTID: tab1}, {Type: desc.Type, RTID: tab2}}
			if o := desc.Query().Ordinal; o != nil {
				resp.Objects = resp.Objects[o.Index : o.Index+1]
			}
		case selector.ObjectWindow:
			resp.Objects = []message.ObjectRef{{Type: desc.Type, RTID: browserID.With(rtid.Window(1))}}
		case selector.ObjectFrame:
			resp.Objects = []message.ObjectRef{{Type: desc.Type, RTID: msg.RTID.With(rtid.Frame(4))}}
		}
		return resp, err
	case message.ActionActivePage:
		return message.NewResponse(msg, tab1)
	case message.ActionURL:
		return message.NewResponse(msg, "https://shop.example/")
	case message.ActionMouseClick:
		var p message.PointParams
		if err := msg.DecodeParams(&p); err != nil {
			return message.Message{}, err
		}
		e.mu.Lock()
		e.clicks = append(e.clicks, p)
		e.mu.Unlock()
	}
	return message.NewResponse(msg, nil)
}

func setup(t *testing.T) *env {
	t.Helper()
	doc, err := dom.ParseString(page)
	require.NoError(t, err)

	near, far := channel.NewPipe("driver", "extension")
	caller := dispatcher.New(dispatcher.Static(near), dispatcher.WithTimeout(time.Second))
	remote := dispatcher.New(dispatcher.Static(far), dispatcher.WithTimeout(time.Second))
	_, err = caller.Attach(near)
	require.NoError(t, err)
	_, err = remote.Attach(far)
	require.NoError(t, err)

	e := &env{remote: remote, doc: doc}
	_, err = remote.Register(content.NewHandler(tab1.With(rtid.Frame(0)), doc))
	require.NoError(t, err)
	_, err = remote.Register(dispatcher.NewHandler(dispatcher.Scope{Target: browserID}, e.browserSide))
	require.NoError(t, err)

	e.rt = NewRuntime(caller, repository.New(), browserID)
	t.Cleanup(func() {
		e.rt.Close()
		caller.Close()
		remote.Close()
		near.Disconnect("test done")
		near.Wait()
		far.Wait()
	})
	return e
}

func css(s string) selector.QueryInfo {
	return selector.QueryInfo{Primary: []selector.Selector{selector.CSS(s)}}
}

func TestObjectsAreCachedPerRTID(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	b := e.rt.BrowserObject()
	assert.Same(t, b, e.rt.BrowserObject())

	pages, err := b.Pages(ctx)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	active, err := b.ActivePage(ctx)
	require.NoError(t, err)
	assert.Same(t, pages[0], active)

	windows, err := b.Windows(ctx)
	require.NoError(t, err)
	require.Len(t, windows, 1)

	_, err = b.Page(ctx, selector.QueryInfo{})
	assert.ErrorIs(t, err, ErrAmbiguous)

	// Page and mouse share an RTID but not an instance.
	assert.Equal(t, active.RTID(), active.Mouse().RTID())
	assert.Same(t, active.Mouse(), active.Mouse())
}

func TestElementRoundTrip(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	p, err := e.rt.BrowserObject().ActivePage(ctx)
	require.NoError(t, err)

	in, err := p.Element(ctx, css("input[name=q]"))
	require.NoError(t, err)
	again, err := p.Element(ctx, css("input"))
	require.NoError(t, err)
	assert.Same(t, in, again)

	require.NoError(t, in.SetValue(ctx, "boots"))
	v, err := in.Property(ctx, "value")
	require.NoError(t, err)
	assert.Equal(t, "boots", v)

	name, ok, err := in.Attribute(ctx, "name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "q", name)
	_, ok, err = in.Attribute(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	hits, err := p.Elements(ctx, css("li.hit"))
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	_, err = p.Element(ctx, css("li.hit"))
	assert.ErrorIs(t, err, ErrAmbiguous)
	_, err = p.Element(ctx, css("table"))
	assert.ErrorIs(t, err, ErrNotFound)

	box, err := p.Element(ctx, css("#box"))
	require.NoError(t, err)
	span, err := box.Element(ctx, css("span"))
	require.NoError(t, err)
	text, err := span.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "inner", text)
	assert.True(t, box.RTID().Scope(rtid.LevelFrame).Contains(span.RTID()))
}

func TestPageCommands(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	p, err := e.rt.BrowserObject().ActivePage(ctx)
	require.NoError(t, err)

	url, err := p.URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example/", url)

	require.NoError(t, p.Mouse().Click(ctx, 10, 20))
	e.mu.Lock()
	assert.Equal(t, []message.PointParams{{X: 10, Y: 20}}, e.clicks)
	e.mu.Unlock()

	f, err := p.Frame(ctx, selector.QueryInfo{Mandatory: []selector.Selector{
		selector.Attribute("name", selector.MatchExact, selector.String("ads")),
	}})
	require.NoError(t, err)
	id, _ := f.RTID().FrameID()
	assert.Equal(t, 4, id)
}

func TestTeardownEvictsScope(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	p, err := e.rt.BrowserObject().ActivePage(ctx)
	require.NoError(t, err)
	el, err := p.Element(ctx, css("#box"))
	require.NoError(t, err)
	other, err := e.rt.BrowserObject().Page(ctx, selector.QueryInfo{Ordinal: &selector.Ordinal{Index: 1}})
	require.NoError(t, err)

	removed := make(chan message.Message, 1)
	p.On(message.EventTabRemoved, func(msg message.Message) { removed <- msg })

	require.NoError(t, e.remote.SendEvent(ctx, tab1, message.EventTabRemoved, nil))
	select {
	case msg := <-removed:
		assert.Equal(t, tab1, msg.RTID)
	case <-time.After(time.Second):
		t.Fatal("tab.removed listener did not fire")
	}

	_, ok := repository.Lookup[*Element](e.rt.Repository, el.RTID())
	assert.False(t, ok, "elements under the tab are evicted")
	_, ok = repository.Lookup[*Page](e.rt.Repository, tab1)
	assert.False(t, ok)
	kept, ok := repository.Lookup[*Page](e.rt.Repository, tab2)
	assert.True(t, ok)
	assert.Same(t, other, kept)
}

func TestReplay(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	frame := tab1.With(rtid.Frame(0))
	input := css("input[name=q]")
	hit := selector.QueryInfo{
		Mandatory: []selector.Selector{selector.Attribute("class", selector.MatchExact, selector.String("hit"))},
		Ordinal:   &selector.Ordinal{Index: 1},
	}

	n, err := e.rt.Replay(ctx, []recorder.Step{
		{ID: "s1", Action: message.ActionSetValue, Value: "boots", Frame: frame,
			Target: selector.AODesc{Type: selector.ObjectElement, QueryInfo: &input}},
		{ID: "s2", Action: message.ActionClick, Frame: frame,
			Target: selector.AODesc{Type: selector.ObjectElement, QueryInfo: &hit}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	el, err := e.rt.Frame(frame).Element(ctx, input)
	require.NoError(t, err)
	v, err := el.Property(ctx, "value")
	require.NoError(t, err)
	assert.Equal(t, "boots", v)

	n, err = e.rt.Replay(ctx, []recorder.Step{
		{ID: "s3", Action: message.ActionClick, Frame: frame, Target: selector.AODesc{Type: selector.ObjectElement}},
	})
	assert.ErrorIs(t, err, ErrNoSelector)
	assert.Zero(t, n)

	_, err = e.rt.Replay(ctx, []recorder.Step{
		{ID: "s4", Action: "drag", Frame: frame, Target: selector.AODesc{Type: selector.ObjectElement, QueryInfo: &input}},
	})
	assert.ErrorIs(t, err, ErrUnsupportedAction)

	_, err = e.rt.Replay(ctx, []recorder.Step{
		{ID: "s5", Action: message.ActionClick, Frame: tab1, Target: selector.AODesc{Type: selector.ObjectElement, QueryInfo: &input}},
	})
	assert.ErrorIs(t, err, rtid.ErrInvalid)
}

func TestReplayEntersShadowHost(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	widget, err := e.doc.QueryOne("#widget")
	require.NoError(t, err)
	inner, err := e.doc.ScanNodes(ctx, widget, nil)
	require.NoError(t, err)
	require.Len(t, inner, 1)

	desc, err := recorder.GenerateAODesc(ctx, e.doc, inner[0])
	require.NoError(t, err)
	require.NotNil(t, desc.QueryInfo)
	require.NotNil(t, desc.ShadowHost)

	n, err := e.rt.Replay(ctx, []recorder.Step{
		{ID: "s1", Action: message.ActionClick, Frame: tab1.With(rtid.Frame(0)), Target: desc},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []*dom.Node{inner[0]}, e.doc.Clicks())
}

func TestObjectListenerCanCallBack(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	p, err := e.rt.BrowserObject().ActivePage(ctx)
	require.NoError(t, err)

	urls := make(chan string, 1)
	off := p.On(message.EventNavigated, func(message.Message) {
		url, err := p.URL(ctx)
		if err != nil {
			url = err.Error()
		}
		urls <- url
	})
	defer off()

	require.NoError(t, e.remote.SendEvent(ctx, tab1, message.EventNavigated, nil))
	select {
	case url := <-urls:
		assert.Equal(t, "https://shop.example/", url)
	case <-time.After(2 * time.Second):
		t.Fatal("navigated listener did not get an answer")
	}
}
