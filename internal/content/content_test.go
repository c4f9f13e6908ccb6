package content

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tabdriver/internal/channel"
	"tabdriver/internal/dispatcher"
	"tabdriver/internal/dom"
	"tabdriver/internal/message"
	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const page = `<html><body>
  <form>
    <input name="user" value="ann">
    <input name="pass" type="password">
    <button id="login">Log in</button>
  </form>
  <p>hello <b>world</b></p>
</body></html>`

func newHandler(t *testing.T) (*Handler, *dom.Document, rtid.RTID) {
	t.Helper()
	doc, err := dom.ParseString(page)
	require.NoError(t, err)
	frame := rtid.New(rtid.Browser("b1"), rtid.Tab(3), rtid.Frame(0))
	return NewHandler(frame, doc), doc, frame
}

func query(t *testing.T, target rtid.RTID, desc selector.AODesc) message.Message {
	t.Helper()
	msg, err := message.New(message.KindQuery, target, message.ActionQuery, desc)
	require.NoError(t, err)
	msg.CallbackID = "cb"
	return msg
}

func TestNodeTableStableIDs(t *testing.T) {
	doc, err := dom.ParseString(page)
	require.NoError(t, err)
	a, _ := doc.QueryOne("input[name=user]")
	b, _ := doc.QueryOne("input[name=pass]")

	tbl := NewNodeTable()
	idA := tbl.Register(a)
	assert.Equal(t, idA, tbl.Register(a))
	idB := tbl.Register(b)
	assert.NotEqual(t, idA, idB)

	got, ok := tbl.Lookup(idB)
	require.True(t, ok)
	assert.Same(t, b, got)

	tbl.Reset()
	assert.Equal(t, 0, tbl.Len())
	_, ok = tbl.Lookup(idA)
	assert.False(t, ok)
	assert.NotEqual(t, idA, tbl.Register(a), "ids are not reused after Reset")
}

func TestQueryRegistersMatches(t *testing.T) {
	h, _, frame := newHandler(t)
	ctx := context.Background()

	desc := selector.AODesc{Type: selector.ObjectElement, QueryInfo: &selector.QueryInfo{
		Primary: []selector.Selector{selector.CSS("input")},
	}}
	resp, err := h.Handle(ctx, query(t, frame, desc))
	require.NoError(t, err)
	require.Len(t, resp.Objects, 2)
	for _, ref := range resp.Objects {
		assert.Equal(t, selector.ObjectElement, ref.Type)
		assert.True(t, frame.Contains(ref.RTID))
		_, ok := ref.RTID.ExternalID()
		assert.True(t, ok)
	}

	again, err := h.Handle(ctx, query(t, frame, desc))
	require.NoError(t, err)
	assert.Equal(t, resp.Objects, again.Objects, "the same nodes keep their RTIDs")
}

func TestQueryTextNodes(t *testing.T) {
	h, _, frame := newHandler(t)
	desc := selector.AODesc{Type: selector.ObjectText, QueryInfo: &selector.QueryInfo{
		Mandatory: []selector.Selector{selector.Text(selector.MatchExact, selector.String("world"))},
	}}
	resp, err := h.Handle(context.Background(), query(t, frame, desc))
	require.NoError(t, err)
	require.Len(t, resp.Objects, 1)
	assert.Equal(t, selector.ObjectText, resp.Objects[0].Type)
}

func TestElementCommands(t *testing.T) {
	h, doc, frame := newHandler(t)
	ctx := context.Background()

	resp, err := h.Handle(ctx, query(t, frame, selector.AODesc{QueryInfo: &selector.QueryInfo{
		Mandatory: []selector.Selector{selector.Attribute("name", selector.MatchExact, selector.String("user"))},
	}}))
	require.NoError(t, err)
	require.Len(t, resp.Objects, 1)
	el := resp.Objects[0].RTID

	cmd, err := message.New(message.KindCommand, el, message.ActionSetValue, message.ValueParams{Value: "bob"})
	require.NoError(t, err)
	_, err = h.Handle(ctx, cmd)
	require.NoError(t, err)

	cmd, err = message.New(message.KindCommand, el, message.ActionProperty, message.NameParams{Name: "value"})
	require.NoError(t, err)
	out, err := h.Handle(ctx, cmd)
	require.NoError(t, err)
	var v string
	require.NoError(t, out.DecodeResult(&v))
	assert.Equal(t, "bob", v)

	btn, err := doc.QueryOne("#login")
	require.NoError(t, err)
	id := h.Table().Register(btn)
	cmd, err = message.New(message.KindCommand, frame.With(rtid.External(id)), message.ActionClick, nil)
	require.NoError(t, err)
	_, err = h.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, []*dom.Node{btn}, doc.Clicks())
}

func TestNestedQueryAndStaleObjects(t *testing.T) {
	h, _, frame := newHandler(t)
	ctx := context.Background()

	form, err := h.Handle(ctx, query(t, frame, selector.AODesc{QueryInfo: &selector.QueryInfo{
		Primary: []selector.Selector{selector.CSS("form")},
	}}))
	require.NoError(t, err)
	require.Len(t, form.Objects, 1)

	inner, err := h.Handle(ctx, query(t, form.Objects[0].RTID, selector.AODesc{QueryInfo: &selector.QueryInfo{
		Primary: []selector.Selector{selector.CSS("button")},
	}}))
	require.NoError(t, err)
	require.Len(t, inner.Objects, 1)

	nav, err := message.New(message.KindEvent, frame, message.EventNavigated, nil)
	require.NoError(t, err)
	_, err = h.Handle(ctx, nav)
	require.NoError(t, err)

	cmd, err := message.New(message.KindCommand, inner.Objects[0].RTID, message.ActionText, nil)
	require.NoError(t, err)
	_, err = h.Handle(ctx, cmd)
	assert.ErrorIs(t, err, ErrStaleObject)

	cmd, err = message.New(message.KindCommand, frame, message.ActionClick, nil)
	require.NoError(t, err)
	_, err = h.Handle(ctx, cmd)
	assert.ErrorIs(t, err, ErrNeedElement)
}

func TestThroughDispatcher(t *testing.T) {
	h, _, frame := newHandler(t)
	near, far := channel.NewPipe("driver", "content")
	caller := dispatcher.New(dispatcher.Static(near), dispatcher.WithTimeout(time.Second))
	remote := dispatcher.New(dispatcher.Static(far), dispatcher.WithTimeout(time.Second))
	defer func() {
		caller.Close()
		remote.Close()
		near.Disconnect("test done")
		near.Wait()
		far.Wait()
	}()
	_, err := caller.Attach(near)
	require.NoError(t, err)
	_, err = remote.Attach(far)
	require.NoError(t, err)
	_, err = remote.Register(h)
	require.NoError(t, err)

	ctx := context.Background()
	refs, err := caller.SendQuery(ctx, frame, selector.AODesc{Type: selector.ObjectElement, QueryInfo: &selector.QueryInfo{
		Primary: []selector.Selector{selector.CSS("#login")},
	}})
	require.NoError(t, err)
	require.Len(t, refs, 1)

	resp, err := caller.SendCommand(ctx, refs[0].RTID, message.ActionText, nil)
	require.NoError(t, err)
	var text string
	require.NoError(t, resp.DecodeResult(&text))
	assert.Equal(t, "Log in", text)

	_, err = caller.SendQuery(ctx, frame, selector.AODesc{QueryInfo: &selector.QueryInfo{
		Primary: []selector.Selector{selector.CSS("input[")},
	}})
	var ce *dispatcher.CallError
	require.ErrorAs(t, err, &ce)
	var re *dispatcher.RemoteError
	assert.ErrorAs(t, err, &re)
}
