package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"tabdriver/internal/channel"
	"tabdriver/internal/logging"
	"tabdriver/internal/message"
)

// bridgeJS gives page scripts a postMessage-like API over the binding:
// window[name].post(msg) sends, and listeners of the CustomEvent named name
// on document receive messages from Go in event.detail.
const bridgeJS = `(name) => {
	const send = window[name];
	if (typeof send !== 'function' || send.__tdBridge) return;
	const bridge = (payload) => send(payload);
	bridge.__tdBridge = true;
	bridge.post = (msg) => send(JSON.stringify(msg));
	bridge.onMessage = (fn) => document.addEventListener(name, (ev) => fn(JSON.parse(ev.detail)));
	window[name] = bridge;
}`

const dispatchJS = `(name, data) => { document.dispatchEvent(new CustomEvent(name, { detail: data })); }`

// BindingChannel is a channel between Go and the main world of one page.
// Inbound messages arrive through a CDP runtime binding; outbound messages
// are dispatched into the page as CustomEvents. The sender identity is the
// binding name, so calls of any other binding are rejected.
type BindingChannel struct {
	*channel.Base
	page   *rod.Page
	name   string
	cancel context.CancelFunc
	remove func() error
	wg     sync.WaitGroup
}

var _ channel.Channel = (*BindingChannel)(nil)

// NewBindingChannel adds the binding name to page and starts reading calls.
func NewBindingChannel(ctx context.Context, page *rod.Page, name string) (*BindingChannel, error) {
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable runtime: %w", err)
	}
	if err := (proto.RuntimeAddBinding{Name: name}).Call(page); err != nil {
		return nil, fmt.Errorf("add binding %s: %w", name, err)
	}
	install := fmt.Sprintf("(%s)(%q)", bridgeJS, name)
	remove, err := page.EvalOnNewDocument(install)
	if err != nil {
		return nil, fmt.Errorf("install bridge: %w", err)
	}
	if _, err := page.Eval(bridgeJS, name); err != nil {
		logging.BrowserWarn("bridge not installed in the current document: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	bc := &BindingChannel{
		Base:   channel.NewBase("binding:"+name, name),
		page:   page,
		name:   name,
		cancel: cancel,
		remove: remove,
	}
	wait := page.Context(runCtx).EachEvent(bc.onBindingCalled)
	bc.wg.Add(1)
	go func() {
		defer bc.wg.Done()
		wait()
	}()
	return bc, nil
}

// Name returns the binding name.
func (bc *BindingChannel) Name() string { return bc.name }

func (bc *BindingChannel) onBindingCalled(ev *proto.RuntimeBindingCalled) {
	if ev.Name != bc.name {
		return
	}
	var msg message.Message
	if err := json.Unmarshal([]byte(ev.Payload), &msg); err != nil {
		logging.ChannelWarn("[%s] dropped undecodable payload from context %d: %v", bc.ID(), ev.ExecutionContextID, err)
		return
	}
	logging.ChannelDebug("[%s] %s from context %d", bc.ID(), msg, ev.ExecutionContextID)
	bc.Deliver(channel.Envelope{
		Msg:    msg,
		Sender: ev.Name,
		Reply:  channel.ReplyVia(msg, bc.PostMessage),
	})
}

// PostMessage dispatches msg into the page.
func (bc *BindingChannel) PostMessage(ctx context.Context, msg message.Message) error {
	if err := bc.CheckSend(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg, err)
	}
	if _, err := bc.page.Context(ctx).Eval(dispatchJS, bc.name, string(data)); err != nil {
		return fmt.Errorf("dispatch %s: %w", msg, err)
	}
	return nil
}

// Disconnect removes the binding and stops reading. It does not wait; use
// Wait for that.
func (bc *BindingChannel) Disconnect(reason string) {
	if !bc.MarkDisconnected(reason) {
		return
	}
	bc.cancel()
	if err := bc.remove(); err != nil {
		logging.ChannelDebug("[%s] remove bridge: %v", bc.ID(), err)
	}
	if err := (proto.RuntimeRemoveBinding{Name: bc.name}).Call(bc.page); err != nil {
		logging.ChannelDebug("[%s] remove binding: %v", bc.ID(), err)
	}
}

// Wait blocks until the event reader has exited.
func (bc *BindingChannel) Wait() { bc.wg.Wait() }
