// Package automation exposes remote browser objects as local Go values.
// Every object is obtained through the Runtime's repository, so one RTID
// always maps to one instance per type.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tabdriver/internal/dispatcher"
	"tabdriver/internal/logging"
	"tabdriver/internal/message"
	"tabdriver/internal/repository"
	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

var (
	ErrNotFound  = errors.New("no object matches")
	ErrAmbiguous = errors.New("more than one object matches")
)

// Runtime is the explicit context every automation object hangs off.
type Runtime struct {
	Dispatcher *dispatcher.Dispatcher
	Repository *repository.Repository
	Browser    rtid.RTID

	off func()
}

// NewRuntime wires teardown events to repository eviction.
func NewRuntime(d *dispatcher.Dispatcher, repo *repository.Repository, browser rtid.RTID) *Runtime {
	rt := &Runtime{Dispatcher: d, Repository: repo, Browser: browser}
	rt.off = d.OnEvent(rt.teardown)
	return rt
}

// Close stops listening and drops every cached object.
func (rt *Runtime) Close() {
	rt.off()
	rt.Repository.Clear()
}

func (rt *Runtime) teardown(msg message.Message) {
	if msg.Type != message.KindEvent {
		return
	}
	switch msg.Action.Name {
	case message.EventTabRemoved, message.EventWindowRemoved, message.EventFrameDetached:
		if msg.RTID.IsZero() {
			return
		}
		n := rt.Repository.Evict(msg.RTID)
		logging.Dispatch("%s: evicted %d objects under %s", msg.Action.Name, n, msg.RTID)
	}
}

// BrowserObject returns the browser the runtime drives.
func (rt *Runtime) BrowserObject() *Browser {
	return repository.Get(rt.Repository, rt.Browser, func(id rtid.RTID) *Browser {
		return &Browser{object: newObject(rt, id)}
	})
}

func (rt *Runtime) window(id rtid.RTID) *Window {
	return repository.Get(rt.Repository, id, func(id rtid.RTID) *Window {
		return &Window{object: newObject(rt, id)}
	})
}

func (rt *Runtime) page(id rtid.RTID) *Page {
	return repository.Get(rt.Repository, id, func(id rtid.RTID) *Page {
		return &Page{object: newObject(rt, id)}
	})
}

func (rt *Runtime) frame(id rtid.RTID) *Frame {
	return repository.Get(rt.Repository, id, func(id rtid.RTID) *Frame {
		return &Frame{object: newObject(rt, id)}
	})
}

func (rt *Runtime) element(id rtid.RTID) *Element {
	return repository.Get(rt.Repository, id, func(id rtid.RTID) *Element {
		return &Element{object: newObject(rt, id)}
	})
}

func (rt *Runtime) query(ctx context.Context, target rtid.RTID, t selector.ObjectType, qi *selector.QueryInfo) ([]message.ObjectRef, error) {
	return rt.Dispatcher.SendQuery(ctx, target, selector.AODesc{Type: t, QueryInfo: qi})
}

func (rt *Runtime) queryOne(ctx context.Context, target rtid.RTID, t selector.ObjectType, qi *selector.QueryInfo) (message.ObjectRef, error) {
	refs, err := rt.query(ctx, target, t, qi)
	if err != nil {
		return message.ObjectRef{}, err
	}
	switch len(refs) {
	case 0:
		return message.ObjectRef{}, fmt.Errorf("%w: %s %s", ErrNotFound, t, qi)
	case 1:
		return refs[0], nil
	}
	return message.ObjectRef{}, fmt.Errorf("%w: %d %s objects for %s", ErrAmbiguous, len(refs), t, qi)
}

// command sends action to target and decodes the result into out, when
// out is non-nil.
func (rt *Runtime) command(ctx context.Context, target rtid.RTID, action string, params, out any) error {
	resp, err := rt.Dispatcher.SendCommand(ctx, target, action, params)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return resp.DecodeResult(out)
}

// object is the part every automation object shares.
type object struct {
	rt *Runtime
	id rtid.RTID

	mu   sync.Mutex
	offs []func()
}

func newObject(rt *Runtime, id rtid.RTID) *object {
	return &object{rt: rt, id: id}
}

func (o *object) RTID() rtid.RTID { return o.id }

// On subscribes fn to events named name that concern this object: events
// addressed to it, to anything inside it, or to a scope containing it.
func (o *object) On(name string, fn func(message.Message)) (off func()) {
	off = o.rt.Dispatcher.OnEvent(func(msg message.Message) {
		if msg.Type != message.KindEvent || msg.Action.Name != name {
			return
		}
		if o.id.Contains(msg.RTID) || msg.RTID.Contains(o.id) {
			fn(msg)
		}
	})
	o.mu.Lock()
	o.offs = append(o.offs, off)
	o.mu.Unlock()
	return off
}

// Dispose implements repository.Disposer.
func (o *object) Dispose() {
	o.mu.Lock()
	offs := o.offs
	o.offs = nil
	o.mu.Unlock()
	for _, off := range offs {
		off()
	}
}
