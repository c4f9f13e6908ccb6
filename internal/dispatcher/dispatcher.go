// Package dispatcher routes outgoing messages to channels by RTID, correlates
// responses with pending requests, times them out, and hands inbound
// messages to scoped handlers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tabdriver/internal/channel"
	"tabdriver/internal/logging"
	"tabdriver/internal/message"
	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

// DefaultTimeout applies when no WithTimeout option is given.
const DefaultTimeout = 30 * time.Second

type pendingCall struct {
	req       message.Message
	channelID string
	started   time.Time
	ch        chan message.Message // cap 1; closed with err set on failure
	err       error
}

type attachment struct {
	ch   channel.Channel
	offs []func()
}

type eventListener struct {
	id int
	fn func(message.Message)
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	resolver ChannelResolver
	timeout  time.Duration
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	pending   map[string]*pendingCall
	handlers  []*registered
	listeners []eventListener
	attached  map[string]*attachment
	nextID    int

	// Inbound events wait here for the single ordered event worker.
	events   []message.Message
	draining bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithIDGenerator replaces the uuid callback id generator.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// New returns a dispatcher sending through resolver.
func New(resolver ChannelResolver, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		resolver: resolver,
		timeout:  DefaultTimeout,
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*pendingCall),
		attached: make(map[string]*attachment),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Timeout returns the configured request timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// SendRequest posts a correlated message and waits for its response, the
// caller's context, or the timeout. An empty Type defaults to request.
// The pending entry is always removed before returning.
func (d *Dispatcher) SendRequest(ctx context.Context, msg message.Message) (message.Message, error) {
	if msg.Type == "" {
		msg.Type = message.KindRequest
	}
	fail := func(err error) (message.Message, error) {
		return message.Message{}, &CallError{Kind: msg.Type, Action: msg.Action.Name, RTID: msg.RTID, Err: err}
	}
	if !msg.Correlated() {
		return fail(fmt.Errorf("%w: %s", ErrNotRequest, msg.Type))
	}

	ch, err := d.resolver.ChannelFor(msg)
	if err != nil {
		return fail(err)
	}
	msg.CallbackID = d.newID()
	if err := msg.Validate(); err != nil {
		return fail(err)
	}

	p := &pendingCall{req: msg, channelID: ch.ID(), started: time.Now(), ch: make(chan message.Message, 1)}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fail(ErrClosed)
	}
	d.pending[msg.CallbackID] = p
	d.mu.Unlock()
	defer d.forget(msg.CallbackID)

	logging.DispatchDebug("send %s via %s", msg, ch.ID())
	if err := ch.PostMessage(ctx, msg); err != nil {
		return fail(err)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-p.ch:
		if !ok {
			return fail(p.err)
		}
		if resp.Status == message.StatusError {
			return resp, &CallError{Kind: msg.Type, Action: msg.Action.Name, RTID: msg.RTID, Err: &RemoteError{Message: resp.Error}}
		}
		return resp, nil
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-timer.C:
		logging.DispatchWarn("%s timed out after %v", msg, d.timeout)
		return fail(fmt.Errorf("%w after %v", ErrTimeout, d.timeout))
	}
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// SendCommand invokes action on the object at target.
func (d *Dispatcher) SendCommand(ctx context.Context, target rtid.RTID, action string, params any) (message.Message, error) {
	msg, err := message.New(message.KindCommand, target, action, params)
	if err != nil {
		return message.Message{}, &CallError{Kind: message.KindCommand, Action: action, RTID: target, Err: err}
	}
	return d.SendRequest(ctx, msg)
}

// SendQuery asks the context at target for objects matching desc.
func (d *Dispatcher) SendQuery(ctx context.Context, target rtid.RTID, desc selector.AODesc) ([]message.ObjectRef, error) {
	msg, err := message.New(message.KindQuery, target, message.ActionQuery, desc)
	if err == nil {
		var resp message.Message
		resp, err = d.SendRequest(ctx, msg)
		if err == nil {
			return resp.Objects, nil
		}
	}
	var ce *CallError
	if errors.As(err, &ce) {
		ce.Query = desc.Query().String()
		return nil, ce
	}
	return nil, &CallError{Kind: message.KindQuery, Action: message.ActionQuery, RTID: target, Query: desc.Query().String(), Err: err}
}

// SendEvent posts a fire-and-forget event. Only transport errors on send
// are reported.
func (d *Dispatcher) SendEvent(ctx context.Context, target rtid.RTID, name string, params any) error {
	return d.post(ctx, message.KindEvent, target, name, params)
}

// SendRecord posts a recorded step.
func (d *Dispatcher) SendRecord(ctx context.Context, target rtid.RTID, step any) error {
	return d.post(ctx, message.KindRecord, target, message.EventStep, step)
}

func (d *Dispatcher) post(ctx context.Context, kind message.Kind, target rtid.RTID, name string, params any) error {
	msg, err := message.New(kind, target, name, params)
	if err != nil {
		return err
	}
	ch, err := d.resolver.ChannelFor(msg)
	if err != nil {
		return err
	}
	return ch.PostMessage(ctx, msg)
}

// Broadcast posts an event on every attached channel concurrently and
// returns the first transport error.
func (d *Dispatcher) Broadcast(ctx context.Context, target rtid.RTID, name string, params any) error {
	msg, err := message.New(message.KindEvent, target, name, params)
	if err != nil {
		return err
	}
	d.mu.Lock()
	chans := make([]channel.Channel, 0, len(d.attached))
	for _, a := range d.attached {
		chans = append(chans, a.ch)
	}
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range chans {
		ch := ch
		g.Go(func() error {
			if err := ch.PostMessage(gctx, msg); err != nil {
				return fmt.Errorf("broadcast %s to %s: %w", name, ch.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Attach subscribes to inbound messages on ch and starts it listening. A
// disconnect of ch fails its in-flight requests. The returned function
// detaches.
func (d *Dispatcher) Attach(ch channel.Channel) (detach func(), err error) {
	a := &attachment{ch: ch}
	a.offs = append(a.offs,
		ch.OnMessage(func(env channel.Envelope) { d.receive(env) }),
		ch.OnDisconnect(func(reason string) {
			d.failChannel(ch.ID(), fmt.Errorf("%w: %s", channel.ErrDisconnected, reason))
		}),
	)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		for _, off := range a.offs {
			off()
		}
		return nil, ErrClosed
	}
	d.attached[ch.ID()] = a
	d.mu.Unlock()

	if err := ch.StartListening(); err != nil {
		d.detach(ch.ID())
		return nil, err
	}
	logging.DispatchDebug("attached channel %s", ch.ID())
	return func() { d.detach(ch.ID()) }, nil
}

func (d *Dispatcher) detach(id string) {
	d.mu.Lock()
	a, ok := d.attached[id]
	delete(d.attached, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	for _, off := range a.offs {
		off()
	}
}

// Register adds a handler. Among handlers claiming the same correlated
// message, the first registered wins.
func (d *Dispatcher) Register(h Handler) (unregister func(), err error) {
	cs, err := h.Scope().compile()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.nextID++
	r := &registered{id: d.nextID, h: h, scope: cs}
	d.handlers = append(d.handlers, r)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, x := range d.handlers {
			if x.id == r.id {
				d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
				return
			}
		}
	}, nil
}

// OnEvent subscribes to every inbound event and record, after handlers.
func (d *Dispatcher) OnEvent(fn func(message.Message)) (off func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, eventListener{id: id, fn: fn})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, l := range d.listeners {
			if l.id == id {
				d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

func (d *Dispatcher) receive(env channel.Envelope) {
	msg := env.Msg
	switch {
	case msg.Type == message.KindResponse:
		d.resolve(msg)
	case msg.Correlated():
		d.dispatch(env)
	default:
		d.enqueueEvent(msg)
	}
}

// enqueueEvent queues msg for the event worker, starting it when idle.
// Delivery stays in arrival order but off the channel's receive goroutine,
// so a listener may send requests and wait for their responses.
func (d *Dispatcher) enqueueEvent(msg message.Message) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.events = append(d.events, msg)
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.wg.Add(1)
	d.mu.Unlock()
	go d.drainEvents()
}

func (d *Dispatcher) drainEvents() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(d.events) == 0 {
			d.draining = false
			d.mu.Unlock()
			return
		}
		msg := d.events[0]
		d.events[0] = message.Message{}
		d.events = d.events[1:]
		d.mu.Unlock()
		d.fanOut(msg)
	}
}

func (d *Dispatcher) resolve(resp message.Message) {
	d.mu.Lock()
	p, ok := d.pending[resp.CallbackID]
	delete(d.pending, resp.CallbackID)
	d.mu.Unlock()
	if !ok {
		logging.DispatchDebug("discarded late or unknown response %s", resp)
		return
	}
	logging.DispatchDebug("%s answered in %v", p.req, time.Since(p.started))
	p.ch <- resp
}

func (d *Dispatcher) claimants(msg message.Message) []*registered {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*registered
	for _, r := range d.handlers {
		if r.scope.claims(msg) {
			out = append(out, r)
		}
	}
	return out
}

// dispatch hands a correlated message to exactly one handler on its own
// goroutine, so a handler may itself send requests over the same channel.
func (d *Dispatcher) dispatch(env channel.Envelope) {
	msg := env.Msg
	hs := d.claimants(msg)
	if len(hs) == 0 {
		logging.DispatchWarn("no handler for %s", msg)
		d.reply(env, message.NewErrorResponse(msg, fmt.Errorf("%w: %s", ErrNoHandler, msg.Action.Name)))
		return
	}
	if len(hs) > 1 {
		logging.DispatchWarn("%d handlers claim %s; using the first registered", len(hs), msg)
	}
	h := hs[0].h

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.reply(env, message.NewErrorResponse(msg, ErrClosed))
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		resp, err := h.Handle(d.ctx, msg)
		if err != nil {
			d.reply(env, message.NewErrorResponse(msg, err))
			return
		}
		if resp.Status == "" {
			resp.Status = message.StatusOK
		}
		d.reply(env, resp)
	}()
}

func (d *Dispatcher) reply(env channel.Envelope, resp message.Message) {
	if env.Reply == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := env.Reply(ctx, resp); err != nil {
		logging.DispatchWarn("reply to %s failed: %v", env.Msg, err)
	}
}

// fanOut delivers one event or record to every claiming handler and then
// to event listeners. Only the event worker calls it.
func (d *Dispatcher) fanOut(msg message.Message) {
	for _, r := range d.claimants(msg) {
		if _, err := r.h.Handle(d.ctx, msg); err != nil {
			logging.DispatchWarn("handler failed on %s: %v", msg, err)
		}
	}
	d.mu.Lock()
	ls := append([]eventListener(nil), d.listeners...)
	d.mu.Unlock()
	for _, l := range ls {
		l.fn(msg)
	}
}

func (d *Dispatcher) failChannel(channelID string, err error) {
	d.mu.Lock()
	var failed []*pendingCall
	for id, p := range d.pending {
		if p.channelID == channelID {
			failed = append(failed, p)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()
	for _, p := range failed {
		p.err = err
		close(p.ch)
	}
	if len(failed) > 0 {
		logging.DispatchWarn("failed %d in-flight requests on %s: %v", len(failed), channelID, err)
	}
}

// Pending returns the number of requests awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails every pending request with ErrClosed, detaches all channels
// and waits for running handlers. Channels themselves stay open.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.events = nil
	pending := d.pending
	d.pending = make(map[string]*pendingCall)
	ids := make([]string, 0, len(d.attached))
	for id := range d.attached {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, p := range pending {
		p.err = ErrClosed
		close(p.ch)
	}
	for _, id := range ids {
		d.detach(id)
	}
	d.cancel()
	d.wg.Wait()
}
