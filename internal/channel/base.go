package channel

import (
	"context"
	"fmt"
	"sync"

	"tabdriver/internal/logging"
	"tabdriver/internal/message"
)

type listener[F any] struct {
	id int
	fn F
}

// Base implements the transport-independent half of Channel: state,
// listening flag, listener registry and inbound checks. Transports embed it
// and call Deliver from a single goroutine so delivery keeps send order.
type Base struct {
	id             string
	expectedSender string

	mu           sync.RWMutex
	state        State
	listening    bool
	reason       string
	nextID       int
	onMessage    []listener[func(Envelope)]
	onDisconnect []listener[func(string)]
}

// NewBase returns a connected Base. An empty expectedSender accepts any sender.
func NewBase(id, expectedSender string) *Base {
	return &Base{id: id, expectedSender: expectedSender}
}

func (b *Base) ID() string { return b.id }

// ExpectedSender returns the sender identity inbound messages must carry.
func (b *Base) ExpectedSender() string { return b.expectedSender }

func (b *Base) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateConnected
}

// State returns the current state and, once disconnected, the reason.
func (b *Base) State() (State, string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state, b.reason
}

func (b *Base) Listening() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listening
}

func (b *Base) StartListening() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDisconnected {
		return fmt.Errorf("%w: %s", ErrDisconnected, b.id)
	}
	b.listening = true
	return nil
}

func (b *Base) StopListening() {
	b.mu.Lock()
	b.listening = false
	b.mu.Unlock()
}

func (b *Base) OnMessage(fn func(Envelope)) (off func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.onMessage = append(b.onMessage, listener[func(Envelope)]{id, fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.onMessage = remove(b.onMessage, id)
	}
}

func (b *Base) OnDisconnect(fn func(reason string)) (off func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.onDisconnect = append(b.onDisconnect, listener[func(string)]{id, fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.onDisconnect = remove(b.onDisconnect, id)
	}
}

func remove[F any](ls []listener[F], id int) []listener[F] {
	out := ls[:0:0]
	for _, l := range ls {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}

// CheckSend returns ErrNotConnected once the channel has disconnected.
func (b *Base) CheckSend() error {
	if !b.Connected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, b.id)
	}
	return nil
}

// Deliver runs the sender and type checks and fans env out to message
// listeners. Rejected messages are dropped and logged. It reports whether
// the message was surfaced.
func (b *Base) Deliver(env Envelope) bool {
	b.mu.RLock()
	state, listening := b.state, b.listening
	ls := append([]listener[func(Envelope)](nil), b.onMessage...)
	b.mu.RUnlock()

	log := logging.Get(logging.CategoryChannel)
	switch {
	case state == StateDisconnected:
		log.Debug("[%s] dropped %s: disconnected", b.id, env.Msg)
		return false
	case !listening:
		log.Debug("[%s] dropped %s: not listening", b.id, env.Msg)
		return false
	case b.expectedSender != "" && env.Sender != b.expectedSender:
		log.Warn("[%s] dropped %s: %v %q (want %q)", b.id, env.Msg, ErrSenderMismatch, env.Sender, b.expectedSender)
		return false
	}
	if err := env.Msg.Validate(); err != nil {
		log.Warn("[%s] dropped message from %q: %v", b.id, env.Sender, err)
		return false
	}

	for _, l := range ls {
		l.fn(env)
	}
	return true
}

// MarkDisconnected performs the one-way transition and notifies disconnect
// listeners. It reports false if the channel was already disconnected.
func (b *Base) MarkDisconnected(reason string) bool {
	b.mu.Lock()
	if b.state == StateDisconnected {
		b.mu.Unlock()
		return false
	}
	b.state = StateDisconnected
	b.listening = false
	b.reason = reason
	ls := append([]listener[func(string)](nil), b.onDisconnect...)
	b.mu.Unlock()

	logging.ChannelDebug("[%s] disconnected: %s", b.id, reason)
	for _, l := range ls {
		l.fn(reason)
	}
	return true
}

// ReplyVia builds a ReplyFunc that answers req through post. Transports
// outside this package use it to answer the messages they deliver.
func ReplyVia(req message.Message, post func(context.Context, message.Message) error) ReplyFunc {
	return func(ctx context.Context, resp message.Message) error {
		resp.Type = message.KindResponse
		resp.CallbackID = req.CallbackID
		if resp.Action.Name == "" {
			resp.Action.Name = req.Action.Name
		}
		if resp.RTID.IsZero() {
			resp.RTID = req.RTID
		}
		return post(ctx, resp)
	}
}
