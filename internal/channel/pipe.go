package channel

import (
	"context"
	"fmt"
	"sync"

	"tabdriver/internal/message"
)

// Pipe is one end of an in-process channel pair, the Go rendition of
// postMessage between two contexts sharing a process. Each end drains its
// inbox on its own pump goroutine, so delivery preserves send order and a
// listener may post back without deadlocking.
type Pipe struct {
	*Base
	peer *Pipe

	mu     sync.Mutex
	inbox  []Envelope
	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewPipe returns two connected ends. Each end expects messages only from
// the other end's id.
func NewPipe(aID, bID string) (*Pipe, *Pipe) {
	a := newPipeEnd(aID, bID)
	b := newPipeEnd(bID, aID)
	a.peer, b.peer = b, a
	a.start()
	b.start()
	return a, b
}

func newPipeEnd(id, peerID string) *Pipe {
	return &Pipe{
		Base:   NewBase(id, peerID),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (p *Pipe) start() {
	p.wg.Add(1)
	go p.pump()
}

func (p *Pipe) pump() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.signal:
		}
		for {
			p.mu.Lock()
			if len(p.inbox) == 0 {
				p.mu.Unlock()
				break
			}
			env := p.inbox[0]
			p.inbox = p.inbox[1:]
			p.mu.Unlock()
			p.Deliver(env)
		}
	}
}

// PostMessage queues msg on the peer end.
func (p *Pipe) PostMessage(ctx context.Context, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.CheckSend(); err != nil {
		return err
	}
	if !p.peer.Connected() {
		return fmt.Errorf("%w: peer %s", ErrNotConnected, p.peer.ID())
	}
	p.peer.enqueue(Envelope{
		Msg:    msg,
		Sender: p.ID(),
		Reply:  ReplyVia(msg, p.peer.PostMessage),
	})
	return nil
}

// InjectFrom queues msg as if it came from sender. Used to exercise the
// sender check.
func (p *Pipe) InjectFrom(sender string, msg message.Message) {
	p.enqueue(Envelope{Msg: msg, Sender: sender, Reply: ReplyVia(msg, p.PostMessage)})
}

func (p *Pipe) enqueue(env Envelope) {
	p.mu.Lock()
	p.inbox = append(p.inbox, env)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Disconnect closes this end and its peer. Safe to call more than once, and
// from a listener.
func (p *Pipe) Disconnect(reason string) {
	if !p.MarkDisconnected(reason) {
		return
	}
	close(p.done)
	p.peer.Disconnect("peer disconnected: " + reason)
}

// Wait blocks until the pump goroutine has exited.
func (p *Pipe) Wait() { p.wg.Wait() }

var _ Channel = (*Pipe)(nil)
