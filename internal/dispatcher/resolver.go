package dispatcher

import (
	"fmt"
	"sync"

	"tabdriver/internal/channel"
	"tabdriver/internal/message"
	"tabdriver/internal/rtid"
)

// ChannelResolver picks the channel an outgoing message travels on.
type ChannelResolver interface {
	ChannelFor(msg message.Message) (channel.Channel, error)
}

// ResolverFunc adapts a function to ChannelResolver.
type ResolverFunc func(msg message.Message) (channel.Channel, error)

func (f ResolverFunc) ChannelFor(msg message.Message) (channel.Channel, error) { return f(msg) }

// Static routes every message to ch.
func Static(ch channel.Channel) ChannelResolver {
	return ResolverFunc(func(message.Message) (channel.Channel, error) { return ch, nil })
}

type route struct {
	scope rtid.RTID
	ch    channel.Channel
}

// RouteTable routes by RTID scope. The route whose scope contains the
// message RTID and populates the most fields wins; ties go to the route
// added first.
type RouteTable struct {
	mu     sync.RWMutex
	routes []route
}

func NewRouteTable() *RouteTable { return &RouteTable{} }

// Add routes every RTID contained in scope to ch.
func (t *RouteTable) Add(scope rtid.RTID, ch channel.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, route{scope: scope, ch: ch})
}

// Remove drops every route to ch and returns how many there were.
func (t *RouteTable) Remove(ch channel.Channel) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.routes[:0]
	for _, r := range t.routes {
		if r.ch != ch {
			kept = append(kept, r)
		}
	}
	n := len(t.routes) - len(kept)
	t.routes = kept
	return n
}

func (t *RouteTable) ChannelFor(msg message.Message) (channel.Channel, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	best := -1
	for i, r := range t.routes {
		if !r.scope.Contains(msg.RTID) {
			continue
		}
		if best < 0 || r.scope.Len() > t.routes[best].scope.Len() {
			best = i
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("%w %s", ErrNoRoute, msg.RTID)
	}
	return t.routes[best].ch, nil
}
