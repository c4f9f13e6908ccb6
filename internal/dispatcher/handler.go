package dispatcher

import (
	"context"
	"fmt"

	"github.com/gobwas/glob"

	"tabdriver/internal/message"
	"tabdriver/internal/rtid"
)

// Handler answers inbound messages within its Scope. For correlated kinds
// the returned message becomes the response; callback id, type and status
// are filled in by the dispatcher. For events and records the return value
// is ignored.
type Handler interface {
	Scope() Scope
	Handle(ctx context.Context, msg message.Message) (message.Message, error)
}

// Scope declares which inbound messages a handler claims.
type Scope struct {
	// Target must contain the message RTID. The zero RTID claims every target.
	Target rtid.RTID
	// Actions are glob patterns over action names, with '.' as separator,
	// so "mouse.*" matches "mouse.click". Empty claims every action.
	Actions []string
	// Kinds restricts message kinds. Empty claims every kind.
	Kinds []message.Kind
}

type compiledScope struct {
	Scope
	globs []glob.Glob
}

func (s Scope) compile() (compiledScope, error) {
	cs := compiledScope{Scope: s}
	for _, p := range s.Actions {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return cs, fmt.Errorf("action pattern %q: %w", p, err)
		}
		cs.globs = append(cs.globs, g)
	}
	return cs, nil
}

func (cs compiledScope) claims(msg message.Message) bool {
	if !cs.Target.Contains(msg.RTID) {
		return false
	}
	if len(cs.Kinds) > 0 {
		ok := false
		for _, k := range cs.Kinds {
			if k == msg.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(cs.globs) == 0 {
		return true
	}
	for _, g := range cs.globs {
		if g.Match(msg.Action.Name) {
			return true
		}
	}
	return false
}

// HandlerFunc pairs a scope with a function.
type HandlerFunc struct {
	S  Scope
	Fn func(ctx context.Context, msg message.Message) (message.Message, error)
}

func (h HandlerFunc) Scope() Scope { return h.S }

func (h HandlerFunc) Handle(ctx context.Context, msg message.Message) (message.Message, error) {
	return h.Fn(ctx, msg)
}

// NewHandler builds a Handler from a scope and a function.
func NewHandler(s Scope, fn func(ctx context.Context, msg message.Message) (message.Message, error)) Handler {
	return HandlerFunc{S: s, Fn: fn}
}

type registered struct {
	id    int
	h     Handler
	scope compiledScope
}
