// Package content answers query and element command messages for one frame
// against a locator host.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tabdriver/internal/dispatcher"
	"tabdriver/internal/locator"
	"tabdriver/internal/logging"
	"tabdriver/internal/message"
	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

var (
	ErrStaleObject = errors.New("object is no longer attached")
	ErrNeedElement = errors.New("action requires an element target")
)

// Host is a document that can be scanned and acted on.
type Host interface {
	locator.Host
	Perform(ctx context.Context, obj locator.Object, action string, params json.RawMessage) (any, error)
}

// Handler serves one frame. Element RTIDs are the frame RTID plus an
// External id from the handler's NodeTable.
type Handler struct {
	frame rtid.RTID
	table *NodeTable

	mu   sync.RWMutex
	host Host
}

var _ dispatcher.Handler = (*Handler)(nil)

// NewHandler serves host under frame.
func NewHandler(frame rtid.RTID, host Host) *Handler {
	return &Handler{frame: frame, host: host, table: NewNodeTable()}
}

// Frame returns the RTID the handler serves.
func (h *Handler) Frame() rtid.RTID { return h.frame }

// Table exposes the node table.
func (h *Handler) Table() *NodeTable { return h.table }

// SetHost replaces the document, as after a navigation, and forgets every
// registered node.
func (h *Handler) SetHost(host Host) {
	h.mu.Lock()
	h.host = host
	h.mu.Unlock()
	h.table.Reset()
}

func (h *Handler) currentHost() Host {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.host
}

// Scope implements dispatcher.Handler.
func (h *Handler) Scope() dispatcher.Scope {
	return dispatcher.Scope{
		Target: h.frame,
		Actions: []string{
			message.ActionQuery,
			message.ActionClick,
			message.ActionSetValue,
			message.ActionProperty,
			message.ActionAttribute,
			message.ActionText,
			message.EventNavigated,
		},
	}
}

// Handle implements dispatcher.Handler.
func (h *Handler) Handle(ctx context.Context, msg message.Message) (message.Message, error) {
	if msg.Type == message.KindEvent {
		if msg.Action.Name == message.EventNavigated {
			logging.ContentDebug("frame %s navigated, dropping %d nodes", h.frame, h.table.Len())
			h.table.Reset()
		}
		return message.Message{}, nil
	}

	root, err := h.target(msg.RTID)
	if err != nil {
		return message.Message{}, err
	}

	if msg.Action.Name == message.ActionQuery {
		var desc selector.AODesc
		if err := msg.DecodeParams(&desc); err != nil {
			return message.Message{}, err
		}
		refs, err := h.Query(ctx, root, desc)
		if err != nil {
			return message.Message{}, err
		}
		resp, err := message.NewResponse(msg, nil)
		if err != nil {
			return message.Message{}, err
		}
		resp.Objects = refs
		return resp, nil
	}

	if root == nil {
		return message.Message{}, fmt.Errorf("%w: %s", ErrNeedElement, msg.Action.Name)
	}
	result, err := h.currentHost().Perform(ctx, root, msg.Action.Name, msg.Action.Params)
	if err != nil {
		return message.Message{}, err
	}
	return message.NewResponse(msg, result)
}

// target returns the element addressed by id, or nil for the frame itself.
func (h *Handler) target(id rtid.RTID) (locator.Object, error) {
	ext, ok := id.ExternalID()
	if !ok {
		return nil, nil
	}
	obj, ok := h.table.Lookup(ext)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStaleObject, id)
	}
	return obj, nil
}

// Query resolves desc beneath root (nil for the whole frame), entering its
// shadow hosts first, and registers every match.
func (h *Handler) Query(ctx context.Context, root locator.Object, desc selector.AODesc) ([]message.ObjectRef, error) {
	timer := logging.StartTimer(logging.CategoryContent, "query")
	defer timer.Stop()

	res, err := locator.ResolveDesc(ctx, h.currentHost(), root, desc)
	if err != nil {
		return nil, err
	}
	logging.ContentDebug("query %s on %s: %d objects via %s", desc.Query(), h.frame, len(res.Objects), res.QueryInfo)

	refs := make([]message.ObjectRef, 0, len(res.Objects))
	for _, obj := range res.Objects {
		refs = append(refs, message.ObjectRef{
			Type: objectType(obj, desc.Type),
			RTID: h.frame.With(rtid.External(h.table.Register(obj))),
		})
	}
	return refs, nil
}

func objectType(obj locator.Object, asked selector.ObjectType) selector.ObjectType {
	if t, ok := obj.(locator.TextNode); ok {
		if _, isText := t.TextContent(); isText {
			return selector.ObjectText
		}
	}
	if asked == "" || asked == selector.ObjectText {
		return selector.ObjectElement
	}
	return asked
}
