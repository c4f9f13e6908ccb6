package dom

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/net/html"

	"tabdriver/internal/locator"
	"tabdriver/internal/message"
)

// Perform runs an element command against obj. Results are JSON-encodable.
func (d *Document) Perform(ctx context.Context, obj locator.Object, action string, params json.RawMessage) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, ok := obj.(*Node)
	if !ok || n.doc != d {
		return nil, ErrNotNode
	}

	switch action {
	case message.ActionClick:
		d.click(n)
		return nil, nil

	case message.ActionSetValue:
		var p message.ValueParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if _, ok := n.value0(); !ok {
			return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, action, n)
		}
		d.mu.Lock()
		n.value = &p.Value
		d.mu.Unlock()
		return nil, nil

	case message.ActionProperty:
		var p message.NameParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		d.mu.Lock()
		v, ok := n.Property(p.Name)
		d.mu.Unlock()
		if !ok {
			return nil, nil
		}
		return v, nil

	case message.ActionAttribute:
		var p message.NameParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if v, ok := n.Attribute(p.Name); ok {
			return v, nil
		}
		return nil, nil

	case message.ActionText:
		if n.n.Type == html.TextNode {
			return n.n.Data, nil
		}
		return n.Text(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, action)
}

// click records the click and toggles checkable inputs the way a browser's
// default action would.
func (d *Document) click(n *Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clicks = append(d.clicks, n)
	if n.n.Type != html.ElementNode || n.n.Data != "input" {
		return
	}
	switch n.attr("type") {
	case "checkbox":
		cur := n.hasAttr("checked")
		if n.checked != nil {
			cur = *n.checked
		}
		next := !cur
		n.checked = &next
	case "radio":
		on := true
		n.checked = &on
	}
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
