// Package recorder turns user interaction events into replayable steps,
// synthesizing for each target a selector the locator engine resolves back
// to exactly that node.
package recorder

import (
	"strings"
	"time"

	"tabdriver/internal/locator"
	"tabdriver/internal/message"
)

// EventType is a DOM event the recorder listens for.
type EventType string

const (
	EventFocus  EventType = "focus"
	EventInput  EventType = "input"
	EventChange EventType = "change"
	EventBlur   EventType = "blur"
	EventClick  EventType = "click"
)

// Event is one captured DOM event. Value is the target's value at the time
// of the event.
type Event struct {
	Type   EventType      `json:"type"`
	Target locator.Object `json:"-"`
	Value  string         `json:"value,omitempty"`
	Time   time.Time      `json:"time"`
}

// Action is a recognized user action, not yet bound to a selector.
type Action struct {
	Name  string
	Value string
	Time  time.Time
}

// RecordObject follows the event window of one target: focus, then input
// or change, then blur; or a single click.
type RecordObject struct {
	target locator.Object
	desc   locator.Description

	focused   bool
	committed string
	current   string
	dirty     bool
}

// NewRecordObject starts tracking target.
func NewRecordObject(target locator.Object, desc locator.Description) *RecordObject {
	return &RecordObject{target: target, desc: desc}
}

func (r *RecordObject) Target() locator.Object           { return r.target }
func (r *RecordObject) Description() locator.Description { return r.desc }

// Feed advances the event window and reports a recognized action.
func (r *RecordObject) Feed(ev Event) (Action, bool) {
	switch ev.Type {
	case EventFocus:
		r.focused = true
		r.committed, r.current, r.dirty = ev.Value, ev.Value, false

	case EventInput:
		if !editable(r.desc) {
			return Action{}, false
		}
		if !r.focused {
			r.focused = true
			r.committed = ev.Value
		}
		r.current, r.dirty = ev.Value, true

	case EventChange:
		if !editable(r.desc) {
			return Action{}, false
		}
		return r.commit(ev.Value, ev.Time)

	case EventBlur:
		r.focused = false
		if r.dirty {
			return r.commit(r.current, ev.Time)
		}

	case EventClick:
		if interactive(r.desc) {
			return Action{Name: message.ActionClick, Time: ev.Time}, true
		}
	}
	return Action{}, false
}

func (r *RecordObject) commit(value string, at time.Time) (Action, bool) {
	r.dirty = false
	if value == r.committed {
		return Action{}, false
	}
	r.committed, r.current = value, value
	return Action{Name: message.ActionSetValue, Value: value, Time: at}, true
}

var clickableTags = map[string]bool{
	"a": true, "button": true, "select": true, "option": true,
	"label": true, "summary": true,
}

var clickableRoles = map[string]bool{
	"button": true, "link": true, "checkbox": true, "radio": true,
	"tab": true, "menuitem": true, "option": true, "switch": true,
}

var buttonTypes = map[string]bool{
	"button": true, "submit": true, "reset": true, "image": true,
	"checkbox": true, "radio": true, "file": true,
}

func interactive(d locator.Description) bool {
	tag := strings.ToLower(d.Tag)
	if clickableTags[tag] {
		return true
	}
	if tag == "input" {
		t, _ := d.Attribute("type")
		return buttonTypes[strings.ToLower(t)]
	}
	if role, ok := d.Attribute("role"); ok && clickableRoles[strings.ToLower(role)] {
		return true
	}
	_, ok := d.Attribute("onclick")
	return ok
}

func editable(d locator.Description) bool {
	switch strings.ToLower(d.Tag) {
	case "textarea", "select":
		return true
	case "input":
		t, _ := d.Attribute("type")
		return !buttonTypes[strings.ToLower(t)]
	}
	v, ok := d.Attribute("contenteditable")
	return ok && v != "false"
}
