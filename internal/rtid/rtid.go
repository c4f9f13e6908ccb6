// Package rtid implements remote target identifiers: composite, immutable
// addresses for browser, window, tab, frame, context and external targets.
//
// Fields widen left to right. A narrower address is derived from a wider one
// with With, and a parent scope is recovered with Scope. Two RTIDs are equal
// only when they populate the same fields with the same values, so an RTID is
// a valid map key.
package rtid

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Level names one field of an RTID, from widest to narrowest.
type Level uint8

const (
	LevelBrowser Level = iota
	LevelWindow
	LevelTab
	LevelFrame
	LevelContext
	LevelExternal
)

var levelNames = [...]string{"browser", "window", "tab", "frame", "context", "external"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "level(" + strconv.Itoa(int(l)) + ")"
}

// ContextKind names an execution context within a target.
type ContextKind string

const (
	ContextBackground ContextKind = "background"
	ContextContent    ContextKind = "content"
	ContextMain       ContextKind = "main"
	ContextSidebar    ContextKind = "sidebar"
	ContextSandbox    ContextKind = "sandbox"
	ContextExternal   ContextKind = "external"
)

// Valid reports whether k is a known context kind.
func (k ContextKind) Valid() bool {
	switch k {
	case ContextBackground, ContextContent, ContextMain, ContextSidebar, ContextSandbox, ContextExternal:
		return true
	}
	return false
}

// ErrInvalid is returned when decoding a malformed RTID.
var ErrInvalid = errors.New("invalid rtid")

// RTID is a remote target identifier. The zero value addresses nothing and
// contains every other RTID.
type RTID struct {
	set      uint8
	browser  string
	window   int
	tab      int
	frame    int
	context  ContextKind
	external string
}

// Field populates one RTID field.
type Field func(*RTID)

func Browser(id string) Field {
	return func(r *RTID) { r.browser = id; r.set |= 1 << LevelBrowser }
}

func Window(id int) Field {
	return func(r *RTID) { r.window = id; r.set |= 1 << LevelWindow }
}

func Tab(id int) Field {
	return func(r *RTID) { r.tab = id; r.set |= 1 << LevelTab }
}

// Frame sets the frame id; 0 is the top-level frame of a tab.
func Frame(id int) Field {
	return func(r *RTID) { r.frame = id; r.set |= 1 << LevelFrame }
}

func Context(kind ContextKind) Field {
	return func(r *RTID) { r.context = kind; r.set |= 1 << LevelContext }
}

// External sets the id of an object living inside a context, such as a
// node table entry. It is an opaque handle, never a DOM reference.
func External(id string) Field {
	return func(r *RTID) { r.external = id; r.set |= 1 << LevelExternal }
}

// New builds an RTID from fields.
func New(fields ...Field) RTID {
	var r RTID
	for _, f := range fields {
		f(&r)
	}
	return r
}

// With returns a copy of r with additional or replaced fields.
func (r RTID) With(fields ...Field) RTID {
	for _, f := range fields {
		f(&r)
	}
	return r
}

// Has reports whether the field at l is populated.
func (r RTID) Has(l Level) bool { return r.set&(1<<l) != 0 }

// IsZero reports whether no field is populated.
func (r RTID) IsZero() bool { return r.set == 0 }

// Len returns the number of populated fields.
func (r RTID) Len() int { return bits.OnesCount8(r.set) }

// Narrowest returns the narrowest populated level. ok is false for the zero RTID.
func (r RTID) Narrowest() (Level, bool) {
	for l := LevelExternal; ; l-- {
		if r.Has(l) {
			return l, true
		}
		if l == LevelBrowser {
			return 0, false
		}
	}
}

// Scope clears every field narrower than l.
func (r RTID) Scope(l Level) RTID {
	out := r
	for n := l + 1; n <= LevelExternal; n++ {
		out.clear(n)
	}
	return out
}

// Without clears the given levels.
func (r RTID) Without(levels ...Level) RTID {
	out := r
	for _, l := range levels {
		out.clear(l)
	}
	return out
}

func (r *RTID) clear(l Level) {
	r.set &^= 1 << l
	switch l {
	case LevelBrowser:
		r.browser = ""
	case LevelWindow:
		r.window = 0
	case LevelTab:
		r.tab = 0
	case LevelFrame:
		r.frame = 0
	case LevelContext:
		r.context = ""
	case LevelExternal:
		r.external = ""
	}
}

// Equal reports whether both RTIDs populate identical fields with identical
// values. It is equivalent to ==.
func (r RTID) Equal(o RTID) bool { return r == o }

// Contains reports whether every field populated in r is populated in o with
// the same value, that is, r is o or a parent scope of it.
func (r RTID) Contains(o RTID) bool {
	if r.set&o.set != r.set {
		return false
	}
	for l := LevelBrowser; l <= LevelExternal; l++ {
		if r.Has(l) && !r.fieldEqual(o, l) {
			return false
		}
	}
	return true
}

func (r RTID) fieldEqual(o RTID, l Level) bool {
	switch l {
	case LevelBrowser:
		return r.browser == o.browser
	case LevelWindow:
		return r.window == o.window
	case LevelTab:
		return r.tab == o.tab
	case LevelFrame:
		return r.frame == o.frame
	case LevelContext:
		return r.context == o.context
	case LevelExternal:
		return r.external == o.external
	}
	return false
}

func (r RTID) BrowserID() (string, bool) { return r.browser, r.Has(LevelBrowser) }
func (r RTID) WindowID() (int, bool)     { return r.window, r.Has(LevelWindow) }
func (r RTID) TabID() (int, bool)        { return r.tab, r.Has(LevelTab) }
func (r RTID) FrameID() (int, bool)      { return r.frame, r.Has(LevelFrame) }

func (r RTID) ContextKind() (ContextKind, bool) { return r.context, r.Has(LevelContext) }
func (r RTID) ExternalID() (string, bool)       { return r.external, r.Has(LevelExternal) }

// String renders populated fields as "browser=b1/tab=7/frame=0".
func (r RTID) String() string {
	if r.IsZero() {
		return "<none>"
	}
	var parts []string
	for l := LevelBrowser; l <= LevelExternal; l++ {
		if !r.Has(l) {
			continue
		}
		parts = append(parts, l.String()+"="+r.fieldString(l))
	}
	return strings.Join(parts, "/")
}

func (r RTID) fieldString(l Level) string {
	switch l {
	case LevelBrowser:
		return r.browser
	case LevelWindow:
		return strconv.Itoa(r.window)
	case LevelTab:
		return strconv.Itoa(r.tab)
	case LevelFrame:
		return strconv.Itoa(r.frame)
	case LevelContext:
		return string(r.context)
	case LevelExternal:
		return r.external
	}
	return ""
}

// Parse reads the String form back into an RTID.
func Parse(s string) (RTID, error) {
	var r RTID
	s = strings.TrimSpace(s)
	if s == "" || s == "<none>" {
		return r, nil
	}
	for _, part := range strings.Split(s, "/") {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return RTID{}, fmt.Errorf("%w: segment %q", ErrInvalid, part)
		}
		f, err := fieldFor(key, val)
		if err != nil {
			return RTID{}, err
		}
		f(&r)
	}
	return r, nil
}

func fieldFor(key, val string) (Field, error) {
	num := func() (int, error) {
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, key, val)
		}
		return n, nil
	}
	switch key {
	case "browser":
		return Browser(val), nil
	case "window":
		n, err := num()
		return Window(n), err
	case "tab":
		n, err := num()
		return Tab(n), err
	case "frame":
		n, err := num()
		return Frame(n), err
	case "context":
		k := ContextKind(val)
		if !k.Valid() {
			return nil, fmt.Errorf("%w: unknown context %q", ErrInvalid, val)
		}
		return Context(k), nil
	case "external":
		return External(val), nil
	}
	return nil, fmt.Errorf("%w: unknown field %q", ErrInvalid, key)
}

type wire struct {
	Browser  *string      `json:"browser,omitempty"`
	Window   *int         `json:"window,omitempty"`
	Tab      *int         `json:"tab,omitempty"`
	Frame    *int         `json:"frame,omitempty"`
	Context  *ContextKind `json:"context,omitempty"`
	External *string      `json:"external,omitempty"`
}

// MarshalJSON emits only populated fields.
func (r RTID) MarshalJSON() ([]byte, error) {
	var w wire
	if r.Has(LevelBrowser) {
		w.Browser = &r.browser
	}
	if r.Has(LevelWindow) {
		w.Window = &r.window
	}
	if r.Has(LevelTab) {
		w.Tab = &r.tab
	}
	if r.Has(LevelFrame) {
		w.Frame = &r.frame
	}
	if r.Has(LevelContext) {
		w.Context = &r.context
	}
	if r.Has(LevelExternal) {
		w.External = &r.external
	}
	return json.Marshal(w)
}

func (r *RTID) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var out RTID
	if w.Browser != nil {
		Browser(*w.Browser)(&out)
	}
	if w.Window != nil {
		Window(*w.Window)(&out)
	}
	if w.Tab != nil {
		Tab(*w.Tab)(&out)
	}
	if w.Frame != nil {
		Frame(*w.Frame)(&out)
	}
	if w.Context != nil {
		if !w.Context.Valid() {
			return fmt.Errorf("%w: unknown context %q", ErrInvalid, *w.Context)
		}
		Context(*w.Context)(&out)
	}
	if w.External != nil {
		External(*w.External)(&out)
	}
	*r = out
	return nil
}
