package message

// Action names understood by the content and browser handlers.
const (
	ActionQuery     = "query"
	ActionClick     = "click"
	ActionSetValue  = "setValue"
	ActionProperty  = "property"
	ActionAttribute = "attribute"
	ActionText      = "text"

	ActionNavigate    = "navigate"
	ActionClose       = "close"
	ActionFocus       = "focus"
	ActionURL         = "url"
	ActionTitle       = "title"
	ActionListPages   = "listPages"
	ActionListWindows = "listWindows"
	ActionActivePage  = "activePage"

	ActionMouseClick    = "mouse.click"
	ActionMouseMove     = "mouse.move"
	ActionKeyboardType  = "keyboard.type"
	ActionKeyboardPress = "keyboard.press"
)

// Event names.
const (
	EventTabRemoved    = "tab.removed"
	EventWindowRemoved = "window.removed"
	EventFrameDetached = "frame.detached"
	EventNavigated     = "page.navigated"
	EventStep          = "step"
)

// NameParams is the parameter shape of property and attribute reads.
type NameParams struct {
	Name string `json:"name"`
}

// ValueParams is the parameter shape of setValue, navigate and keyboard.type.
type ValueParams struct {
	Value string `json:"value"`
}

// PointParams is the parameter shape of mouse actions.
type PointParams struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// KeyParams is the parameter shape of keyboard.press.
type KeyParams struct {
	Key string `json:"key"`
}
