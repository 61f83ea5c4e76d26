package protocol

import "fmt"

// Request types understood by the built-in actors.
const (
	TypeListTabs = "listTabs"
	TypeAttach   = "attach"
	TypeDetach   = "detach"
	TypeResume   = "resume"
)

// Reply and notification types.
const (
	TypeTabAttached    = "tabAttached"
	TypePaused         = "paused"
	TypeResumed        = "resumed"
	TypeDetached       = "detached"
	TypeTabNavigated   = "tabNavigated"
	TypeTabDetached    = "tabDetached"
	TypeNewGlobal      = "newGlobal"
	TypeNewSource      = "newSource"
	TypeTabListChanged = "tabListChanged"
	TypeConsoleAPICall = "consoleAPICall"
	TypePageError      = "pageError"
)

// Error codes returned by the server.
const (
	ErrorNoSuchActor            = "noSuchActor"
	ErrorUnrecognizedPacketType = "unrecognizedPacketType"
	ErrorWrongState             = "wrongState"
)

var unsolicited = map[string]struct{}{
	TypeTabNavigated:   {},
	TypeTabDetached:    {},
	TypeNewGlobal:      {},
	TypeNewSource:      {},
	TypeTabListChanged: {},
	TypeConsoleAPICall: {},
	TypePageError:      {},
}

// IsUnsolicited reports whether packets of this type are notifications rather than
// replies to a pending request.
func IsUnsolicited(typ string) bool {
	_, ok := unsolicited[typ]
	return ok
}

// Hello is the greeting the root actor sends when a connection opens.
type Hello struct {
	From            string         `json:"from"`
	ApplicationType string         `json:"applicationType"`
	Traits          map[string]any `json:"traits,omitempty"`
}

// Tab is one entry of a tab listing. Besides the tab actor it carries the ids of
// satellite actors (console and friends) advertised alongside the tab.
type Tab map[string]any

func (t Tab) Actor() string { return t.Field("actor") }
func (t Tab) URL() string   { return t.Field("url") }
func (t Tab) Title() string { return t.Field("title") }

// Field returns the named string field.
func (t Tab) Field(name string) string {
	s, _ := t[name].(string)
	return s
}

// ListTabsResponse is the root actor's reply to listTabs.
type ListTabsResponse struct {
	From     string `json:"from"`
	Tabs     []Tab  `json:"tabs"`
	Selected int    `json:"selected"`
}

// SelectedTab returns the tab the server marks as the default.
func (r *ListTabsResponse) SelectedTab() (Tab, bool) {
	if r == nil || r.Selected < 0 || r.Selected >= len(r.Tabs) {
		return nil, false
	}
	return r.Tabs[r.Selected], true
}

// TabAttached is a tab actor's reply to attach.
type TabAttached struct {
	From        string `json:"from"`
	Type        string `json:"type"`
	ThreadActor string `json:"threadActor"`
}

// TabNavigated is the notification sent when an attached tab changes page.
type TabNavigated struct {
	From  string `json:"from"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	State string `json:"state,omitempty"`
}

// Error is an error reply from the server.
type Error struct {
	From    string
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.From, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.From, e.Code)
}
