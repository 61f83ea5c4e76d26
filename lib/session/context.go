// Package session holds per-tab debugging state and the store that carries it
// across page reloads.
package session

import (
	"sync"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/remote-debugger/lib/rdp/client"
	"github.com/onkernel/remote-debugger/lib/rdp/protocol"
	"github.com/samber/lo"
)

// Context is the state of one debugged tab. ActiveThread is set only once the
// thread attach step has completed.
type Context struct {
	id string

	mu           sync.RWMutex
	tabClient    *client.TabClient
	activeThread *client.ThreadClient
	listTabs     *protocol.ListTabsResponse
}

// NewContext creates an empty context with a fresh id.
func NewContext() *Context {
	return &Context{id: cuid2.Generate()}
}

// NewContextWithID creates an empty context for a known logical id, e.g. the same
// tab being shown again after a reload.
func NewContextWithID(id string) *Context {
	return &Context{id: id}
}

func (c *Context) ID() string { return c.id }

func (c *Context) TabClient() *client.TabClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tabClient
}

func (c *Context) SetTabClient(tab *client.TabClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tabClient = tab
}

func (c *Context) ActiveThread() *client.ThreadClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeThread
}

func (c *Context) SetActiveThread(thread *client.ThreadClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeThread = thread
}

func (c *Context) ListTabsResponse() *protocol.ListTabsResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listTabs
}

func (c *Context) SetListTabsResponse(resp *protocol.ListTabsResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listTabs = resp
}

// Attached reports whether both the tab and its thread are attached.
func (c *Context) Attached() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tabClient != nil && c.activeThread != nil
}

// Handles returns the tab and thread handles under one lock.
func (c *Context) Handles() (*client.TabClient, *client.ThreadClient) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tabClient, c.activeThread
}

// Reset drops both handles, e.g. when the tab went away.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tabClient = nil
	c.activeThread = nil
}

// ActorID returns a field of the cached tab entry that belongs to the attached tab,
// typically the id of a satellite actor such as "consoleActor".
func (c *Context) ActorID(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.listTabs == nil || c.tabClient == nil {
		return "", false
	}
	entry, ok := lo.Find(c.listTabs.Tabs, func(t protocol.Tab) bool {
		return t.Actor() == c.tabClient.Actor
	})
	if !ok {
		return "", false
	}
	value, ok := entry[name].(string)
	return value, ok
}
