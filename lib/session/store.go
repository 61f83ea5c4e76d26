package session

import (
	"sync"

	"github.com/onkernel/remote-debugger/lib/rdp/client"
)

// PersistedState is what survives a page reload: the two attachment handles.
type PersistedState struct {
	TabClient    *client.TabClient
	ActiveThread *client.ThreadClient
}

// Empty reports whether nothing was saved.
func (p *PersistedState) Empty() bool {
	return p == nil || (p.TabClient == nil && p.ActiveThread == nil)
}

// Complete reports whether both handles were saved, i.e. the context was fully
// attached when it went away.
func (p *PersistedState) Complete() bool {
	return p != nil && p.TabClient != nil && p.ActiveThread != nil
}

// Save copies the context's handles into p.
func (p *PersistedState) Save(c *Context) {
	p.TabClient, p.ActiveThread = c.Handles()
}

// Restore copies the saved handles onto c. Only a complete pair is restored; it
// reports false and leaves c alone otherwise.
func (p *PersistedState) Restore(c *Context) bool {
	if !p.Complete() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tabClient = p.TabClient
	c.activeThread = p.ActiveThread
	return true
}

// Store keeps persisted state per logical context id.
type Store struct {
	mu     sync.Mutex
	states map[string]*PersistedState
}

func NewStore() *Store {
	return &Store{states: make(map[string]*PersistedState)}
}

// State returns the persisted state for id, creating an empty one on first use.
func (s *Store) State(id string) *PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		st = &PersistedState{}
		s.states[id] = st
	}
	return st
}

// Delete forgets id, e.g. when the context is closed for good.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
}

// Len returns the number of tracked ids.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
