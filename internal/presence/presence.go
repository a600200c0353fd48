package presence

import (
	"fmt"
	"sync"
)

// Event kinds fanned out to room members. Cursor and typing are the two
// delta kinds a client may publish; joined and departed are emitted by the
// room itself.
const (
	KindCursor   = "cursor"
	KindTyping   = "typing"
	KindJoined   = "joined"
	KindDeparted = "departed"
)

// Ephemeral per-connection state. Never persisted, never clocked: the
// latest write simply wins and the next update heals any missed one.
type State struct {
	Name    string  `json:"name"`
	Color   string  `json:"color"`
	CursorX float64 `json:"x"`
	CursorY float64 `json:"y"`
	Typing  bool    `json:"typing"`
}

// A partial presence update published by a client. Kind selects which
// fields are meaningful.
type Delta struct {
	Kind    string  `json:"kind"`
	CursorX float64 `json:"x,omitempty"`
	CursorY float64 `json:"y,omitempty"`
	Typing  bool    `json:"typing,omitempty"`
}

// Event is the merged snapshot broadcast to other room members after a
// delta lands, or a join/depart notice.
type Event struct {
	Kind  string `json:"kind"`
	Conn  string `json:"conn"`
	User  string `json:"user,omitempty"`
	State State  `json:"state"`
}

// Roster tracks the presence snapshot of every connection in one room.
type Roster struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewRoster() *Roster {
	return &Roster{states: make(map[string]*State)}
}

// Add registers a connection with its initial display state.
func (r *Roster) Add(connID string, st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := st
	r.states[connID] = &copied
}

func (r *Roster) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, connID)
}

// Merge folds a partial delta into the connection's snapshot and returns
// the merged result. Unknown connections and unknown delta kinds are
// errors; the delta switch is exhaustive over publishable kinds.
func (r *Roster) Merge(connID string, d Delta) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[connID]
	if !ok {
		return State{}, fmt.Errorf("presence: unknown connection %s", connID)
	}

	switch d.Kind {
	case KindCursor:
		st.CursorX = d.CursorX
		st.CursorY = d.CursorY
	case KindTyping:
		st.Typing = d.Typing
	default:
		return State{}, fmt.Errorf("presence: cannot publish %q delta", d.Kind)
	}
	return *st, nil
}

// Get returns a connection's current snapshot.
func (r *Roster) Get(connID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[connID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// List returns a snapshot of every tracked connection, for late joiners.
func (r *Roster) List() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.states))
	for id, st := range r.states {
		out[id] = *st
	}
	return out
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}
