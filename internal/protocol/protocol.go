package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/acordia/sessioncore/internal/doc"
	"github.com/acordia/sessioncore/internal/presence"
	"github.com/acordia/sessioncore/internal/reconcile"
)

// Frame types carried over a connection in either direction.
const (
	// Server -> client on join: full document and presence state.
	TypeSnapshot = "snapshot"

	// Document operation, client -> server and rebroadcast.
	TypeOp = "op"

	// Presence delta in, merged presence event out.
	TypePresence = "presence"

	// Party submission (fields + ready flag).
	TypeSubmit = "submit"

	// Reconciliation state broadcast after submit/resolve.
	TypeReconcile = "reconcile"

	// Explicit acceptance of one candidate for a conflicted field.
	TypeResolve = "resolveConflict"

	// Liveness signal; also implied by transport-level pongs.
	TypeHeartbeat = "heartbeat"

	// Graceful close.
	TypeLeave = "leave"

	// Rejection, sent to the originating connection only.
	TypeError = "error"
)

// Frame is the wire envelope. Exactly one payload field is set, selected
// by Type.
type Frame struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	Conn string `json:"conn,omitempty"`

	Op        *doc.Operation  `json:"op,omitempty"`
	Presence  *presence.Event `json:"presence,omitempty"`
	Delta     *presence.Delta `json:"delta,omitempty"`
	Submit    *Submit         `json:"submit,omitempty"`
	Resolve   *Resolve        `json:"resolve,omitempty"`
	Snapshot  *Snapshot       `json:"snapshot,omitempty"`
	Reconcile *Reconcile      `json:"reconcile,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type Submit struct {
	Party  string            `json:"party"`
	Fields map[string]string `json:"fields"`
	Ready  bool              `json:"ready"`
}

type Resolve struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Snapshot carries everything a late joiner needs: the connection id it
// was assigned, current blocks, the presence of every other member, and
// the reconciliation state.
type Snapshot struct {
	Conn      string                    `json:"conn"`
	Blocks    []doc.Block               `json:"blocks"`
	Presence  map[string]presence.State `json:"presence"`
	Reconcile Reconcile                 `json:"reconcile"`
}

type Reconcile struct {
	State     string               `json:"state"`
	Record    map[string]string    `json:"record,omitempty"`
	Conflicts []reconcile.Conflict `json:"conflicts,omitempty"`
}

// Encode marshals a frame for the transport. Frames are encoded once and
// the same bytes fanned out to every recipient.
func Encode(f Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// Frames contain only marshalable types; reaching this is a bug.
		panic(fmt.Sprintf("protocol: encode %s frame: %v", f.Type, err))
	}
	return data
}

// Decode parses an inbound frame and checks the envelope invariant for
// client-originated types.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	switch f.Type {
	case TypeOp:
		if f.Op == nil {
			return Frame{}, fmt.Errorf("protocol: op frame without operation")
		}
	case TypePresence:
		if f.Delta == nil {
			return Frame{}, fmt.Errorf("protocol: presence frame without delta")
		}
	case TypeSubmit:
		if f.Submit == nil {
			return Frame{}, fmt.Errorf("protocol: submit frame without payload")
		}
	case TypeResolve:
		if f.Resolve == nil {
			return Frame{}, fmt.Errorf("protocol: resolveConflict frame without payload")
		}
	case TypeHeartbeat, TypeLeave:
		// No payload.
	default:
		return Frame{}, fmt.Errorf("protocol: unknown frame type %q", f.Type)
	}
	return f, nil
}
