package room

import (
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/acordia/sessioncore/internal/doc"
	"github.com/acordia/sessioncore/internal/presence"
	"github.com/acordia/sessioncore/internal/protocol"
	"github.com/acordia/sessioncore/internal/reconcile"
)

// Room kinds, one per session flavor.
const (
	KindAgreement   = "agreement"
	KindTransaction = "transaction"
)

var (
	ErrClosed  = errors.New("room: closed")
	errNoParty = errors.New("room: submission requires a named party")
)

// Sender is the outbound half of a connection. Send must not block: it
// reports false when the frame could not be queued (slow or gone consumer).
type Sender interface {
	ID() string
	Send(data []byte) bool
	Close()
}

// RecordStore receives the canonical record exactly once per room. A save
// failure is logged and left to the store's caller to retry; the room stays
// finalized in memory either way.
type RecordStore interface {
	EnsureRoom(roomID, kind string) error
	SaveCanonicalRecord(roomID string, record reconcile.Record, conflicts []reconcile.Conflict) error
}

// Notifier receives fire-and-forget room events (finalized, partyLeft).
type Notifier interface {
	Notify(roomID, event string)
}

type conn struct {
	sender   Sender
	userID   string
	lastBeat time.Time
}

// Room is one collaborative session. All mutable session state (document,
// presence roster, submissions, connection set) is owned by the room's
// goroutine; exported methods enqueue work onto it, so operations on
// different rooms never contend.
type Room struct {
	ID        string
	Kind      string
	CreatedAt time.Time

	cmds chan func()
	done chan struct{}

	doc    *doc.Document
	roster *presence.Roster
	rec    *reconcile.Engine
	conns  map[string]*conn

	// Read by the registry reaper without going through the actor.
	size       atomic.Int32
	emptySince atomic.Int64 // unix nanos, 0 while occupied

	heartbeatTimeout time.Duration
	store            RecordStore
	notifier         Notifier
}

// Summary of a room for introspection endpoints.
type Info struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Members   int       `json:"members"`
	Blocks    int       `json:"blocks"`
	State     string    `json:"state"`
}

func newRoom(id, kind string, cfg Config) *Room {
	r := &Room{
		ID:               id,
		Kind:             kind,
		CreatedAt:        time.Now(),
		cmds:             make(chan func(), 256),
		done:             make(chan struct{}),
		doc:              doc.New(),
		roster:           presence.NewRoster(),
		rec:              reconcile.NewEngine(cfg.CaseInsensitiveFields...),
		conns:            make(map[string]*conn),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		store:            cfg.Store,
		notifier:         cfg.Notifier,
	}
	r.emptySince.Store(time.Now().UnixNano())
	go r.run(cfg.SweepInterval)
	return r
}

func (r *Room) run(sweepEvery time.Duration) {
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case fn := <-r.cmds:
			fn()
		case <-sweep.C:
			r.sweepStale()
		case <-r.done:
			for id, c := range r.conns {
				c.sender.Close()
				delete(r.conns, id)
			}
			return
		}
	}
}

// do runs fn on the room goroutine, reporting false if the room is closed.
func (r *Room) do(fn func()) bool {
	select {
	case r.cmds <- fn:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// Join admits a connection and returns the snapshot a late joiner needs:
// full document state, everyone else's presence, and the reconciliation
// state. Existing members get a joined presence event.
func (r *Room) Join(s Sender, userID, name, color string) (protocol.Snapshot, error) {
	reply := make(chan protocol.Snapshot, 1)
	ok := r.do(func() {
		id := s.ID()
		r.conns[id] = &conn{sender: s, userID: userID, lastBeat: time.Now()}
		st := presence.State{Name: name, Color: color}
		r.roster.Add(id, st)
		r.size.Store(int32(len(r.conns)))
		r.emptySince.Store(0)

		ev := presence.Event{Kind: presence.KindJoined, Conn: id, User: userID, State: st}
		r.fanOut(id, protocol.Encode(protocol.Frame{Type: protocol.TypePresence, Room: r.ID, Presence: &ev}), false)

		others := r.roster.List()
		delete(others, id)
		reply <- protocol.Snapshot{
			Conn:      id,
			Blocks:    r.doc.Blocks(),
			Presence:  others,
			Reconcile: r.reconcileState(),
		}
	})
	if !ok {
		return protocol.Snapshot{}, ErrClosed
	}
	// The room can stop between the enqueue and the actor reaching the
	// command; never wait on a reply the actor will not send.
	select {
	case snap := <-reply:
		return snap, nil
	case <-r.done:
		return protocol.Snapshot{}, ErrClosed
	}
}

// Leave removes a connection, broadcasts a departed event, and starts the
// teardown grace window if the room is now empty.
func (r *Room) Leave(connID string) {
	r.do(func() { r.drop(connID, false) })
}

// Heartbeat refreshes a connection's liveness window.
func (r *Room) Heartbeat(connID string) {
	r.do(func() {
		if c, ok := r.conns[connID]; ok {
			c.lastBeat = time.Now()
		}
	})
}

// Publish merges a partial presence delta into the connection's snapshot
// and fans the merged snapshot out to every other member. Best-effort:
// nothing is durable and a missed update is healed by the next one.
func (r *Room) Publish(connID string, delta presence.Delta) {
	r.do(func() {
		c, ok := r.conns[connID]
		if !ok {
			return
		}
		merged, err := r.roster.Merge(connID, delta)
		if err != nil {
			r.sendError(c, err)
			return
		}
		ev := presence.Event{Kind: delta.Kind, Conn: connID, User: c.userID, State: merged}
		r.fanOut(connID, protocol.Encode(protocol.Frame{Type: protocol.TypePresence, Room: r.ID, Presence: &ev}), false)
	})
}

// ApplyOp applies a document operation and rebroadcasts the accepted form
// to every other connection. Structural rejections go back to the origin
// only and leave room state untouched.
func (r *Room) ApplyOp(connID string, op doc.Operation) {
	r.do(func() {
		c, ok := r.conns[connID]
		if !ok {
			return
		}
		op.Conn = connID
		accepted, err := r.doc.Apply(op)
		if err != nil {
			r.sendError(c, err)
			return
		}
		r.fanOut(connID, protocol.Encode(protocol.Frame{Type: protocol.TypeOp, Room: r.ID, Op: &accepted}), true)
	})
}

// Submit records one party's field set; if this makes both parties ready
// the merge runs in the same transition and the resulting reconciliation
// state is broadcast to everyone.
func (r *Room) Submit(connID, party string, fields map[string]string, ready bool) {
	r.do(func() {
		c, ok := r.conns[connID]
		if !ok {
			return
		}
		if party == "" {
			party = c.userID
		}
		if party == "" {
			// An anonymous viewer must not claim one of the two
			// party slots with an unnameable submission.
			r.sendError(c, errNoParty)
			return
		}
		state, err := r.rec.Submit(party, fields, ready)
		if err != nil {
			r.sendError(c, err)
			return
		}
		r.broadcastReconcile()
		if state == reconcile.StateFinalized {
			r.finalized()
		}
	})
}

// Resolve accepts one candidate value for a conflicted field.
func (r *Room) Resolve(connID, field, value string) {
	r.do(func() {
		c, ok := r.conns[connID]
		if !ok {
			return
		}
		state, err := r.rec.Resolve(field, value)
		if err != nil {
			r.sendError(c, err)
			return
		}
		r.broadcastReconcile()
		if state == reconcile.StateFinalized {
			r.finalized()
		}
	})
}

// Info reports a read-only summary, served from the room goroutine.
func (r *Room) Info() (Info, bool) {
	reply := make(chan Info, 1)
	ok := r.do(func() {
		reply <- Info{
			ID:        r.ID,
			Kind:      r.Kind,
			CreatedAt: r.CreatedAt,
			Members:   len(r.conns),
			Blocks:    r.doc.Len(),
			State:     r.rec.State(),
		}
	})
	if !ok {
		return Info{}, false
	}
	select {
	case info := <-reply:
		return info, true
	case <-r.done:
		return Info{}, false
	}
}

// Size reports the live connection count without touching the actor.
func (r *Room) Size() int {
	return int(r.size.Load())
}

// --- actor-side helpers, only called from the room goroutine ---

func (r *Room) reconcileState() protocol.Reconcile {
	record, _ := r.rec.Record()
	return protocol.Reconcile{
		State:     r.rec.State(),
		Record:    record,
		Conflicts: r.rec.Conflicts(),
	}
}

func (r *Room) broadcastReconcile() {
	rc := r.reconcileState()
	data := protocol.Encode(protocol.Frame{Type: protocol.TypeReconcile, Room: r.ID, Reconcile: &rc})
	for _, c := range r.conns {
		c.sender.Send(data)
	}
}

func (r *Room) finalized() {
	record, _ := r.rec.Record()
	if r.store != nil {
		if err := r.store.SaveCanonicalRecord(r.ID, record, r.rec.Conflicts()); err != nil {
			// The room stays finalized; the save is the store caller's
			// to retry.
			log.Printf("room %s: save canonical record: %v", r.ID, err)
		}
	}
	r.notify("finalized")
	log.Printf("Room %s finalized (%d fields)", r.ID, len(record))
}

func (r *Room) notify(event string) {
	if r.notifier != nil {
		r.notifier.Notify(r.ID, event)
	}
}

// fanOut sends pre-encoded bytes to every connection but the origin.
// A consumer that cannot keep up never blocks the actor: for best-effort
// traffic the frame is simply lost, for document traffic the consumer is
// disconnected so it can rejoin and resnapshot.
func (r *Room) fanOut(exceptID string, data []byte, critical bool) {
	for id, c := range r.conns {
		if id == exceptID {
			continue
		}
		if !c.sender.Send(data) && critical {
			log.Printf("Room %s: dropping slow consumer %s", r.ID, id)
			r.drop(id, true)
		}
	}
}

func (r *Room) sendError(c *conn, err error) {
	c.sender.Send(protocol.Encode(protocol.Frame{Type: protocol.TypeError, Room: r.ID, Error: err.Error()}))
}

func (r *Room) drop(connID string, closeSender bool) {
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	r.roster.Remove(connID)
	r.size.Store(int32(len(r.conns)))
	if closeSender {
		c.sender.Close()
	}

	ev := presence.Event{Kind: presence.KindDeparted, Conn: connID, User: c.userID}
	r.fanOut(connID, protocol.Encode(protocol.Frame{Type: protocol.TypePresence, Room: r.ID, Presence: &ev}), false)
	if c.userID != "" {
		r.notify("partyLeft")
	}

	if len(r.conns) == 0 {
		r.emptySince.Store(time.Now().UnixNano())
	}
}

func (r *Room) sweepStale() {
	now := time.Now()
	for id, c := range r.conns {
		if now.Sub(c.lastBeat) > r.heartbeatTimeout {
			log.Printf("Room %s: heartbeat timeout for %s", r.ID, id)
			r.drop(id, true)
		}
	}
}
