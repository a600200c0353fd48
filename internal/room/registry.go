package room

import (
	"log"
	"sync"
	"time"
)

// Config tunes every room the registry creates.
type Config struct {
	// A connection with no heartbeat for this long is dropped.
	HeartbeatTimeout time.Duration

	// How long an empty room survives before teardown, so a transient
	// disconnect can rejoin without losing session state.
	GraceWindow time.Duration

	// Cadence of the per-room stale-connection sweep.
	SweepInterval time.Duration

	// Cadence of the registry's empty-room reaper.
	ReapInterval time.Duration

	// Fields compared case-folded during reconciliation.
	CaseInsensitiveFields []string

	Store    RecordStore
	Notifier Notifier
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Second
	}
	return c
}

// Registry is the process-wide table of live rooms. It is injected into
// the transport and API layers rather than living as a package global, and
// it owns every room's lifecycle from Open through reap or Shutdown.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	cfg   Config

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		cfg:   cfg.withDefaults(),
		stop:  make(chan struct{}),
	}
}

// Start launches the empty-room reaper.
func (g *Registry) Start() {
	g.wg.Add(1)
	go g.reapLoop()
	log.Printf("Room registry started (heartbeat %v, grace %v)",
		g.cfg.HeartbeatTimeout, g.cfg.GraceWindow)
}

// Open returns the room with the given id, creating it (with an empty
// document and empty submissions) if needed. Opening an existing room also
// restarts its teardown grace window. Open never fails.
func (g *Registry) Open(id, kind string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.rooms[id]; ok {
		if r.emptySince.Load() != 0 {
			r.emptySince.Store(time.Now().UnixNano())
		}
		return r
	}

	r := newRoom(id, kind, g.cfg)
	g.rooms[id] = r
	if g.cfg.Store != nil {
		if err := g.cfg.Store.EnsureRoom(id, kind); err != nil {
			log.Printf("Registry: persist room %s: %v", id, err)
		}
	}
	log.Printf("Room %s opened (%s)", id, kind)
	return r
}

// Get returns a live room without creating one.
func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Close tears a room down immediately, dropping all of its connections.
// Unknown ids are a no-op.
func (g *Registry) Close(id string) {
	g.mu.Lock()
	r, ok := g.rooms[id]
	if ok {
		delete(g.rooms, id)
	}
	g.mu.Unlock()

	if ok {
		r.stop()
		log.Printf("Room %s closed", id)
	}
}

// Rooms summarizes every live room.
func (g *Registry) Rooms() []Info {
	g.mu.RLock()
	live := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		live = append(live, r)
	}
	g.mu.RUnlock()

	infos := make([]Info, 0, len(live))
	for _, r := range live {
		if info, ok := r.Info(); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// Counts reports live room and connection totals.
func (g *Registry) Counts() (rooms, conns int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.rooms {
		conns += r.Size()
	}
	return len(g.rooms), conns
}

// Shutdown stops the reaper and drains every room.
func (g *Registry) Shutdown() {
	close(g.stop)
	g.wg.Wait()

	g.mu.Lock()
	for id, r := range g.rooms {
		r.stop()
		delete(g.rooms, id)
	}
	g.mu.Unlock()
	log.Println("Room registry shut down")
}

func (g *Registry) reapLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.reap()
		}
	}
}

// reap destroys rooms that have sat empty past the grace window. A rejoin
// inside the window clears emptySince and the room survives untouched.
func (g *Registry) reap() {
	now := time.Now()

	g.mu.Lock()
	var reaped []*Room
	for id, r := range g.rooms {
		es := r.emptySince.Load()
		if es != 0 && now.Sub(time.Unix(0, es)) >= g.cfg.GraceWindow {
			delete(g.rooms, id)
			reaped = append(reaped, r)
		}
	}
	g.mu.Unlock()

	for _, r := range reaped {
		r.stop()
		log.Printf("Room %s reaped (empty past grace window)", r.ID)
	}
}
