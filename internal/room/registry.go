package room

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collabroom/internal/steps"
	"collabroom/internal/store"
)

// Registry owns the room table and the global heartbeat. Rooms are created
// lazily on first reference and live until Close.
type Registry struct {
	cfg    Config
	schema *steps.Schema
	log    *zap.SugaredLogger
	store  store.Store
	sink   EventSink
	now    func() time.Time

	// InstanceID identifies this server process in logs and diagnostics.
	InstanceID string

	mu    sync.Mutex
	rooms map[string]*Room

	done     chan struct{}
	stopOnce sync.Once
}

// NewRegistry builds a registry. st and sink may be nil to disable
// persistence and mirroring.
func NewRegistry(cfg Config, schema *steps.Schema, log *zap.SugaredLogger, st store.Store, sink EventSink) *Registry {
	instanceID := uuid.NewString()
	return &Registry{
		cfg:        cfg.withDefaults(),
		schema:     schema,
		log:        log.With("instance", instanceID),
		store:      st,
		sink:       sink,
		now:        time.Now,
		InstanceID: instanceID,
		rooms:      make(map[string]*Room),
		done:       make(chan struct{}),
	}
}

// Room returns the room for roomID, creating and starting it on first
// reference.
func (g *Registry) Room(roomID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[roomID]; ok {
		return r
	}
	r := newRoom(roomID, g.cfg, g.schema, g.log, g.store, g.sink, g.now)
	g.rooms[roomID] = r
	go r.run()
	g.log.Infow("room created", "room", roomID, "version", r.version)
	return r
}

// Run drives the heartbeat until Close. Each tick pings every room's clients
// and sweeps stale presence.
func (g *Registry) Run() {
	ticker := time.NewTicker(g.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			for _, r := range g.snapshot() {
				r.Tick(now)
			}
		case <-g.done:
			return
		}
	}
}

// List reports every live room for operational visibility.
func (g *Registry) List() []Stats {
	rooms := g.snapshot()
	out := make([]Stats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Stats())
	}
	return out
}

// Close stops the heartbeat and every room's mailbox loop.
func (g *Registry) Close() {
	g.stopOnce.Do(func() {
		close(g.done)
		for _, r := range g.snapshot() {
			r.stop()
		}
	})
}

func (g *Registry) snapshot() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}
