package ws

import (
	"context"
	"sync"

	"github.com/quizlive/quizlive/internal/domain"
	"github.com/quizlive/quizlive/internal/errors"
	"github.com/quizlive/quizlive/internal/event"
)

const (
	defaultPerLobbyMax = 70
	defaultGlobalMax   = 4096
)

type RegistryConfig struct {
	EventBus *event.Bus
	// PerLobbyMax caps connections per lobby (participants × a small factor
	// for multi-tab clients).
	PerLobbyMax int
	// GlobalMax caps connections held by the whole process.
	GlobalMax int
}

// Registry is the process-wide connection table, keyed by lobby id. It is
// constructed once at startup and passed by handle to the dispatcher, the
// liveness monitor, and the HTTP layer; it never mutates lobby documents.
type Registry struct {
	eb          *event.Bus
	perLobbyMax int
	globalMax   int

	mu      sync.RWMutex
	lobbies map[string]map[*Connection]struct{}
	total   int
}

func NewRegistry(c RegistryConfig) *Registry {
	r := &Registry{
		eb:          c.EventBus,
		perLobbyMax: c.PerLobbyMax,
		globalMax:   c.GlobalMax,
		lobbies:     make(map[string]map[*Connection]struct{}),
	}

	if r.perLobbyMax <= 0 {
		r.perLobbyMax = defaultPerLobbyMax
	}
	if r.globalMax <= 0 {
		r.globalMax = defaultGlobalMax
	}

	return r
}

// Register appends a connection record, enforcing the per-lobby and global
// ceilings. Announcements are published only after the record is durably
// registered: a roster change on every successful register, the "participant
// online" edge only on the actor's first connection.
func (r *Registry) Register(ctx context.Context, conn *Connection) error {
	r.mu.Lock()

	if r.total >= r.globalMax {
		r.mu.Unlock()
		return errors.New(errors.CodeCapacity,
			errors.WithMessagef("process connection ceiling reached (%d)", r.globalMax))
	}

	conns := r.lobbies[conn.LobbyID()]
	if len(conns) >= r.perLobbyMax {
		r.mu.Unlock()
		return errors.New(errors.CodeCapacity,
			errors.WithMessagef("lobby %s connection ceiling reached (%d)", conn.LobbyID(), r.perLobbyMax))
	}

	if conns == nil {
		conns = make(map[*Connection]struct{})
		r.lobbies[conn.LobbyID()] = conns
	}
	conns[conn] = struct{}{}
	r.total++

	first := r.actorCountLocked(conn.LobbyID(), conn.Actor()) == 1

	r.mu.Unlock()

	metricConnections.Inc()
	metricConnectsTotal.Inc()

	if first {
		r.eb.Publish(ctx, domain.EventParticipantOnline{
			LobbyID:     conn.LobbyID(),
			Participant: conn.Actor(),
		})
	}
	r.eb.Publish(ctx, domain.EventRosterChanged{LobbyID: conn.LobbyID()})

	return nil
}

// Headroom reports whether one more connection would fit in the lobby.
// Best-effort for pre-upgrade checks; Register revalidates under the lock.
func (r *Registry) Headroom(lobbyID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.total >= r.globalMax {
		return errors.New(errors.CodeCapacity,
			errors.WithMessagef("process connection ceiling reached (%d)", r.globalMax))
	}
	if len(r.lobbies[lobbyID]) >= r.perLobbyMax {
		return errors.New(errors.CodeCapacity,
			errors.WithMessagef("lobby %s connection ceiling reached (%d)", lobbyID, r.perLobbyMax))
	}

	return nil
}

// Unregister removes the record. When it was the actor's last connection in
// the lobby, a "participant offline" announcement follows. Idempotent.
func (r *Registry) Unregister(ctx context.Context, conn *Connection) {
	r.mu.Lock()

	conns, ok := r.lobbies[conn.LobbyID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := conns[conn]; !ok {
		r.mu.Unlock()
		return
	}

	delete(conns, conn)
	r.total--
	if len(conns) == 0 {
		delete(r.lobbies, conn.LobbyID())
	}

	last := r.actorCountLocked(conn.LobbyID(), conn.Actor()) == 0

	r.mu.Unlock()

	metricConnections.Dec()

	if last {
		r.eb.Publish(ctx, domain.EventParticipantOffline{
			LobbyID:     conn.LobbyID(),
			Participant: conn.Actor(),
		})
	}
}

func (r *Registry) actorCountLocked(lobbyID, actor string) int {
	n := 0
	for c := range r.lobbies[lobbyID] {
		if c.Actor() == actor {
			n++
		}
	}

	return n
}

// Connections snapshots the live connection list of one lobby.
func (r *Registry) Connections(lobbyID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.lobbies[lobbyID]))
	for c := range r.lobbies[lobbyID] {
		conns = append(conns, c)
	}

	return conns
}

// ActorConnections snapshots the subset owned by one participant.
func (r *Registry) ActorConnections(lobbyID, actor string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for c := range r.lobbies[lobbyID] {
		if c.Actor() == actor {
			conns = append(conns, c)
		}
	}

	return conns
}

// OnlineActors lists distinct participants currently holding a connection.
func (r *Registry) OnlineActors(lobbyID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var actors []string
	for c := range r.lobbies[lobbyID] {
		if _, ok := seen[c.Actor()]; ok {
			continue
		}
		seen[c.Actor()] = struct{}{}
		actors = append(actors, c.Actor())
	}

	return actors
}

// LobbyIDs lists lobbies with at least one live connection.
func (r *Registry) LobbyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.lobbies))
	for id := range r.lobbies {
		ids = append(ids, id)
	}

	return ids
}

// CloseActor revokes every connection one participant holds in a lobby
// (kick, blacklist).
func (r *Registry) CloseActor(ctx context.Context, lobbyID, actor string) {
	for _, c := range r.ActorConnections(lobbyID, actor) {
		r.Unregister(ctx, c)
		c.Close()
	}
}

// CloseLobby revokes every connection of a lobby (close).
func (r *Registry) CloseLobby(ctx context.Context, lobbyID string) {
	for _, c := range r.Connections(lobbyID) {
		r.Unregister(ctx, c)
		c.Close()
	}
}

// Len reports the process-wide connection count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.total
}
