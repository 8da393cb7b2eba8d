// Package realtime contains the connection gateway, room registry,
// cross-node fan-out, presence tracking and event broadcasting that turn a
// committed mutation into a delivered event for every interested client.
package realtime

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Emitter is the capability handed to anything that needs to reach clients:
// the broadcaster, the presence tracker, the gateway and the notification
// dispatcher. It is constructed once at startup and threaded explicitly;
// there is no package-level server handle.
type Emitter interface {
	// Emit delivers an event to every member of room. BroadcastRoom
	// reaches every connection.
	Emit(room, event string, payload any)
	// EmitExcept is Emit minus one local connection, used to exclude the
	// sender of a relayed signal.
	EmitExcept(room, event string, payload any, except *Conn)
}

// Hub is the process-local room registry. On its own it only reaches
// connections held by this process; wrap it with NewFanout for fleet-wide
// delivery.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Conn]struct{}
	conns  map[*Conn]struct{}
	logger *log.Logger
}

// NewHub creates an empty room registry.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		rooms:  make(map[string]map[*Conn]struct{}),
		conns:  make(map[*Conn]struct{}),
		logger: logger,
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

// unregister removes the connection from every room it joined.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// Join adds the connection to a room, creating the room on first join.
func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()
}

// Leave removes the connection from a room. Leaving a room never joined is
// a no-op.
func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// RoomSize reports the number of local members in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Emit implements Emitter for local delivery.
func (h *Hub) Emit(room, event string, payload any) {
	h.EmitExcept(room, event, payload, nil)
}

// EmitExcept implements Emitter for local delivery.
func (h *Hub) EmitExcept(room, event string, payload any, except *Conn) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("encode frame")
		return
	}
	h.emitRaw(room, data, except)
}

// emitRaw delivers a pre-encoded frame. Sends are non-blocking: a client
// whose send queue is full misses the frame rather than stalling the rest
// of the room.
func (h *Hub) emitRaw(room string, data []byte, except *Conn) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room == BroadcastRoom {
		for c := range h.conns {
			if c != except {
				c.enqueue(data, h.logger)
			}
		}
		return
	}
	for c := range h.rooms[room] {
		if c != except {
			c.enqueue(data, h.logger)
		}
	}
}
