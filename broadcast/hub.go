// Package broadcast fans realtime updates out to websocket subscribers.
//
// Subscribers join rooms (an execution, the queue, the dashboard) and receive
// every message published to those rooms while they are connected. Delivery
// is best effort: there is no replay, and a subscriber that cannot keep up is
// dropped rather than slowing down the publisher.
package broadcast

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// Rooms
const (
	RoomQueue     = "queue"
	RoomDashboard = "dashboard"

	executionRoomPrefix = "execution:"
)

// Server event types
const (
	EventExecutionUpdate    = "execution:update"
	EventExecutionCompleted = "execution:completed"
	EventExecutionFailed    = "execution:failed"
	EventQueueUpdated       = "queue:updated"
)

// Acknowledgement frame types
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeError        = "error"
)

// DefaultMaxClients bounds concurrent subscribers
const DefaultMaxClients = 256

// ErrTooManyClients is returned by Register when the hub is full
var ErrTooManyClients = errors.Mark(errors.New("too many realtime clients"), errors.ErrServiceUnavailable)

// ExecutionRoom names the room for one execution
func ExecutionRoom(id string) string {
	return executionRoomPrefix + id
}

// ValidRoom reports whether room is one the hub serves
func ValidRoom(room string) bool {
	switch room {
	case RoomQueue, RoomDashboard:
		return true
	}
	id, ok := strings.CutPrefix(room, executionRoomPrefix)
	return ok && id != "" && !strings.ContainsAny(id, " \t\r\n")
}

// Message is a server frame
type Message struct {
	Type      string      `json:"type"`
	Room      string      `json:"room,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Subscriber receives messages for the rooms it joined
type Subscriber interface {
	ID() string
	// Deliver queues msg without blocking and reports whether it was accepted
	Deliver(msg Message) bool
	Close()
}

// Hub tracks room membership and fans out published messages
type Hub struct {
	logger     *zap.SugaredLogger
	maxClients int
	now        func() time.Time

	mu      sync.RWMutex
	rooms   map[string]map[Subscriber]struct{}
	members map[Subscriber]map[string]struct{}

	published atomic.Int64
	drops     atomic.Int64
}

// NewHub creates a hub. maxClients <= 0 uses DefaultMaxClients.
func NewHub(maxClients int, log *zap.SugaredLogger) *Hub {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if log == nil {
		log = logger.ComponentLogger("broadcast")
	}
	return &Hub{
		logger:     log,
		maxClients: maxClients,
		now:        time.Now,
		rooms:      make(map[string]map[Subscriber]struct{}),
		members:    make(map[Subscriber]map[string]struct{}),
	}
}

// Register adds a subscriber with no rooms
func (h *Hub) Register(sub Subscriber) error {
	h.mu.Lock()
	if _, ok := h.members[sub]; ok {
		h.mu.Unlock()
		return nil
	}
	if len(h.members) >= h.maxClients {
		h.mu.Unlock()
		h.logger.Warnw("Max clients reached, rejecting connection",
			logger.FieldClientID, sub.ID(),
			"max_clients", h.maxClients,
		)
		return ErrTooManyClients
	}
	h.members[sub] = make(map[string]struct{})
	total := len(h.members)
	h.mu.Unlock()

	h.logger.Infow("Client connected", logger.FieldClientID, sub.ID(), "total_clients", total)
	return nil
}

// Unregister removes a subscriber from every room
func (h *Hub) Unregister(sub Subscriber) {
	h.mu.Lock()
	removed := h.removeLocked(sub)
	total := len(h.members)
	h.mu.Unlock()

	if removed {
		h.logger.Infow("Client disconnected", logger.FieldClientID, sub.ID(), "total_clients", total)
	}
}

func (h *Hub) removeLocked(sub Subscriber) bool {
	rooms, ok := h.members[sub]
	if !ok {
		return false
	}
	for room := range rooms {
		h.leaveLocked(sub, room)
	}
	delete(h.members, sub)
	return true
}

func (h *Hub) leaveLocked(sub Subscriber, room string) {
	if subs, ok := h.rooms[room]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.members[sub]; ok {
		delete(rooms, room)
	}
}

// Subscribe joins sub to room. Joining twice is a no-op.
func (h *Hub) Subscribe(sub Subscriber, room string) error {
	if !ValidRoom(room) {
		return errors.NewInvalidRequestError("unknown room %q", room)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.members[sub]
	if !ok {
		return errors.NewNotFoundError("client %s is not registered", sub.ID())
	}
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[Subscriber]struct{})
		h.rooms[room] = subs
	}
	subs[sub] = struct{}{}
	rooms[room] = struct{}{}
	return nil
}

// Unsubscribe removes sub from room. Leaving a room not joined is a no-op.
func (h *Hub) Unsubscribe(sub Subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sub, room)
}

// Publish sends a message to every subscriber of room and returns how many
// accepted it. Subscribers whose queue is full are disconnected.
func (h *Hub) Publish(room, typ string, data interface{}) int {
	msg := Message{Type: typ, Room: room, Data: data, Timestamp: h.now().Unix()}

	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.rooms[room]))
	for sub := range h.rooms[room] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	h.published.Add(1)
	sent := 0
	for _, sub := range subs {
		if sub.Deliver(msg) {
			sent++
			continue
		}
		h.drops.Add(1)
		h.removeSlow(sub)
	}
	return sent
}

// removeSlow drops a subscriber that cannot keep up
func (h *Hub) removeSlow(sub Subscriber) {
	h.mu.Lock()
	removed := h.removeLocked(sub)
	h.mu.Unlock()
	if !removed {
		return
	}
	sub.Close()
	h.logger.Warnw("Client send queue full, removing client",
		logger.FieldClientID, sub.ID(),
		"total_drops", h.drops.Load(),
	)
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Rooms returns the subscriber count per room
func (h *Hub) Rooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for room, subs := range h.rooms {
		out[room] = len(subs)
	}
	return out
}

// Stats returns publish and drop counters
func (h *Hub) Stats() (published, drops int64) {
	return h.published.Load(), h.drops.Load()
}
