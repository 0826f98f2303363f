package hub

import (
	"sync"
	"time"

	"hemis-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event one delivery to one room.
type Event struct {
	Type   string    `json:"type"`
	Room   Room      `json:"room"`
	Missed uint64    `json:"missed,omitempty"`
	At     time.Time `json:"at"`
	Data   any       `json:"data"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithDropHook is called once per event dropped from a slow subscriber.
func WithDropHook(hook func()) Option {
	return func(h *Hub) { h.onDrop = hook }
}

// Hub room-based fan-out. Publishing never blocks on subscribers.
type Hub struct {
	bufferSize int
	onDrop     func()
	logger     *zap.Logger

	mu          sync.RWMutex
	rooms       map[Room]map[*Subscriber]struct{}
	subscribers map[string]*Subscriber
}

// NewHub creates a hub whose subscribers buffer up to bufferSize events.
func NewHub(bufferSize int, logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		bufferSize:  bufferSize,
		logger:      logger,
		rooms:       map[Room]map[*Subscriber]struct{}{},
		subscribers: map[string]*Subscriber{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers a new subscriber with no rooms.
func (h *Hub) Connect() *Subscriber {
	sub := newSubscriber(uuid.New().String(), h, h.bufferSize)
	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()
	h.logger.Debug("Subscriber connected", zap.String("subscriber_id", sub.id))
	return sub
}

// Disconnect removes the subscriber from every room and closes it.
// Memberships are not remembered for a later Connect.
func (h *Hub) Disconnect(sub *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, sub.id)
	for _, room := range sub.Rooms() {
		h.removeMember(room, sub)
	}
	h.mu.Unlock()

	sub.close()
	h.logger.Debug("Subscriber disconnected", zap.String("subscriber_id", sub.id))
}

// SubscriberCount number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// RoomSize number of subscribers in room.
func (h *Hub) RoomSize(room Room) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) join(sub *Subscriber, room Room) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub.id]; !ok {
		return models.ErrSubscriberClosed
	}
	members, ok := h.rooms[room]
	if !ok {
		members = map[*Subscriber]struct{}{}
		h.rooms[room] = members
	}
	members[sub] = struct{}{}

	sub.mu.Lock()
	sub.rooms[room] = struct{}{}
	sub.mu.Unlock()
	return nil
}

func (h *Hub) leave(sub *Subscriber, room Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeMember(room, sub)
}

// removeMember requires h.mu held.
func (h *Hub) removeMember(room Room, sub *Subscriber) {
	if members, ok := h.rooms[room]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	sub.mu.Lock()
	delete(sub.rooms, room)
	sub.mu.Unlock()
}

// Publish delivers one event per room to the room's current members.
// Within a room, members receive events in publish order.
func (h *Hub) Publish(eventType string, data any, rooms ...Room) {
	at := time.Now().UTC()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, room := range rooms {
		ev := Event{Type: eventType, Room: room, At: at, Data: data}
		for sub := range h.rooms[room] {
			if sub.enqueue(ev) && h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// PublishReading sends a reading_update to global, its device room and,
// when owned, its patient room.
func (h *Hub) PublishReading(r models.Reading) {
	rooms := []Room{RoomGlobal, DeviceRoom(r.DeviceID)}
	if pid := r.PatientIDValue(); pid != "" {
		rooms = append(rooms, PatientRoom(pid))
	}
	h.Publish(models.EventReadingUpdate, models.NewReadingUpdate(&r), rooms...)
}

// PublishIncident sends an incident_update to global and the incident's
// patient and device rooms.
func (h *Hub) PublishIncident(inc models.Incident) {
	rooms := []Room{RoomGlobal}
	if inc.DeviceID != nil {
		rooms = append(rooms, DeviceRoom(*inc.DeviceID))
	}
	if inc.PatientID != nil {
		rooms = append(rooms, PatientRoom(*inc.PatientID))
	}
	h.Publish(models.EventIncidentUpdate, models.NewIncidentUpdate(&inc), rooms...)
}
