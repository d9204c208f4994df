package events

import (
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one lifecycle notification. Data holds the JSON-encoded
// TaskEvent or RobotEvent, per the category of Type.
type Event struct {
	ID   int64     `json:"id"`
	Type Kind      `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"`
}

// Task decodes the payload of a task.* event.
func (e Event) Task() (TaskEvent, bool) {
	var t TaskEvent
	if e.Type.Category() != CategoryTask || json.Unmarshal(e.Data, &t) != nil || t.TaskID == "" {
		return TaskEvent{}, false
	}
	return t, true
}

// Robot decodes the payload of a robot.* event.
func (e Event) Robot() (RobotEvent, bool) {
	var r RobotEvent
	if e.Type.Category() != CategoryRobot || json.Unmarshal(e.Data, &r) != nil || r.RobotID == "" {
		return RobotEvent{}, false
	}
	return r, true
}

const subscriberBuffer = 128

type subscriber struct {
	ch         chan Event
	categories []Category
}

func matches(categories []Category, ev Event) bool {
	return len(categories) == 0 || slices.Contains(categories, ev.Type.Category())
}

// Hub fans task and robot events out to live subscribers and keeps the most
// recent ones in a ring so a late SSE client can catch up.
type Hub struct {
	nextID atomic.Int64

	mu     sync.Mutex
	recent []Event
	head   int
	count  int

	subs      map[int]subscriber
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		recent: make([]Event, capacity),
		subs:   make(map[int]subscriber),
	}
}

// PublishTask records a task event. A kind outside the task category is
// dropped and the zero Event returned. A nil hub is a no-op so components
// can run without one.
func (h *Hub) PublishTask(kind Kind, e TaskEvent) Event {
	if h == nil || kind.Category() != CategoryTask {
		return Event{}
	}
	return h.publish(kind, e)
}

// PublishRobot records a robot event, with the same rules as PublishTask.
func (h *Hub) PublishRobot(kind Kind, e RobotEvent) Event {
	if h == nil || kind.Category() != CategoryRobot {
		return Event{}
	}
	return h.publish(kind, e)
}

func (h *Hub) publish(kind Kind, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: kind,
		At:   time.Now().UTC(),
		Data: data,
	}

	h.mu.Lock()
	h.remember(ev)
	for _, sub := range h.subs {
		if !matches(sub.categories, ev) {
			continue
		}
		// Slow subscribers miss events rather than stall producers.
		select {
		case sub.ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
	return ev
}

// Subscribe returns a live event channel limited to categories (every
// category when none are given) and a cancel func that closes it.
func (h *Hub) Subscribe(categories ...Category) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = subscriber{ch: ch, categories: categories}

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Subscribers reports how many live subscribers are attached.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns remembered events with ID > lastID in the given
// categories, oldest first.
func (h *Hub) SnapshotSince(lastID int64, categories ...Category) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.recent[(h.head+i)%len(h.recent)]
		if ev.ID > lastID && matches(categories, ev) {
			out = append(out, ev)
		}
	}
	return out
}

// remember appends ev, overwriting the oldest entry once the ring is full.
func (h *Hub) remember(ev Event) {
	n := len(h.recent)
	if h.count < n {
		h.recent[(h.head+h.count)%n] = ev
		h.count++
		return
	}
	h.recent[h.head] = ev
	h.head = (h.head + 1) % n
}
