// Package invalidate fans out "entity type changed" notifications to readers.
package invalidate

import (
	"sync"

	evbus "github.com/asaskevich/EventBus"

	"recall/internal/models"
)

// Sink receives a notification after changes to an entity type commit.
// Implementations must not block.
type Sink interface {
	Notify(entityType models.EntityType)
}

// Hub is an in-process pub/sub hub keyed by topic. Publishing never blocks
// the caller; subscribers run on the bus's async workers.
type Hub struct {
	bus evbus.Bus

	mu     sync.Mutex
	nextID uint64
	topics map[string]bool
	subs   map[string]map[uint64]func(topic string)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		bus:    evbus.New(),
		topics: map[string]bool{},
		subs:   map[string]map[uint64]func(string){},
	}
}

// Notify implements Sink. The topic is the entity type name.
func (h *Hub) Notify(entityType models.EntityType) {
	h.Publish(string(entityType))
}

// Publish delivers topic to current subscribers asynchronously.
func (h *Hub) Publish(topic string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	registered := h.topics[topic]
	h.mu.Unlock()
	if !registered {
		return
	}
	h.bus.Publish(topic, topic)
}

// Subscribe registers fn for topic and returns a func that removes it.
func (h *Hub) Subscribe(topic string, fn func(topic string)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.topics[topic] {
		// One dispatcher per topic; subscriber bookkeeping stays here
		// because the bus matches handlers by code pointer.
		_ = h.bus.SubscribeAsync(topic, h.deliver, false)
		h.topics[topic] = true
	}
	h.nextID++
	id := h.nextID
	if h.subs[topic] == nil {
		h.subs[topic] = map[uint64]func(string){}
	}
	h.subs[topic][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[topic], id)
			h.mu.Unlock()
		})
	}
}

// SubscribeEntities subscribes fn to every entity type.
func (h *Hub) SubscribeEntities(fn func(entityType models.EntityType)) (unsubscribe func()) {
	var cancels []func()
	for _, et := range models.EntityTypes() {
		cancels = append(cancels, h.Subscribe(string(et), func(topic string) {
			fn(models.EntityType(topic))
		}))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// Wait blocks until in-flight deliveries finish.
func (h *Hub) Wait() {
	h.bus.WaitAsync()
}

func (h *Hub) deliver(topic string) {
	h.mu.Lock()
	fns := make([]func(string), 0, len(h.subs[topic]))
	for _, fn := range h.subs[topic] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(topic)
	}
}

// Func adapts a function to Sink.
type Func func(models.EntityType)

func (f Func) Notify(entityType models.EntityType) { f(entityType) }

// Multi fans one notification out to several sinks.
type Multi []Sink

func (m Multi) Notify(entityType models.EntityType) {
	for _, s := range m {
		if s != nil {
			s.Notify(entityType)
		}
	}
}
