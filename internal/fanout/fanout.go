// Package fanout implements the Fan-Out Bus: an in-process topic hub that
// delivers journaled events to live subscribers (spec.md §4.6). Topics are
// "run/<id>", "agent/<id>", and "global".
package fanout

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
)

// GlobalTopic is the well-known topic every event is also published to.
const GlobalTopic = "global"

// RunTopic and AgentTopic build the topic names spec.md §4.6 names.
func RunTopic(runID string) string   { return "run/" + runID }
func AgentTopic(agentID string) string { return "agent/" + agentID }

// Subscriber is one registered receiver. Send is buffered; a subscriber
// whose buffer is full when a broadcast arrives is dropped, per spec.md
// §4.6's documented backpressure policy.
type Subscriber struct {
	ID     string
	Send   chan []byte
	topics map[string]bool
	hub    *Hub
	mu     sync.Mutex
}

type topicMessage struct {
	Topic string
	Data  []byte
}

// Hub is the single-goroutine fan-out dispatcher, generalized from
// session-keyed delivery to topic-keyed delivery.
type Hub struct {
	subscribers map[string]*Subscriber
	byTopic     map[string]map[string]bool

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan topicMessage

	mu sync.RWMutex
}

// New creates a Hub. Call Run in its own goroutine before subscribing.
func New() *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		byTopic:     make(map[string]map[string]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan topicMessage, 256),
	}
}

// Run is the hub's main loop; it owns all mutation of subscriber state.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.ID] = sub
			for topic := range sub.topics {
				if h.byTopic[topic] == nil {
					h.byTopic[topic] = make(map[string]bool)
				}
				h.byTopic[topic][sub.ID] = true
			}
			h.mu.Unlock()

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[sub.ID]; ok {
				delete(h.subscribers, sub.ID)
				for topic := range sub.topics {
					if h.byTopic[topic] != nil {
						delete(h.byTopic[topic], sub.ID)
						if len(h.byTopic[topic]) == 0 {
							delete(h.byTopic, topic)
						}
					}
				}
				close(sub.Send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for subID := range h.byTopic[msg.Topic] {
				sub, ok := h.subscribers[subID]
				if !ok {
					continue
				}
				select {
				case sub.Send <- msg.Data:
				default:
					log.Printf("fanout: subscriber %s buffer full on topic %s, dropping", subID, msg.Topic)
					go h.Unregister(sub)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewSubscriber creates an unregistered subscriber holding the given topics.
func NewSubscriber(topics ...string) *Subscriber {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return &Subscriber{
		ID:     uuid.New().String(),
		Send:   make(chan []byte, 256),
		topics: set,
	}
}

// Register adds sub to the hub.
func (h *Hub) Register(sub *Subscriber) {
	sub.hub = h
	h.register <- sub
}

// Unregister removes sub from the hub.
func (h *Hub) Unregister(sub *Subscriber) {
	h.unregister <- sub
}

// Subscribe adds topic to sub's interest set, registering the change with
// the hub so future broadcasts on the new topic reach it.
func (h *Hub) Subscribe(sub *Subscriber, topic string) {
	sub.mu.Lock()
	sub.topics[topic] = true
	sub.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byTopic[topic] == nil {
		h.byTopic[topic] = make(map[string]bool)
	}
	h.byTopic[topic][sub.ID] = true
}

// Unsubscribe removes topic from sub's interest set.
func (h *Hub) Unsubscribe(sub *Subscriber, topic string) {
	sub.mu.Lock()
	delete(sub.topics, topic)
	sub.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byTopic[topic] != nil {
		delete(h.byTopic[topic], sub.ID)
		if len(h.byTopic[topic]) == 0 {
			delete(h.byTopic, topic)
		}
	}
}

// Publish delivers data to every subscriber of topic.
func (h *Hub) Publish(topic string, data []byte) {
	h.broadcast <- topicMessage{Topic: topic, Data: data}
}

// PublishJSON marshals v and publishes it to topic.
func (h *Hub) PublishJSON(topic string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Publish(topic, data)
	return nil
}

// SubscriberCount returns the number of currently registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
