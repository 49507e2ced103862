package ws

import "sync"

const defaultBuffer = 64

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by team slug.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	stopOnce  sync.Once
}

// message couples payload with team slug.
type message struct {
	topic   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	topic  string
	client Subscriber
	ack    chan struct{}
}

// NewHub creates an initialized Hub whose broadcast queue holds buffer
// messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
			h.mu.Unlock()
			close(sub.ack)
		case sub := <-h.unreg:
			h.mu.Lock()
			h.remove(sub.topic, sub.client)
			h.mu.Unlock()
			close(sub.ack)
		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]Subscriber, 0, len(h.clients[msg.topic]))
			for c := range h.clients[msg.topic] {
				targets = append(targets, c)
			}
			h.mu.RUnlock()
			for _, c := range targets {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					h.mu.Lock()
					h.remove(msg.topic, c)
					h.mu.Unlock()
				}
			}
		case <-h.done:
			h.mu.Lock()
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = make(map[string]map[Subscriber]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(topic string, client Subscriber) {
	if clients, ok := h.clients[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Register adds a client to a team stream. It returns once the client
// receives subsequent broadcasts.
func (h *Hub) Register(topic string, client Subscriber) {
	h.send(h.register, subscription{topic: topic, client: client, ack: make(chan struct{})})
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	h.send(h.unreg, subscription{topic: topic, client: client, ack: make(chan struct{})})
}

func (h *Hub) send(ch chan subscription, sub subscription) {
	select {
	case ch <- sub:
		<-sub.ack
	case <-h.done:
	}
}

// TryBroadcast queues payload for every client of topic. It reports false
// when the queue is full or the hub is stopped.
func (h *Hub) TryBroadcast(topic string, payload []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
		return true
	default:
		return false
	}
}

// Subscribers reports how many clients follow topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Stop closes every client and terminates the hub loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}
