// Package events is the server's connection registry. It fans encoded RPC
// frames out to every connected client.
package events

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/metrics"
	"github.com/cowrite/cowrite/internal/privilege"
)

// DefaultQueueSize is the outbound queue length per connection.
const DefaultQueueSize = 256

// Subscriber is one registered connection.
type Subscriber struct {
	id       string
	username string
	level    atomic.Uint32

	out  chan []byte
	done chan struct{}
	once sync.Once
}

// ID returns the connection id.
func (s *Subscriber) ID() string { return s.id }

// Username returns the name the client registered with.
func (s *Subscriber) Username() string { return s.username }

// Privilege returns the connection's current privilege.
func (s *Subscriber) Privilege() privilege.Level { return privilege.Level(s.level.Load()) }

// Out delivers the frames queued for this connection, in publish order.
func (s *Subscriber) Out() <-chan []byte { return s.out }

// Done is closed once the subscriber is unregistered or evicted.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() { s.once.Do(func() { close(s.done) }) }

// Hub manages registered connections and publishes frames to them. A
// connection whose queue is full is evicted: a dropped echo would leave its
// replica diverged for good.
type Hub struct {
	mu        sync.RWMutex
	byID      map[string]*Subscriber
	byName    map[string]*Subscriber
	queueSize int
}

// NewHub creates a hub. queueSize <= 0 selects DefaultQueueSize.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		byID:      make(map[string]*Subscriber),
		byName:    make(map[string]*Subscriber),
		queueSize: queueSize,
	}
}

// Register adds a connection for username. Usernames are unique among live
// connections.
func (h *Hub) Register(username string, level privilege.Level) (*Subscriber, error) {
	if username == "" {
		return nil, fserr.E("register", "", fserr.InvalidInput, "username is required")
	}
	s := &Subscriber{
		id:       ulid.Make().String(),
		username: username,
		out:      make(chan []byte, h.queueSize),
		done:     make(chan struct{}),
	}
	s.level.Store(uint32(level))

	h.mu.Lock()
	if _, taken := h.byName[username]; taken {
		h.mu.Unlock()
		return nil, fserr.E("register", "", fserr.AlreadyExists, "username "+username+" is already connected")
	}
	h.byID[s.id] = s
	h.byName[username] = s
	n := len(h.byID)
	h.mu.Unlock()

	metrics.SetConnectionsActive(n)
	return s, nil
}

// Unregister removes a connection. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s, ok := h.byID[id]
	if ok {
		h.remove(s)
	}
	n := len(h.byID)
	h.mu.Unlock()
	if ok {
		metrics.SetConnectionsActive(n)
	}
}

// remove must be called with mu held.
func (h *Hub) remove(s *Subscriber) {
	delete(h.byID, s.id)
	if h.byName[s.username] == s {
		delete(h.byName, s.username)
	}
	s.close()
}

// Publish queues frame for every connection.
func (h *Hub) Publish(frame []byte, kind string) {
	h.mu.Lock()
	var evicted int
	for _, s := range h.byID {
		if !h.enqueue(s, frame) {
			evicted++
		}
	}
	n := len(h.byID)
	h.mu.Unlock()

	metrics.RecordBroadcast(kind)
	if evicted > 0 {
		metrics.SetConnectionsActive(n)
	}
}

// Send queues frame for one connection.
func (h *Hub) Send(id string, frame []byte) error {
	h.mu.Lock()
	s, ok := h.byID[id]
	if !ok {
		h.mu.Unlock()
		return fserr.E("send", "", fserr.NotConnected, "connection "+id+" is gone")
	}
	delivered := h.enqueue(s, frame)
	n := len(h.byID)
	h.mu.Unlock()

	if !delivered {
		metrics.SetConnectionsActive(n)
		return fserr.E("send", "", fserr.NotConnected, "connection "+id+" was evicted")
	}
	return nil
}

// enqueue must be called with mu held. It reports false if s was evicted.
func (h *Hub) enqueue(s *Subscriber, frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	default:
		h.remove(s)
		metrics.RecordEviction()
		return false
	}
}

// Get returns the connection with id.
func (h *Hub) Get(id string) (*Subscriber, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byID[id]
	return s, ok
}

// ByUsername returns the connection registered as username.
func (h *Hub) ByUsername(username string) (*Subscriber, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byName[username]
	return s, ok
}

// SetPrivilege changes the privilege of a live connection.
func (h *Hub) SetPrivilege(username string, level privilege.Level) (*Subscriber, bool) {
	s, ok := h.ByUsername(username)
	if ok {
		s.level.Store(uint32(level))
	}
	return s, ok
}

// Close disconnects the connection registered as username.
func (h *Hub) Close(username string) bool {
	h.mu.Lock()
	s, ok := h.byName[username]
	if ok {
		h.remove(s)
	}
	n := len(h.byID)
	h.mu.Unlock()
	if ok {
		metrics.SetConnectionsActive(n)
	}
	return ok
}

// Usernames returns the names of live connections, sorted.
func (h *Hub) Usernames() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.byName))
	for name := range h.byName {
		out = append(out, name)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count returns the current number of connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}
