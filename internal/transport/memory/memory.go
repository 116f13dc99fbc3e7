// Package memory is an in-process transport for tests. Every endpoint of a
// Hub is linked to every other; links can be cut to simulate disconnects.
package memory

import (
	"iter"
	"slices"
	"sync"

	"github.com/1ureka/tablesync/internal/transport"
)

var _ transport.Transport = (*Endpoint)(nil)

// Hub wires endpoints together.
type Hub struct {
	mu        sync.Mutex
	nextID    transport.PeerID
	endpoints map[transport.PeerID]*Endpoint
	cut       map[[2]transport.PeerID]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[transport.PeerID]*Endpoint),
		cut:       make(map[[2]transport.PeerID]bool),
	}
}

// Endpoint creates a new peer connected to every existing one.
func (h *Hub) Endpoint() *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	e := &Endpoint{hub: h, id: h.nextID}
	h.endpoints[e.id] = e
	return e
}

// Disconnect cuts the link between a and b in both directions.
func (h *Hub) Disconnect(a, b transport.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cut[linkKey(a, b)] = true
}

func linkKey(a, b transport.PeerID) [2]transport.PeerID {
	if a > b {
		a, b = b, a
	}
	return [2]transport.PeerID{a, b}
}

// route returns the endpoints src may currently reach. dest 0 selects all.
func (h *Hub) route(src, dest transport.PeerID) []*Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Endpoint
	for id, e := range h.endpoints {
		if id == src || h.cut[linkKey(src, id)] {
			continue
		}
		if dest == 0 || dest == id {
			out = append(out, e)
		}
	}
	return out
}

// Endpoint is one peer attached to a Hub.
type Endpoint struct {
	hub *Hub
	id  transport.PeerID

	mu    sync.Mutex
	inbox []transport.Message
	sent  int
}

func (e *Endpoint) MyID() transport.PeerID { return e.id }

// Send delivers data to dest. An unknown or cut peer is silently skipped.
func (e *Endpoint) Send(dest transport.PeerID, data []byte, _ transport.Reliability) error {
	if dest == 0 {
		return nil
	}
	e.deliver(e.hub.route(e.id, dest), data)
	return nil
}

// Broadcast delivers data to every reachable peer.
func (e *Endpoint) Broadcast(data []byte, _ transport.Reliability) error {
	e.deliver(e.hub.route(e.id, 0), data)
	return nil
}

func (e *Endpoint) deliver(targets []*Endpoint, data []byte) {
	for _, t := range targets {
		t.push(transport.Message{Src: e.id, Data: slices.Clone(data)})
	}
	e.mu.Lock()
	e.sent += len(targets)
	e.mu.Unlock()
}

func (e *Endpoint) push(m transport.Message) {
	e.mu.Lock()
	e.inbox = append(e.inbox, m)
	e.mu.Unlock()
}

// Recv yields the messages queued when it is called.
func (e *Endpoint) Recv() iter.Seq[transport.Message] {
	return func(yield func(transport.Message) bool) {
		e.mu.Lock()
		n := len(e.inbox)
		e.mu.Unlock()

		for range n {
			e.mu.Lock()
			if len(e.inbox) == 0 {
				e.mu.Unlock()
				return
			}
			m := e.inbox[0]
			e.inbox = e.inbox[1:]
			e.mu.Unlock()

			if !yield(m) {
				return
			}
		}
	}
}

// Pending reports how many messages wait in the inbox.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbox)
}

// Delivered reports how many copies this endpoint has handed to peers.
func (e *Endpoint) Delivered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}
