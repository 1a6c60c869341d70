package transport

import (
	"fmt"
	"sync"

	"github.com/iggydv12/coopsync/internal/protocol"
)

// Hub links in-process transports so several nodes can run in one process.
type Hub struct {
	mu    sync.RWMutex
	nodes map[protocol.PeerID]*Inproc
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[protocol.PeerID]*Inproc)}
}

// Join registers self on the hub and returns its transport.
func (h *Hub) Join(self protocol.PeerID) *Inproc {
	n := &Inproc{hub: h, self: self}
	h.mu.Lock()
	h.nodes[self] = n
	h.mu.Unlock()
	return n
}

// Inproc delivers frames synchronously to another node on the same Hub.
type Inproc struct {
	hub  *Hub
	self protocol.PeerID

	mu   sync.RWMutex
	recv Receiver
}

func (n *Inproc) Bind(r Receiver) {
	n.mu.Lock()
	n.recv = r
	n.mu.Unlock()
}

func (n *Inproc) receiver() Receiver {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.recv
}

func (n *Inproc) Send(peer protocol.PeerID, frame []byte) error {
	n.hub.mu.RLock()
	target, ok := n.hub.nodes[peer]
	n.hub.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	r := target.receiver()
	if r == nil {
		return fmt.Errorf("%w: %d has no receiver", ErrUnknownPeer, peer)
	}
	return r.Deliver(n.self, append([]byte(nil), frame...))
}

// Close leaves the hub and reports the loss to every remaining node.
func (n *Inproc) Close() error {
	n.hub.mu.Lock()
	delete(n.hub.nodes, n.self)
	others := make([]*Inproc, 0, len(n.hub.nodes))
	for _, o := range n.hub.nodes {
		others = append(others, o)
	}
	n.hub.mu.Unlock()

	for _, o := range others {
		if r := o.receiver(); r != nil {
			r.Lost(n.self)
		}
	}
	return nil
}
