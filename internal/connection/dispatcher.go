package connection

import (
	"sync"

	"github.com/iggydv12/coopsync/internal/protocol"
)

// Handler reacts to one inbound packet. It runs on the tick goroutine and must finish
// before the next packet of the same connection is dispatched.
type Handler func(c *Connection, p protocol.Packet)

// Dispatcher routes packets to handlers by message type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.MsgType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[protocol.MsgType]Handler)}
}

// Handle registers h for t, replacing any previous handler.
func (d *Dispatcher) Handle(t protocol.MsgType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// Dispatch calls the handler for p.Type. It returns false if none is registered.
func (d *Dispatcher) Dispatch(c *Connection, p protocol.Packet) bool {
	d.mu.RLock()
	h, ok := d.handlers[p.Type]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	h(c, p)
	return true
}
