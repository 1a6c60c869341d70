package connection

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/config"
	"github.com/iggydv12/coopsync/internal/metrics"
	"github.com/iggydv12/coopsync/internal/protocol"
)

// OptionsFromConfig converts the net config section.
func OptionsFromConfig(cfg config.NetConfig) (Options, error) {
	gate, err := ParseGatePolicy(cfg.GatePolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		PingInterval:     cfg.PingInterval,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
		QueueCapacity:    cfg.QueueCapacity,
		Gate:             gate,
	}, nil
}

// Status is a point-in-time view of one connection.
type Status struct {
	Peer    protocol.PeerID `json:"peer"`
	State   string          `json:"state"`
	RTTMs   float64         `json:"rttMs"`
	Pending int             `json:"pending"`
}

// Manager owns every connection, keyed by peer id. Deliver and Lost may be called from
// network goroutines; Tick runs on the simulation goroutine.
type Manager struct {
	mu       sync.RWMutex
	conns    map[protocol.PeerID]*Connection
	onRemove []func(protocol.PeerID)

	opts    Options
	send    Sender
	routes  *Dispatcher
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewManager(opts Options, send Sender, routes *Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if routes == nil {
		routes = NewDispatcher()
	}
	return &Manager{
		conns:   make(map[protocol.PeerID]*Connection),
		opts:    opts,
		send:    send,
		routes:  routes,
		metrics: m,
		logger:  logger,
	}
}

// Routes returns the dispatcher shared by every connection.
func (m *Manager) Routes() *Dispatcher { return m.routes }

// OnRemove registers fn to run on the tick goroutine after a connection is destroyed.
func (m *Manager) OnRemove(fn func(protocol.PeerID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemove = append(m.onRemove, fn)
}

// Connect returns the connection for peer, creating it if needed.
func (m *Manager) Connect(peer protocol.PeerID) *Connection {
	m.mu.RLock()
	c, ok := m.conns[peer]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.conns[peer]; ok {
		return c
	}
	c = newConnection(peer, m.opts, m.send, m.routes, m.metrics, m.logger)
	m.conns[peer] = c
	m.logger.Info("Connection created", zap.Uint32("peer", uint32(peer)))
	return c
}

// Deliver decodes an inbound frame and queues it on the sender's connection.
func (m *Manager) Deliver(peer protocol.PeerID, frame []byte) error {
	p, err := protocol.Decode(frame)
	if err != nil {
		m.metrics.Dropped("malformed")
		return fmt.Errorf("frame from %d: %w", peer, err)
	}
	if !p.Type.Known() {
		m.metrics.Dropped("unknown_type")
		return fmt.Errorf("frame from %d: unknown %s", peer, p.Type)
	}
	// frames may alias a transport read buffer
	p.Payload = append([]byte(nil), p.Payload...)
	m.Connect(peer).EnqueuePacket(p)
	return nil
}

// Lost reports that the transport to peer went away. The connection processes a
// synthetic Disconnect on its next Update.
func (m *Manager) Lost(peer protocol.PeerID) {
	c, ok := m.Get(peer)
	if !ok {
		return
	}
	p, _ := protocol.NewPacket(protocol.Disconnect, protocol.DisconnectMsg{Reason: "transport closed"})
	c.inbox.Push(p)
}

// Get returns the connection for peer.
func (m *Manager) Get(peer protocol.PeerID) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[peer]
	return c, ok
}

// Peers returns every connected peer in ascending order.
func (m *Manager) Peers() []protocol.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.PeerID, 0, len(m.conns))
	for p := range m.conns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Status returns a view of every connection ordered by peer.
func (m *Manager) Status() []Status {
	conns := m.snapshot()
	out := make([]Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, Status{
			Peer:    c.Peer(),
			State:   c.State().String(),
			RTTMs:   c.RTTMs(),
			Pending: c.Pending(),
		})
	}
	return out
}

// Disconnect closes the connection to peer. It is removed on the next Tick.
func (m *Manager) Disconnect(peer protocol.PeerID, reason string) bool {
	c, ok := m.Get(peer)
	if !ok {
		return false
	}
	c.Disconnect(reason)
	return true
}

// Broadcast sends v to every InGame connection except the listed peers and returns
// the number of peers reached.
func (m *Manager) Broadcast(t protocol.MsgType, v any, except ...protocol.PeerID) (int, error) {
	frame, err := protocol.Marshal(t, v)
	if err != nil {
		return 0, err
	}
	sent := 0
outer:
	for _, c := range m.snapshot() {
		if c.State() != InGame {
			continue
		}
		for _, skip := range except {
			if c.Peer() == skip {
				continue outer
			}
		}
		if err := c.SendFrame(t, frame); err != nil {
			m.logger.Debug("Broadcast send failed", zap.Uint32("peer", uint32(c.Peer())), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].peer < out[j].peer })
	return out
}

// Tick updates every connection, expires stalled ones and destroys those that ended.
func (m *Manager) Tick(nowMs float64) {
	conns := m.snapshot()
	for _, c := range conns {
		c.Update(nowMs)
	}

	counts := make(map[string]int, len(States))
	for _, s := range States {
		counts[s.String()] = 0
	}
	var removed []protocol.PeerID
	for _, c := range conns {
		if reason, ok := c.expired(nowMs); ok && !c.Ended() {
			c.Disconnect(reason)
		}
		if c.Ended() {
			removed = append(removed, c.peer)
			continue
		}
		counts[c.State().String()]++
	}
	m.metrics.SetConnections(counts)
	if len(removed) == 0 {
		return
	}

	m.mu.Lock()
	for _, p := range removed {
		delete(m.conns, p)
	}
	callbacks := slices.Clone(m.onRemove)
	m.mu.Unlock()

	for _, p := range removed {
		m.logger.Info("Connection removed", zap.Uint32("peer", uint32(p)))
		for _, fn := range callbacks {
			fn(p)
		}
	}
}
