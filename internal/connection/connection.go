// Package connection implements the per-peer protocol state machine and the manager
// that owns every live connection.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iggydv12/coopsync/internal/metrics"
	"github.com/iggydv12/coopsync/internal/protocol"
	"github.com/iggydv12/coopsync/internal/workqueue"
)

// RTTHistory is the number of round-trip samples kept per connection.
const RTTHistory = 16

// ErrBadTransition is returned when a local action is not legal in the current state.
var ErrBadTransition = errors.New("connection: illegal state transition")

// Sender delivers an encoded frame to a peer.
type Sender interface {
	Send(peer protocol.PeerID, frame []byte) error
}

// Options tunes every connection a Manager creates.
type Options struct {
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	// RateLimit is packets per second accepted on enqueue; 0 disables limiting.
	RateLimit     float64
	RateBurst     int
	QueueCapacity int
	Gate          GatePolicy
}

// Side records which end of the handshake the local node took.
type Side int32

const (
	// SideNone is a connection that has not started a handshake.
	SideNone Side = iota
	// SideInitiator sent Hello and expects Welcome and JoinAccept from the peer.
	SideInitiator
	// SideAcceptor answered a Hello and is the only side that sends Welcome and JoinAccept.
	SideAcceptor
)

// Connection is one remote peer as seen by the local node.
type Connection struct {
	peer  protocol.PeerID
	state atomic.Int32
	side  atomic.Int32
	ended atomic.Bool

	inbox   *workqueue.Queue[protocol.Packet]
	limiter *rate.Limiter
	opts    Options
	send    Sender
	routes  *Dispatcher

	mu           sync.Mutex
	nowMs        float64
	stateSinceMs float64
	lastPingMs   float64
	lastRecvMs   float64
	seen         bool
	rtt          [RTTHistory]float64
	rttCount     int
	rttNext      int

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func newConnection(peer protocol.PeerID, opts Options, send Sender, routes *Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Connection {
	c := &Connection{
		peer:    peer,
		inbox:   workqueue.New[protocol.Packet](opts.QueueCapacity),
		opts:    opts,
		send:    send,
		routes:  routes,
		metrics: m,
		logger:  logger.With(zap.Uint32("peer", uint32(peer))),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// Peer returns the remote identity.
func (c *Connection) Peer() protocol.PeerID { return c.peer }

// State returns the current protocol state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Side returns the handshake role taken by the local node.
func (c *Connection) Side() Side { return Side(c.side.Load()) }

// mayReceive reports whether msg may drive a transition when it arrives from the
// peer. Welcome and JoinAccept are only honoured by the side that sent Hello.
func (c *Connection) mayReceive(msg protocol.MsgType) bool {
	if msg == protocol.Disconnect {
		return true
	}
	return c.Side() == SideInitiator
}

// maySend is the outbound counterpart of mayReceive.
func (c *Connection) maySend(msg protocol.MsgType) bool {
	if msg == protocol.Disconnect {
		return true
	}
	return c.Side() == SideAcceptor
}

// Pending returns the number of queued inbound packets.
func (c *Connection) Pending() int { return c.inbox.Len() }

// Ended reports whether the connection has finished and is awaiting removal.
func (c *Connection) Ended() bool { return c.ended.Load() }

// RTTMs returns the mean of the collected round-trip samples, or 0 with none.
func (c *Connection) RTTMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rttCount == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < c.rttCount; i++ {
		sum += c.rtt[i]
	}
	return sum / float64(c.rttCount)
}

func (c *Connection) setStateLocked(s State) {
	if s == Disconnected {
		c.ended.Store(true)
	}
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.stateSinceMs = c.nowMs
	c.logger.Debug("Connection state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
}

// advance applies the transition table for msg. It returns false and leaves the
// state unchanged if msg is out of order.
func (c *Connection) advance(msg protocol.MsgType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	to, ok := next(c.State(), msg)
	if !ok || !c.mayReceive(msg) {
		return false
	}
	c.setStateLocked(to)
	return true
}

// StartHandshake moves a fresh connection to Handshaking and sends hello.
func (c *Connection) StartHandshake(hello protocol.HelloMsg) error {
	if err := c.begin(SideInitiator); err != nil {
		return err
	}
	return c.Send(protocol.Hello, hello)
}

// Accept moves a fresh connection to Handshaking in response to an inbound Hello.
func (c *Connection) Accept() error {
	return c.begin(SideAcceptor)
}

func (c *Connection) begin(side Side) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != Disconnected || c.ended.Load() {
		return fmt.Errorf("%w: handshake from %s", ErrBadTransition, c.State())
	}
	c.side.Store(int32(side))
	c.setStateLocked(Handshaking)
	return nil
}

// Send encodes v as a t packet and delivers it. Sending Welcome, JoinAccept or
// Disconnect applies the same transition as receiving it; sending one of them out of
// order, or Welcome and JoinAccept from the side that sent Hello, fails without sending.
func (c *Connection) Send(t protocol.MsgType, v any) error {
	frame, err := protocol.Marshal(t, v)
	if err != nil {
		return err
	}
	return c.SendFrame(t, frame)
}

// SendFrame delivers a pre-encoded frame of type t.
func (c *Connection) SendFrame(t protocol.MsgType, frame []byte) error {
	if transitions(t) {
		c.mu.Lock()
		defer c.mu.Unlock()
		to, ok := next(c.State(), t)
		if !ok || !c.maySend(t) {
			return fmt.Errorf("%w: send %s in %s", ErrBadTransition, t, c.State())
		}
		err := c.send.Send(c.peer, frame)
		if err == nil || t == protocol.Disconnect {
			c.setStateLocked(to)
		}
		return err
	}
	if c.ended.Load() {
		return fmt.Errorf("%w: send %s after disconnect", ErrBadTransition, t)
	}
	return c.send.Send(c.peer, frame)
}

// Disconnect sends a Disconnect if the connection is live, then marks it ended.
func (c *Connection) Disconnect(reason string) {
	if c.State() != Disconnected {
		if err := c.Send(protocol.Disconnect, protocol.DisconnectMsg{Reason: reason}); err != nil {
			c.logger.Debug("Disconnect notice not delivered", zap.Error(err))
		}
	}
	c.ended.Store(true)
	c.logger.Info("Connection closed", zap.String("reason", reason))
}

// EnqueuePacket queues an inbound packet for the next Update. It is safe to call from
// network goroutines. It returns false if the packet was dropped.
func (c *Connection) EnqueuePacket(p protocol.Packet) bool {
	if c.limiter != nil && p.Type != protocol.Voice && !c.limiter.Allow() {
		c.drop(p, "rate_limited")
		return false
	}
	if !c.inbox.Push(p) {
		c.drop(p, "queue_full")
		return false
	}
	return true
}

func (c *Connection) drop(p protocol.Packet, reason string) {
	c.metrics.Dropped(reason)
	c.logger.Debug("Packet dropped", zap.Stringer("type", p.Type), zap.String("reason", reason))
}

// Update drains the packets queued at call time and dispatches them in arrival order,
// then sends a Ping if one is due.
func (c *Connection) Update(nowMs float64) {
	c.mu.Lock()
	c.nowMs = nowMs
	if !c.seen {
		c.seen = true
		c.lastRecvMs = nowMs
		c.lastPingMs = nowMs
		c.stateSinceMs = nowMs
	}
	c.mu.Unlock()

	packets := c.inbox.Drain()
	if len(packets) > 0 {
		c.mu.Lock()
		c.lastRecvMs = nowMs
		c.mu.Unlock()
	}
	for i, p := range packets {
		if c.Ended() {
			for _, rest := range packets[i:] {
				c.drop(rest, "ended")
			}
			break
		}
		c.dispatch(p)
	}

	c.maybePing(nowMs)
}

func (c *Connection) maybePing(nowMs float64) {
	interval := float64(c.opts.PingInterval.Milliseconds())
	if interval <= 0 || c.State() == Disconnected {
		return
	}
	c.mu.Lock()
	due := nowMs-c.lastPingMs >= interval
	if due {
		c.lastPingMs = nowMs
	}
	c.mu.Unlock()
	if !due {
		return
	}
	if err := c.Send(protocol.Ping, protocol.PingMsg{SentMs: nowMs}); err != nil {
		c.logger.Debug("Ping not delivered", zap.Error(err))
	}
}

func (c *Connection) dispatch(p protocol.Packet) {
	if !c.opts.Gate.Allows(c.State(), p.Type) {
		c.drop(p, "gated")
		return
	}

	switch p.Type {
	case protocol.Ping:
		if err := c.SendFrame(protocol.Pong, protocol.Encode(protocol.Packet{Type: protocol.Pong, Payload: p.Payload})); err != nil {
			c.logger.Debug("Pong not delivered", zap.Error(err))
		}
		c.metrics.Dispatched(p.Type.String())
		return
	case protocol.Pong:
		c.recordPong(p)
		c.metrics.Dispatched(p.Type.String())
		return
	}

	if transitions(p.Type) && !c.advance(p.Type) {
		c.logger.Debug("Out-of-order control message ignored",
			zap.Stringer("type", p.Type), zap.Stringer("state", c.State()))
		c.metrics.Dropped("out_of_order")
		return
	}

	if !c.routes.Dispatch(c, p) && !transitions(p.Type) {
		c.logger.Debug("No handler for packet", zap.Stringer("type", p.Type))
		c.metrics.Dropped("unhandled")
		return
	}
	c.metrics.Dispatched(p.Type.String())
}

func (c *Connection) recordPong(p protocol.Packet) {
	var msg protocol.PingMsg
	if err := p.Unmarshal(&msg); err != nil {
		c.logger.Debug("Malformed pong", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sample := c.nowMs - msg.SentMs
	if sample < 0 {
		return
	}
	c.rtt[c.rttNext] = sample
	c.rttNext = (c.rttNext + 1) % RTTHistory
	if c.rttCount < RTTHistory {
		c.rttCount++
	}
}

// expired reports whether a timeout applies at nowMs and names it.
func (c *Connection) expired(nowMs float64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seen {
		return "", false
	}
	hs := float64(c.opts.HandshakeTimeout.Milliseconds())
	if hs > 0 && c.State() == Handshaking && nowMs-c.stateSinceMs > hs {
		return "handshake timeout", true
	}
	idle := float64(c.opts.IdleTimeout.Milliseconds())
	if idle > 0 && nowMs-c.lastRecvMs > idle {
		return "idle timeout", true
	}
	return "", false
}
