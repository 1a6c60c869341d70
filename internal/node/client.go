package node

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/assetcache"
	"github.com/iggydv12/coopsync/internal/clock"
	"github.com/iggydv12/coopsync/internal/connection"
	"github.com/iggydv12/coopsync/internal/physics"
	"github.com/iggydv12/coopsync/internal/protocol"
)

// ErrNotJoined is returned for game traffic sent before the client is in game.
var ErrNotJoined = errors.New("node: not in game")

// Version is announced in Hello.
const Version = "1.0.0"

// Dialer opens a transport link to a host endpoint and returns the host's peer id.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (protocol.PeerID, error)
}

// ClientDeps are the components a Client drives. Streamer may be nil.
type ClientDeps struct {
	Clock     *clock.Clock
	Conns     *connection.Manager
	World     *physics.World
	Assembler *assetcache.Assembler
	Streamer  *assetcache.Streamer
}

// TransferOutcome is the host's answer to a transfer request.
type TransferOutcome struct {
	Nonce    uint64
	Accepted bool
	Balance  uint64
}

// Client implements the predicting role: it joins a host, reconciles replicated
// bodies, receives bundles and requests ledger transfers.
type Client struct {
	mu        sync.RWMutex
	id        protocol.PeerID
	name      string
	host      protocol.PeerID
	sessionID string
	phase     Phase
	balance   uint64
	party     map[protocol.PeerID]struct{}
	pending   map[uint64]chan TransferOutcome

	nonce      atomic.Uint64
	correction atomic.Uint64 // last reconcile correction, float64 bits

	onChat  func(protocol.ChatMsg)
	onVoice func(protocol.VoiceMsg)

	deps   ClientDeps
	logger *zap.Logger
}

// NewClient creates a Client and registers its handlers on the connection manager.
func NewClient(id protocol.PeerID, name string, deps ClientDeps, logger *zap.Logger) *Client {
	c := &Client{
		id:      id,
		name:    name,
		phase:   PhaseIdle,
		party:   make(map[protocol.PeerID]struct{}),
		pending: make(map[uint64]chan TransferOutcome),
		deps:    deps,
		logger:  logger.With(zap.Uint32("peer", uint32(id))),
	}
	c.nonce.Store(uint64(time.Now().UnixNano()))

	routes := deps.Conns.Routes()
	routes.Handle(protocol.Welcome, c.onWelcome)
	routes.Handle(protocol.JoinAccept, c.onJoinAccept)
	routes.Handle(protocol.Disconnect, c.onDisconnect)
	routes.Handle(protocol.AvatarSpawn, c.onAvatarSpawn)
	routes.Handle(protocol.AvatarDespawn, c.onAvatarDespawn)
	routes.Handle(protocol.VehicleSnap, c.onVehicleSnap)
	routes.Handle(protocol.BundleChunk, c.onBundleChunk)
	routes.Handle(protocol.TransferResult, c.onTransferResult)
	routes.Handle(protocol.Chat, c.onChatMsg)
	routes.Handle(protocol.Voice, c.onVoiceMsg)
	deps.Conns.OnRemove(c.onRemove)
	return c
}

// ID returns this client's peer id.
func (c *Client) ID() protocol.PeerID { return c.id }

// Host returns the host's peer id, or 0 before Join.
func (c *Client) Host() protocol.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

// Phase returns the client's session phase.
func (c *Client) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Balance returns the last balance reported by the host.
func (c *Client) Balance() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balance
}

// SessionID returns the session announced in Welcome.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Party returns the peers known to be in game, including this client.
func (c *Client) Party() []protocol.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.PeerID, 0, len(c.party))
	for p := range c.party {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LastCorrection returns the positional error removed by the latest reconcile.
func (c *Client) LastCorrection() float64 {
	return math.Float64frombits(c.correction.Load())
}

// OnChat registers the chat sink.
func (c *Client) OnChat(fn func(protocol.ChatMsg)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChat = fn
}

// OnVoice registers the voice frame sink.
func (c *Client) OnVoice(fn func(protocol.VoiceMsg)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onVoice = fn
}

// Join dials endpoint, retrying transient failures, and starts the handshake.
func (c *Client) Join(ctx context.Context, d Dialer, endpoint string) error {
	c.mu.Lock()
	c.phase = PhaseConnecting
	c.mu.Unlock()

	var host protocol.PeerID
	err := retry.Do(func() error {
		var err error
		host, err = d.Dial(ctx, endpoint)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(1*time.Second),
		retry.MaxDelay(30*time.Second),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Join retry", zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		c.mu.Lock()
		c.phase = PhaseIdle
		c.mu.Unlock()
		return err
	}
	return c.Attach(host)
}

// Attach starts the handshake with host over an already established link.
func (c *Client) Attach(host protocol.PeerID) error {
	c.mu.Lock()
	c.host = host
	c.phase = PhaseConnecting
	c.mu.Unlock()

	conn := c.deps.Conns.Connect(host)
	if err := conn.StartHandshake(protocol.HelloMsg{Peer: c.id, Version: Version, Name: c.name}); err != nil {
		return err
	}
	c.logger.Info("Handshake started", zap.Uint32("host", uint32(host)))
	return nil
}

// Leave disconnects from the host.
func (c *Client) Leave(reason string) {
	if host := c.Host(); host != 0 {
		c.deps.Conns.Disconnect(host, reason)
	}
}

func (c *Client) hostConn() (*connection.Connection, error) {
	conn, ok := c.deps.Conns.Get(c.Host())
	if !ok || conn.State() != connection.InGame {
		return nil, ErrNotJoined
	}
	return conn, nil
}

// RequestTransfer asks the host to apply delta under a fresh nonce. The returned
// channel receives the outcome once. Resend reuses the nonce for retries.
func (c *Client) RequestTransfer(delta int64) (uint64, <-chan TransferOutcome, error) {
	nonce := c.nonce.Add(1)
	ch := make(chan TransferOutcome, 1)
	c.mu.Lock()
	c.pending[nonce] = ch
	c.mu.Unlock()

	if err := c.Resend(nonce, delta); err != nil {
		c.mu.Lock()
		delete(c.pending, nonce)
		c.mu.Unlock()
		return 0, nil, err
	}
	return nonce, ch, nil
}

// Resend sends a transfer request for an existing nonce. The host applies it at most once.
func (c *Client) Resend(nonce uint64, delta int64) error {
	conn, err := c.hostConn()
	if err != nil {
		return err
	}
	return conn.Send(protocol.TransferRequest, protocol.TransferRequestMsg{Delta: delta, Nonce: nonce})
}

// PendingTransfers returns the number of transfers awaiting a result.
func (c *Client) PendingTransfers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// SendChat sends text to the party through the host.
func (c *Client) SendChat(text string) error {
	conn, err := c.hostConn()
	if err != nil {
		return err
	}
	return conn.Send(protocol.Chat, protocol.ChatMsg{From: c.id, Text: text})
}

// SendVoice sends one opaque voice frame.
func (c *Client) SendVoice(seq uint32, frame []byte) error {
	conn, err := c.hostConn()
	if err != nil {
		return err
	}
	return conn.Send(protocol.Voice, protocol.VoiceMsg{From: c.id, Seq: seq, Frame: frame})
}

// PollBundles drains finished bundle results from the streamer.
func (c *Client) PollBundles() []assetcache.Result {
	if c.deps.Streamer == nil {
		return nil
	}
	var out []assetcache.Result
	for {
		r, ok := c.deps.Streamer.Poll()
		if !ok {
			return out
		}
		c.logger.Info("Bundle ready", zap.Uint16("bundle", r.BundleID), zap.Bool("success", r.Success))
		out = append(out, r)
	}
}

func (c *Client) onWelcome(conn *connection.Connection, p protocol.Packet) {
	var msg protocol.WelcomeMsg
	if err := p.Unmarshal(&msg); err != nil {
		c.logger.Warn("Malformed welcome", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.sessionID = msg.SessionID
	c.phase = PhaseLobby
	c.mu.Unlock()
	if msg.TickMs > 0 {
		c.deps.Clock.SetStepMs(msg.TickMs)
	}
	c.deps.Clock.Sync(msg.Tick)

	if err := conn.Send(protocol.JoinRequest, protocol.JoinRequestMsg{Name: c.name}); err != nil {
		c.logger.Warn("Join request not delivered", zap.Error(err))
		return
	}
	c.logger.Info("Welcomed by host", zap.Uint32("host", uint32(msg.Host)), zap.String("session", msg.SessionID))
}

func (c *Client) onJoinAccept(_ *connection.Connection, p protocol.Packet) {
	var msg protocol.JoinAcceptMsg
	if err := p.Unmarshal(&msg); err != nil {
		c.logger.Warn("Malformed join accept", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.phase = PhasePlaying
	c.balance = msg.Balance
	for _, peer := range msg.Party {
		c.party[peer] = struct{}{}
	}
	c.mu.Unlock()
	c.logger.Info("Joined game", zap.Int("party", len(msg.Party)), zap.Uint64("balance", msg.Balance))
}

func (c *Client) onDisconnect(_ *connection.Connection, p protocol.Packet) {
	var msg protocol.DisconnectMsg
	_ = p.Unmarshal(&msg)
	c.logger.Info("Disconnected by host", zap.String("reason", msg.Reason))
}

func (c *Client) onRemove(peer protocol.PeerID) {
	c.mu.Lock()
	if peer != c.host {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseEnded
	c.party = make(map[protocol.PeerID]struct{})
	pending := c.pending
	c.pending = make(map[uint64]chan TransferOutcome)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) onAvatarSpawn(_ *connection.Connection, p protocol.Packet) {
	var msg protocol.AvatarMsg
	if err := p.Unmarshal(&msg); err != nil {
		return
	}
	c.mu.Lock()
	c.party[msg.Peer] = struct{}{}
	c.mu.Unlock()
	c.deps.World.Spawn(uint32(msg.Peer), msg.Snap, c.deps.Clock.Tick())
}

func (c *Client) onAvatarDespawn(_ *connection.Connection, p protocol.Packet) {
	var msg protocol.AvatarMsg
	if err := p.Unmarshal(&msg); err != nil {
		return
	}
	c.mu.Lock()
	delete(c.party, msg.Peer)
	c.mu.Unlock()
	c.deps.World.Remove(uint32(msg.Peer))
}

func (c *Client) onVehicleSnap(_ *connection.Connection, p protocol.Packet) {
	var msg protocol.VehicleSnapMsg
	if err := p.Unmarshal(&msg); err != nil {
		return
	}
	correction := c.deps.World.Reconcile(msg.ID, msg.Snap, msg.Tick)
	c.correction.Store(math.Float64bits(correction))
}

func (c *Client) onBundleChunk(_ *connection.Connection, p protocol.Packet) {
	var msg protocol.BundleChunkMsg
	if err := p.Unmarshal(&msg); err != nil {
		return
	}
	data, done, err := c.deps.Assembler.Add(assetcache.Chunk{
		BundleID: msg.BundleID, Offset: msg.Offset, Total: msg.Total, Data: msg.Data,
	})
	if err != nil {
		c.logger.Warn("Bundle chunk rejected", zap.Uint16("bundle", msg.BundleID), zap.Error(err))
		return
	}
	if !done || c.deps.Streamer == nil {
		return
	}
	if !c.deps.Streamer.Submit(assetcache.Task{BundleID: msg.BundleID, Data: data}) {
		c.logger.Warn("Bundle task refused", zap.Uint16("bundle", msg.BundleID))
	}
}

func (c *Client) onTransferResult(_ *connection.Connection, p protocol.Packet) {
	var msg protocol.TransferResultMsg
	if err := p.Unmarshal(&msg); err != nil {
		return
	}
	c.mu.Lock()
	c.balance = msg.Balance
	ch, ok := c.pending[msg.Nonce]
	delete(c.pending, msg.Nonce)
	c.mu.Unlock()
	if ok {
		ch <- TransferOutcome{Nonce: msg.Nonce, Accepted: msg.Accepted, Balance: msg.Balance}
	}
}

func (c *Client) onChatMsg(_ *connection.Connection, p protocol.Packet) {
	var msg protocol.ChatMsg
	if err := p.Unmarshal(&msg); err != nil {
		return
	}
	c.mu.RLock()
	fn := c.onChat
	c.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (c *Client) onVoiceMsg(_ *connection.Connection, p protocol.Packet) {
	var msg protocol.VoiceMsg
	if err := p.Unmarshal(&msg); err != nil {
		return
	}
	c.mu.RLock()
	fn := c.onVoice
	c.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}
