package node

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/assetcache"
	"github.com/iggydv12/coopsync/internal/clock"
	"github.com/iggydv12/coopsync/internal/connection"
	"github.com/iggydv12/coopsync/internal/lagcomp"
	"github.com/iggydv12/coopsync/internal/ledger"
	"github.com/iggydv12/coopsync/internal/physics"
	"github.com/iggydv12/coopsync/internal/protocol"
	"github.com/iggydv12/coopsync/internal/session"
	"github.com/iggydv12/coopsync/internal/workerpool"
)

// BundleChunkBytes is the payload size of one published BundleChunk.
const BundleChunkBytes = 16 << 10

// HostDeps are the components a Host drives. Sessions may be nil.
type HostDeps struct {
	Clock      *clock.Clock
	Conns      *connection.Manager
	World      *physics.World
	Ledger     *ledger.Ledger
	Sessions   *session.Store
	Pool       *workerpool.Pool
	PublishDir string
}

// Host implements the authoritative role: it admits peers, owns the ledger and the
// vehicle simulation, relays chat and voice, and persists the session.
type Host struct {
	mu        sync.RWMutex
	id        protocol.PeerID
	sessionID string
	phase     Phase
	names     map[protocol.PeerID]string
	party     map[protocol.PeerID]struct{}
	onParty   []func(int)

	deps   HostDeps
	logger *zap.Logger
}

// NewHost creates a Host and registers its handlers on the connection manager.
func NewHost(id protocol.PeerID, deps HostDeps, logger *zap.Logger) *Host {
	h := &Host{
		id:        id,
		sessionID: session.NewID(),
		phase:     PhaseLobby,
		names:     make(map[protocol.PeerID]string),
		party:     make(map[protocol.PeerID]struct{}),
		deps:      deps,
		logger:    logger.With(zap.Uint32("host", uint32(id))),
	}

	routes := deps.Conns.Routes()
	routes.Handle(protocol.Hello, h.onHello)
	routes.Handle(protocol.JoinRequest, h.onJoinRequest)
	routes.Handle(protocol.Disconnect, h.onDisconnect)
	routes.Handle(protocol.TransferRequest, h.onTransferRequest)
	routes.Handle(protocol.Chat, h.onChat)
	routes.Handle(protocol.Voice, h.onVoice)
	routes.Handle(protocol.AvatarSpawn, h.onAvatarUpdate)
	deps.Conns.OnRemove(h.onRemove)
	return h
}

// ID returns the host's peer id.
func (h *Host) ID() protocol.PeerID { return h.id }

// SessionID returns the id sessions are saved under.
func (h *Host) SessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessionID
}

// Phase returns the session phase.
func (h *Host) Phase() Phase {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.phase
}

// Party returns the in-game peers in id order.
func (h *Host) Party() []protocol.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.partyLocked()
}

func (h *Host) partyLocked() []protocol.PeerID {
	out := make([]protocol.PeerID, 0, len(h.party))
	for p := range h.party {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OnPartyChange registers fn to receive the party size whenever it changes.
func (h *Host) OnPartyChange(fn func(int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onParty = append(h.onParty, fn)
}

func (h *Host) partyChanged() {
	h.mu.RLock()
	n := len(h.party)
	callbacks := slices.Clone(h.onParty)
	h.mu.RUnlock()
	for _, fn := range callbacks {
		fn(n)
	}
}

func (h *Host) onHello(c *connection.Connection, p protocol.Packet) {
	var msg protocol.HelloMsg
	if err := p.Unmarshal(&msg); err != nil {
		h.logger.Warn("Malformed hello", zap.Uint32("peer", uint32(c.Peer())), zap.Error(err))
		return
	}
	if msg.Peer != c.Peer() {
		h.logger.Warn("Hello peer id mismatch",
			zap.Uint32("peer", uint32(c.Peer())), zap.Uint32("claimed", uint32(msg.Peer)))
		c.Disconnect("peer id mismatch")
		return
	}
	if err := c.Accept(); err != nil {
		h.logger.Debug("Duplicate hello ignored", zap.Uint32("peer", uint32(c.Peer())), zap.Error(err))
		return
	}

	h.mu.Lock()
	h.names[c.Peer()] = msg.Name
	sid := h.sessionID
	h.mu.Unlock()

	welcome := protocol.WelcomeMsg{
		Host:      h.id,
		SessionID: sid,
		Tick:      h.deps.Clock.Tick(),
		TickMs:    h.deps.Clock.StepMs(),
	}
	if err := c.Send(protocol.Welcome, welcome); err != nil {
		h.logger.Warn("Welcome not delivered", zap.Uint32("peer", uint32(c.Peer())), zap.Error(err))
		return
	}
	h.logger.Info("Peer admitted to lobby",
		zap.Uint32("peer", uint32(c.Peer())), zap.String("name", msg.Name), zap.String("version", msg.Version))
}

func (h *Host) onJoinRequest(c *connection.Connection, p protocol.Packet) {
	var msg protocol.JoinRequestMsg
	if err := p.Unmarshal(&msg); err != nil {
		h.logger.Warn("Malformed join request", zap.Uint32("peer", uint32(c.Peer())), zap.Error(err))
		return
	}
	peer := c.Peer()

	h.mu.Lock()
	if msg.Name != "" {
		h.names[peer] = msg.Name
	}
	others := h.partyLocked()
	party := append(append([]protocol.PeerID(nil), others...), peer)
	h.mu.Unlock()

	accept := protocol.JoinAcceptMsg{Peer: peer, Party: party, Balance: h.deps.Ledger.Balance(peer)}
	if err := c.Send(protocol.JoinAccept, accept); err != nil {
		h.logger.Warn("Join accept not delivered", zap.Uint32("peer", uint32(peer)), zap.Error(err))
		return
	}

	h.mu.Lock()
	h.party[peer] = struct{}{}
	h.phase = PhasePlaying
	h.mu.Unlock()

	spawn := physics.TransformSnap{Rot: physics.Identity}
	h.deps.World.Spawn(uint32(peer), spawn, h.deps.Clock.Tick())
	if _, err := h.deps.Conns.Broadcast(protocol.AvatarSpawn, protocol.AvatarMsg{Peer: peer, Snap: spawn}, peer); err != nil {
		h.logger.Warn("Avatar spawn broadcast failed", zap.Error(err))
	}
	for _, other := range others {
		body, ok := h.deps.World.Get(uint32(other))
		if !ok {
			continue
		}
		if err := c.Send(protocol.AvatarSpawn, protocol.AvatarMsg{Peer: other, Snap: body.Snap}); err != nil {
			h.logger.Debug("Avatar catch-up not delivered", zap.Error(err))
		}
	}

	h.logger.Info("Peer joined game", zap.Uint32("peer", uint32(peer)), zap.Int("party", len(party)))
	h.partyChanged()
	h.publishBundles(c)
}

func (h *Host) onDisconnect(c *connection.Connection, p protocol.Packet) {
	var msg protocol.DisconnectMsg
	_ = p.Unmarshal(&msg)
	h.logger.Info("Peer left", zap.Uint32("peer", uint32(c.Peer())), zap.String("reason", msg.Reason))
}

// onRemove runs on the tick goroutine once a connection is destroyed.
func (h *Host) onRemove(peer protocol.PeerID) {
	h.mu.Lock()
	_, inParty := h.party[peer]
	delete(h.party, peer)
	delete(h.names, peer)
	if len(h.party) == 0 && h.phase == PhasePlaying {
		h.phase = PhaseLobby
	}
	h.mu.Unlock()
	if !inParty {
		return
	}

	h.deps.World.Remove(uint32(peer))
	if _, err := h.deps.Conns.Broadcast(protocol.AvatarDespawn, protocol.AvatarMsg{Peer: peer}); err != nil {
		h.logger.Warn("Avatar despawn broadcast failed", zap.Error(err))
	}
	h.partyChanged()
	h.SaveSession()
}

func (h *Host) onTransferRequest(c *connection.Connection, p protocol.Packet) {
	var msg protocol.TransferRequestMsg
	if err := p.Unmarshal(&msg); err != nil {
		h.logger.Warn("Malformed transfer request", zap.Uint32("peer", uint32(c.Peer())), zap.Error(err))
		return
	}
	accepted, balance := h.deps.Ledger.Transfer(c.Peer(), msg.Delta, msg.Nonce)
	result := protocol.TransferResultMsg{Nonce: msg.Nonce, Accepted: accepted, Balance: balance}
	if err := c.Send(protocol.TransferResult, result); err != nil {
		h.logger.Warn("Transfer result not delivered", zap.Uint32("peer", uint32(c.Peer())), zap.Error(err))
	}
}

func (h *Host) onChat(c *connection.Connection, p protocol.Packet) {
	var msg protocol.ChatMsg
	if err := p.Unmarshal(&msg); err != nil {
		return
	}
	msg.From = c.Peer()
	if _, err := h.deps.Conns.Broadcast(protocol.Chat, msg, c.Peer()); err != nil {
		h.logger.Warn("Chat relay failed", zap.Error(err))
	}
}

func (h *Host) onVoice(c *connection.Connection, p protocol.Packet) {
	var msg protocol.VoiceMsg
	if err := p.Unmarshal(&msg); err != nil {
		return
	}
	msg.From = c.Peer()
	if _, err := h.deps.Conns.Broadcast(protocol.Voice, msg, c.Peer()); err != nil {
		h.logger.Debug("Voice relay failed", zap.Error(err))
	}
}

// onAvatarUpdate lets a client move its own avatar body; the host re-broadcasts it.
func (h *Host) onAvatarUpdate(c *connection.Connection, p protocol.Packet) {
	var msg protocol.AvatarMsg
	if err := p.Unmarshal(&msg); err != nil {
		return
	}
	msg.Peer = c.Peer()
	h.deps.World.Spawn(uint32(msg.Peer), msg.Snap, h.deps.Clock.Tick())
	if _, err := h.deps.Conns.Broadcast(protocol.AvatarSpawn, msg, c.Peer()); err != nil {
		h.logger.Debug("Avatar relay failed", zap.Error(err))
	}
}

// BroadcastVehicles sends the authoritative state of every body to in-game peers and
// returns the number of snapshots sent.
func (h *Host) BroadcastVehicles() int {
	sent := 0
	for _, b := range h.deps.World.Snapshots() {
		msg := protocol.VehicleSnapMsg{ID: b.ID, Tick: b.Tick, Snap: b.Snap}
		n, err := h.deps.Conns.Broadcast(protocol.VehicleSnap, msg)
		if err != nil {
			h.logger.Warn("Vehicle broadcast failed", zap.Uint32("vehicle", b.ID), zap.Error(err))
			continue
		}
		sent += n
	}
	return sent
}

// ValidateHit judges a shooter's claim that target was at claimed, rewinding the
// target by the shooter's mean round-trip time.
func (h *Host) ValidateHit(shooter protocol.PeerID, target uint32, claimed physics.Vec3, tolerance float64) bool {
	c, ok := h.deps.Conns.Get(shooter)
	if !ok || c.State() != connection.InGame {
		return false
	}
	body, ok := h.deps.World.Get(target)
	if !ok {
		return false
	}
	return lagcomp.WithinReach(body.Snap.Pos, body.Snap.Vel, c.RTTMs(), claimed, tolerance)
}

// State captures the current session for persistence.
func (h *Host) State() session.State {
	h.mu.RLock()
	st := session.State{
		ID:    h.sessionID,
		Tick:  h.deps.Clock.Tick(),
		Phase: h.phase.String(),
		Party: h.partyLocked(),
	}
	h.mu.RUnlock()
	st.Balances = h.deps.Ledger.Snapshot()
	st.SavedAt = time.Now().Unix()
	return st
}

// SaveSession captures the session and writes it on the worker pool. It returns false
// if there is no session store or the pool refused the job.
func (h *Host) SaveSession() bool {
	if h.deps.Sessions == nil {
		return false
	}
	st := h.State()
	return h.deps.Pool.Submit(func() {
		seq, err := h.deps.Sessions.Save(st)
		if err != nil {
			h.logger.Error("Session save failed", zap.String("session", st.ID), zap.Error(err))
			return
		}
		h.logger.Debug("Session saved", zap.String("session", st.ID), zap.Uint64("seq", seq))
	})
}

// publishBundles streams every <id>.bundle file in the publish directory to c.
func (h *Host) publishBundles(c *connection.Connection) {
	dir := h.deps.PublishDir
	if dir == "" {
		return
	}
	ok := h.deps.Pool.Submit(func() {
		bundles, err := readBundles(dir)
		if err != nil {
			h.logger.Warn("Bundle publish failed", zap.String("dir", dir), zap.Error(err))
			return
		}
		for _, b := range bundles {
			for _, chunk := range assetcache.Split(b.id, b.data, BundleChunkBytes) {
				msg := protocol.BundleChunkMsg{BundleID: chunk.BundleID, Offset: chunk.Offset, Total: chunk.Total, Data: chunk.Data}
				if err := c.Send(protocol.BundleChunk, msg); err != nil {
					h.logger.Debug("Bundle chunk not delivered",
						zap.Uint32("peer", uint32(c.Peer())), zap.Uint16("bundle", b.id), zap.Error(err))
					return
				}
			}
			h.logger.Info("Bundle published",
				zap.Uint32("peer", uint32(c.Peer())), zap.Uint16("bundle", b.id), zap.Int("bytes", len(b.data)))
		}
	})
	if !ok {
		h.logger.Warn("Bundle publish not scheduled", zap.Uint32("peer", uint32(c.Peer())))
	}
}

type bundleFile struct {
	id   uint16
	data []byte
}

func readBundles(dir string) ([]bundleFile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.bundle"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var out []bundleFile
	for _, path := range matches {
		stem := strings.TrimSuffix(filepath.Base(path), ".bundle")
		id, err := strconv.ParseUint(stem, 10, 16)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		out = append(out, bundleFile{id: uint16(id), data: data})
	}
	return out, nil
}
