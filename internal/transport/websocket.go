package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/protocol"
)

const (
	// PeerHeader carries the host's peer id in the upgrade response.
	PeerHeader = "X-Coop-Peer"
	writeWait  = 5 * time.Second
)

type wsLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (l *wsLink) write(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// WebSocket carries frames as binary websocket messages. The host side serves
// upgrades over HTTP; the client side dials the host.
type WebSocket struct {
	self     protocol.PeerID
	upgrader websocket.Upgrader
	dialer   websocket.Dialer

	mu    sync.RWMutex
	links map[protocol.PeerID]*wsLink
	recv  Receiver

	logger *zap.Logger
}

func NewWebSocket(self protocol.PeerID, logger *zap.Logger) *WebSocket {
	return &WebSocket{
		self: self,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		links:  make(map[protocol.PeerID]*wsLink),
		logger: logger,
	}
}

func (t *WebSocket) Bind(r Receiver) {
	t.mu.Lock()
	t.recv = r
	t.mu.Unlock()
}

func (t *WebSocket) Send(peer protocol.PeerID, frame []byte) error {
	t.mu.RLock()
	l, ok := t.links[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	if err := l.write(frame); err != nil {
		return fmt.Errorf("ws send to %d: %w", peer, err)
	}
	return nil
}

// Peers returns the peers with an open link.
func (t *WebSocket) Peers() []protocol.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]protocol.PeerID, 0, len(t.links))
	for p := range t.links {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ServeHTTP upgrades a client connection. The client names itself with ?peer=<id>.
func (t *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.URL.Query().Get("peer"), 10, 32)
	if err != nil || id == 0 {
		http.Error(w, "missing or invalid peer id", http.StatusBadRequest)
		return
	}
	peer := protocol.PeerID(id)

	header := http.Header{}
	header.Set(PeerHeader, strconv.FormatUint(uint64(t.self), 10))
	conn, err := t.upgrader.Upgrade(w, r, header)
	if err != nil {
		t.logger.Warn("Websocket upgrade failed", zap.Uint32("peer", uint32(peer)), zap.Error(err))
		return
	}
	if !t.register(peer, conn) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "peer id in use")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	t.logger.Info("Peer connected", zap.Uint32("peer", uint32(peer)), zap.String("remote", r.RemoteAddr))
	t.readLoop(peer, conn)
}

// Dial connects to a host endpoint and returns the host's peer id.
func (t *WebSocket) Dial(ctx context.Context, endpoint string) (protocol.PeerID, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return 0, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("peer", strconv.FormatUint(uint64(t.self), 10))
	u.RawQuery = q.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	id, err := strconv.ParseUint(resp.Header.Get(PeerHeader), 10, 32)
	if err != nil {
		conn.Close()
		return 0, fmt.Errorf("dial %s: host did not send %s", endpoint, PeerHeader)
	}
	host := protocol.PeerID(id)
	if !t.register(host, conn) {
		conn.Close()
		return 0, fmt.Errorf("dial %s: already linked to peer %d", endpoint, host)
	}
	go t.readLoop(host, conn)
	t.logger.Info("Connected to host", zap.Uint32("host", uint32(host)), zap.String("endpoint", endpoint))
	return host, nil
}

func (t *WebSocket) register(peer protocol.PeerID, conn *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.links[peer]; exists {
		return false
	}
	t.links[peer] = &wsLink{conn: conn}
	return true
}

func (t *WebSocket) readLoop(peer protocol.PeerID, conn *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		if l, ok := t.links[peer]; ok && l.conn == conn {
			delete(t.links, peer)
		}
		recv := t.recv
		t.mu.Unlock()
		conn.Close()
		if recv != nil {
			recv.Lost(peer)
		}
		t.logger.Info("Peer link closed", zap.Uint32("peer", uint32(peer)))
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		t.mu.RLock()
		recv := t.recv
		t.mu.RUnlock()
		if recv == nil {
			continue
		}
		if err := recv.Deliver(peer, data); err != nil {
			t.logger.Debug("Discarding frame", zap.Uint32("peer", uint32(peer)), zap.Error(err))
		}
	}
}

// Close closes every link.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	links := t.links
	t.links = make(map[protocol.PeerID]*wsLink)
	t.mu.Unlock()
	for _, l := range links {
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(writeWait))
		l.writeMu.Unlock()
		l.conn.Close()
	}
	return nil
}
