package transport_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/protocol"
	"github.com/iggydv12/coopsync/internal/transport"
)

type inbound struct {
	peer  protocol.PeerID
	frame []byte
}

type collector struct {
	mu     sync.Mutex
	frames []inbound
	lost   []protocol.PeerID
}

func (c *collector) Deliver(peer protocol.PeerID, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, inbound{peer, frame})
	return nil
}

func (c *collector) Lost(peer protocol.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lost = append(c.lost, peer)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *collector) lostPeers() []protocol.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.PeerID(nil), c.lost...)
}

func TestInprocHub(t *testing.T) {
	hub := transport.NewHub()
	a, b := hub.Join(1), hub.Join(2)
	ra, rb := &collector{}, &collector{}
	a.Bind(ra)
	b.Bind(rb)

	frame := []byte{1, 2, 3}
	require.NoError(t, a.Send(2, frame))
	frame[0] = 9

	require.Len(t, rb.frames, 1)
	assert.Equal(t, protocol.PeerID(1), rb.frames[0].peer)
	assert.Equal(t, []byte{1, 2, 3}, rb.frames[0].frame)

	assert.ErrorIs(t, a.Send(3, frame), transport.ErrUnknownPeer)

	require.NoError(t, b.Close())
	assert.Equal(t, []protocol.PeerID{2}, ra.lostPeers())
	assert.ErrorIs(t, a.Send(2, frame), transport.ErrUnknownPeer)
}

func TestWebSocketRoundTrip(t *testing.T) {
	host := transport.NewWebSocket(1, zap.NewNop())
	hostRecv := &collector{}
	host.Bind(hostRecv)
	srv := httptest.NewServer(host)
	defer srv.Close()
	defer host.Close()

	client := transport.NewWebSocket(42, zap.NewNop())
	clientRecv := &collector{}
	client.Bind(clientRecv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hostID, err := client.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	assert.Equal(t, protocol.PeerID(1), hostID)

	require.NoError(t, client.Send(1, []byte("hello host")))
	require.Eventually(t, func() bool { return hostRecv.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.PeerID(42), hostRecv.frames[0].peer)
	assert.Equal(t, []protocol.PeerID{42}, host.Peers())

	require.NoError(t, host.Send(42, []byte("hello client")))
	require.Eventually(t, func() bool { return clientRecv.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("hello client"), clientRecv.frames[0].frame)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return len(hostRecv.lostPeers()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, host.Peers())
}

func TestWebSocketRejectsMissingPeer(t *testing.T) {
	host := transport.NewWebSocket(1, zap.NewNop())
	srv := httptest.NewServer(host)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}
