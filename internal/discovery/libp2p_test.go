package discovery

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLoopback(t *testing.T) *LibP2PDiscovery {
	t.Helper()
	d := NewLibP2PDiscovery(Options{ListenAddr: "/ip4/127.0.0.1/tcp/0", DisableMDNS: true}, zap.NewNop())
	require.NoError(t, d.Init())
	t.Cleanup(func() { d.Close() })
	return d
}

func TestBrowserFindsHost(t *testing.T) {
	host := newLoopback(t)
	host.Advertise(Announcement{PeerID: 1, Name: "night city", Endpoint: "ws://10.0.0.5:7777/coop/ws", Players: 2})

	browser := newLoopback(t)
	found := make(chan Announcement, 1)
	browser.OnFound(func(a Announcement) { found <- a })

	browser.handlePeerFound(peer.AddrInfo{ID: host.host.ID(), Addrs: host.host.Addrs()})

	select {
	case a := <-found:
		assert.Equal(t, "ws://10.0.0.5:7777/coop/ws", a.Endpoint)
		assert.Equal(t, uint32(1), a.PeerID)
		assert.Equal(t, host.host.ID().String(), a.NodeID)
	case <-time.After(5 * time.Second):
		t.Fatal("host not reported")
	}
	assert.Len(t, browser.Found(), 1)

	// a second sighting updates without re-notifying
	browser.handlePeerFound(peer.AddrInfo{ID: host.host.ID(), Addrs: host.host.Addrs()})
	assert.Len(t, found, 0)
}

func TestNonHostIsIgnored(t *testing.T) {
	idle := newLoopback(t)
	browser := newLoopback(t)

	browser.handlePeerFound(peer.AddrInfo{ID: idle.host.ID(), Addrs: idle.host.Addrs()})
	assert.Empty(t, browser.Found())

	// self sightings are skipped
	browser.handlePeerFound(peer.AddrInfo{ID: browser.host.ID(), Addrs: browser.host.Addrs()})
	assert.Empty(t, browser.Found())
}
