package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	// EndpointProtocol is the stream protocol a host answers with its Announcement.
	EndpointProtocol = "/coop/endpoint/1.0.0"
	DefaultService   = "coopsync-lan"
	queryTimeout     = 5 * time.Second
	maxAnnouncement  = 64 << 10
)

// Options configures LibP2PDiscovery.
type Options struct {
	ServiceTag  string
	ListenAddr  string // multiaddr, default /ip4/0.0.0.0/tcp/0
	DisableMDNS bool
}

// LibP2PDiscovery implements HostDiscovery with a libp2p host and mDNS.
type LibP2PDiscovery struct {
	opts   Options
	host   host.Host
	mdns   mdns.Service
	logger *zap.Logger

	mu      sync.RWMutex
	self    *Announcement
	found   map[peer.ID]Announcement
	onFound []func(Announcement)
}

func NewLibP2PDiscovery(opts Options, logger *zap.Logger) *LibP2PDiscovery {
	if opts.ServiceTag == "" {
		opts.ServiceTag = DefaultService
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = "/ip4/0.0.0.0/tcp/0"
	}
	return &LibP2PDiscovery{
		opts:   opts,
		found:  make(map[peer.ID]Announcement),
		logger: logger,
	}
}

// Init creates the libp2p host, registers the endpoint protocol and starts mDNS.
func (d *LibP2PDiscovery) Init() error {
	listen, err := multiaddr.NewMultiaddr(d.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen addr %q: %w", d.opts.ListenAddr, err)
	}
	h, err := libp2p.New(libp2p.ListenAddrs(listen))
	if err != nil {
		return fmt.Errorf("libp2p host: %w", err)
	}
	d.host = h
	h.SetStreamHandler(EndpointProtocol, d.serveAnnouncement)

	if !d.opts.DisableMDNS {
		d.mdns = mdns.NewMdnsService(h, d.opts.ServiceTag, &mdnsNotifee{discovery: d})
		if err := d.mdns.Start(); err != nil {
			d.logger.Warn("mDNS start failed (LAN discovery disabled)", zap.Error(err))
			d.mdns = nil
		}
	}

	d.logger.Info("libp2p discovery started",
		zap.String("nodeID", h.ID().String()),
		zap.Strings("addrs", addrsToStrings(h.Addrs())),
		zap.String("service", d.opts.ServiceTag),
	)
	return nil
}

func (d *LibP2PDiscovery) Advertise(a Announcement) {
	if d.host != nil {
		a.NodeID = d.host.ID().String()
		a.Addrs = addrsToStrings(d.host.Addrs())
	}
	d.mu.Lock()
	d.self = &a
	d.mu.Unlock()
	d.logger.Info("Advertising host session", zap.String("endpoint", a.Endpoint), zap.Uint32("peer", a.PeerID))
}

func (d *LibP2PDiscovery) Found() []Announcement {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Announcement, 0, len(d.found))
	for _, a := range d.found {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (d *LibP2PDiscovery) OnFound(fn func(Announcement)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFound = append(d.onFound, fn)
}

// serveAnnouncement answers an endpoint query. Nodes that are not hosting reset the stream.
func (d *LibP2PDiscovery) serveAnnouncement(s network.Stream) {
	defer s.Close()
	d.mu.RLock()
	self := d.self
	d.mu.RUnlock()
	if self == nil {
		_ = s.Reset()
		return
	}
	_ = s.SetWriteDeadline(time.Now().Add(queryTimeout))
	if err := json.NewEncoder(s).Encode(self); err != nil {
		d.logger.Debug("Announcement write failed", zap.Error(err))
	}
}

// Query connects to pi and asks for its host announcement.
func (d *LibP2PDiscovery) Query(ctx context.Context, pi peer.AddrInfo) (Announcement, error) {
	if err := d.host.Connect(ctx, pi); err != nil {
		return Announcement{}, fmt.Errorf("connect %s: %w", pi.ID, err)
	}
	s, err := d.host.NewStream(ctx, pi.ID, EndpointProtocol)
	if err != nil {
		return Announcement{}, fmt.Errorf("open endpoint stream %s: %w", pi.ID, err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetReadDeadline(deadline)
	}

	var a Announcement
	if err := json.NewDecoder(io.LimitReader(s, maxAnnouncement)).Decode(&a); err != nil {
		return Announcement{}, fmt.Errorf("read announcement %s: %w", pi.ID, err)
	}
	a.NodeID = pi.ID.String()
	return a, nil
}

func (d *LibP2PDiscovery) handlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	a, err := d.Query(ctx, pi)
	if err != nil {
		d.logger.Debug("Peer is not hosting", zap.String("nodeID", pi.ID.String()), zap.Error(err))
		return
	}

	d.mu.Lock()
	_, known := d.found[pi.ID]
	d.found[pi.ID] = a
	callbacks := slices.Clone(d.onFound)
	d.mu.Unlock()

	if known {
		return
	}
	d.logger.Info("Discovered host",
		zap.String("nodeID", a.NodeID),
		zap.String("name", a.Name),
		zap.String("endpoint", a.Endpoint))
	for _, fn := range callbacks {
		fn(a)
	}
}

// Close shuts down mDNS and the libp2p host.
func (d *LibP2PDiscovery) Close() error {
	if d.mdns != nil {
		_ = d.mdns.Close()
	}
	if d.host != nil {
		return d.host.Close()
	}
	return nil
}

func addrsToStrings(addrs []multiaddr.Multiaddr) []string {
	s := make([]string, len(addrs))
	for i, a := range addrs {
		s[i] = a.String()
	}
	return s
}

// mdnsNotifee handles mDNS peer discovery notifications.
type mdnsNotifee struct {
	discovery *LibP2PDiscovery
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	go n.discovery.handlePeerFound(pi)
}
