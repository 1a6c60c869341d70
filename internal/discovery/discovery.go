// Package discovery finds co-op hosts on the local network.
package discovery

// Announcement describes a host session that clients can join.
type Announcement struct {
	PeerID   uint32   `json:"peerID"`
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"` // websocket URL clients dial
	Players  int      `json:"players"`
	NodeID   string   `json:"nodeID,omitempty"`
	Addrs    []string `json:"addrs,omitempty"`
}

// HostDiscovery advertises and browses host sessions.
type HostDiscovery interface {
	// Init starts the discovery subsystem.
	Init() error
	// Advertise publishes this node as a host. Later calls replace the announcement.
	Advertise(a Announcement)
	// Found returns every host discovered so far.
	Found() []Announcement
	// OnFound registers a callback for newly discovered hosts.
	OnFound(fn func(Announcement))
	// Close shuts down the discovery subsystem.
	Close() error
}
