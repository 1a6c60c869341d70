// Package transport moves encoded frames between peers. Transports know nothing about
// protocol state; they hand every inbound frame to a Receiver.
package transport

import (
	"errors"

	"github.com/iggydv12/coopsync/internal/protocol"
)

// ErrUnknownPeer is returned by Send when no link to the peer exists.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// Receiver consumes inbound frames and link loss notifications.
type Receiver interface {
	Deliver(peer protocol.PeerID, frame []byte) error
	Lost(peer protocol.PeerID)
}

// Transport delivers frames to peers.
type Transport interface {
	Send(peer protocol.PeerID, frame []byte) error
	Bind(r Receiver)
	Close() error
}
