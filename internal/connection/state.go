package connection

import (
	"fmt"
	"strings"

	"github.com/iggydv12/coopsync/internal/protocol"
)

// State is the protocol state of one peer connection.
type State int32

const (
	Disconnected State = iota
	Handshaking
	Lobby
	InGame
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Handshaking:
		return "Handshaking"
	case Lobby:
		return "Lobby"
	case InGame:
		return "InGame"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// States lists every state in lifecycle order.
var States = []State{Disconnected, Handshaking, Lobby, InGame}

// next returns the state reached when msg is sent or received in from, and whether
// msg is a valid transition there. Messages outside the table return ok=false.
func next(from State, msg protocol.MsgType) (State, bool) {
	switch msg {
	case protocol.Welcome:
		if from == Handshaking {
			return Lobby, true
		}
	case protocol.JoinAccept:
		if from == Lobby {
			return InGame, true
		}
	case protocol.Disconnect:
		return Disconnected, true
	}
	return from, false
}

// transitions reports whether msg is one of the state-changing control messages.
func transitions(msg protocol.MsgType) bool {
	return msg == protocol.Welcome || msg == protocol.JoinAccept || msg == protocol.Disconnect
}

// GatePolicy decides which gameplay messages a connection accepts in each state.
type GatePolicy int

const (
	// GatePermissive dispatches every message regardless of state.
	GatePermissive GatePolicy = iota
	// GateStrict drops gameplay messages that arrive before their minimum state.
	GateStrict
)

func (g GatePolicy) String() string {
	if g == GateStrict {
		return "strict"
	}
	return "permissive"
}

// ParseGatePolicy maps a config value to a GatePolicy. Empty means permissive.
func ParseGatePolicy(s string) (GatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "permissive":
		return GatePermissive, nil
	case "strict":
		return GateStrict, nil
	}
	return GatePermissive, fmt.Errorf("unknown gate policy %q", s)
}

// minState is the lowest state in which t is accepted under GateStrict.
func minState(t protocol.MsgType) State {
	switch {
	case t.IsControl():
		return Disconnected
	case t == protocol.BundleChunk:
		return Lobby
	}
	return InGame
}

// Allows reports whether a message of type t may be dispatched in state s.
func (g GatePolicy) Allows(s State, t protocol.MsgType) bool {
	if g == GatePermissive {
		return true
	}
	return s >= minState(t)
}
