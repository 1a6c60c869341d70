package node

// Phase is the coarse lifecycle of a session as seen by one node.
type Phase int32

const (
	// PhaseIdle means no session is running yet.
	PhaseIdle Phase = iota
	// PhaseConnecting means a client is dialling or handshaking with a host.
	PhaseConnecting
	// PhaseLobby means the session exists but nobody has joined the game.
	PhaseLobby
	// PhasePlaying means at least one peer is in game.
	PhasePlaying
	// PhaseEnded means the session closed.
	PhaseEnded
)

// IsActive returns true while the session can exchange game traffic.
func (p Phase) IsActive() bool {
	return p == PhaseLobby || p == PhasePlaying
}

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseLobby:
		return "lobby"
	case PhasePlaying:
		return "playing"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}
