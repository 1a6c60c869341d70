package protocol

import "github.com/iggydv12/coopsync/internal/physics"

type HelloMsg struct {
	Peer    PeerID `msgpack:"peer"`
	Version string `msgpack:"version"`
	Name    string `msgpack:"name"`
}

type WelcomeMsg struct {
	Host      PeerID  `msgpack:"host"`
	SessionID string  `msgpack:"session"`
	Tick      uint64  `msgpack:"tick"`
	TickMs    float64 `msgpack:"tickMs"`
}

// PingMsg carries the sender's clock; Pong echoes it back unchanged.
type PingMsg struct {
	SentMs float64 `msgpack:"sent"`
}

type JoinRequestMsg struct {
	Name string `msgpack:"name"`
}

type JoinAcceptMsg struct {
	Peer    PeerID   `msgpack:"peer"`
	Party   []PeerID `msgpack:"party"`
	Balance uint64   `msgpack:"balance"`
}

type DisconnectMsg struct {
	Reason string `msgpack:"reason"`
}

type AvatarMsg struct {
	Peer PeerID                `msgpack:"peer"`
	Snap physics.TransformSnap `msgpack:"snap"`
}

type ChatMsg struct {
	From PeerID `msgpack:"from"`
	Text string `msgpack:"text"`
}

// VehicleSnapMsg is one authoritative body state at Tick.
type VehicleSnapMsg struct {
	ID   uint32                `msgpack:"id"`
	Tick uint64                `msgpack:"tick"`
	Snap physics.TransformSnap `msgpack:"snap"`
}

type TransferRequestMsg struct {
	Delta int64  `msgpack:"delta"`
	Nonce uint64 `msgpack:"nonce"`
}

type TransferResultMsg struct {
	Nonce    uint64 `msgpack:"nonce"`
	Accepted bool   `msgpack:"accepted"`
	Balance  uint64 `msgpack:"balance"`
}

// BundleChunkMsg is one slice of a compressed bundle. Offset+len(Data) == Total marks the last chunk.
type BundleChunkMsg struct {
	BundleID uint16 `msgpack:"bundle"`
	Offset   uint32 `msgpack:"offset"`
	Total    uint32 `msgpack:"total"`
	Data     []byte `msgpack:"data"`
}

// VoiceMsg is an opaque encoded audio frame.
type VoiceMsg struct {
	From  PeerID `msgpack:"from"`
	Seq   uint32 `msgpack:"seq"`
	Frame []byte `msgpack:"frame"`
}
