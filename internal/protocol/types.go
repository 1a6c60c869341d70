// Package protocol defines the co-op message types, their payloads, and the frame codec
// shared by every transport.
package protocol

import "fmt"

// PeerID identifies one remote participant.
type PeerID uint32

// MsgType is the frame discriminator.
type MsgType uint16

const (
	Hello MsgType = iota + 1
	Welcome
	Ping
	Pong
	JoinRequest
	JoinAccept
	Disconnect
	AvatarSpawn
	AvatarDespawn
	Chat
	QuestStage
	SceneTrigger
	ScoreUpdate
	VehicleSnap
	TransferRequest
	TransferResult
	BundleChunk
	Voice
)

var typeNames = map[MsgType]string{
	Hello:           "Hello",
	Welcome:         "Welcome",
	Ping:            "Ping",
	Pong:            "Pong",
	JoinRequest:     "JoinRequest",
	JoinAccept:      "JoinAccept",
	Disconnect:      "Disconnect",
	AvatarSpawn:     "AvatarSpawn",
	AvatarDespawn:   "AvatarDespawn",
	Chat:            "Chat",
	QuestStage:      "QuestStage",
	SceneTrigger:    "SceneTrigger",
	ScoreUpdate:     "ScoreUpdate",
	VehicleSnap:     "VehicleSnap",
	TransferRequest: "TransferRequest",
	TransferResult:  "TransferResult",
	BundleChunk:     "BundleChunk",
	Voice:           "Voice",
}

func (t MsgType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(%d)", uint16(t))
}

// Known reports whether t is a defined message type.
func (t MsgType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// IsControl reports whether t belongs to the connection lifecycle rather than gameplay.
func (t MsgType) IsControl() bool {
	switch t {
	case Hello, Welcome, Ping, Pong, JoinRequest, JoinAccept, Disconnect:
		return true
	}
	return false
}

// Packet is one decoded frame.
type Packet struct {
	Type    MsgType
	Payload []byte
}
