package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// HeaderSize is the fixed frame header: uint16 LE type, uint32 LE payload size.
const HeaderSize = 6

var (
	ErrShortFrame   = errors.New("protocol: short frame")
	ErrTrailingData = errors.New("protocol: trailing bytes after payload")
)

// Encode frames a packet.
func Encode(p Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.Type))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Decode parses one frame. The payload aliases frame.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < HeaderSize {
		return Packet{}, ErrShortFrame
	}
	t := MsgType(binary.LittleEndian.Uint16(frame[0:2]))
	size := binary.LittleEndian.Uint32(frame[2:6])
	body := frame[HeaderSize:]
	if uint64(len(body)) < uint64(size) {
		return Packet{}, fmt.Errorf("%w: %s wants %d bytes, have %d", ErrShortFrame, t, size, len(body))
	}
	if uint64(len(body)) > uint64(size) {
		return Packet{}, ErrTrailingData
	}
	return Packet{Type: t, Payload: body}, nil
}

// NewPacket msgpack-encodes v as the payload of a t packet. A nil v yields an empty payload.
func NewPacket(t MsgType, v any) (Packet, error) {
	if v == nil {
		return Packet{Type: t}, nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return Packet{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Packet{Type: t, Payload: data}, nil
}

// Marshal is NewPacket followed by Encode.
func Marshal(t MsgType, v any) ([]byte, error) {
	p, err := NewPacket(t, v)
	if err != nil {
		return nil, err
	}
	return Encode(p), nil
}

// Unmarshal decodes the packet payload into v.
func (p Packet) Unmarshal(v any) error {
	if err := msgpack.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", p.Type, err)
	}
	return nil
}
