package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/coopsync/internal/physics"
	"github.com/iggydv12/coopsync/internal/protocol"
)

func TestFrameLayout(t *testing.T) {
	frame := protocol.Encode(protocol.Packet{Type: protocol.Chat, Payload: []byte{0xAA, 0xBB}})
	assert.Equal(t, []byte{10, 0, 2, 0, 0, 0, 0xAA, 0xBB}, frame)
}

func TestDecodeErrors(t *testing.T) {
	_, err := protocol.Decode([]byte{1, 0, 0})
	assert.ErrorIs(t, err, protocol.ErrShortFrame)

	_, err = protocol.Decode([]byte{1, 0, 4, 0, 0, 0, 1, 2})
	assert.ErrorIs(t, err, protocol.ErrShortFrame)

	_, err = protocol.Decode([]byte{1, 0, 1, 0, 0, 0, 1, 2})
	assert.ErrorIs(t, err, protocol.ErrTrailingData)
}

func TestEmptyPayload(t *testing.T) {
	frame, err := protocol.Marshal(protocol.Ping, nil)
	require.NoError(t, err)
	p, err := protocol.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.Ping, p.Type)
	assert.Empty(t, p.Payload)
}

func TestVehicleSnapPayload(t *testing.T) {
	in := protocol.VehicleSnapMsg{
		ID:   4,
		Tick: 900,
		Snap: physics.TransformSnap{Pos: physics.Vec3{X: 1.5}, Vel: physics.Vec3{Y: -2}, Rot: physics.Identity},
	}
	frame, err := protocol.Marshal(protocol.VehicleSnap, in)
	require.NoError(t, err)

	p, err := protocol.Decode(frame)
	require.NoError(t, err)
	var out protocol.VehicleSnapMsg
	require.NoError(t, p.Unmarshal(&out))
	assert.Equal(t, in, out)
}

func TestTypeClassification(t *testing.T) {
	assert.True(t, protocol.Welcome.IsControl())
	assert.False(t, protocol.Chat.IsControl())
	assert.False(t, protocol.MsgType(999).Known())
	assert.Equal(t, "BundleChunk", protocol.BundleChunk.String())
	assert.Equal(t, "MsgType(999)", protocol.MsgType(999).String())
}
