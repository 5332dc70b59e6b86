package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSerializeParseRoundTrip(t *testing.T) {
	original := &Packet{PacketType: PacketFindNode, Data: []byte("target-key")}

	data, err := original.Serialize()
	require.NoError(t, err)

	parsed, err := ParsePacket(data)
	require.NoError(t, err)

	assert.Equal(t, original.PacketType, parsed.PacketType)
	assert.Equal(t, original.Data, parsed.Data)
}

func TestPacketSerializeRejectsNilData(t *testing.T) {
	p := &Packet{PacketType: PacketPing}
	_, err := p.Serialize()
	assert.Error(t, err)
}

func TestPacketSerializeAllowsEmptyData(t *testing.T) {
	p := &Packet{PacketType: PacketPing, Data: []byte{}}
	data, err := p.Serialize()
	require.NoError(t, err)
	assert.Len(t, data, 1)
}

func TestParsePacketRejectsEmptyInput(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.Error(t, err)

	_, err = ParsePacket([]byte{})
	assert.Error(t, err)
}
