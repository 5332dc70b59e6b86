package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPTransportSendReceive(t *testing.T) {
	server, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	done := make(chan []byte, 1)
	server.RegisterHandler(PacketPing, func(p *Packet, addr net.Addr) error {
		done <- p.Data
		return nil
	})

	err = client.Send(&Packet{PacketType: PacketPing, Data: []byte("hi")}, server.LocalAddr())
	require.NoError(t, err)

	select {
	case data := <-done:
		assert.Equal(t, []byte("hi"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet to be handled")
	}
}

func TestUDPTransportLocalAddr(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()

	assert.NotEmpty(t, tr.LocalAddr().String())
}

func TestUDPTransportSendAfterCloseFails(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	err = tr.Send(&Packet{PacketType: PacketPing, Data: []byte("x")}, tr.LocalAddr())
	assert.Error(t, err)
}
