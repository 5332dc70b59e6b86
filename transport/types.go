package transport

import (
	"net"
)

// PacketHandler processes an incoming packet. Handlers run concurrently,
// one goroutine per received packet, and receive the sender's address for
// context-aware processing.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport is the interface the DHT core depends on to exchange RPC
// packets with other peers. It deliberately says nothing about reliability,
// encryption, or NAT traversal; those are concerns of whatever concrete
// implementation is wired in, not of the DHT logic that calls Send.
type Transport interface {
	// Send transmits a packet to the specified network address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport and releases all resources.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler associates a handler function with a packet type,
	// routing incoming packets of that type to it.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}
