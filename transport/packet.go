// Package transport provides the wire-level packet framing the DHT sends
// its RPCs over. The DHT core depends only on the small Transport interface
// in types.go; this file defines the concrete packet types, and udp.go
// provides a UDP implementation so the rest of the module has something to
// run against.
//
// Packet types are organized around the three RPC verbs the DHT facade
// issues: STORE, FIND_NODE, and FIND_VALUE, plus the session handshake
// packets the peer manager uses to detect liveness.
//
// Example usage:
//
//	packet := &Packet{PacketType: PacketFindNode, Data: encodedArgs}
//	data, _ := packet.Serialize()
//	transport.Send(packet, remoteAddr)
//
//	received, _ := ParsePacket(networkData)
//	switch received.PacketType {
//	case PacketFindNodeResponse:
//	    // handle closer-peers response
//	}
package transport

import (
	"errors"
)

// PacketType identifies the RPC verb or session signal a packet carries.
type PacketType byte

const (
	// PacketPing and PacketPong implement the liveness check the session
	// manager uses to move a peer between Fresh, Healthy, and Unhealthy.
	PacketPing PacketType = iota + 1
	PacketPong

	// PacketStore and PacketStoreAck carry the STORE RPC: a key/value pair
	// to persist at a peer believed responsible for it.
	PacketStore
	PacketStoreAck

	// PacketFindNode and PacketFindNodeResponse carry the FIND_NODE RPC
	// used by the iterative lookup engine to discover closer peers.
	PacketFindNode
	PacketFindNodeResponse

	// PacketFindValue and PacketFindValueResponse carry the FIND_VALUE RPC.
	// A responding peer answers with either the stored value or the closer
	// peers it knows of, mirroring FIND_NODE when it holds nothing.
	PacketFindValue
	PacketFindValueResponse
)

// Packet is the fundamental unit of communication the DHT sends over a
// Transport: a verb tag and an opaque, codec-specific payload.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for network transmission.
//
// Packet format: [packet_type(1)][data(variable)]
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice received from the network into a Packet.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
