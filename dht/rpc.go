package dht

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/ringdht/ringdht/identity"
	"github.com/ringdht/ringdht/ring"
	"github.com/ringdht/ringdht/store"
)

// requestID correlates a call with its response on a connectionless
// transport that offers no correlation of its own.
type requestID uint64

const requestIDSize = 8

// wirePeer is the over-the-wire representation of a PeerRecord. Net
// addresses travel as strings since net.Addr itself isn't serializable.
type wirePeer struct {
	PublicKey [32]byte
	NetAddr   string
}

func toWire(p PeerRecord) wirePeer {
	return wirePeer{PublicKey: p.PeerID.PublicKey, NetAddr: p.NetAddr}
}

func fromWire(w wirePeer) PeerRecord {
	id := identity.NewPeerID(w.PublicKey)
	return PeerRecord{
		AddressKey: identity.AddressOf(id),
		PeerID:     id,
		NetAddr:    w.NetAddr,
	}
}

// encodePeerDescriptor serializes a peer record for storage in the object
// store under its own address key, so a value lookup of an address can be
// decoded back into a peer descriptor.
func encodePeerDescriptor(p PeerRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(toWire(p)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodePeerDescriptor is encodePeerDescriptor's inverse.
func decodePeerDescriptor(data []byte) (PeerRecord, error) {
	var w wirePeer
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return PeerRecord{}, err
	}
	return fromWire(w), nil
}

type findNodeArgs struct {
	Target ring.Key
}

type findNodeReply struct {
	Closer []wirePeer
}

type findValueArgs struct {
	Target ring.Key
}

type findValueReply struct {
	Found  bool
	Value  store.Object
	Closer []wirePeer
}

type storeArgs struct {
	Object store.Object
}

type storeReply struct {
	Accepted bool
}

// encodeEnvelope prefixes a gob-encoded payload with the request ID the
// session manager uses to match a response to its call.
func encodeEnvelope(id requestID, payload any) ([]byte, error) {
	var buf bytes.Buffer
	var idBytes [requestIDSize]byte
	binary.BigEndian.PutUint64(idBytes[:], uint64(id))
	buf.Write(idBytes[:])

	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeEnvelope splits a received payload into its request ID and the
// remaining gob-encoded body, decoding the body into out.
func decodeEnvelope(data []byte, out any) (requestID, error) {
	if len(data) < requestIDSize {
		return 0, errShortEnvelope
	}
	id := requestID(binary.BigEndian.Uint64(data[:requestIDSize]))
	if err := gob.NewDecoder(bytes.NewReader(data[requestIDSize:])).Decode(out); err != nil {
		return id, err
	}
	return id, nil
}

// decodeBody gob-decodes a response body already stripped of its request
// ID prefix by the caller, which tracked the ID itself via the pending map.
func decodeBody(data []byte, out any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}

var errShortEnvelope = &envelopeError{"dht: envelope shorter than request id"}

type envelopeError struct{ msg string }

func (e *envelopeError) Error() string { return e.msg }
